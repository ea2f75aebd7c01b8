package pipeline

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// Upload is a request payload spooled to a temporary file. It is owned by
// the Sink that created it and deleted when that Sink is destroyed, so a
// handler may read it at any point before the response completes.
type Upload struct {
	Name string
	Size int64

	path      string
	closeOnce sync.Once
	closeErr  error
}

// Path returns the location of the temporary file.
func (u *Upload) Path() string { return u.path }

// Open returns a reader for the uploaded contents.
func (u *Upload) Open() (io.ReadCloser, error) {
	f, err := os.Open(u.path)
	if err != nil {
		return nil, fmt.Errorf("open upload %q: %w", u.Name, err)
	}
	return f, nil
}

// Close deletes the temporary file. It is idempotent.
func (u *Upload) Close() error {
	u.closeOnce.Do(func() {
		if err := os.Remove(u.path); err != nil && !os.IsNotExist(err) {
			u.closeErr = fmt.Errorf("remove upload %q: %w", u.Name, err)
		}
	})
	return u.closeErr
}

func spoolUpload(dir, name string, r io.Reader) (*Upload, error) {
	f, err := os.CreateTemp(dir, "upload-*")
	if err != nil {
		return nil, fmt.Errorf("create upload %q: %w", name, err)
	}

	n, copyErr := io.Copy(f, r)
	closeErr := f.Close()
	if copyErr != nil || closeErr != nil {
		//nolint:errcheck,gosec // best-effort cleanup of a partial spool
		os.Remove(f.Name())
		if copyErr != nil {
			return nil, fmt.Errorf("spool upload %q: %w", name, copyErr)
		}
		return nil, fmt.Errorf("spool upload %q: %w", name, closeErr)
	}

	return &Upload{Name: name, Size: n, path: f.Name()}, nil
}
