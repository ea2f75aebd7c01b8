// Command sample serves a small user API through the pipeline, with one
// route for each result shape the pipeline knows how to send.
//
// Run:
//
//	go run ./cmd/sample
//	go run ./cmd/sample -config pipeline.yaml
//
// Then explore:
//
//	GET    http://localhost:8080/v1/health              text on the event loop
//	GET    http://localhost:8080/v1/users               JSON, negotiated (try Accept: application/xml)
//	POST   http://localhost:8080/v1/users               JSON body, 201
//	GET    http://localhost:8080/v1/users/{id}          JSON or problem+json 404
//	DELETE http://localhost:8080/v1/users/{id}          204
//	POST   http://localhost:8080/v1/users/{id}/avatar   spooled upload
//	GET    http://localhost:8080/v1/users/{id}/avatar   attachment download
//	GET    http://localhost:8080/v1/users/{id}/card     pooled buffer
//	GET    http://localhost:8080/v1/report              future, resolves after a delay
//	GET    http://localhost:8080/v1/lookup/{id}         awaitable task with a timeout
//	GET    http://localhost:8080/v1/events              SSE stream from a channel
//	GET    http://localhost:8080/v1/echo                handler drives the sink itself
//	GET    http://localhost:8080/v1/limited             rate limited
//	GET    http://localhost:8080/metrics                Prometheus metrics
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/bytedance/sonic"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bjaus/pipeline"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := pipeline.LoadConfig(configPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Level()}))
	slog.SetDefault(logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := pipeline.NewMetrics(reg)

	pool := cfg.NewWorkerPool(pipeline.WithWorkerLogger(logger), pipeline.WithWorkerMetrics(metrics))
	if err := pool.Start(); err != nil {
		return fmt.Errorf("start workers: %w", err)
	}

	opts := append(cfg.Options(), pipeline.WithLogger(logger), pipeline.WithMetrics(metrics))
	r := pipeline.NewRouter(pipeline.New(pool, opts...), cfg.RouterOptions()...)
	r.Use(pipeline.AccessLog(logger))
	routes(r)
	if cfg.Metrics.Enabled {
		r.Mount("GET "+cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	for _, c := range r.Routes() {
		logger.Debug("route", "name", c.Name(), "chain", c.String(), "placement", c.Placement())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting server", "addr", cfg.Server.Addr, "workers", cfg.Workers.Count)
	serveErr := r.ListenAndServe(ctx, cfg.Server.Addr)

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := pool.Stop(stopCtx); err != nil && !errors.Is(err, pipeline.ErrNotRunning) {
		logger.Warn("worker pool did not drain", "err", err)
	}

	logger.Info("server stopped")
	return serveErr
}

func routes(r *pipeline.Router) {
	pipeline.Get(r, "/v1/health", handleHealth, pipeline.WithMode(pipeline.ModeEventLoop))

	pipeline.Get(r, "/v1/users", handleListUsers)
	pipeline.Post(r, "/v1/users", handleCreateUser, pipeline.WithStatus(http.StatusCreated))
	pipeline.Get(r, "/v1/users/{id}", handleGetUser)
	pipeline.Delete(r, "/v1/users/{id}", handleDeleteUser)

	pipeline.Post(r, "/v1/users/{id}/avatar", handleUploadAvatar)
	pipeline.Get(r, "/v1/users/{id}/avatar", handleDownloadAvatar)
	pipeline.Get(r, "/v1/users/{id}/card", handleCard)

	pipeline.Get(r, "/v1/report", handleReport)
	pipeline.Get(r, "/v1/lookup/{id}", handleLookup, pipeline.WithTimeout(2*time.Second))
	pipeline.Get(r, "/v1/events", handleEvents)
	pipeline.Get(r, "/v1/echo", handleEcho, pipeline.WithMode(pipeline.ModeWorker))
	pipeline.Get(r, "/v1/limited", handleHealth, pipeline.WithRateLimit(2, 2))
}

// ---------------------------------------------------------------------------
// In-memory store
// ---------------------------------------------------------------------------

var store = &userStore{
	users: map[string]*User{
		"1": {ID: "1", Name: "Alice", Email: "alice@example.com", Role: "admin", CreatedAt: time.Now()},
		"2": {ID: "2", Name: "Bob", Email: "bob@example.com", Role: "member", CreatedAt: time.Now()},
	},
	avatars: map[string][]byte{},
	nextID:  3,
}

type userStore struct {
	mu      sync.RWMutex
	users   map[string]*User
	avatars map[string][]byte
	nextID  int
}

func (s *userStore) list(role string) []User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]User, 0, len(s.users))
	for _, u := range s.users {
		if role != "" && u.Role != role {
			continue
		}
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *userStore) get(id string) (User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, false
	}
	return *u, true
}

func (s *userStore) create(name, email, role string) User {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := &User{
		ID:        strconv.Itoa(s.nextID),
		Name:      name,
		Email:     email,
		Role:      role,
		CreatedAt: time.Now(),
	}
	s.nextID++
	s.users[u.ID] = u
	return *u
}

func (s *userStore) delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[id]; !ok {
		return false
	}
	delete(s.users, id)
	delete(s.avatars, id)
	return true
}

func (s *userStore) setAvatar(id string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.avatars[id] = data
}

func (s *userStore) getAvatar(id string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.avatars[id]
	return data, ok
}

// ---------------------------------------------------------------------------
// Domain types
// ---------------------------------------------------------------------------

// User is the core domain entity.
type User struct {
	ID        string    `json:"id" xml:"id"`
	Name      string    `json:"name" xml:"name"`
	Email     string    `json:"email" xml:"email"`
	Role      string    `json:"role" xml:"role"`
	CreatedAt time.Time `json:"created_at" xml:"created_at"`
}

// SetHeaders implements pipeline.HeaderSetter.
func (u User) SetHeaders(h http.Header) {
	h.Set("Location", "/v1/users/"+u.ID)
}

// UserList is the list response.
type UserList struct {
	Users []User `json:"users" xml:"user"`
	Total int    `json:"total" xml:"total"`
}

type createUser struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

// Report is produced asynchronously.
type Report struct {
	Users       int       `json:"users"`
	GeneratedAt time.Time `json:"generated_at"`
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func handleHealth(context.Context, *pipeline.Sink) (string, error) {
	return "ok", nil
}

func handleListUsers(_ context.Context, s *pipeline.Sink) (UserList, error) {
	users := store.list(s.Request().Header.Get("X-Role"))
	return UserList{Users: users, Total: len(users)}, nil
}

func handleCreateUser(_ context.Context, s *pipeline.Sink) (User, error) {
	var req createUser
	if err := sonic.ConfigStd.NewDecoder(io.LimitReader(s.Request().Body, 1<<20)).Decode(&req); err != nil {
		return User{}, pipeline.Errorf(http.StatusBadRequest, "invalid body: %v", err)
	}
	if req.Name == "" || req.Email == "" {
		return User{}, pipeline.Error(http.StatusBadRequest, "name and email are required")
	}
	if req.Role == "" {
		req.Role = "member"
	}
	return store.create(req.Name, req.Email, req.Role), nil
}

func handleGetUser(_ context.Context, s *pipeline.Sink) (*User, error) {
	id := s.Request().PathValue("id")
	u, ok := store.get(id)
	if !ok {
		return nil, pipeline.Errorf(http.StatusNotFound, "user %s not found", id)
	}
	return &u, nil
}

func handleDeleteUser(_ context.Context, s *pipeline.Sink) (pipeline.Void, error) {
	id := s.Request().PathValue("id")
	if !store.delete(id) {
		return pipeline.Void{}, pipeline.Errorf(http.StatusNotFound, "user %s not found", id)
	}
	return pipeline.Void{}, nil
}

func handleUploadAvatar(_ context.Context, s *pipeline.Sink) (pipeline.Void, error) {
	id := s.Request().PathValue("id")
	if _, ok := store.get(id); !ok {
		return pipeline.Void{}, pipeline.Errorf(http.StatusNotFound, "user %s not found", id)
	}

	upload, err := s.CreateUpload("avatar", io.LimitReader(s.Request().Body, 1<<20))
	if err != nil {
		return pipeline.Void{}, pipeline.Errorf(http.StatusBadRequest, "read avatar: %v", err)
	}
	rc, err := upload.Open()
	if err != nil {
		return pipeline.Void{}, err
	}
	defer func() {
		//nolint:errcheck,gosec // best-effort close
		rc.Close()
	}()
	data, err := io.ReadAll(rc)
	if err != nil {
		return pipeline.Void{}, err
	}
	store.setAvatar(id, data)
	return pipeline.Void{}, nil
}

func handleDownloadAvatar(_ context.Context, s *pipeline.Sink) (*pipeline.Attachment, error) {
	id := s.Request().PathValue("id")
	data, ok := store.getAvatar(id)
	if !ok {
		return nil, pipeline.Errorf(http.StatusNotFound, "avatar not found for user %s", id)
	}
	return &pipeline.Attachment{
		Name:        "avatar-" + id + ".png",
		Content:     bytes.NewReader(data),
		ContentType: "image/png",
		Length:      int64(len(data)),
	}, nil
}

func handleCard(_ context.Context, s *pipeline.Sink) (*pipeline.Buffer, error) {
	id := s.Request().PathValue("id")
	u, ok := store.get(id)
	if !ok {
		return nil, pipeline.Errorf(http.StatusNotFound, "user %s not found", id)
	}
	buf := pipeline.NewBuffer()
	//nolint:errcheck // writes to memory
	fmt.Fprintf(buf, "BEGIN:VCARD\nFN:%s\nEMAIL:%s\nEND:VCARD\n", u.Name, u.Email)
	//nolint:errcheck // open sink
	s.SetContentType("text/vcard")
	return buf, nil
}

func handleReport(context.Context, *pipeline.Sink) (*pipeline.Promise[Report], error) {
	return pipeline.Async(func() (Report, error) {
		time.Sleep(200 * time.Millisecond)
		return Report{Users: len(store.list("")), GeneratedAt: time.Now()}, nil
	}), nil
}

func handleLookup(ctx context.Context, s *pipeline.Sink) (*pipeline.Task, error) {
	id := s.Request().PathValue("id")
	return pipeline.Launch(ctx, func(ctx context.Context) (any, error) {
		select {
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		}
		u, ok := store.get(id)
		if !ok {
			return nil, pipeline.Errorf(http.StatusNotFound, "user %s not found", id)
		}
		return u, nil
	}), nil
}

func handleEvents(ctx context.Context, _ *pipeline.Sink) (<-chan pipeline.SSEEvent, error) {
	ch := make(chan pipeline.SSEEvent)

	go func() {
		defer close(ch)
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()

		for i := 1; i <= 30; i++ {
			select {
			case <-ctx.Done():
				return
			case t := <-ticker.C:
				event := pipeline.SSEEvent{
					ID:    strconv.Itoa(i),
					Event: "tick",
					Data:  map[string]any{"time": t.Format(time.RFC3339), "seq": i},
				}
				select {
				case ch <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return ch, nil
}

func handleEcho(_ context.Context, s *pipeline.Sink) (*pipeline.Sink, error) {
	req := s.Request()
	if err := s.SetHeader("X-Echo-Method", req.Method); err != nil {
		return nil, err
	}
	return s, s.SendText(fmt.Sprintf("%s %s from %s\n", req.Method, req.Path, req.RemoteAddr))
}
