package pipeline

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// ExecutionMode selects where a route's handler runs.
type ExecutionMode uint8

const (
	// ModeDefault runs non-blocking results inline on the connection's Loop
	// and offloads blocking results to the worker pool.
	ModeDefault ExecutionMode = iota
	// ModeEventLoop always runs the handler inline on the Loop.
	ModeEventLoop
	// ModeWorker always runs the handler on the worker pool.
	ModeWorker
)

var modeNames = map[ExecutionMode]string{
	ModeDefault:   "default",
	ModeEventLoop: "event-loop",
	ModeWorker:    "worker",
}

func (m ExecutionMode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("ExecutionMode(%d)", m)
}

// ParseExecutionMode parses a mode name. Matching is case-insensitive and
// accepts "event_loop" as an alias.
func ParseExecutionMode(s string) (ExecutionMode, error) {
	name := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-")
	if name == "" {
		return ModeDefault, nil
	}
	for m, n := range modeNames {
		if n == name {
			return m, nil
		}
	}
	return ModeDefault, fmt.Errorf("unknown execution mode %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (m ExecutionMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *ExecutionMode) UnmarshalText(b []byte) error {
	parsed, err := ParseExecutionMode(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (m *ExecutionMode) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	return m.UnmarshalText([]byte(s))
}
