package pipeline

import "fmt"

// placement says where a route's handler runs.
type placement uint8

const (
	// placeInline runs the handler on the connection loop.
	placeInline placement = iota
	// placeWorker runs the handler on the worker pool. Writes go back to
	// the loop.
	placeWorker
	// placeDispatch runs the handler and every write on the route executor.
	placeDispatch
)

func (p placement) String() string {
	switch p {
	case placeInline:
		return "inline"
	case placeWorker:
		return "worker"
	case placeDispatch:
		return "dispatch"
	default:
		return "unknown"
	}
}

// tristate matches a boolean input of the placement table.
type tristate uint8

const (
	anyValue tristate = iota
	yes
	no
)

func (t tristate) match(v bool) bool {
	return t == anyValue || (t == yes) == v
}

type placementRule struct {
	executor tristate
	modes    []ExecutionMode // nil matches every mode
	blocking tristate
	place    placement
}

func (r placementRule) match(executor bool, mode ExecutionMode, blocking bool) bool {
	if !r.executor.match(executor) || !r.blocking.match(blocking) {
		return false
	}
	if r.modes == nil {
		return true
	}
	for _, m := range r.modes {
		if m == mode {
			return true
		}
	}
	return false
}

// placementTable is evaluated top to bottom; the first matching rule wins.
var placementTable = []placementRule{
	{executor: yes, blocking: anyValue, place: placeDispatch},
	{executor: no, modes: []ExecutionMode{ModeWorker}, blocking: anyValue, place: placeWorker},
	{executor: no, modes: []ExecutionMode{ModeDefault}, blocking: yes, place: placeWorker},
	{executor: no, modes: []ExecutionMode{ModeDefault}, blocking: no, place: placeInline},
	{executor: no, modes: []ExecutionMode{ModeEventLoop}, blocking: anyValue, place: placeInline},
}

func placementFor(executor bool, mode ExecutionMode, blocking bool) (placement, error) {
	for _, rule := range placementTable {
		if rule.match(executor, mode, blocking) {
			return rule.place, nil
		}
	}
	return 0, fmt.Errorf("no placement for mode %s (executor=%t, blocking=%t)", mode, executor, blocking)
}
