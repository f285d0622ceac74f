package accel

import "fmt"

// State is a pipeline phase. Switch and Settle are the running forms of
// Switching and Settling: the worker is busy with that phase.
type State uint8

const (
	StateIdle State = iota
	StateUpdating
	StateSwitching
	StateSwitch
	StateSettling
	StateSettle
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateUpdating:
		return "updating"
	case StateSwitching:
		return "switching"
	case StateSwitch:
		return "switch"
	case StateSettling:
		return "settling"
	case StateSettle:
		return "settle"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Running reports whether the worker owns the pipeline in s.
func (s State) Running() bool {
	return s == StateUpdating || s == StateSwitch || s == StateSettle
}

// Event drives a transition.
type Event uint8

const (
	// EventAdvance is the producer asking for the next phase.
	EventAdvance Event = iota
	// EventPhaseDone is the worker reporting a finished phase.
	EventPhaseDone
)

func (e Event) String() string {
	if e == EventPhaseDone {
		return "phase-done"
	}
	return "advance"
}

type transitionKey struct {
	from  State
	event Event
}

// transitions is the complete state machine. Pairs not listed are invalid.
var transitions = map[transitionKey]State{
	{StateIdle, EventAdvance}:       StateUpdating,
	{StateUpdating, EventPhaseDone}: StateSwitching,
	{StateSwitching, EventAdvance}:  StateSwitch,
	{StateSwitch, EventPhaseDone}:   StateSettling,
	{StateSettling, EventAdvance}:   StateSettle,
	{StateSettle, EventPhaseDone}:   StateIdle,
}

// next returns the state reached from s on e.
func next(s State, e Event) (State, bool) {
	to, ok := transitions[transitionKey{s, e}]
	return to, ok
}
