package target

import "fmt"

// State is the lifecycle state of the supervised process.
type State int

const (
	Idle State = iota
	Starting
	Up
	Stopping
	Restarting
)

var stateNames = [...]string{
	Idle:       "idle",
	Starting:   "starting",
	Up:         "up",
	Stopping:   "stopping",
	Restarting: "restarting",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// States lists every state, in declaration order.
var States = []State{Idle, Starting, Up, Stopping, Restarting}

// Event is something that happened to the supervisor.
type Event int

const (
	EventStart Event = iota
	EventStop
	EventExited
	EventReady
	EventNotReady
)

var eventNames = [...]string{
	EventStart:    "start",
	EventStop:     "stop",
	EventExited:   "exited",
	EventReady:    "ready",
	EventNotReady: "not ready",
}

func (e Event) String() string {
	if int(e) < len(eventNames) {
		return eventNames[e]
	}
	return fmt.Sprintf("Event(%d)", int(e))
}

// Action is the side effect a transition asks the runtime to perform.
type Action int

const (
	ActionNone Action = iota
	ActionSpawn
	ActionSignal
	ActionNotifyReady
)

var actionNames = [...]string{
	ActionNone:        "none",
	ActionSpawn:       "spawn",
	ActionSignal:      "signal",
	ActionNotifyReady: "notify ready",
}

func (a Action) String() string {
	if int(a) < len(actionNames) {
		return actionNames[a]
	}
	return fmt.Sprintf("Action(%d)", int(a))
}

// TransitionError is returned for an event the state machine does not allow.
// It always indicates a bug in the caller.
type TransitionError struct {
	State State
	Event Event
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("target: no transition for %q in state %q", e.Event, e.State)
}

// Transition computes the next state and the side effect for event in state.
// Stale readiness results are ignored outside Starting.
func Transition(state State, event Event) (State, Action, error) {
	switch state {
	case Idle:
		switch event {
		case EventStart:
			return Starting, ActionSpawn, nil
		case EventStop, EventReady, EventNotReady:
			return Idle, ActionNone, nil
		}
	case Starting:
		switch event {
		case EventStart:
			return Starting, ActionNone, nil
		case EventStop, EventNotReady:
			return Stopping, ActionSignal, nil
		case EventExited:
			return Idle, ActionNone, nil
		case EventReady:
			return Up, ActionNotifyReady, nil
		}
	case Up:
		switch event {
		case EventStart, EventReady, EventNotReady:
			return Up, ActionNone, nil
		case EventStop:
			return Stopping, ActionSignal, nil
		case EventExited:
			return Idle, ActionNone, nil
		}
	case Stopping:
		switch event {
		case EventStart:
			return Restarting, ActionNone, nil
		case EventStop, EventReady, EventNotReady:
			return Stopping, ActionNone, nil
		case EventExited:
			return Idle, ActionNone, nil
		}
	case Restarting:
		switch event {
		case EventStart, EventReady, EventNotReady:
			return Restarting, ActionNone, nil
		case EventStop:
			return Stopping, ActionNone, nil
		case EventExited:
			return Starting, ActionSpawn, nil
		}
	}
	return state, ActionNone, &TransitionError{State: state, Event: event}
}
