package proxy

import (
	"fmt"
	"strings"
)

// State is the lifecycle state of a proxy server.
type State int

const (
	Starting State = iota
	Up
	TargetStarting
	TargetUp
	TargetStopping
	TargetStoppingForRestart
	TargetStoppingForShutdown
	ShuttingDown
	ShutDown
)

var stateNames = [...]string{
	Starting:                  "starting",
	Up:                        "up",
	TargetStarting:            "target-starting",
	TargetUp:                  "target-up",
	TargetStopping:            "target-stopping",
	TargetStoppingForRestart:  "target-stopping-for-restart",
	TargetStoppingForShutdown: "target-stopping-for-shutdown",
	ShuttingDown:              "shutting-down",
	ShutDown:                  "shut-down",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// States lists every state, in declaration order.
var States = []State{
	Starting, Up, TargetStarting, TargetUp, TargetStopping,
	TargetStoppingForRestart, TargetStoppingForShutdown, ShuttingDown, ShutDown,
}

type event int

const (
	evListening event = iota
	evRequest
	evTargetReady
	evTargetExit
	evStop
	evIdle
	evServerClosed
)

var eventNames = [...]string{
	evListening:    "listening",
	evRequest:      "request",
	evTargetReady:  "target-ready",
	evTargetExit:   "target-exit",
	evStop:         "stop",
	evIdle:         "idle-timeout",
	evServerClosed: "server-closed",
}

func (e event) String() string {
	if int(e) < len(eventNames) {
		return eventNames[e]
	}
	return fmt.Sprintf("event(%d)", int(e))
}

// effect is a set of side effects requested by a transition.
type effect uint16

const (
	// effAwaitListening makes the request wait until the server is listening.
	effAwaitListening effect = 1 << iota
	// effAwaitReady makes the request wait on the pending-ready signal.
	effAwaitReady
	effForward
	effReject
	// effStartTarget arms the pending-ready signal and starts the target.
	effStartTarget
	effStopTarget
	// effResolvePending wakes queued requests so they dispatch again.
	effResolvePending
	// effFailPending answers queued requests with 503.
	effFailPending
	effListening
	// effRefuseListener closes a listener handed over after shutdown began.
	effRefuseListener
	effCloseListener
	effShutDown
)

var effectNames = []string{
	"await-listening", "await-ready", "forward", "reject", "start-target",
	"stop-target", "resolve-pending", "fail-pending", "listening",
	"refuse-listener", "close-listener", "shut-down",
}

func (e effect) has(f effect) bool { return e&f != 0 }

func (e effect) String() string {
	if e == 0 {
		return "none"
	}
	var names []string
	for i, name := range effectNames {
		if e.has(1 << i) {
			names = append(names, name)
		}
	}
	return strings.Join(names, "|")
}

// TransitionError is an event the proxy state machine does not allow. It
// always indicates a bug.
type TransitionError struct {
	State State
	Event string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("proxy: no transition for %q in state %q", e.Event, e.State)
}

// transition computes the next state and side effects for ev in state.
func transition(state State, ev event) (State, effect, error) {
	switch ev {
	case evListening:
		switch state {
		case Starting:
			return Up, effListening, nil
		case ShuttingDown, ShutDown:
			return state, effRefuseListener, nil
		}

	case evRequest:
		switch state {
		case Starting:
			return state, effAwaitListening, nil
		case Up:
			return TargetStarting, effStartTarget | effAwaitReady, nil
		case TargetStarting, TargetStoppingForRestart:
			return state, effAwaitReady, nil
		case TargetUp:
			return state, effForward, nil
		case TargetStopping:
			return TargetStoppingForRestart, effStartTarget | effAwaitReady, nil
		case TargetStoppingForShutdown, ShuttingDown, ShutDown:
			return state, effReject, nil
		}

	case evTargetReady:
		if state == TargetStarting {
			return TargetUp, effResolvePending, nil
		}

	case evTargetExit:
		switch state {
		case TargetStarting:
			return Up, effFailPending, nil
		case TargetUp, TargetStopping:
			return Up, 0, nil
		case TargetStoppingForRestart:
			return TargetStarting, effStartTarget, nil
		case TargetStoppingForShutdown:
			return ShuttingDown, effCloseListener, nil
		case ShuttingDown, ShutDown:
			return state, 0, nil
		}

	case evStop:
		switch state {
		case Starting, Up:
			return ShuttingDown, effCloseListener, nil
		case TargetStarting, TargetUp, TargetStopping, TargetStoppingForRestart:
			return TargetStoppingForShutdown, effStopTarget | effFailPending, nil
		case TargetStoppingForShutdown, ShuttingDown, ShutDown:
			return state, 0, nil
		}

	case evIdle:
		if state == TargetUp {
			return TargetStopping, effStopTarget, nil
		}
		if int(state) < len(stateNames) {
			return state, 0, nil
		}

	case evServerClosed:
		if state == ShuttingDown {
			return ShutDown, effShutDown, nil
		}
	}
	return state, 0, &TransitionError{State: state, Event: ev.String()}
}
