package supervisor

import "fmt"

// State is the supervision state of one service.
type State string

const (
	StateStopped        State = "stopped"
	StateStarting       State = "starting"
	StateAwaitingHealth State = "awaiting_health"
	StateHealthy        State = "healthy"
	StateDegraded       State = "degraded"
	StateStopping       State = "stopping"
	StateFailed         State = "failed"
)

// AllStates lists every state, in lifecycle order.
var AllStates = []State{
	StateStopped, StateStarting, StateAwaitingHealth, StateHealthy,
	StateDegraded, StateStopping, StateFailed,
}

var transitions = map[State][]State{
	StateStopped:        {StateStarting},
	StateStarting:       {StateAwaitingHealth, StateFailed, StateStopping},
	StateAwaitingHealth: {StateHealthy, StateFailed, StateStopping},
	StateHealthy:        {StateDegraded, StateFailed, StateStopping},
	StateDegraded:       {StateHealthy, StateFailed, StateStopping},
	StateStopping:       {StateStopped, StateFailed},
	StateFailed:         {StateStopping},
}

// CanTransition reports whether moving from s to next is allowed.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Up reports whether the service is serving (possibly degraded).
func (s State) Up() bool {
	return s == StateHealthy || s == StateDegraded
}

// Active reports whether a process may exist for the service.
func (s State) Active() bool {
	return s != StateStopped
}

func stateNames(states []State) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}

type transitionError struct {
	service  string
	from, to State
}

func (e *transitionError) Error() string {
	return fmt.Sprintf("%s: invalid state transition %s -> %s", e.service, e.from, e.to)
}
