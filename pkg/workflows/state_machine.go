package workflows

import "fmt"

// StateMachine enforces status transitions from a fixed transition table
type StateMachine[S ~string] struct {
	allowedTransitions map[S][]S
}

// NewStateMachine creates a new state machine with allowed transitions.
// States that only appear as targets are terminal.
func NewStateMachine[S ~string](transitions map[S][]S) *StateMachine[S] {
	table := make(map[S][]S, len(transitions))
	for from, to := range transitions {
		table[from] = append([]S(nil), to...)
		for _, target := range to {
			if _, ok := transitions[target]; !ok {
				table[target] = nil
			}
		}
	}
	return &StateMachine[S]{allowedTransitions: table}
}

// CanTransition checks if a status transition is allowed
func (sm *StateMachine[S]) CanTransition(from, to S) bool {
	allowed, exists := sm.allowedTransitions[from]
	if !exists {
		return false
	}
	for _, allowedTo := range allowed {
		if allowedTo == to {
			return true
		}
	}
	return false
}

// GetAllowedTransitions returns the allowed next statuses for a given status
func (sm *StateMachine[S]) GetAllowedTransitions(from S) []S {
	allowed, exists := sm.allowedTransitions[from]
	if !exists {
		return []S{}
	}
	return append([]S(nil), allowed...)
}

// IsTerminal reports whether no transition leaves the given status
func (sm *StateMachine[S]) IsTerminal(status S) bool {
	allowed, exists := sm.allowedTransitions[status]
	return exists && len(allowed) == 0
}

// Validate returns a TransitionError when from -> to is not allowed
func (sm *StateMachine[S]) Validate(from, to S) error {
	if sm.CanTransition(from, to) {
		return nil
	}
	return &TransitionError{From: string(from), To: string(to)}
}

// TransitionError reports a transition that is not in the table
type TransitionError struct {
	From string
	To   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("transition from %s to %s is not allowed", e.From, e.To)
}
