package workflows

// TokenizationState is the share lifecycle state of a project
type TokenizationState string

const (
	NotTokenized TokenizationState = "NOT_TOKENIZED"
	Tokenized    TokenizationState = "TOKENIZED"
)

// StateMachine enforces tokenization state transitions
type StateMachine struct {
	allowedTransitions map[TokenizationState][]TokenizationState
}

// NewStateMachine creates a new state machine with allowed transitions.
// Tokenization is one-way: there is no path back to NOT_TOKENIZED.
func NewStateMachine() *StateMachine {
	return &StateMachine{
		allowedTransitions: map[TokenizationState][]TokenizationState{
			NotTokenized: {Tokenized},
			Tokenized:    {},
		},
	}
}

// StateOf maps a project's tokenized flag to its state
func StateOf(isTokenized bool) TokenizationState {
	if isTokenized {
		return Tokenized
	}
	return NotTokenized
}

// CanTransition checks if a state transition is allowed
func (sm *StateMachine) CanTransition(from, to TokenizationState) bool {
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

// GetAllowedTransitions returns the allowed next states for a given state
func (sm *StateMachine) GetAllowedTransitions(from TokenizationState) []TokenizationState {
	allowed, exists := sm.allowedTransitions[from]
	if !exists {
		return []TokenizationState{}
	}
	return allowed
}
