package workflows

const (
	StatusPending  = "PENDING"
	StatusApproved = "APPROVED"
	StatusMinted   = "MINTED"
	StatusRejected = "REJECTED"
)

// StateMachine enforces tokenization request status transitions
type StateMachine struct {
	allowedTransitions map[string][]string
}

// NewStateMachine creates a new state machine with allowed transitions.
// APPROVED is where a request lands when provisioning fails part way; like
// MINTED and REJECTED it is terminal.
func NewStateMachine() *StateMachine {
	return &StateMachine{
		allowedTransitions: map[string][]string{
			StatusPending:  {StatusMinted, StatusApproved, StatusRejected},
			StatusApproved: {},
			StatusMinted:   {},
			StatusRejected: {},
		},
	}
}

// CanTransition checks if a status transition is allowed
func (sm *StateMachine) CanTransition(from, to string) bool {
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

// IsTerminal reports whether no transition leaves status.
func (sm *StateMachine) IsTerminal(status string) bool {
	allowed, exists := sm.allowedTransitions[status]
	return exists && len(allowed) == 0
}
