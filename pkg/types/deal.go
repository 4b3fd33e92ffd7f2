package types

import (
	"slices"
	"time"
)

type State string

const (
	StateDraft        State = "Draft"
	StateUnderReview  State = "UnderReview"
	StateApproved     State = "Approved"
	StateReadyToClose State = "ReadyToClose"
	StateClosed       State = "Closed"
	StateOperating    State = "Operating"
	StateFrozen       State = "Frozen"
	StateTerminated   State = "Terminated"
	StateExited       State = "Exited"
)

// AllStates lists every lifecycle state in forward order.
func AllStates() []State {
	return []State{
		StateDraft,
		StateUnderReview,
		StateApproved,
		StateReadyToClose,
		StateClosed,
		StateOperating,
		StateFrozen,
		StateTerminated,
		StateExited,
	}
}

func (s State) Valid() bool {
	return slices.Contains(AllStates(), s)
}

// Absorbing states accept administrative history but no lifecycle change.
func (s State) Absorbing() bool {
	return s == StateTerminated || s == StateExited
}

type Deal struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	State        State     `json:"state"`
	StressMode   bool      `json:"stress_mode"`
	AppendHalted bool      `json:"append_halted"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type Actor struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"display_name"`
	Roles       []string `json:"roles"`
}

func (a Actor) HasRole(role string) bool {
	return slices.Contains(a.Roles, role)
}

// AuthorityContext is the caller's assertion of who is acting and in which roles.
type AuthorityContext struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles"`
}

// HasAnyRole reports whether the context holds one of roles. An empty
// requirement is satisfied by any context.
func (a AuthorityContext) HasAnyRole(roles []string) bool {
	if len(roles) == 0 {
		return true
	}
	for _, role := range roles {
		if slices.Contains(a.Roles, role) {
			return true
		}
	}
	return false
}
