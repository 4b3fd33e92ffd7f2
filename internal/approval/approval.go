// Package approval counts distinct-role approvals against an action threshold.
package approval

import (
	"sort"
	"time"
)

// Record is one actor approving an action in one role.
type Record struct {
	DealID     string    `json:"deal_id"`
	Action     string    `json:"action"`
	Role       string    `json:"role"`
	ActorID    string    `json:"actor_id"`
	ApprovedAt time.Time `json:"approved_at"`
}

type Status struct {
	Action          string         `json:"action"`
	Satisfied       bool           `json:"satisfied"`
	SatisfiedByRole map[string]int `json:"satisfiedByRole"`
	Threshold       int            `json:"threshold"`
	Count           int            `json:"count"`
}

// Roles returns the counted roles in sorted order.
func (s Status) Roles() []string {
	out := make([]string, 0, len(s.SatisfiedByRole))
	for role := range s.SatisfiedByRole {
		out = append(out, role)
	}
	sort.Strings(out)
	return out
}

// Tally counts records for action. Each role contributes at most one
// approval no matter how many actors approved in it. A threshold of zero or
// less is always satisfied.
func Tally(action string, threshold int, records []Record) Status {
	byRole := make(map[string]int)
	for _, r := range records {
		if r.Action != action || r.Role == "" {
			continue
		}
		byRole[r.Role] = 1
	}
	count := len(byRole)
	if threshold < 0 {
		threshold = 0
	}
	return Status{
		Action:          action,
		Satisfied:       count >= threshold,
		SatisfiedByRole: byRole,
		Threshold:       threshold,
		Count:           count,
	}
}

// Counts reports whether a new approval in role would raise the tally.
func Counts(action, role string, existing []Record) bool {
	if role == "" {
		return false
	}
	for _, r := range existing {
		if r.Action == action && r.Role == role {
			return false
		}
	}
	return true
}
