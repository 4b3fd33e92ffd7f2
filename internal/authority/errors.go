package authority

import (
	"errors"
	"fmt"
	"strings"

	"github.com/davidahmann/dealledger/pkg/types"
)

var (
	// ErrChainCorruption halts appends for a deal until an operator
	// reinstates a chain that verifies again.
	ErrChainCorruption   = errors.New("chain corruption")
	ErrUnauthorizedActor = errors.New("unauthorized actor")
	ErrBlocked           = errors.New("action blocked")
	ErrReservedEventType = errors.New("reserved event type")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrNoSigner          = errors.New("no checkpoint signer configured")
)

type ChainCorruptionError struct {
	DealID           string
	BrokenAtSequence int64
	Reason           string
}

func (e *ChainCorruptionError) Error() string {
	if e.BrokenAtSequence > 0 {
		return fmt.Sprintf("chain corruption on deal %s at sequence %d: %s", e.DealID, e.BrokenAtSequence, e.Reason)
	}
	return fmt.Sprintf("chain corruption on deal %s: appends halted", e.DealID)
}

func (e *ChainCorruptionError) Is(target error) bool {
	return target == ErrChainCorruption
}

type UnauthorizedActorError struct {
	ActorID  string
	Action   string
	Required []string
	Reason   string
}

func (e *UnauthorizedActorError) Error() string {
	msg := fmt.Sprintf("actor %q may not perform %s", e.ActorID, e.Action)
	if len(e.Required) > 0 {
		msg += " (requires one of " + strings.Join(e.Required, ", ") + ")"
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *UnauthorizedActorError) Is(target error) bool {
	return target == ErrUnauthorizedActor
}

// BlockedError carries the gate verdict that refused an append.
type BlockedError struct {
	Verdict types.Verdict
}

func (e *BlockedError) Error() string {
	kinds := make([]string, 0, len(e.Verdict.Reasons))
	for _, r := range e.Verdict.Reasons {
		kinds = append(kinds, string(r.Type))
	}
	return fmt.Sprintf("%s blocked: %s", e.Verdict.Action, strings.Join(kinds, ", "))
}

func (e *BlockedError) Is(target error) bool {
	return target == ErrBlocked
}
