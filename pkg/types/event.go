package types

import (
	"fmt"
	"time"
)

type EventType string

const (
	EventDealCreated              EventType = "DealCreated"
	EventReviewOpened             EventType = "ReviewOpened"
	EventDealApproved             EventType = "DealApproved"
	EventClosingReadinessAttested EventType = "ClosingReadinessAttested"
	EventClosingFinalized         EventType = "ClosingFinalized"
	EventOperationsActivated      EventType = "OperationsActivated"
	EventDealExited               EventType = "DealExited"
	EventDealTerminated           EventType = "DealTerminated"
	EventFreezeImposed            EventType = "FreezeImposed"
	EventStressModeRaised         EventType = "StressModeRaised"
	EventStressModeCleared        EventType = "StressModeCleared"
	EventNoteRecorded             EventType = "NoteRecorded"
	EventApprovalGranted          EventType = "ApprovalGranted"
	EventClaimPromoted            EventType = "ClaimPromoted"
	EventMaterialIngested         EventType = "MaterialIngested"
	EventChainReinstated          EventType = "ChainReinstated"
)

type EventKind int

const (
	// KindLifecycle events are the only ones that may move a deal between states.
	KindLifecycle EventKind = iota + 1
	// KindAdministrative events are recorded in any state and never change it.
	KindAdministrative
	// KindInternal events are written by ledger operations, never by callers.
	KindInternal
)

func (k EventKind) String() string {
	switch k {
	case KindLifecycle:
		return "lifecycle"
	case KindAdministrative:
		return "administrative"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Kind classifies t. The second result is false for types outside the closed set.
func (t EventType) Kind() (EventKind, bool) {
	switch t {
	case EventReviewOpened,
		EventDealApproved,
		EventClosingReadinessAttested,
		EventClosingFinalized,
		EventOperationsActivated,
		EventDealExited,
		EventDealTerminated,
		EventFreezeImposed:
		return KindLifecycle, true
	case EventStressModeRaised,
		EventStressModeCleared,
		EventNoteRecorded:
		return KindAdministrative, true
	case EventDealCreated,
		EventApprovalGranted,
		EventClaimPromoted,
		EventMaterialIngested,
		EventChainReinstated:
		return KindInternal, true
	default:
		return 0, false
	}
}

func (t EventType) Valid() bool {
	_, ok := t.Kind()
	return ok
}

func AllEventTypes() []EventType {
	return []EventType{
		EventDealCreated,
		EventReviewOpened,
		EventDealApproved,
		EventClosingReadinessAttested,
		EventClosingFinalized,
		EventOperationsActivated,
		EventDealExited,
		EventDealTerminated,
		EventFreezeImposed,
		EventStressModeRaised,
		EventStressModeCleared,
		EventNoteRecorded,
		EventApprovalGranted,
		EventClaimPromoted,
		EventMaterialIngested,
		EventChainReinstated,
	}
}

func ParseEventType(s string) (EventType, error) {
	t := EventType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown event type: %q", s)
	}
	return t, nil
}

// Event is immutable once appended. PreviousHash is nil only for sequence 1.
type Event struct {
	ID           string         `json:"id"`
	DealID       string         `json:"deal_id"`
	Type         EventType      `json:"type"`
	Payload      map[string]any `json:"payload"`
	ActorID      string         `json:"actor_id"`
	Sequence     int64          `json:"sequence"`
	PreviousHash *string        `json:"previous_hash"`
	Hash         string         `json:"hash"`
	FromState    State          `json:"from_state"`
	ToState      State          `json:"to_state"`
	OccurredAt   time.Time      `json:"occurred_at"`
}
