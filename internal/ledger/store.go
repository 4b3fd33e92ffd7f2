package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/davidahmann/dealledger/internal/approval"
	"github.com/davidahmann/dealledger/pkg/types"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConcurrentAppendConflict means another writer already took the
	// sequence number. Callers re-read the tail and resubmit.
	ErrConcurrentAppendConflict = errors.New("concurrent append conflict")
	ErrDuplicate                = errors.New("duplicate record")
)

// Reader is the lock-free read side. Each call observes a consistent
// snapshot of the rows it returns.
type Reader interface {
	GetDeal(ctx context.Context, dealID string) (types.Deal, error)
	ListDeals(ctx context.Context) ([]types.Deal, error)
	ListEvents(ctx context.Context, dealID string) ([]types.Event, error)

	GetClaim(ctx context.Context, claimID string) (types.Claim, error)
	ListClaims(ctx context.Context, dealID string) ([]types.Claim, error)

	ListApprovals(ctx context.Context, dealID string) ([]approval.Record, error)

	GetActor(ctx context.Context, actorID string) (types.Actor, error)

	GetKey(ctx context.Context, keyID string) (KeyRecord, error)

	ListOutboxDue(ctx context.Context, now time.Time, limit int) ([]OutboxRecord, error)
}

type Store interface {
	Reader

	// WithTx runs fn atomically. Nothing fn writes is visible to readers
	// until it returns nil.
	WithTx(ctx context.Context, fn func(Tx) error) error

	PutActor(ctx context.Context, actor types.Actor) error
	PutKey(ctx context.Context, key KeyRecord) error
	PutOutbox(ctx context.Context, rec OutboxRecord) error
}

type Tx interface {
	GetDeal(dealID string) (types.Deal, error)
	CreateDeal(deal types.Deal) error
	UpdateDeal(deal types.Deal) error

	// TailEvent returns the highest-sequence event, or false for an empty chain.
	TailEvent(dealID string) (types.Event, bool, error)
	// AppendEvent fails with ErrConcurrentAppendConflict unless ev.Sequence
	// is exactly one past the stored tail.
	AppendEvent(ev types.Event) error

	GetClaim(claimID string) (types.Claim, error)
	PutClaim(claim types.Claim) error

	ListApprovals(dealID string) ([]approval.Record, error)
	// PutApproval stores rec unless (deal, action, role) already exists.
	PutApproval(rec approval.Record) (bool, error)

	PutOutbox(rec OutboxRecord) error
}

type KeyRecord struct {
	KeyID     string
	PublicKey []byte
	CreatedAt time.Time
	RotatedAt *time.Time
}

const (
	OutboxPending = "pending"
	OutboxSent    = "sent"
)

// OutboxRecord is one appended event waiting to be published downstream.
type OutboxRecord struct {
	OutboxID      string
	DealID        string
	EventID       string
	Sequence      int64
	EventType     types.EventType
	BodyJSON      []byte
	Status        string // pending | sent
	AttemptCount  int
	NextAttemptAt time.Time
	LastError     *string
	SentAt        *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
