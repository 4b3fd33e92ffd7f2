// Package authority is the deal ledger service. It is the only writer of
// deal state: every append, promotion and approval goes through a Service
// constructed once per process over an injected store.
package authority

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/davidahmann/dealledger/internal/chain"
	"github.com/davidahmann/dealledger/internal/crypto"
	"github.com/davidahmann/dealledger/internal/ledger"
	"github.com/davidahmann/dealledger/internal/lock"
	"github.com/davidahmann/dealledger/internal/policy"
	"github.com/davidahmann/dealledger/internal/redact"
	"github.com/davidahmann/dealledger/internal/statemachine"
	"github.com/davidahmann/dealledger/pkg/types"
)

// DefaultIngestRole is the role an actor needs to record DOC tier claims.
const DefaultIngestRole = "document_ingest"

type Options struct {
	Store  ledger.Store
	Policy *policy.Engine

	// IngestRole gates IngestDocumentClaim. Empty means DefaultIngestRole.
	IngestRole string

	// Optional. Defaults: the standard lifecycle table, an in-process
	// keyed mutex, the default redaction lists, slog.Default, time.Now and
	// random UUIDs.
	Table    *statemachine.Table
	Locker   lock.Locker
	Signer   ledger.Signer
	Redactor *redact.Redactor
	Logger   *slog.Logger
	Now      func() time.Time
	NewID    func() string
}

type Service struct {
	store    ledger.Store
	policy   *policy.Engine
	table    *statemachine.Table
	locker   lock.Locker
	signer   ledger.Signer
	redactor *redact.Redactor
	log      *slog.Logger
	now      func() time.Time
	newID    func() string

	ingestRole string

	tracer  trace.Tracer
	metrics instruments
}

func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("authority: store is required")
	}
	if opts.Policy == nil {
		return nil, errors.New("authority: policy is required")
	}
	if opts.Table == nil {
		opts.Table = statemachine.Default()
	}
	if opts.Locker == nil {
		opts.Locker = lock.NewLocal()
	}
	if opts.Redactor == nil {
		opts.Redactor = redact.Default()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.IngestRole == "" {
		opts.IngestRole = DefaultIngestRole
	}

	metrics, err := newInstruments(otel.Meter(instrumentationName))
	if err != nil {
		return nil, fmt.Errorf("authority: metrics: %w", err)
	}

	return &Service{
		store:    opts.Store,
		policy:   opts.Policy,
		table:    opts.Table,
		locker:   opts.Locker,
		signer:   opts.Signer,
		redactor: opts.Redactor,
		log:      opts.Logger.With("component", "authority"),
		now:      func() time.Time { return opts.Now().UTC() },
		newID:    opts.NewID,
		tracer:   otel.Tracer(instrumentationName),
		metrics:  metrics,

		ingestRole: opts.IngestRole,
	}, nil
}

func (s *Service) Policy() *policy.Engine {
	return s.policy
}

// Reader exposes the lock-free read side for consumers such as projections.
func (s *Service) Reader() ledger.Reader {
	return s.store
}

// RegisterSigningKey publishes the signer's public key so checkpoints can
// be verified later. It is a no-op without a signer or when the key is
// already stored.
func (s *Service) RegisterSigningKey(ctx context.Context) error {
	if s.signer == nil {
		return nil
	}
	pub, ok := s.signer.(interface{ PublicKey() ed25519.PublicKey })
	if !ok {
		return nil
	}
	if _, err := s.store.GetKey(ctx, s.signer.KeyID()); err == nil {
		return nil
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return err
	}
	return s.store.PutKey(ctx, ledger.KeyRecord{
		KeyID:     s.signer.KeyID(),
		PublicKey: pub.PublicKey(),
		CreatedAt: s.now(),
	})
}

// writeTx runs fn in one transaction for a deal whose lock the caller
// holds. When fn finds a corrupt tail the transaction rolls back and the
// halt is recorded in a transaction of its own.
func (s *Service) writeTx(ctx context.Context, dealID string, fn func(tx ledger.Tx) error) error {
	err := s.store.WithTx(ctx, fn)
	var corrupt *ChainCorruptionError
	if errors.As(err, &corrupt) && corrupt.BrokenAtSequence > 0 {
		res := chain.Result{BrokenAtSequence: corrupt.BrokenAtSequence, Reason: corrupt.Reason}
		if herr := s.markHalted(ctx, dealID, res); herr != nil {
			return errors.Join(err, herr)
		}
	}
	return err
}

// appendTx extends the stored tail with ev inside tx and queues it for
// downstream delivery. Sequence, PreviousHash and Hash are set on ev. A tail
// whose stored hash no longer matches its contents is never linked onto.
func (s *Service) appendTx(tx ledger.Tx, ev *types.Event) error {
	tail, ok, err := tx.TailEvent(ev.DealID)
	if err != nil {
		return err
	}
	var prev *types.Event
	if ok {
		if err := checkTail(ev.DealID, tail); err != nil {
			return err
		}
		prev = &tail
	}
	if err := chain.Link(prev, ev); err != nil {
		return err
	}
	if err := tx.AppendEvent(*ev); err != nil {
		return err
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return tx.PutOutbox(ledger.OutboxRecord{
		OutboxID:      s.newID(),
		DealID:        ev.DealID,
		EventID:       ev.ID,
		Sequence:      ev.Sequence,
		EventType:     ev.Type,
		BodyJSON:      body,
		Status:        ledger.OutboxPending,
		NextAttemptAt: ev.OccurredAt,
		CreatedAt:     ev.OccurredAt,
		UpdatedAt:     ev.OccurredAt,
	})
}

func checkTail(dealID string, tail types.Event) error {
	computed, err := chain.Hash(tail.DealID, tail.Sequence, tail.Type, tail.Payload, tail.PreviousHash)
	if err != nil {
		return &ChainCorruptionError{DealID: dealID, BrokenAtSequence: tail.Sequence, Reason: err.Error()}
	}
	if tail.DealID != dealID || computed != tail.Hash {
		return &ChainCorruptionError{DealID: dealID, BrokenAtSequence: tail.Sequence, Reason: "stored tail hash does not match recomputed hash"}
	}
	return nil
}

// internalEvent appends a ledger-generated event that leaves the lifecycle
// state unchanged.
func (s *Service) internalEvent(tx ledger.Tx, deal types.Deal, eventType types.EventType, actorID string, payload map[string]any, now time.Time) (types.Event, error) {
	payload, _, err := crypto.Normalize(payload)
	if err != nil {
		return types.Event{}, err
	}
	ev := types.Event{
		ID:         s.newID(),
		DealID:     deal.ID,
		Type:       eventType,
		Payload:    payload,
		ActorID:    actorID,
		FromState:  deal.State,
		ToState:    deal.State,
		OccurredAt: now,
	}
	if err := s.appendTx(tx, &ev); err != nil {
		return types.Event{}, err
	}
	return ev, nil
}

// lockedDeal loads a deal inside tx and refuses to continue when its
// append path is halted.
func lockedDeal(tx ledger.Tx, dealID string) (types.Deal, error) {
	deal, err := tx.GetDeal(dealID)
	if err != nil {
		return types.Deal{}, err
	}
	if deal.AppendHalted {
		return types.Deal{}, &ChainCorruptionError{DealID: dealID}
	}
	return deal, nil
}
