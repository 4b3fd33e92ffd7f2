package authority

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/davidahmann/dealledger/internal/crypto"
	"github.com/davidahmann/dealledger/internal/ledger"
	"github.com/davidahmann/dealledger/pkg/types"
)

// AppendRequest asks for one caller-originated event. The acting actor is
// Authority.ActorID.
type AppendRequest struct {
	DealID       string
	Type         types.EventType
	Payload      map[string]any
	Authority    types.AuthorityContext
	EvidenceRefs []string
}

// CreateDeal starts a deal in Draft with a DealCreated genesis event.
func (s *Service) CreateDeal(ctx context.Context, name, actorID string) (deal types.Deal, err error) {
	ctx, span := s.startSpan(ctx, "CreateDeal")
	defer func() { endSpan(span, err) }()

	name = strings.TrimSpace(name)
	if name == "" {
		return types.Deal{}, fmt.Errorf("%w: deal name is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(actorID) == "" {
		return types.Deal{}, fmt.Errorf("%w: actor is required", ErrInvalidRequest)
	}

	now := s.now()
	deal = types.Deal{
		ID:        s.newID(),
		Name:      name,
		State:     types.StateDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
	span.SetAttributes(dealAttr(deal.ID))

	unlock, err := s.locker.Lock(ctx, deal.ID)
	if err != nil {
		return types.Deal{}, err
	}
	defer unlock()

	err = s.store.WithTx(ctx, func(tx ledger.Tx) error {
		if err := tx.CreateDeal(deal); err != nil {
			return err
		}
		_, err := s.internalEvent(tx, deal, types.EventDealCreated, actorID, map[string]any{"name": name}, now)
		return err
	})
	if err != nil {
		return types.Deal{}, err
	}

	s.metrics.appended.Add(ctx, 1, metric.WithAttributes(attribute.String("event.type", string(types.EventDealCreated))))
	s.log.InfoContext(ctx, "deal created", "deal_id", deal.ID, "actor_id", actorID)
	return deal, nil
}

func (s *Service) GetDeal(ctx context.Context, dealID string) (types.Deal, error) {
	return s.store.GetDeal(ctx, dealID)
}

func (s *Service) ListDeals(ctx context.Context) ([]types.Deal, error) {
	return s.store.ListDeals(ctx)
}

// ListEvents returns the deal's history in sequence order.
func (s *Service) ListEvents(ctx context.Context, dealID string) ([]types.Event, error) {
	if _, err := s.store.GetDeal(ctx, dealID); err != nil {
		return nil, err
	}
	return s.store.ListEvents(ctx, dealID)
}

// AppendEvent records a caller event. Events mapped to a policy action must
// pass the role check and the gate; lifecycle events must have a transition
// row from the current state. The deal row and the event are written in one
// transaction under the per-deal lock.
//
// A ledger.ErrConcurrentAppendConflict means the deal moved while this call
// was deciding. Nothing was written and the caller may resubmit.
func (s *Service) AppendEvent(ctx context.Context, req AppendRequest) (ev types.Event, err error) {
	ctx, span := s.startSpan(ctx, "AppendEvent", dealAttr(req.DealID), attribute.String("event.type", string(req.Type)))
	defer func() { endSpan(span, err) }()
	started := time.Now()

	kind, ok := req.Type.Kind()
	if !ok {
		return types.Event{}, fmt.Errorf("%w: unknown event type %q", ErrInvalidRequest, req.Type)
	}
	if kind == types.KindInternal {
		return types.Event{}, fmt.Errorf("%w: %s is written by the ledger", ErrReservedEventType, req.Type)
	}
	actorID := strings.TrimSpace(req.Authority.ActorID)
	if actorID == "" {
		return types.Event{}, fmt.Errorf("%w: actor is required", ErrInvalidRequest)
	}
	payload, _, err := crypto.Normalize(req.Payload)
	if err != nil {
		return types.Event{}, fmt.Errorf("%w: payload: %v", ErrInvalidRequest, err)
	}

	unlock, err := s.locker.Lock(ctx, req.DealID)
	if err != nil {
		return types.Event{}, err
	}
	defer unlock()

	deal, err := s.store.GetDeal(ctx, req.DealID)
	if err != nil {
		return types.Event{}, err
	}
	if deal.AppendHalted {
		return types.Event{}, &ChainCorruptionError{DealID: deal.ID}
	}
	if _, _, err := s.table.Apply(deal.State, req.Type); err != nil {
		return types.Event{}, err
	}

	if rule, gated := s.policy.ActionForEvent(req.Type); gated {
		if !req.Authority.HasAnyRole(rule.RequiredRoles) {
			return types.Event{}, &UnauthorizedActorError{ActorID: actorID, Action: rule.Action, Required: rule.RequiredRoles}
		}
		verdict := s.evaluate(ctx, &deal, nil, EvaluateRequest{
			DealID:       deal.ID,
			Action:       rule.Action,
			Payload:      payload,
			Authority:    req.Authority,
			EvidenceRefs: req.EvidenceRefs,
		})
		if !verdict.Allowed() {
			s.log.InfoContext(ctx, "append blocked", "deal_id", deal.ID, "event_type", req.Type, "action", rule.Action, "decision_id", verdict.DecisionID)
			return types.Event{}, &BlockedError{Verdict: verdict}
		}
	}
	if err := s.policy.ValidatePayload(req.Type, payload); err != nil {
		return types.Event{}, err
	}

	now := s.now()
	err = s.writeTx(ctx, deal.ID, func(tx ledger.Tx) error {
		current, err := lockedDeal(tx, deal.ID)
		if err != nil {
			return err
		}
		if current.State != deal.State || current.StressMode != deal.StressMode {
			return ledger.ErrConcurrentAppendConflict
		}
		next, _, err := s.table.Apply(current.State, req.Type)
		if err != nil {
			return err
		}

		ev = types.Event{
			ID:         s.newID(),
			DealID:     current.ID,
			Type:       req.Type,
			Payload:    payload,
			ActorID:    actorID,
			FromState:  current.State,
			ToState:    next,
			OccurredAt: now,
		}
		if err := s.appendTx(tx, &ev); err != nil {
			return err
		}

		current.State = next
		switch req.Type {
		case types.EventStressModeRaised:
			current.StressMode = true
		case types.EventStressModeCleared:
			current.StressMode = false
		}
		current.UpdatedAt = now
		return tx.UpdateDeal(current)
	})
	if err != nil {
		if errors.Is(err, ledger.ErrConcurrentAppendConflict) {
			s.metrics.conflicts.Add(ctx, 1)
			s.log.WarnContext(ctx, "append conflict", "deal_id", req.DealID, "event_type", req.Type)
		}
		return types.Event{}, err
	}

	s.metrics.appended.Add(ctx, 1, metric.WithAttributes(attribute.String("event.type", string(ev.Type))))
	s.metrics.appendMs.Record(ctx, float64(time.Since(started).Microseconds())/1000)
	s.log.InfoContext(ctx, "event appended",
		"deal_id", ev.DealID,
		"seq", ev.Sequence,
		"event_type", ev.Type,
		"from_state", ev.FromState,
		"to_state", ev.ToState,
	)
	return ev, nil
}
