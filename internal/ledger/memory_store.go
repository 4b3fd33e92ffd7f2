package ledger

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/davidahmann/dealledger/internal/approval"
	"github.com/davidahmann/dealledger/pkg/types"
)

type InMemoryStore struct {
	mu sync.RWMutex

	deals     map[string]types.Deal
	events    map[string][]types.Event
	claims    map[string]types.Claim
	approvals map[string][]approval.Record
	actors    map[string]types.Actor
	keys      map[string]KeyRecord
	outbox    map[string]OutboxRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		deals:     make(map[string]types.Deal),
		events:    make(map[string][]types.Event),
		claims:    make(map[string]types.Claim),
		approvals: make(map[string][]approval.Record),
		actors:    make(map[string]types.Actor),
		keys:      make(map[string]KeyRecord),
		outbox:    make(map[string]OutboxRecord),
	}
}

// WithTx stages writes in a copy-on-write overlay and applies them only
// when fn succeeds.
func (s *InMemoryStore) WithTx(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		store:     s,
		deals:     map[string]types.Deal{},
		events:    map[string][]types.Event{},
		claims:    map[string]types.Claim{},
		approvals: map[string][]approval.Record{},
		outbox:    map[string]OutboxRecord{},
	}
	if err := fn(tx); err != nil {
		return err
	}
	maps.Copy(s.deals, tx.deals)
	for dealID, evs := range tx.events {
		s.events[dealID] = append(s.events[dealID], evs...)
	}
	maps.Copy(s.claims, tx.claims)
	for dealID, recs := range tx.approvals {
		s.approvals[dealID] = append(s.approvals[dealID], recs...)
	}
	maps.Copy(s.outbox, tx.outbox)
	return nil
}

type memTx struct {
	store *InMemoryStore

	deals     map[string]types.Deal
	events    map[string][]types.Event
	claims    map[string]types.Claim
	approvals map[string][]approval.Record
	outbox    map[string]OutboxRecord
}

func (tx *memTx) GetDeal(dealID string) (types.Deal, error) {
	if d, ok := tx.deals[dealID]; ok {
		return d, nil
	}
	d, ok := tx.store.deals[dealID]
	if !ok {
		return types.Deal{}, ErrNotFound
	}
	return d, nil
}

func (tx *memTx) CreateDeal(deal types.Deal) error {
	if _, err := tx.GetDeal(deal.ID); err == nil {
		return ErrDuplicate
	}
	tx.deals[deal.ID] = deal
	return nil
}

func (tx *memTx) UpdateDeal(deal types.Deal) error {
	if _, err := tx.GetDeal(deal.ID); err != nil {
		return err
	}
	tx.deals[deal.ID] = deal
	return nil
}

func (tx *memTx) TailEvent(dealID string) (types.Event, bool, error) {
	if staged := tx.events[dealID]; len(staged) > 0 {
		return cloneEvent(staged[len(staged)-1]), true, nil
	}
	stored := tx.store.events[dealID]
	if len(stored) == 0 {
		return types.Event{}, false, nil
	}
	return cloneEvent(stored[len(stored)-1]), true, nil
}

func (tx *memTx) AppendEvent(ev types.Event) error {
	tail, ok, err := tx.TailEvent(ev.DealID)
	if err != nil {
		return err
	}
	var want int64 = 1
	if ok {
		want = tail.Sequence + 1
	}
	if ev.Sequence != want {
		return ErrConcurrentAppendConflict
	}
	tx.events[ev.DealID] = append(tx.events[ev.DealID], cloneEvent(ev))
	return nil
}

func (tx *memTx) GetClaim(claimID string) (types.Claim, error) {
	if c, ok := tx.claims[claimID]; ok {
		return c, nil
	}
	c, ok := tx.store.claims[claimID]
	if !ok {
		return types.Claim{}, ErrNotFound
	}
	return c, nil
}

func (tx *memTx) PutClaim(claim types.Claim) error {
	tx.claims[claim.ID] = claim
	return nil
}

func (tx *memTx) ListApprovals(dealID string) ([]approval.Record, error) {
	out := slices.Clone(tx.store.approvals[dealID])
	return append(out, tx.approvals[dealID]...), nil
}

func (tx *memTx) PutApproval(rec approval.Record) (bool, error) {
	existing, _ := tx.ListApprovals(rec.DealID)
	for _, r := range existing {
		if r.Action == rec.Action && r.Role == rec.Role {
			return false, nil
		}
	}
	tx.approvals[rec.DealID] = append(tx.approvals[rec.DealID], rec)
	return true, nil
}

func (tx *memTx) PutOutbox(rec OutboxRecord) error {
	tx.outbox[rec.OutboxID] = rec
	return nil
}

func (s *InMemoryStore) GetDeal(_ context.Context, dealID string) (types.Deal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deals[dealID]
	if !ok {
		return types.Deal{}, ErrNotFound
	}
	return d, nil
}

func (s *InMemoryStore) ListDeals(_ context.Context) ([]types.Deal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Deal, 0, len(s.deals))
	for _, d := range s.deals {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *InMemoryStore) ListEvents(_ context.Context, dealID string) ([]types.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored := s.events[dealID]
	out := make([]types.Event, len(stored))
	for i, ev := range stored {
		out[i] = cloneEvent(ev)
	}
	return out, nil
}

func (s *InMemoryStore) GetClaim(_ context.Context, claimID string) (types.Claim, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.claims[claimID]
	if !ok {
		return types.Claim{}, ErrNotFound
	}
	return c, nil
}

func (s *InMemoryStore) ListClaims(_ context.Context, dealID string) ([]types.Claim, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []types.Claim{}
	for _, c := range s.claims {
		if c.DealID == dealID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *InMemoryStore) ListApprovals(_ context.Context, dealID string) ([]approval.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.approvals[dealID]), nil
}

func (s *InMemoryStore) GetActor(_ context.Context, actorID string) (types.Actor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.actors[actorID]
	if !ok {
		return types.Actor{}, ErrNotFound
	}
	return a, nil
}

func (s *InMemoryStore) PutActor(_ context.Context, actor types.Actor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	actor.Roles = slices.Clone(actor.Roles)
	s.actors[actor.ID] = actor
	return nil
}

func (s *InMemoryStore) GetKey(_ context.Context, keyID string) (KeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.keys[keyID]
	if !ok {
		return KeyRecord{}, ErrNotFound
	}
	return key, nil
}

func (s *InMemoryStore) PutKey(_ context.Context, key KeyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key.KeyID] = key
	return nil
}

func (s *InMemoryStore) PutOutbox(_ context.Context, rec OutboxRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outbox[rec.OutboxID] = rec
	return nil
}

func (s *InMemoryStore) ListOutboxDue(_ context.Context, now time.Time, limit int) ([]OutboxRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []OutboxRecord{}
	for _, rec := range s.outbox {
		if rec.Status != OutboxPending {
			continue
		}
		if rec.NextAttemptAt.After(now) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NextAttemptAt.Equal(out[j].NextAttemptAt) {
			return out[i].OutboxID < out[j].OutboxID
		}
		return out[i].NextAttemptAt.Before(out[j].NextAttemptAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneEvent(ev types.Event) types.Event {
	ev.Payload = maps.Clone(ev.Payload)
	if ev.PreviousHash != nil {
		prev := *ev.PreviousHash
		ev.PreviousHash = &prev
	}
	return ev
}
