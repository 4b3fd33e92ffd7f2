package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/davidahmann/dealledger/internal/approval"
	"github.com/davidahmann/dealledger/pkg/types"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seedDeal(t *testing.T, s Store, id string) {
	t.Helper()
	err := s.WithTx(context.Background(), func(tx Tx) error {
		return tx.CreateDeal(types.Deal{ID: id, Name: "Test Deal", State: types.StateDraft, CreatedAt: fixedNow, UpdatedAt: fixedNow})
	})
	if err != nil {
		t.Fatalf("create deal: %v", err)
	}
}

func TestInMemoryStoreDealsAndEvents(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	seedDeal(t, s, "d1")

	if _, err := s.GetDeal(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	err := s.WithTx(ctx, func(tx Tx) error {
		return tx.CreateDeal(types.Deal{ID: "d1"})
	})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected duplicate, got %v", err)
	}

	err = s.WithTx(ctx, func(tx Tx) error {
		if _, ok, err := tx.TailEvent("d1"); err != nil || ok {
			t.Fatalf("expected empty tail, ok=%v err=%v", ok, err)
		}
		if err := tx.AppendEvent(types.Event{ID: "e1", DealID: "d1", Sequence: 1, Hash: "h1", Payload: map[string]any{"k": "v"}}); err != nil {
			return err
		}
		tail, ok, err := tx.TailEvent("d1")
		if err != nil || !ok || tail.Sequence != 1 {
			t.Fatalf("expected staged tail seq 1, got %+v ok=%v err=%v", tail, ok, err)
		}
		deal, err := tx.GetDeal("d1")
		if err != nil {
			return err
		}
		deal.State = types.StateUnderReview
		return tx.UpdateDeal(deal)
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}

	deal, _ := s.GetDeal(ctx, "d1")
	if deal.State != types.StateUnderReview {
		t.Fatalf("expected committed state, got %s", deal.State)
	}

	events, err := s.ListEvents(ctx, "d1")
	if err != nil || len(events) != 1 {
		t.Fatalf("expected 1 event, got %d err=%v", len(events), err)
	}
	events[0].Payload["k"] = "mutated"
	again, _ := s.ListEvents(ctx, "d1")
	if again[0].Payload["k"] != "v" {
		t.Fatalf("list events must return copies")
	}
}

func TestInMemoryStoreSequenceConflict(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	seedDeal(t, s, "d1")

	for _, seq := range []int64{2, 0} {
		err := s.WithTx(ctx, func(tx Tx) error {
			return tx.AppendEvent(types.Event{DealID: "d1", Sequence: seq})
		})
		if !errors.Is(err, ErrConcurrentAppendConflict) {
			t.Fatalf("seq %d: expected conflict, got %v", seq, err)
		}
	}
}

func TestInMemoryStoreRollback(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	seedDeal(t, s, "d1")

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx Tx) error {
		if err := tx.AppendEvent(types.Event{ID: "e1", DealID: "d1", Sequence: 1}); err != nil {
			return err
		}
		if err := tx.PutClaim(types.Claim{ID: "c1", DealID: "d1"}); err != nil {
			return err
		}
		if _, err := tx.PutApproval(approval.Record{DealID: "d1", Action: "A", Role: "r"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if events, _ := s.ListEvents(ctx, "d1"); len(events) != 0 {
		t.Fatalf("rolled back events visible")
	}
	if _, err := s.GetClaim(ctx, "c1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("rolled back claim visible")
	}
	if recs, _ := s.ListApprovals(ctx, "d1"); len(recs) != 0 {
		t.Fatalf("rolled back approvals visible")
	}
}

func TestInMemoryStoreApprovalsIdempotent(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	seedDeal(t, s, "d1")

	var inserted []bool
	err := s.WithTx(ctx, func(tx Tx) error {
		for _, actor := range []string{"a1", "a2"} {
			ok, err := tx.PutApproval(approval.Record{DealID: "d1", Action: "FINALIZE_CLOSING", Role: "counsel", ActorID: actor})
			if err != nil {
				return err
			}
			inserted = append(inserted, ok)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
	if !inserted[0] || inserted[1] {
		t.Fatalf("expected first insert only, got %v", inserted)
	}
	recs, _ := s.ListApprovals(ctx, "d1")
	if len(recs) != 1 || recs[0].ActorID != "a1" {
		t.Fatalf("unexpected approvals: %+v", recs)
	}
}

func TestInMemoryStoreClaimsActorsKeysOutbox(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	seedDeal(t, s, "d1")

	err := s.WithTx(ctx, func(tx Tx) error {
		if err := tx.PutClaim(types.Claim{ID: "c2", DealID: "d1", CreatedAt: fixedNow.Add(time.Second)}); err != nil {
			return err
		}
		return tx.PutClaim(types.Claim{ID: "c1", DealID: "d1", CreatedAt: fixedNow})
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
	claims, _ := s.ListClaims(ctx, "d1")
	if len(claims) != 2 || claims[0].ID != "c1" {
		t.Fatalf("expected claims ordered by creation, got %+v", claims)
	}

	if err := s.PutActor(ctx, types.Actor{ID: "alice", Roles: []string{"counsel"}}); err != nil {
		t.Fatalf("put actor: %v", err)
	}
	if a, err := s.GetActor(ctx, "alice"); err != nil || !a.HasRole("counsel") {
		t.Fatalf("get actor: %+v err=%v", a, err)
	}

	if err := s.PutKey(ctx, KeyRecord{KeyID: "kid", PublicKey: []byte("pub"), CreatedAt: fixedNow}); err != nil {
		t.Fatalf("put key: %v", err)
	}
	if k, err := s.GetKey(ctx, "kid"); err != nil || string(k.PublicKey) != "pub" {
		t.Fatalf("get key: %+v err=%v", k, err)
	}

	for i, rec := range []OutboxRecord{
		{OutboxID: "o1", Status: OutboxPending, NextAttemptAt: fixedNow},
		{OutboxID: "o2", Status: OutboxPending, NextAttemptAt: fixedNow.Add(time.Hour)},
		{OutboxID: "o3", Status: OutboxSent, NextAttemptAt: fixedNow},
	} {
		if err := s.PutOutbox(ctx, rec); err != nil {
			t.Fatalf("put outbox %d: %v", i, err)
		}
	}
	due, err := s.ListOutboxDue(ctx, fixedNow, 10)
	if err != nil || len(due) != 1 || due[0].OutboxID != "o1" {
		t.Fatalf("unexpected due records: %+v err=%v", due, err)
	}
}

func TestInMemoryStoreCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewInMemoryStore().WithTx(ctx, func(Tx) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancelled, got %v", err)
	}
}
