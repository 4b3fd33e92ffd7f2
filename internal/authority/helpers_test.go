package authority

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/davidahmann/dealledger/internal/ledger"
	"github.com/davidahmann/dealledger/internal/policy"
	"github.com/davidahmann/dealledger/pkg/types"
)

type harness struct {
	svc   *Service
	store *ledger.InMemoryStore
	ctx   context.Context
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func sequentialIDs() func() string {
	var n atomic.Int64
	return func() string {
		return fmt.Sprintf("id-%05d", n.Add(1))
	}
}

func loadEngine(t *testing.T) *policy.Engine {
	t.Helper()
	loaded, err := policy.LoadPolicy("../../policies/dealledger.yaml")
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	return loaded.Engine
}

// newHarness builds a service over an in-memory store. configure may swap
// in a wrapping store or other options.
func newHarness(t *testing.T, configure ...func(*Options)) *harness {
	t.Helper()
	store := ledger.NewInMemoryStore()
	clock := &stepClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	opts := Options{
		Store:  store,
		Policy: loadEngine(t),
		Now:    clock.Now,
		NewID:  sequentialIDs(),
	}
	for _, fn := range configure {
		fn(&opts)
	}
	svc, err := New(opts)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	h := &harness{svc: svc, store: store, ctx: context.Background()}
	h.registerActors(t)
	return h
}

func (h *harness) registerActors(t *testing.T) {
	t.Helper()
	actors := []types.Actor{
		{ID: "alice", DisplayName: "Alice", Roles: []string{"deal_lead"}},
		{ID: "ivan", DisplayName: "Ivan", Roles: []string{"investment_committee"}},
		{ID: "carl", DisplayName: "Carl", Roles: []string{"cfo"}},
		{ID: "cora", DisplayName: "Cora", Roles: []string{"counsel"}},
		{ID: "cody", DisplayName: "Cody", Roles: []string{"counsel"}},
		{ID: "comp", DisplayName: "Comp", Roles: []string{"compliance"}},
		{ID: "otto", DisplayName: "Otto", Roles: []string{"operator"}},
		{ID: "ingest", DisplayName: "Ingest Pipeline", Roles: []string{DefaultIngestRole}},
	}
	for _, a := range actors {
		if _, err := h.svc.RegisterActor(h.ctx, a); err != nil {
			t.Fatalf("register %s: %v", a.ID, err)
		}
	}
}

func as(actorID string, roles ...string) types.AuthorityContext {
	return types.AuthorityContext{ActorID: actorID, Roles: roles}
}

var (
	lead       = as("alice", "deal_lead")
	counsel    = as("cora", "counsel")
	compliance = as("comp", "compliance")
)

func (h *harness) createDeal(t *testing.T) types.Deal {
	t.Helper()
	deal, err := h.svc.CreateDeal(h.ctx, "Test Deal", "alice")
	if err != nil {
		t.Fatalf("create deal: %v", err)
	}
	return deal
}

func (h *harness) mustAppend(t *testing.T, dealID string, eventType types.EventType, payload map[string]any, auth types.AuthorityContext) types.Event {
	t.Helper()
	ev, err := h.svc.AppendEvent(h.ctx, AppendRequest{DealID: dealID, Type: eventType, Payload: payload, Authority: auth})
	if err != nil {
		t.Fatalf("append %s: %v", eventType, err)
	}
	return ev
}

func (h *harness) mustApprove(t *testing.T, dealID, action, actorID, role string) {
	t.Helper()
	if _, err := h.svc.RecordApproval(h.ctx, ApprovalRequest{DealID: dealID, Action: action, ActorID: actorID, Role: role}); err != nil {
		t.Fatalf("approve %s as %s: %v", action, role, err)
	}
}

func (h *harness) state(t *testing.T, dealID string) types.State {
	t.Helper()
	deal, err := h.svc.GetDeal(h.ctx, dealID)
	if err != nil {
		t.Fatalf("get deal: %v", err)
	}
	return deal.State
}

// driveTo walks a fresh deal forward until it reaches target.
func (h *harness) driveTo(t *testing.T, target types.State) types.Deal {
	t.Helper()
	deal := h.createDeal(t)
	id := deal.ID
	steps := []struct {
		reach types.State
		run   func()
	}{
		{types.StateUnderReview, func() { h.mustAppend(t, id, types.EventReviewOpened, nil, lead) }},
		{types.StateApproved, func() { h.mustAppend(t, id, types.EventDealApproved, nil, lead) }},
		{types.StateReadyToClose, func() {
			price, err := h.svc.CreateClaim(h.ctx, ClaimRequest{DealID: id, Field: "purchase_price", Value: "12500000", ActorID: "extractor"})
			if err != nil {
				t.Fatalf("claim: %v", err)
			}
			if _, err := h.svc.PromoteClaim(h.ctx, price.ID, "cora", "matches signed LOI"); err != nil {
				t.Fatalf("promote: %v", err)
			}
			if _, err := h.svc.IngestDocumentClaim(h.ctx, ClaimRequest{DealID: id, Field: "title_report", Value: "clear", SourceDocument: "doc://title.pdf", ActorID: "ingest"}); err != nil {
				t.Fatalf("ingest: %v", err)
			}
			h.mustAppend(t, id, types.EventClosingReadinessAttested, nil, counsel)
		}},
		{types.StateClosed, func() {
			h.mustApprove(t, id, "FINALIZE_CLOSING", "alice", "deal_lead")
			h.mustApprove(t, id, "FINALIZE_CLOSING", "carl", "cfo")
			wire, err := h.svc.CreateClaim(h.ctx, ClaimRequest{DealID: id, Field: "wire_confirmation", Value: "FED-REF-1", ActorID: "extractor"})
			if err != nil {
				t.Fatalf("claim: %v", err)
			}
			if _, err := h.svc.PromoteClaim(h.ctx, wire.ID, "carl", "bank portal"); err != nil {
				t.Fatalf("promote: %v", err)
			}
			h.mustAppend(t, id, types.EventClosingFinalized, nil, lead)
		}},
		{types.StateOperating, func() { h.mustAppend(t, id, types.EventOperationsActivated, nil, lead) }},
	}

	if target == types.StateDraft {
		return deal
	}
	for _, step := range steps {
		step.run()
		if got := h.state(t, id); got != step.reach {
			t.Fatalf("expected %s, got %s", step.reach, got)
		}
		if step.reach == target {
			d, _ := h.svc.GetDeal(h.ctx, id)
			return d
		}
	}
	t.Fatalf("cannot drive to %s", target)
	return types.Deal{}
}

func countType(events []types.Event, eventType types.EventType) int {
	n := 0
	for _, ev := range events {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}
