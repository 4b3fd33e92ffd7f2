package statemachine

import (
	"errors"
	"testing"

	"github.com/davidahmann/dealledger/pkg/types"
)

func TestForwardLifecycle(t *testing.T) {
	table := Default()
	steps := []struct {
		event types.EventType
		want  types.State
	}{
		{types.EventReviewOpened, types.StateUnderReview},
		{types.EventDealApproved, types.StateApproved},
		{types.EventClosingReadinessAttested, types.StateReadyToClose},
		{types.EventClosingFinalized, types.StateClosed},
		{types.EventOperationsActivated, types.StateOperating},
		{types.EventDealExited, types.StateExited},
	}

	state := types.StateDraft
	for _, step := range steps {
		next, outcome, err := table.Apply(state, step.event)
		if err != nil {
			t.Fatalf("%s from %s: %v", step.event, state, err)
		}
		if outcome != Transitioned || next != step.want {
			t.Fatalf("%s from %s: got %s/%s", step.event, state, next, outcome)
		}
		state = next
	}
}

func TestFreezeFromEveryLiveState(t *testing.T) {
	table := Default()
	for _, from := range []types.State{
		types.StateDraft,
		types.StateUnderReview,
		types.StateApproved,
		types.StateReadyToClose,
		types.StateClosed,
		types.StateOperating,
	} {
		next, outcome, err := table.Apply(from, types.EventFreezeImposed)
		if err != nil {
			t.Fatalf("freeze from %s: %v", from, err)
		}
		if next != types.StateFrozen || outcome != Transitioned {
			t.Fatalf("freeze from %s: got %s/%s", from, next, outcome)
		}
	}
}

func TestTerminateFromFrozen(t *testing.T) {
	next, _, err := Default().Apply(types.StateFrozen, types.EventDealTerminated)
	if err != nil || next != types.StateTerminated {
		t.Fatalf("expected Terminated, got %s err=%v", next, err)
	}

	next, outcome, err := Default().Apply(types.StateFrozen, types.EventFreezeImposed)
	if err != nil || next != types.StateFrozen || outcome != NoOp {
		t.Fatalf("expected re-freeze noop, got %s/%s err=%v", next, outcome, err)
	}
}

func TestUnregisteredPairIsRejected(t *testing.T) {
	next, _, err := Default().Apply(types.StateDraft, types.EventClosingFinalized)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	var ite *InvalidTransitionError
	if !errors.As(err, &ite) || ite.From != types.StateDraft || ite.Type != types.EventClosingFinalized {
		t.Fatalf("unexpected error detail: %#v", err)
	}
	if next != types.StateDraft {
		t.Fatalf("state changed on rejection: %s", next)
	}
}

func TestAbsorbingStates(t *testing.T) {
	table := Default()
	for _, state := range []types.State{types.StateTerminated, types.StateExited} {
		for _, ev := range []types.EventType{types.EventFreezeImposed, types.EventDealTerminated, types.EventReviewOpened} {
			if _, _, err := table.Apply(state, ev); !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("%s in %s: expected rejection, got %v", ev, state, err)
			}
		}
		next, outcome, err := table.Apply(state, types.EventNoteRecorded)
		if err != nil || next != state || outcome != NoOp {
			t.Fatalf("note in %s: got %s/%s err=%v", state, next, outcome, err)
		}
		if allowed := table.Allowed(state); len(allowed) != 0 {
			t.Fatalf("expected no allowed events in %s, got %v", state, allowed)
		}
	}
}

func TestAdministrativeAndInternalEventsAreNoOps(t *testing.T) {
	for _, ev := range []types.EventType{types.EventStressModeRaised, types.EventNoteRecorded, types.EventApprovalGranted, types.EventDealCreated} {
		next, outcome, err := Default().Apply(types.StateApproved, ev)
		if err != nil || next != types.StateApproved || outcome != NoOp {
			t.Fatalf("%s: got %s/%s err=%v", ev, next, outcome, err)
		}
	}
	if _, _, err := Default().Apply(types.StateDraft, types.EventType("Bogus")); err == nil {
		t.Fatalf("expected error for unknown event type")
	}
}

func TestEveryLifecycleEventHasARow(t *testing.T) {
	covered := map[types.EventType]bool{}
	for _, r := range DefaultRules() {
		covered[r.Type] = true
	}
	for _, ev := range types.AllEventTypes() {
		kind, _ := ev.Kind()
		if kind == types.KindLifecycle && !covered[ev] {
			t.Fatalf("lifecycle event %s has no transition row", ev)
		}
	}
}

func TestNewTableRejectsBadRows(t *testing.T) {
	cases := [][]Rule{
		{{From: types.StateDraft, Type: types.EventNoteRecorded, To: types.StateApproved}},
		{{From: types.StateDraft, Type: types.EventReviewOpened, To: "Nowhere"}},
		{{From: "Nowhere", Type: types.EventReviewOpened, To: types.StateUnderReview}},
		{
			{From: types.StateDraft, Type: types.EventReviewOpened, To: types.StateUnderReview},
			{From: types.StateDraft, Type: types.EventReviewOpened, To: types.StateApproved},
		},
		{
			{From: Any, Type: types.EventFreezeImposed, To: types.StateFrozen},
			{From: Any, Type: types.EventFreezeImposed, To: types.StateTerminated},
		},
	}
	for i, rules := range cases {
		if _, err := NewTable(rules); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}

func TestAllowedFromApproved(t *testing.T) {
	allowed := Default().Allowed(types.StateApproved)
	want := map[types.EventType]bool{
		types.EventClosingReadinessAttested: true,
		types.EventClosingFinalized:         true,
		types.EventFreezeImposed:            true,
		types.EventDealTerminated:           true,
	}
	if len(allowed) != len(want) {
		t.Fatalf("unexpected allowed set: %v", allowed)
	}
	for _, ev := range allowed {
		if !want[ev] {
			t.Fatalf("unexpected allowed event %s", ev)
		}
	}
}
