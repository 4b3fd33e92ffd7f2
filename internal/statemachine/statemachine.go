// Package statemachine holds the deal lifecycle transition table.
package statemachine

import (
	"errors"
	"fmt"

	"github.com/davidahmann/dealledger/pkg/types"
)

// Any matches every current state in a transition row.
const Any types.State = "*"

var ErrInvalidTransition = errors.New("invalid transition")

type InvalidTransitionError struct {
	From types.State
	Type types.EventType
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s has no rule from %s", e.Type, e.From)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

type Outcome int

const (
	// Transitioned means the event moves the deal to a new state.
	Transitioned Outcome = iota + 1
	// NoOp means the event is recorded without a state change.
	NoOp
)

func (o Outcome) String() string {
	switch o {
	case Transitioned:
		return "transitioned"
	case NoOp:
		return "noop"
	default:
		return "unknown"
	}
}

type Rule struct {
	From types.State
	Type types.EventType
	To   types.State
}

type key struct {
	from types.State
	typ  types.EventType
}

// Table is immutable after construction and safe for concurrent use.
type Table struct {
	rules []Rule
	exact map[key]types.State
	wild  map[types.EventType]types.State
}

func NewTable(rules []Rule) (*Table, error) {
	t := &Table{
		exact: make(map[key]types.State),
		wild:  make(map[types.EventType]types.State),
	}
	for _, r := range rules {
		kind, ok := r.Type.Kind()
		if !ok || kind != types.KindLifecycle {
			return nil, fmt.Errorf("rule %s: only lifecycle events may have transition rows", r.Type)
		}
		if !r.To.Valid() {
			return nil, fmt.Errorf("rule %s: invalid target state %q", r.Type, r.To)
		}
		if r.From == Any {
			if _, dup := t.wild[r.Type]; dup {
				return nil, fmt.Errorf("rule %s: duplicate wildcard row", r.Type)
			}
			t.wild[r.Type] = r.To
		} else {
			if !r.From.Valid() {
				return nil, fmt.Errorf("rule %s: invalid source state %q", r.Type, r.From)
			}
			k := key{from: r.From, typ: r.Type}
			if _, dup := t.exact[k]; dup {
				return nil, fmt.Errorf("rule %s: duplicate row from %s", r.Type, r.From)
			}
			t.exact[k] = r.To
		}
		t.rules = append(t.rules, r)
	}
	return t, nil
}

// DefaultRules is the deal lifecycle.
func DefaultRules() []Rule {
	return []Rule{
		{From: types.StateDraft, Type: types.EventReviewOpened, To: types.StateUnderReview},
		{From: types.StateUnderReview, Type: types.EventDealApproved, To: types.StateApproved},
		{From: types.StateApproved, Type: types.EventClosingReadinessAttested, To: types.StateReadyToClose},
		{From: types.StateApproved, Type: types.EventClosingFinalized, To: types.StateClosed},
		{From: types.StateReadyToClose, Type: types.EventClosingFinalized, To: types.StateClosed},
		{From: types.StateClosed, Type: types.EventOperationsActivated, To: types.StateOperating},
		{From: types.StateOperating, Type: types.EventDealExited, To: types.StateExited},
		{From: Any, Type: types.EventFreezeImposed, To: types.StateFrozen},
		{From: Any, Type: types.EventDealTerminated, To: types.StateTerminated},
	}
}

var defaultTable = mustTable(DefaultRules())

func mustTable(rules []Rule) *Table {
	t, err := NewTable(rules)
	if err != nil {
		panic(err)
	}
	return t
}

func Default() *Table {
	return defaultTable
}

func (t *Table) Rules() []Rule {
	out := make([]Rule, len(t.rules))
	copy(out, t.rules)
	return out
}

// Apply returns the state after eventType is applied to current.
//
// Administrative events are always NoOp. Lifecycle events need a matching
// row; wildcard rows match any non-absorbing state. Internal events are
// NoOp here because only the ledger itself emits them.
func (t *Table) Apply(current types.State, eventType types.EventType) (types.State, Outcome, error) {
	kind, ok := eventType.Kind()
	if !ok {
		return current, 0, fmt.Errorf("unknown event type %q", eventType)
	}
	switch kind {
	case types.KindAdministrative, types.KindInternal:
		return current, NoOp, nil
	case types.KindLifecycle:
		if current.Absorbing() {
			return current, 0, &InvalidTransitionError{From: current, Type: eventType}
		}
		if to, ok := t.exact[key{from: current, typ: eventType}]; ok {
			return to, Transitioned, nil
		}
		if to, ok := t.wild[eventType]; ok {
			if to == current {
				return current, NoOp, nil
			}
			return to, Transitioned, nil
		}
		return current, 0, &InvalidTransitionError{From: current, Type: eventType}
	default:
		return current, 0, fmt.Errorf("unhandled event kind %s", kind)
	}
}

// Allowed lists lifecycle events that have a row from current.
func (t *Table) Allowed(current types.State) []types.EventType {
	if current.Absorbing() {
		return nil
	}
	var out []types.EventType
	for _, r := range t.rules {
		if r.From == current || (r.From == Any && r.To != current) {
			out = append(out, r.Type)
		}
	}
	return out
}
