package authority

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/davidahmann/dealledger/internal/approval"
	"github.com/davidahmann/dealledger/internal/ledger"
	"github.com/davidahmann/dealledger/internal/policy"
	"github.com/davidahmann/dealledger/pkg/types"
)

type ApprovalRequest struct {
	DealID  string
	Action  string
	ActorID string
	Role    string
}

// RecordApproval counts ActorID's approval of Action in Role. The actor
// must be registered with the role, and the role must be one of the
// action's approver roles when the policy lists any. A role that already
// approved the action is not counted again and appends nothing.
func (s *Service) RecordApproval(ctx context.Context, req ApprovalRequest) (status approval.Status, err error) {
	ctx, span := s.startSpan(ctx, "RecordApproval", dealAttr(req.DealID))
	defer func() { endSpan(span, err) }()

	if err := requireID("actor", req.ActorID); err != nil {
		return approval.Status{}, err
	}
	if err := requireID("role", req.Role); err != nil {
		return approval.Status{}, err
	}
	rule, ok := s.policy.Action(req.Action)
	if !ok {
		return approval.Status{}, fmt.Errorf("%w: %s", policy.ErrUnknownAction, req.Action)
	}

	if _, err := s.registeredActor(ctx, req.ActorID, req.Action, req.Role); err != nil {
		return approval.Status{}, err
	}
	if len(rule.ApproverRoles) > 0 && !slices.Contains(rule.ApproverRoles, req.Role) {
		return approval.Status{}, &UnauthorizedActorError{
			ActorID:  req.ActorID,
			Action:   req.Action,
			Required: rule.ApproverRoles,
			Reason:   "role " + req.Role + " cannot approve this action",
		}
	}

	unlock, err := s.locker.Lock(ctx, req.DealID)
	if err != nil {
		return approval.Status{}, err
	}
	defer unlock()

	now := s.now()
	counted := false
	err = s.writeTx(ctx, req.DealID, func(tx ledger.Tx) error {
		deal, err := lockedDeal(tx, req.DealID)
		if err != nil {
			return err
		}
		counted, err = tx.PutApproval(approval.Record{
			DealID:     deal.ID,
			Action:     req.Action,
			Role:       req.Role,
			ActorID:    req.ActorID,
			ApprovedAt: now,
		})
		if err != nil || !counted {
			return err
		}
		_, err = s.internalEvent(tx, deal, types.EventApprovalGranted, req.ActorID, map[string]any{
			"action": req.Action,
			"role":   req.Role,
		}, now)
		return err
	})
	if err != nil {
		return approval.Status{}, err
	}

	if counted {
		s.log.InfoContext(ctx, "approval recorded", "deal_id", req.DealID, "action", req.Action, "role", req.Role, "actor_id", req.ActorID)
	} else {
		s.log.DebugContext(ctx, "approval already counted", "deal_id", req.DealID, "action", req.Action, "role", req.Role)
	}
	return s.ApprovalStatus(ctx, req.DealID, req.Action)
}

func (s *Service) ApprovalStatus(ctx context.Context, dealID, action string) (approval.Status, error) {
	rule, ok := s.policy.Action(action)
	if !ok {
		return approval.Status{}, fmt.Errorf("%w: %s", policy.ErrUnknownAction, action)
	}
	if _, err := s.store.GetDeal(ctx, dealID); err != nil {
		return approval.Status{}, err
	}
	records, err := s.store.ListApprovals(ctx, dealID)
	if err != nil {
		return approval.Status{}, err
	}
	return approval.Tally(action, rule.ApprovalThreshold, records), nil
}

// RegisterActor creates or replaces an actor. Roles are stored sorted and
// without duplicates.
func (s *Service) RegisterActor(ctx context.Context, actor types.Actor) (types.Actor, error) {
	actor.ID = strings.TrimSpace(actor.ID)
	if err := requireID("actor id", actor.ID); err != nil {
		return types.Actor{}, err
	}
	roles := make([]string, 0, len(actor.Roles))
	for _, r := range actor.Roles {
		if r = strings.TrimSpace(r); r != "" {
			roles = append(roles, r)
		}
	}
	sort.Strings(roles)
	actor.Roles = slices.Compact(roles)

	if err := s.store.PutActor(ctx, actor); err != nil {
		return types.Actor{}, err
	}
	s.log.InfoContext(ctx, "actor registered", "actor_id", actor.ID, "roles", actor.Roles)
	return actor, nil
}

// registeredActor loads actorID and checks it holds role. An empty role only
// requires registration.
func (s *Service) registeredActor(ctx context.Context, actorID, action, role string) (types.Actor, error) {
	actor, err := s.store.GetActor(ctx, actorID)
	if errors.Is(err, ledger.ErrNotFound) {
		return types.Actor{}, &UnauthorizedActorError{ActorID: actorID, Action: action, Reason: "actor is not registered"}
	}
	if err != nil {
		return types.Actor{}, err
	}
	if role != "" && !actor.HasRole(role) {
		return types.Actor{}, &UnauthorizedActorError{ActorID: actorID, Action: action, Required: []string{role}, Reason: "actor does not hold role " + role}
	}
	return actor, nil
}

func (s *Service) GetActor(ctx context.Context, actorID string) (types.Actor, error) {
	return s.store.GetActor(ctx, actorID)
}
