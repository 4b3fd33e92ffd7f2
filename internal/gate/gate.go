// Package gate decides whether an action is currently permitted on a deal
// and explains why not when it is blocked.
//
// Evaluate is pure. Callers load the deal, its claims and its approvals and
// pass them in; nothing here reads or writes storage.
package gate

import (
	"fmt"
	"time"

	"github.com/davidahmann/dealledger/internal/approval"
	"github.com/davidahmann/dealledger/internal/crypto"
	"github.com/davidahmann/dealledger/internal/policy"
	"github.com/davidahmann/dealledger/internal/trust"
	"github.com/davidahmann/dealledger/pkg/types"
)

const DecisionSchema = "dealledger.decision.v1"

type Input struct {
	DealID       string
	Deal         *types.Deal
	Action       string
	ActorID      string
	Authority    types.AuthorityContext
	Payload      map[string]any
	EvidenceRefs []string
	Claims       []types.Claim
	Approvals    []approval.Record
	// LoadErr is any failure while gathering the fields above. A non-nil
	// LoadErr always blocks.
	LoadErr error
}

// Evaluate returns ALLOWED only when the deal exists, its append path is
// healthy, the caller holds a required role, every required material is
// present at or above its tier and the approval threshold is met.
func Evaluate(engine *policy.Engine, in Input, now time.Time) types.Verdict {
	v := evaluate(engine, in, now)
	v.DecisionID = decisionID(engine, in, v)
	return v
}

func evaluate(engine *policy.Engine, in Input, now time.Time) types.Verdict {
	if in.LoadErr != nil {
		return blocked(in.Action, internalError(in.LoadErr))
	}
	if engine == nil {
		return blocked(in.Action, internalError(fmt.Errorf("no policy loaded")))
	}
	if in.Deal == nil {
		return blocked(in.Action, types.BlockReason{Type: types.ReasonDealNotFound, Detail: in.DealID})
	}
	rule, ok := engine.Action(in.Action)
	if !ok {
		return blocked(in.Action, types.BlockReason{Type: types.ReasonUnknownAction, Detail: in.Action})
	}

	var reasons []types.BlockReason
	if in.Deal.AppendHalted {
		reasons = append(reasons, types.BlockReason{Type: types.ReasonChainHalted, Detail: "chain verification failed"})
	}
	if !in.Authority.HasAnyRole(rule.RequiredRoles) {
		reasons = append(reasons, types.BlockReason{
			Type:   types.ReasonUnauthorizedActor,
			Detail: fmt.Sprintf("requires one of %v", rule.RequiredRoles),
		})
	}

	reqs, err := engine.Requirements(in.Action, policy.Facts{State: in.Deal.State, StressMode: in.Deal.StressMode})
	if err != nil {
		return blocked(in.Action, internalError(err))
	}
	for _, req := range reqs {
		claim, found := trust.Best(dealClaims(in.Deal.ID, in.Claims), req.Material, in.EvidenceRefs)
		if !found {
			reasons = append(reasons, types.BlockReason{Type: types.ReasonMissingMaterial, MaterialType: req.Material})
			continue
		}
		if !trust.Satisfies(claim.Tier, req.MinTier) {
			reasons = append(reasons, types.BlockReason{
				Type:         types.ReasonInsufficientTruth,
				MaterialType: req.Material,
				RequiredTier: req.MinTier,
				ActualTier:   claim.Tier,
			})
		}
	}

	status := approval.Tally(in.Action, rule.ApprovalThreshold, dealApprovals(in.Deal.ID, in.Approvals))
	if !status.Satisfied {
		required, satisfied := status.Threshold, status.Count
		reasons = append(reasons, types.BlockReason{
			Type:      types.ReasonApprovalThreshold,
			Required:  &required,
			Satisfied: &satisfied,
		})
	}

	if len(reasons) > 0 {
		return blocked(in.Action, reasons...)
	}

	at := now.UTC()
	return types.Verdict{
		Status: types.VerdictAllowed,
		Action: in.Action,
		At:     &at,
		ProjectionSummary: &types.ProjectionSummary{
			State:      in.Deal.State,
			StressMode: in.Deal.StressMode,
		},
	}
}

func blocked(action string, reasons ...types.BlockReason) types.Verdict {
	return types.Verdict{
		Status:    types.VerdictBlocked,
		Action:    action,
		Reasons:   reasons,
		NextSteps: NextSteps(action, reasons),
	}
}

func internalError(err error) types.BlockReason {
	return types.BlockReason{Type: types.ReasonInternalError, Detail: err.Error()}
}

func dealClaims(dealID string, claims []types.Claim) []types.Claim {
	out := make([]types.Claim, 0, len(claims))
	for _, c := range claims {
		if c.DealID == dealID {
			out = append(out, c)
		}
	}
	return out
}

func dealApprovals(dealID string, records []approval.Record) []approval.Record {
	out := make([]approval.Record, 0, len(records))
	for _, r := range records {
		if r.DealID == dealID {
			out = append(out, r)
		}
	}
	return out
}

// NextSteps turns block reasons into remediation text, one line per reason.
func NextSteps(action string, reasons []types.BlockReason) []string {
	steps := make([]string, 0, len(reasons))
	for _, r := range reasons {
		switch r.Type {
		case types.ReasonMissingMaterial:
			steps = append(steps, fmt.Sprintf("Provide %s for this deal.", r.MaterialType))
		case types.ReasonInsufficientTruth:
			if r.RequiredTier == types.TierDoc {
				steps = append(steps, fmt.Sprintf("Ingest %s from a source document; %s evidence is not enough.", r.MaterialType, r.ActualTier))
			} else {
				steps = append(steps, fmt.Sprintf("Have a reviewer verify and promote %s to %s.", r.MaterialType, r.RequiredTier))
			}
		case types.ReasonApprovalThreshold:
			required, satisfied := 0, 0
			if r.Required != nil {
				required = *r.Required
			}
			if r.Satisfied != nil {
				satisfied = *r.Satisfied
			}
			steps = append(steps, fmt.Sprintf("Collect %d more approval(s) from distinct roles for %s (%d of %d).", required-satisfied, action, satisfied, required))
		case types.ReasonUnauthorizedActor:
			steps = append(steps, fmt.Sprintf("Ask an actor with the right role to request %s (%s).", action, r.Detail))
		case types.ReasonUnknownAction:
			steps = append(steps, fmt.Sprintf("Use an action defined in the deal policy; %q is not one.", action))
		case types.ReasonDealNotFound:
			steps = append(steps, "Check the deal id.")
		case types.ReasonChainHalted:
			steps = append(steps, "Investigate the event chain and have an operator reinstate it.")
		case types.ReasonInternalError:
			steps = append(steps, "Retry later; the ledger could not evaluate this request.")
		}
	}
	return steps
}

// decisionID digests the verdict content. The evaluation time is excluded
// so identical inputs always map to the same id.
func decisionID(engine *policy.Engine, in Input, v types.Verdict) string {
	view := map[string]any{
		"schema":   DecisionSchema,
		"deal_id":  in.DealID,
		"action":   v.Action,
		"actor_id": in.ActorID,
		"status":   string(v.Status),
		"reasons":  reasonView(v.Reasons),
	}
	if engine != nil {
		view["policy"] = map[string]any{
			"policy_id":      engine.ID(),
			"policy_version": engine.Version(),
			"policy_hash":    engine.Hash(),
		}
	}
	if v.ProjectionSummary != nil {
		view["state"] = string(v.ProjectionSummary.State)
		view["stress_mode"] = v.ProjectionSummary.StressMode
	}

	_, digest, err := crypto.CanonicalDigest(view)
	if err != nil {
		return ""
	}
	return digest
}

func reasonView(reasons []types.BlockReason) []map[string]any {
	out := make([]map[string]any, 0, len(reasons))
	for _, r := range reasons {
		m := map[string]any{"type": string(r.Type)}
		if r.MaterialType != "" {
			m["material_type"] = r.MaterialType
		}
		if r.RequiredTier != "" {
			m["required_tier"] = string(r.RequiredTier)
		}
		if r.ActualTier != "" {
			m["actual_tier"] = string(r.ActualTier)
		}
		if r.Required != nil {
			m["required"] = *r.Required
		}
		if r.Satisfied != nil {
			m["satisfied"] = *r.Satisfied
		}
		if r.Detail != "" {
			m["detail"] = r.Detail
		}
		out = append(out, m)
	}
	return out
}
