package authority

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/davidahmann/dealledger/internal/gate"
	"github.com/davidahmann/dealledger/internal/ledger"
	"github.com/davidahmann/dealledger/pkg/types"
)

type EvaluateRequest struct {
	DealID       string
	Action       string
	Payload      map[string]any
	Authority    types.AuthorityContext
	EvidenceRefs []string
}

// Evaluate reports whether req.Action is currently permitted. It never
// writes and never fails: a deal or record that cannot be read yields a
// BLOCKED verdict.
func (s *Service) Evaluate(ctx context.Context, req EvaluateRequest) types.Verdict {
	ctx, span := s.startSpan(ctx, "Evaluate", dealAttr(req.DealID), attribute.String("action", req.Action))
	defer span.End()

	var (
		deal    *types.Deal
		loadErr error
	)
	d, err := s.store.GetDeal(ctx, req.DealID)
	switch {
	case err == nil:
		deal = &d
	case !errors.Is(err, ledger.ErrNotFound):
		loadErr = err
	}

	v := s.evaluate(ctx, deal, loadErr, req)
	span.SetAttributes(attribute.String("verdict", string(v.Status)))
	return v
}

func (s *Service) evaluate(ctx context.Context, deal *types.Deal, loadErr error, req EvaluateRequest) types.Verdict {
	in := gate.Input{
		DealID:       req.DealID,
		Deal:         deal,
		Action:       req.Action,
		ActorID:      req.Authority.ActorID,
		Authority:    req.Authority,
		Payload:      req.Payload,
		EvidenceRefs: req.EvidenceRefs,
		LoadErr:      loadErr,
	}
	if deal != nil && loadErr == nil {
		claims, err := s.store.ListClaims(ctx, deal.ID)
		if err != nil {
			in.LoadErr = err
		}
		approvals, err := s.store.ListApprovals(ctx, deal.ID)
		if err != nil && in.LoadErr == nil {
			in.LoadErr = err
		}
		in.Claims = claims
		in.Approvals = approvals
	}

	v := gate.Evaluate(s.policy, in, s.now())
	s.metrics.verdicts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", req.Action),
		attribute.String("status", string(v.Status)),
	))
	if in.LoadErr != nil {
		s.log.ErrorContext(ctx, "evaluation failed closed", "deal_id", req.DealID, "action", req.Action, "error", in.LoadErr)
	}
	return v
}
