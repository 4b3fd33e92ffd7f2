package authority

import (
	"context"
	"errors"
	"time"

	"github.com/davidahmann/dealledger/internal/pack"
)

// EvidencePack gathers everything needed to audit a deal offline. The chain
// is verified on the way, so a corrupt chain is halted like VerifyChain
// would. A checkpoint is included when a signer is configured and the chain
// is intact.
func (s *Service) EvidencePack(ctx context.Context, dealID string) (in pack.Input, err error) {
	ctx, span := s.startSpan(ctx, "EvidencePack", dealAttr(dealID))
	defer func() { endSpan(span, err) }()

	res, err := s.VerifyChain(ctx, dealID)
	if err != nil {
		return pack.Input{}, err
	}
	deal, err := s.store.GetDeal(ctx, dealID)
	if err != nil {
		return pack.Input{}, err
	}
	events, err := s.store.ListEvents(ctx, dealID)
	if err != nil {
		return pack.Input{}, err
	}
	claims, err := s.store.ListClaims(ctx, dealID)
	if err != nil {
		return pack.Input{}, err
	}
	approvals, err := s.store.ListApprovals(ctx, dealID)
	if err != nil {
		return pack.Input{}, err
	}

	in = pack.Input{
		Deal:         deal,
		Events:       events,
		Claims:       claims,
		Approvals:    approvals,
		Verification: res,
		Policy: pack.PolicyRef{
			ID:      s.policy.ID(),
			Version: s.policy.Version(),
			Hash:    s.policy.Hash(),
		},
		CreatedAt: s.now().Format(time.RFC3339),
	}
	if res.Valid && s.signer != nil {
		cp, err := s.Checkpoint(ctx, dealID)
		switch {
		case err == nil:
			in.Checkpoint = &cp
		case !errors.Is(err, ErrInvalidRequest):
			return pack.Input{}, err
		}
	}
	return in, nil
}
