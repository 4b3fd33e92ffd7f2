package authority

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/davidahmann/dealledger/internal/ledger"
	"github.com/davidahmann/dealledger/internal/trust"
	"github.com/davidahmann/dealledger/pkg/types"
)

// Labels for claim operations in UnauthorizedActorError.
const (
	actionIngestDocument = "INGEST_DOCUMENT"
	actionPromoteClaim   = "PROMOTE_CLAIM"
)

type ClaimRequest struct {
	DealID         string
	Field          string
	Value          string
	Tier           types.TrustTier
	Confidence     *float64
	SourceDocument string
	ActorID        string
}

func (r ClaimRequest) input() trust.ClaimInput {
	return trust.ClaimInput{
		DealID:         r.DealID,
		Field:          r.Field,
		Value:          r.Value,
		Tier:           r.Tier,
		Confidence:     r.Confidence,
		SourceDocument: r.SourceDocument,
		CreatedBy:      r.ActorID,
	}
}

// CreateClaim records an extracted claim. It is always tier AI; asking for
// any other tier fails with trust.ErrInvalidTruthClass.
func (s *Service) CreateClaim(ctx context.Context, req ClaimRequest) (claim types.Claim, err error) {
	ctx, span := s.startSpan(ctx, "CreateClaim", dealAttr(req.DealID))
	defer func() { endSpan(span, err) }()

	claim, err = trust.NewAIClaim(s.newID(), req.input(), s.now())
	if err != nil {
		return types.Claim{}, err
	}

	unlock, err := s.locker.Lock(ctx, req.DealID)
	if err != nil {
		return types.Claim{}, err
	}
	defer unlock()

	err = s.store.WithTx(ctx, func(tx ledger.Tx) error {
		if _, err := tx.GetDeal(claim.DealID); err != nil {
			return err
		}
		return tx.PutClaim(claim)
	})
	if err != nil {
		return types.Claim{}, err
	}
	s.log.InfoContext(ctx, "claim created", "deal_id", claim.DealID, "claim_id", claim.ID, "field", claim.Field, "tier", claim.Tier)
	return claim, nil
}

// IngestDocumentClaim records a DOC tier claim taken from a source document
// and appends MaterialIngested. ActorID must be registered with the ingest
// role.
func (s *Service) IngestDocumentClaim(ctx context.Context, req ClaimRequest) (claim types.Claim, err error) {
	ctx, span := s.startSpan(ctx, "IngestDocumentClaim", dealAttr(req.DealID))
	defer func() { endSpan(span, err) }()

	now := s.now()
	claim, err = trust.NewDocumentClaim(s.newID(), req.input(), now)
	if err != nil {
		return types.Claim{}, err
	}
	if err := requireID("actor", req.ActorID); err != nil {
		return types.Claim{}, err
	}
	if _, err := s.registeredActor(ctx, req.ActorID, actionIngestDocument, s.ingestRole); err != nil {
		return types.Claim{}, err
	}

	unlock, err := s.locker.Lock(ctx, req.DealID)
	if err != nil {
		return types.Claim{}, err
	}
	defer unlock()

	var ev types.Event
	err = s.writeTx(ctx, req.DealID, func(tx ledger.Tx) error {
		deal, err := lockedDeal(tx, claim.DealID)
		if err != nil {
			return err
		}
		if err := tx.PutClaim(claim); err != nil {
			return err
		}
		ev, err = s.internalEvent(tx, deal, types.EventMaterialIngested, req.ActorID, map[string]any{
			"claim_id":        claim.ID,
			"field":           claim.Field,
			"source_document": claim.SourceDocument,
		}, now)
		return err
	})
	if err != nil {
		return types.Claim{}, err
	}
	s.log.InfoContext(ctx, "material ingested", "deal_id", claim.DealID, "claim_id", claim.ID, "field", claim.Field, "seq", ev.Sequence)
	return claim, nil
}

// PromoteClaim moves an AI claim to HUMAN and appends ClaimPromoted. Only a
// registered actor may attest. A claim that is not at AI fails with
// trust.ErrAlreadyPromoted.
func (s *Service) PromoteClaim(ctx context.Context, claimID, userID, attestation string) (claim types.Claim, err error) {
	ctx, span := s.startSpan(ctx, "PromoteClaim")
	defer func() { endSpan(span, err) }()

	stored, err := s.store.GetClaim(ctx, claimID)
	if err != nil {
		return types.Claim{}, err
	}
	span.SetAttributes(dealAttr(stored.DealID))
	if err := requireID("user", userID); err != nil {
		return types.Claim{}, err
	}
	if _, err := s.registeredActor(ctx, userID, actionPromoteClaim, ""); err != nil {
		return types.Claim{}, err
	}

	unlock, err := s.locker.Lock(ctx, stored.DealID)
	if err != nil {
		return types.Claim{}, err
	}
	defer unlock()

	now := s.now()
	err = s.writeTx(ctx, stored.DealID, func(tx ledger.Tx) error {
		current, err := tx.GetClaim(claimID)
		if err != nil {
			return err
		}
		claim, err = trust.Promote(current, userID, attestation, now)
		if err != nil {
			return err
		}
		deal, err := lockedDeal(tx, claim.DealID)
		if err != nil {
			return err
		}
		if err := tx.PutClaim(claim); err != nil {
			return err
		}
		_, err = s.internalEvent(tx, deal, types.EventClaimPromoted, userID, map[string]any{
			"claim_id":    claim.ID,
			"field":       claim.Field,
			"promoted_by": userID,
			"attestation": attestation,
		}, now)
		return err
	})
	if err != nil {
		return types.Claim{}, err
	}
	s.log.InfoContext(ctx, "claim promoted", "deal_id", claim.DealID, "claim_id", claim.ID, "promoted_by", userID)
	return claim, nil
}

func (s *Service) GetClaim(ctx context.Context, claimID string) (types.Claim, error) {
	return s.store.GetClaim(ctx, claimID)
}

func (s *Service) ListClaims(ctx context.Context, dealID string) ([]types.Claim, error) {
	if _, err := s.store.GetDeal(ctx, dealID); err != nil {
		return nil, err
	}
	return s.store.ListClaims(ctx, dealID)
}

// ExtractionContext is what an AI claim generator may see about a deal.
type ExtractionContext struct {
	DealID string                     `json:"deal_id"`
	Name   string                     `json:"name"`
	State  types.State                `json:"state"`
	Fields map[string]string          `json:"fields"`
	Tiers  map[string]types.TrustTier `json:"tiers"`
}

// ExtractionContext returns the strongest claim value per field after
// redaction. Sensitive fields are elided and semi-sensitive ones masked.
func (s *Service) ExtractionContext(ctx context.Context, dealID string) (ExtractionContext, error) {
	deal, err := s.store.GetDeal(ctx, dealID)
	if err != nil {
		return ExtractionContext{}, err
	}
	claims, err := s.store.ListClaims(ctx, dealID)
	if err != nil {
		return ExtractionContext{}, err
	}

	fields := make(map[string]struct{})
	for _, c := range claims {
		fields[c.Field] = struct{}{}
	}
	names := make([]string, 0, len(fields))
	for f := range fields {
		names = append(names, f)
	}
	sort.Strings(names)

	out := ExtractionContext{
		DealID: deal.ID,
		Name:   s.redactor.Scrub(deal.Name),
		State:  deal.State,
		Fields: make(map[string]string, len(names)),
		Tiers:  make(map[string]types.TrustTier, len(names)),
	}
	for _, f := range names {
		best, ok := trust.Best(claims, f, nil)
		if !ok {
			continue
		}
		out.Fields[f] = s.redactor.Value(f, best.Value)
		out.Tiers[f] = best.Tier
	}
	return out, nil
}

func requireID(kind, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidRequest, kind)
	}
	return nil
}
