// Package trust enforces how claims enter the ledger at each trust tier and
// how they move between tiers.
package trust

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/davidahmann/dealledger/pkg/types"
)

var (
	ErrInvalidTruthClass = errors.New("invalid truth class")
	ErrAlreadyPromoted   = errors.New("claim already promoted")
	ErrInvalidClaim      = errors.New("invalid claim")
)

// InvalidTruthClassError is returned when a caller asks for a tier that the
// chosen creation path cannot produce.
type InvalidTruthClassError struct {
	Requested types.TrustTier
	Path      string
}

func (e *InvalidTruthClassError) Error() string {
	return fmt.Sprintf("invalid truth class: %s claims cannot be created via the %s path", e.Requested, e.Path)
}

func (e *InvalidTruthClassError) Is(target error) bool {
	return target == ErrInvalidTruthClass
}

type AlreadyPromotedError struct {
	ClaimID string
	Tier    types.TrustTier
}

func (e *AlreadyPromotedError) Error() string {
	return fmt.Sprintf("claim %s already at tier %s", e.ClaimID, e.Tier)
}

func (e *AlreadyPromotedError) Is(target error) bool {
	return target == ErrAlreadyPromoted
}

// ClaimInput carries caller-supplied claim fields. Tier is optional and only
// checked for consistency with the creation path.
type ClaimInput struct {
	DealID         string
	Field          string
	Value          string
	Tier           types.TrustTier
	Confidence     *float64
	SourceDocument string
	CreatedBy      string
}

func (in ClaimInput) validate() error {
	if strings.TrimSpace(in.DealID) == "" {
		return fmt.Errorf("%w: missing deal id", ErrInvalidClaim)
	}
	if strings.TrimSpace(in.Field) == "" {
		return fmt.Errorf("%w: missing field", ErrInvalidClaim)
	}
	return nil
}

// NewAIClaim builds a claim on the extraction path. The result is always
// tier AI regardless of confidence.
func NewAIClaim(id string, in ClaimInput, now time.Time) (types.Claim, error) {
	if in.Tier != "" && in.Tier != types.TierAI {
		return types.Claim{}, &InvalidTruthClassError{Requested: in.Tier, Path: "extraction"}
	}
	if err := in.validate(); err != nil {
		return types.Claim{}, err
	}
	var confidence *float64
	if in.Confidence != nil {
		c := *in.Confidence
		if math.IsNaN(c) || c < 0 || c > 1 {
			return types.Claim{}, fmt.Errorf("%w: confidence %v outside [0,1]", ErrInvalidClaim, c)
		}
		confidence = &c
	}
	return types.Claim{
		ID:             id,
		DealID:         in.DealID,
		Field:          in.Field,
		Value:          in.Value,
		Tier:           types.TierAI,
		Confidence:     confidence,
		SourceDocument: in.SourceDocument,
		CreatedBy:      in.CreatedBy,
		CreatedAt:      now.UTC(),
	}, nil
}

// NewDocumentClaim builds a DOC tier claim from document ingestion. A source
// document reference is mandatory and confidence is not carried.
func NewDocumentClaim(id string, in ClaimInput, now time.Time) (types.Claim, error) {
	if in.Tier != "" && in.Tier != types.TierDoc {
		return types.Claim{}, &InvalidTruthClassError{Requested: in.Tier, Path: "document"}
	}
	if err := in.validate(); err != nil {
		return types.Claim{}, err
	}
	if strings.TrimSpace(in.SourceDocument) == "" {
		return types.Claim{}, fmt.Errorf("%w: document claims require a source document", ErrInvalidClaim)
	}
	return types.Claim{
		ID:             id,
		DealID:         in.DealID,
		Field:          in.Field,
		Value:          in.Value,
		Tier:           types.TierDoc,
		SourceDocument: in.SourceDocument,
		CreatedBy:      in.CreatedBy,
		CreatedAt:      now.UTC(),
	}, nil
}

// Promote moves an AI claim to HUMAN. It is the only way to reach HUMAN and
// succeeds at most once per claim.
func Promote(c types.Claim, userID, attestation string, now time.Time) (types.Claim, error) {
	if c.Tier != types.TierAI {
		return types.Claim{}, &AlreadyPromotedError{ClaimID: c.ID, Tier: c.Tier}
	}
	if strings.TrimSpace(userID) == "" {
		return types.Claim{}, fmt.Errorf("%w: promotion requires a user", ErrInvalidClaim)
	}
	at := now.UTC()
	by := userID
	text := attestation
	c.Tier = types.TierHuman
	c.PromotedAt = &at
	c.PromotedBy = &by
	c.Attestation = &text
	return c, nil
}

// Satisfies reports whether actual meets a minimum tier requirement.
func Satisfies(actual, required types.TrustTier) bool {
	return actual.AtLeast(required)
}

// Best picks the strongest claim for field. When refs names any matching
// claim, only referenced claims are considered. Ties go to the newest claim.
func Best(claims []types.Claim, field string, refs []string) (types.Claim, bool) {
	var candidates []types.Claim
	for _, c := range claims {
		if c.Field == field {
			candidates = append(candidates, c)
		}
	}
	if len(refs) > 0 {
		var referenced []types.Claim
		for _, c := range candidates {
			if slices.Contains(refs, c.ID) {
				referenced = append(referenced, c)
			}
		}
		if len(referenced) > 0 {
			candidates = referenced
		}
	}
	if len(candidates) == 0 {
		return types.Claim{}, false
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		switch {
		case c.Tier.Rank() > best.Tier.Rank():
			best = c
		case c.Tier.Rank() == best.Tier.Rank() && !c.CreatedAt.Before(best.CreatedAt):
			best = c
		}
	}
	return best, true
}
