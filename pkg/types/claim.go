package types

import "time"

// TrustTier orders evidentiary strength: DOC > HUMAN > AI.
type TrustTier string

const (
	TierAI    TrustTier = "AI"
	TierHuman TrustTier = "HUMAN"
	TierDoc   TrustTier = "DOC"
)

// Rank returns 0 for unknown tiers.
func (t TrustTier) Rank() int {
	switch t {
	case TierAI:
		return 1
	case TierHuman:
		return 2
	case TierDoc:
		return 3
	default:
		return 0
	}
}

func (t TrustTier) Valid() bool {
	return t.Rank() > 0
}

// AtLeast reports whether t satisfies a requirement of min.
func (t TrustTier) AtLeast(min TrustTier) bool {
	return t.Valid() && t.Rank() >= min.Rank()
}

type Claim struct {
	ID             string     `json:"id"`
	DealID         string     `json:"deal_id"`
	Field          string     `json:"field"`
	Value          string     `json:"value"`
	Tier           TrustTier  `json:"trust_tier"`
	Confidence     *float64   `json:"confidence,omitempty"`
	SourceDocument string     `json:"source_document,omitempty"`
	CreatedBy      string     `json:"created_by"`
	CreatedAt      time.Time  `json:"created_at"`
	PromotedAt     *time.Time `json:"promoted_at,omitempty"`
	PromotedBy     *string    `json:"promoted_by,omitempty"`
	Attestation    *string    `json:"attestation,omitempty"`
}
