package types

import "time"

type VerdictStatus string

const (
	VerdictAllowed VerdictStatus = "ALLOWED"
	VerdictBlocked VerdictStatus = "BLOCKED"
)

type ReasonType string

const (
	ReasonMissingMaterial   ReasonType = "MISSING_MATERIAL"
	ReasonInsufficientTruth ReasonType = "INSUFFICIENT_TRUTH"
	ReasonApprovalThreshold ReasonType = "APPROVAL_THRESHOLD"
	ReasonUnauthorizedActor ReasonType = "UNAUTHORIZED_ACTOR"
	ReasonUnknownAction     ReasonType = "UNKNOWN_ACTION"
	ReasonDealNotFound      ReasonType = "DEAL_NOT_FOUND"
	ReasonChainHalted       ReasonType = "CHAIN_HALTED"
	ReasonInternalError     ReasonType = "INTERNAL_ERROR"
)

// BlockReason is one machine-readable cause of a BLOCKED verdict. Only the
// fields relevant to Type are set.
type BlockReason struct {
	Type         ReasonType `json:"type"`
	MaterialType string     `json:"materialType,omitempty"`
	RequiredTier TrustTier  `json:"requiredTier,omitempty"`
	ActualTier   TrustTier  `json:"actualTier,omitempty"`
	Required     *int       `json:"required,omitempty"`
	Satisfied    *int       `json:"satisfied,omitempty"`
	Detail       string     `json:"detail,omitempty"`
}

type ProjectionSummary struct {
	State      State `json:"state"`
	StressMode bool  `json:"stressMode"`
}

// Verdict is either ALLOWED (At and ProjectionSummary set) or BLOCKED
// (Reasons and NextSteps set).
type Verdict struct {
	Status            VerdictStatus      `json:"status"`
	Action            string             `json:"action"`
	DecisionID        string             `json:"decisionId"`
	At                *time.Time         `json:"at,omitempty"`
	ProjectionSummary *ProjectionSummary `json:"projectionSummary,omitempty"`
	Reasons           []BlockReason      `json:"reasons,omitempty"`
	NextSteps         []string           `json:"nextSteps,omitempty"`
}

func (v Verdict) Allowed() bool {
	return v.Status == VerdictAllowed
}

func (v Verdict) Reason(t ReasonType) (BlockReason, bool) {
	for _, r := range v.Reasons {
		if r.Type == t {
			return r, true
		}
	}
	return BlockReason{}, false
}
