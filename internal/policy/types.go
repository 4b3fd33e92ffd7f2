package policy

import "github.com/davidahmann/dealledger/pkg/types"

// Policy is the operator-authored action table.
type Policy struct {
	PolicyID      string       `yaml:"policy_id"`
	PolicyVersion string       `yaml:"policy_version"`
	SchemaVersion string       `yaml:"schema_version"`
	Actions       []ActionRule `yaml:"actions"`
}

// ActionRule describes one gated action. Event names the ledger event a
// caller appends once the action is allowed.
type ActionRule struct {
	Action            string          `yaml:"action"`
	Event             types.EventType `yaml:"event"`
	Description       string          `yaml:"description"`
	RequiredRoles     []string        `yaml:"required_roles"`
	ApproverRoles     []string        `yaml:"approver_roles"`
	ApprovalThreshold int             `yaml:"approval_threshold"`
	Requirements      []Requirement   `yaml:"requirements"`
	PayloadSchema     map[string]any  `yaml:"payload_schema"`
}

// Requirement demands a material at or above MinTier. States limits the
// requirement to those deal states and When is a CEL condition over
// state, stress_mode and action.
type Requirement struct {
	Material string          `yaml:"material"`
	MinTier  types.TrustTier `yaml:"min_tier"`
	States   []types.State   `yaml:"states"`
	When     string          `yaml:"when"`
}

// Facts are the deal attributes visible to requirement conditions.
type Facts struct {
	State      types.State
	StressMode bool
}
