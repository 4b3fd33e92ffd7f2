// Package grade scores how well a deal's record would stand up in review.
package grade

import (
	"sort"

	"github.com/davidahmann/dealledger/internal/chain"
	"github.com/davidahmann/dealledger/pkg/types"
)

type Result struct {
	Grade   string   `json:"grade"`
	Reasons []string `json:"reasons"`
}

type Input struct {
	Verification chain.Result
	Deal         types.Deal
	Checkpoint   *types.Checkpoint
	Claims       []types.Claim
}

func Evaluate(in Input) Result {
	if !in.Verification.Valid {
		return Result{Grade: "F", Reasons: []string{"chain_invalid"}}
	}

	missing := map[string]bool{}

	if in.Deal.AppendHalted {
		missing["chain_reinstatement"] = true
	}
	if in.Checkpoint == nil || len(in.Checkpoint.Sig) == 0 {
		missing["signed_checkpoint"] = true
	}
	if len(in.Claims) == 0 {
		missing["claims"] = true
	}
	for _, c := range in.Claims {
		if c.Tier == types.TierAI {
			missing["human_review"] = true
			break
		}
	}

	grade := "A"
	switch {
	case missing["chain_reinstatement"]:
		grade = "D"
	case missing["signed_checkpoint"] && missing["human_review"]:
		grade = "C"
	case missing["signed_checkpoint"] || missing["human_review"] || missing["claims"]:
		grade = "B"
	}

	reasons := []string{}
	for k, v := range missing {
		if v {
			reasons = append(reasons, "missing_"+k)
		}
	}
	sort.Strings(reasons)

	return Result{Grade: grade, Reasons: reasons}
}
