package trust

import (
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/davidahmann/dealledger/pkg/types"
)

func TestTrustProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("extraction path always yields AI", prop.ForAll(
		func(confidence float64, value string) bool {
			claim, err := NewAIClaim("c", ClaimInput{DealID: "d", Field: "f", Value: value, Confidence: &confidence}, fixedNow)
			return err == nil && claim.Tier == types.TierAI
		},
		gen.Float64Range(0, 1),
		gen.AnyString(),
	))

	properties.Property("promotion succeeds exactly once", prop.ForAll(
		func(user string) bool {
			claim, err := NewAIClaim("c", ClaimInput{DealID: "d", Field: "f"}, fixedNow)
			if err != nil {
				return false
			}
			promoted, err := Promote(claim, "u-"+user, "ok", fixedNow)
			if err != nil || promoted.Tier != types.TierHuman {
				return false
			}
			_, err = Promote(promoted, "u-"+user, "ok", fixedNow)
			return errors.Is(err, ErrAlreadyPromoted)
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
