// Package validate defines the validator contract of the membrane and the
// two reusable validator families shipped with it: CEL outcome rules and
// JSON Schema document checks. Validators classify what an action produced;
// they never authorize anything.
package validate

import (
	"github.com/openclaw/guardian/pkg/contracts"
)

// ReasonUnrecognizedTier is recorded when a validator hands back a tier
// outside the known set.
const ReasonUnrecognizedTier = "validator_returned_unrecognized_tier"

// Outcome is a validator's verdict on one action result.
type Outcome struct {
	Tier     contracts.Tier
	Evidence contracts.Evidence
}

// Func inspects the value returned by a performed action and grades it.
// Returning an error (or panicking) marks the validator as faulted; the
// membrane absorbs the fault and records a fail tier instead of
// propagating it to the caller.
type Func func(result any) (Outcome, error)

// Success builds a success outcome.
func Success(evidence contracts.Evidence) Outcome {
	return Outcome{Tier: contracts.TierSuccess, Evidence: evidence}
}

// Fail builds a fail outcome.
func Fail(evidence contracts.Evidence) Outcome {
	return Outcome{Tier: contracts.TierFail, Evidence: evidence}
}

// Acceptable builds an acceptable outcome.
func Acceptable(evidence contracts.Evidence) Outcome {
	return Outcome{Tier: contracts.TierAcceptable, Evidence: evidence}
}

// Normalize maps validator output onto the closed tier set. "warning" is
// accepted as a legacy alias for acceptable; anything else unknown is
// downgraded to fail with an explanatory reason so a buggy validator can
// never smuggle an unscored success into the journal.
func Normalize(o Outcome) Outcome {
	switch o.Tier {
	case contracts.TierSuccess, contracts.TierFail, contracts.TierAcceptable:
		return o
	case "warning":
		o.Tier = contracts.TierAcceptable
		return o
	}
	ev := contracts.Evidence{}
	for k, v := range o.Evidence {
		ev[k] = v
	}
	if o.Tier != "" {
		ev["returned_tier"] = string(o.Tier)
	}
	ev["reason"] = ReasonUnrecognizedTier
	return Outcome{Tier: contracts.TierFail, Evidence: ev}
}
