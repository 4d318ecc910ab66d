package rules

import (
	"time"

	"lnfeetuner/internal/config"
	"lnfeetuner/internal/state"
)

// Direction is the proposed fee movement.
type Direction string

const (
	Hold     Direction = "hold"
	Increase Direction = "increase"
	Decrease Direction = "decrease"
)

// Proposal is the outcome of the first rule that fires for a channel.
type Proposal struct {
	Rule           string
	Direction      Direction
	MagnitudePPM   int
	BypassCooldown bool
	FreezeOutbound bool
	ForcedInbound  *int
	// ReportOnly marks a substituted hold in observe mode: the decision is
	// recorded but no fee state moves, inbound derivation and streak
	// bookkeeping included.
	ReportOnly bool
	Reason     string
}

// Context carries the refreshed channel state plus the period's samples into
// rule evaluation. It is assembled once per channel per cycle so rules stay
// pure functions of their inputs.
type Context struct {
	State   *state.ChannelState
	Channel config.ChannelConfig
	Params  *config.Config
	Now     time.Time

	Volume  float64
	Revenue float64

	// Deltas of this period's sample against the blended EMAs.
	VolDelta float64
	RevDelta float64

	// Sensitivity is the dynamic base-delta threshold for this period.
	Sensitivity float64
}

// BlendedVolume returns the blended volume EMA, floored at one so relative
// deltas stay defined for brand-new channels.
func (c *Context) BlendedVolume() float64 {
	return floorOne(c.State.EmaVolume.Blend())
}

// BlendedRevenue mirrors BlendedVolume for revenue.
func (c *Context) BlendedRevenue() float64 {
	return floorOne(c.State.EmaRevenue.Blend())
}

func floorOne(v float64) float64 {
	if v < 1 {
		return 1
	}
	return v
}

// BumpMagnitude is the hybrid exponential step: below the increment the bump
// grows as 2^streak until the increment is reached, afterwards as
// increment·2^streak capped at bump_max.
func BumpMagnitude(currentFee, bumpStreak int, fees config.FeeConfig) int {
	streak := bumpStreak
	if streak < 0 {
		streak = 0
	}
	if streak > 16 {
		streak = 16
	}

	if currentFee < fees.IncrementPPM {
		bump := 1 << streak
		if currentFee+bump > fees.IncrementPPM {
			bump = fees.IncrementPPM - currentFee
		}
		if bump < 1 {
			bump = 1
		}
		return bump
	}

	bump := fees.IncrementPPM * (1 << streak)
	if fees.BumpMax > 0 && bump > fees.BumpMax {
		bump = fees.BumpMax
	}
	return bump
}
