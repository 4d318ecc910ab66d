package ema

import (
	"time"

	"lnfeetuner/internal/config"
	"lnfeetuner/internal/state"
)

// Mode names the alpha set selected for one update period.
type Mode string

const (
	ModeBalanced   Mode = "balanced"
	ModeWeighted   Mode = "weighted"
	ModeBumpDamped Mode = "bump_damped"
)

// Alphas is the smoothing set actually applied for a period, after boosts.
type Alphas struct {
	D1, D5, D7 float64
	Mode       Mode
	ZeroBoost  bool
}

// Tracker updates the multi-horizon volume/revenue EMAs for a channel.
type Tracker struct {
	cfg config.AlphaConfig
}

// NewTracker builds a Tracker from the alpha configuration.
func NewTracker(cfg config.AlphaConfig) *Tracker {
	return &Tracker{cfg: cfg}
}

// Select resolves the alpha set for this period. Precedence: a committed role
// flip inside the role_flip_days window selects the weighted set, a long bump
// streak dampens the balanced set, otherwise balanced applies. A zero-sample
// streak at or above the trigger boosts whichever set was selected, clipped
// per horizon; the boost composes with the role-flip selection.
func (t *Tracker) Select(cs *state.ChannelState, now time.Time) Alphas {
	a := Alphas{
		D1:   t.cfg.Balanced.D1,
		D5:   t.cfg.Balanced.D5,
		D7:   t.cfg.Balanced.D7,
		Mode: ModeBalanced,
	}

	switch {
	case t.flipWindowActive(cs, now):
		a.D1 = t.cfg.Weighted.D1
		a.D5 = t.cfg.Weighted.D5
		a.D7 = t.cfg.Weighted.D7
		a.Mode = ModeWeighted
	case t.cfg.BumpStreakThreshold > 0 && abs(cs.BumpStreak) >= t.cfg.BumpStreakThreshold:
		a.D1 = max(t.cfg.BumpStreakMin.D1, a.D1-t.cfg.BumpStreakDecay.D1)
		a.D5 = max(t.cfg.BumpStreakMin.D5, a.D5-t.cfg.BumpStreakDecay.D5)
		a.D7 = max(t.cfg.BumpStreakMin.D7, a.D7-t.cfg.BumpStreakDecay.D7)
		a.Mode = ModeBumpDamped
	}

	if t.cfg.ZeroEmaTrigger > 0 && cs.ZeroSampleStreak >= t.cfg.ZeroEmaTrigger {
		a.D1 = min(t.cfg.ZeroEmaMax.D1, a.D1+t.cfg.ZeroEmaBoost.D1)
		a.D5 = min(t.cfg.ZeroEmaMax.D5, a.D5+t.cfg.ZeroEmaBoost.D5)
		a.D7 = min(t.cfg.ZeroEmaMax.D7, a.D7+t.cfg.ZeroEmaBoost.D7)
		a.ZeroBoost = true
	}

	return a
}

// Update applies one period's volume and revenue samples to the channel's
// EMAs using the selected alpha set, refreshes the blended previous values,
// and maintains the zero-sample streak. Returns the alphas that were applied.
func (t *Tracker) Update(cs *state.ChannelState, volume, revenue float64, now time.Time) Alphas {
	a := t.Select(cs, now)

	cs.PrevBlendedVolume = cs.EmaVolume.Blend()
	cs.PrevBlendedRevenue = cs.EmaRevenue.Blend()

	cs.EmaVolume.D1 = apply(a.D1, volume, cs.EmaVolume.D1)
	cs.EmaVolume.D5 = apply(a.D5, volume, cs.EmaVolume.D5)
	cs.EmaVolume.D7 = apply(a.D7, volume, cs.EmaVolume.D7)

	cs.EmaRevenue.D1 = apply(a.D1, revenue, cs.EmaRevenue.D1)
	cs.EmaRevenue.D5 = apply(a.D5, revenue, cs.EmaRevenue.D5)
	cs.EmaRevenue.D7 = apply(a.D7, revenue, cs.EmaRevenue.D7)

	if volume == 0 {
		cs.ZeroSampleStreak++
	} else {
		cs.ZeroSampleStreak = 0
	}

	cs.VolumeHistory.Observe(cs.EmaVolume.Blend())
	cs.RevenueHistory.Observe(cs.EmaRevenue.Blend())

	return a
}

func (t *Tracker) flipWindowActive(cs *state.ChannelState, now time.Time) bool {
	if cs.RoleFlipTime.IsZero() || t.cfg.RoleFlipDays <= 0 {
		return false
	}
	window := time.Duration(t.cfg.RoleFlipDays) * 24 * time.Hour
	return now.Sub(cs.RoleFlipTime) <= window
}

func apply(alpha, sample, prev float64) float64 {
	return alpha*sample + (1-alpha)*prev
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
