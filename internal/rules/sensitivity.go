package rules

import (
	"math"
	"time"

	"lnfeetuner/internal/config"
	"lnfeetuner/internal/state"
)

// Sensitivity computes the dynamic base-delta threshold for a channel this
// period. The base is lowered (more eager) by a recent role flip, a sustained
// bump streak, and large recent activity, raised (less eager) by a fresh
// streak and a long run of zero-volume periods, then clamped to
// [min_delta, max_delta].
func Sensitivity(cs *state.ChannelState, th config.ThresholdConfig, roleFlipDays int, now time.Time) float64 {
	base := th.BaseDelta

	if flipWindowActive(cs, roleFlipDays, now) {
		base -= th.RoleFlipBonus
	}

	lastVolDelta := math.Abs(cs.EmaVolume.Blend() - cs.PrevBlendedVolume)
	lastRevDelta := math.Abs(cs.EmaRevenue.Blend() - cs.PrevBlendedRevenue)
	if lastVolDelta > th.HighEmaDeltaThreshold || lastRevDelta > th.HighRevDeltaThreshold {
		base -= th.HighDeltaBonus
	}

	streak := cs.BumpStreak
	if streak < 0 {
		streak = -streak
	}
	switch {
	case streak >= th.MidStreakMin && streak <= th.MidStreakMax:
		base -= th.MidStreakBonus
	case streak > th.MidStreakMax:
		base -= th.HighStreakBonus
	case streak > 0 && streak <= th.EarlyStreakMax:
		base += th.EarlyStreakPenalty
	}

	if th.ZeroEmaCountThreshold > 0 && cs.ZeroSampleStreak >= th.ZeroEmaCountThreshold {
		base += th.ZeroEmaPenalty
	}

	if base < th.MinDelta {
		base = th.MinDelta
	}
	if base > th.MaxDelta {
		base = th.MaxDelta
	}
	return math.Round(base*10000) / 10000
}

func flipWindowActive(cs *state.ChannelState, roleFlipDays int, now time.Time) bool {
	if cs.RoleFlipTime.IsZero() || roleFlipDays <= 0 {
		return false
	}
	return now.Sub(cs.RoleFlipTime) <= time.Duration(roleFlipDays)*24*time.Hour
}
