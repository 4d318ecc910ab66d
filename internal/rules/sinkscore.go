package rules

import (
	"math"

	"lnfeetuner/internal/state"
)

const sinkScoreMinHistory = 100

// SinkRiskScore updates the channel's sink risk estimate from liquidity and
// activity signals. Outbound balance dominates; the volume/revenue rolling
// stats refine the estimate once enough history exists, static thresholds
// apply before that. The score moves incrementally and decays when quiet.
func SinkRiskScore(cs *state.ChannelState) float64 {
	score := 0.0
	recovery := false

	switch out := cs.CapacityFraction; {
	case out <= 0.1:
		score += 0.5
	case out <= 0.2:
		score += 0.3
	case out <= 0.3:
		score += 0.15
	case out <= 0.4:
		score += 0.05
	case out >= 0.7:
		score -= 0.5
	}

	volBlend := cs.EmaVolume.Blend()
	revBlend := cs.EmaRevenue.Blend()
	volDelta := volBlend - cs.PrevBlendedVolume
	revDelta := revBlend - cs.PrevBlendedRevenue

	if cs.VolumeHistory.N >= sinkScoreMinHistory {
		vh, rh := cs.VolumeHistory, cs.RevenueHistory
		if volBlend < math.Max(vh.Mean-vh.Std, 0) {
			score += 0.2
		}
		if revBlend < math.Max(rh.Mean-rh.Std, 0) {
			score += 0.1
		}
		if volBlend > vh.Mean+vh.Std {
			score -= 0.2
			recovery = true
		}
		if revBlend > rh.Mean+rh.Std {
			score -= 0.2
			recovery = true
		}
		if recovery && score < 0 {
			score = 0
		}
	} else {
		if volBlend < 25_000 && volDelta < 0 {
			score += 0.4
		} else if volBlend > 50_000 && volDelta > 0 {
			score -= 0.2
		}
		if revBlend < 100 && revDelta <= 0 {
			score += 0.3
		} else if revBlend > 500 && revDelta > 0 {
			score -= 0.15
		}
		if cs.ZeroSampleStreak >= 1 {
			score += 0.05
		}
		if cs.BumpStreak >= 5 {
			score += 0.05
		}
	}

	prev := cs.SinkRiskScore
	if score == 0 {
		score = math.Max(0, prev-0.05)
	} else {
		score = prev + score
	}

	score = math.Round(score*100) / 100
	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}
	return score
}
