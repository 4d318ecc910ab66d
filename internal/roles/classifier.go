package roles

import (
	"time"

	"lnfeetuner/internal/config"
	"lnfeetuner/internal/state"
)

// Classifier maintains the sink/tap/balanced role of each channel with
// hysteresis: a flip only commits after enough consecutive periods agree.
type Classifier struct {
	ratio    float64
	minFlips int
}

// NewClassifier builds a Classifier from threshold and alpha configuration.
func NewClassifier(thresholds config.ThresholdConfig, alpha config.AlphaConfig) *Classifier {
	return &Classifier{ratio: thresholds.RoleRatio, minFlips: alpha.MinRoleFlips}
}

// Candidate derives the raw role from one period's inbound/outbound totals.
func (c *Classifier) Candidate(inSats, outSats float64) state.Role {
	switch {
	case inSats > outSats*c.ratio:
		return state.RoleSink
	case outSats > inSats*c.ratio:
		return state.RoleTap
	default:
		return state.RoleBalanced
	}
}

// Observe feeds one period's totals into the hysteresis state machine and
// reports whether a flip committed this period. A quiet period (no volume in
// either direction) leaves the streak untouched rather than resetting it.
func (c *Classifier) Observe(cs *state.ChannelState, inSats, outSats float64, now time.Time) (state.Role, bool) {
	if cs.Role == "" {
		cs.Role = state.RoleBalanced
	}
	if inSats == 0 && outSats == 0 {
		return cs.Role, false
	}

	candidate := c.Candidate(inSats, outSats)
	if candidate == cs.Role {
		cs.CandidateRole = ""
		cs.RoleFlipStreak = 0
		return cs.Role, false
	}

	if candidate == cs.CandidateRole {
		cs.RoleFlipStreak++
	} else {
		cs.CandidateRole = candidate
		cs.RoleFlipStreak = 1
	}

	if cs.RoleFlipStreak < c.minFlips {
		return cs.Role, false
	}

	cs.Role = candidate
	cs.CandidateRole = ""
	cs.RoleFlipStreak = 0
	cs.RoleFlipTime = now
	return cs.Role, true
}
