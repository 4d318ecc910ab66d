package policy

import (
	"math"
	"time"

	"github.com/rs/zerolog"

	"lnfeetuner/internal/config"
	"lnfeetuner/internal/rules"
	"lnfeetuner/internal/state"
)

// Decision is the final, clamped outcome for one channel in one cycle. It
// records both the proposal that produced it and every gate that modified or
// suppressed it, so the decision log can reconstruct the whole chain.
type Decision struct {
	Section string    `json:"section"`
	NodeID  string    `json:"node_id"`
	Applied time.Time `json:"applied"`

	Rule      string          `json:"rule"`
	Direction rules.Direction `json:"direction"`
	Reason    string          `json:"reason"`

	// Gate names the mechanism that suppressed or trimmed the proposal, empty
	// when the proposal went through untouched.
	Gate string `json:"gate,omitempty"`

	OldOutboundPPM int `json:"old_outbound_ppm"`
	NewOutboundPPM int `json:"new_outbound_ppm"`
	OldInboundPPM  int `json:"old_inbound_ppm"`
	NewInboundPPM  int `json:"new_inbound_ppm"`

	// MinOutboundPPM is the derived floor emitted alongside the max fee.
	MinOutboundPPM int `json:"min_outbound_ppm"`

	OutboundChanged bool `json:"outbound_changed"`
	InboundChanged  bool `json:"inbound_changed"`
	Frozen          bool `json:"frozen,omitempty"`
}

// Changed reports whether the decision moved any fee.
func (d Decision) Changed() bool { return d.OutboundChanged || d.InboundChanged }

// Engine turns rule proposals into committed fee changes, enforcing
// quantization, bounds, overshoot protection, and time gating. Apply mutates
// the channel state in place.
type Engine struct {
	cfg    *config.Config
	logger zerolog.Logger
}

func NewEngine(cfg *config.Config, logger zerolog.Logger) *Engine {
	return &Engine{cfg: cfg, logger: logger.With().Str("component", "policy").Logger()}
}

const (
	gateCooldown  = "cooldown"
	gateBackoff   = "fee_backoff"
	gateOvershoot = "overshoot_cap"
	gateClamp     = "bounds_clamp"
	gateQuantize  = "quantized_to_zero"
)

// Apply commits one proposal against the channel's state. The returned
// decision always carries the post-apply fees, even when every gate fired and
// nothing moved.
func (e *Engine) Apply(cs *state.ChannelState, ch config.ChannelConfig, prop rules.Proposal, now time.Time) Decision {
	d := Decision{
		Section:        cs.Section,
		NodeID:         cs.NodeID,
		Applied:        now,
		Rule:           prop.Rule,
		Direction:      prop.Direction,
		Reason:         prop.Reason,
		OldOutboundPPM: cs.OutboundFeePPM,
		OldInboundPPM:  cs.InboundFeePPM,
	}

	if prop.FreezeOutbound {
		d.Frozen = true
		d.NewOutboundPPM = cs.OutboundFeePPM
		d.MinOutboundPPM = e.minForMax(cs.OutboundFeePPM, ch)
		cs.BumpStreak = 0
		e.applyInbound(cs, &d, prop)
		return d
	}

	target, gate := e.outboundTarget(cs, ch, prop, now)
	d.Gate = gate
	d.NewOutboundPPM = target
	d.MinOutboundPPM = e.minForMax(target, ch)

	if target != cs.OutboundFeePPM {
		e.recordMove(cs, prop, target, now)
		d.OutboundChanged = true
	} else if gate != gateCooldown && gate != gateBackoff && !prop.ReportOnly {
		// A hold outside the time gates ends the streak.
		cs.BumpStreak = 0
	}

	e.applyInbound(cs, &d, prop)
	return d
}

// outboundTarget resolves the proposal into a concrete outbound fee, running
// the gates in order: time gating, quantization, overshoot cap, bounds clamp.
func (e *Engine) outboundTarget(cs *state.ChannelState, ch config.ChannelConfig, prop rules.Proposal, now time.Time) (int, string) {
	current := cs.OutboundFeePPM
	if prop.Direction == rules.Hold {
		return current, ""
	}

	if !prop.BypassCooldown && !cs.LastFeeChange.IsZero() &&
		now.Sub(cs.LastFeeChange) < e.cfg.Timing.Cooldown {
		return current, gateCooldown
	}
	if prop.BypassCooldown && !cs.LastFailedBump.IsZero() &&
		now.Sub(cs.LastFailedBump) < e.cfg.Timing.FeeBackoff {
		return current, gateBackoff
	}

	delta := quantize(prop.MagnitudePPM, e.cfg.Fees.IncrementPPM)
	if delta == 0 {
		return current, gateQuantize
	}
	if e.cfg.Fees.BumpMax > 0 && delta > e.cfg.Fees.BumpMax {
		delta = e.cfg.Fees.BumpMax
	}

	target := current + delta
	if prop.Direction == rules.Decrease {
		target = current - delta
	}

	gate := ""
	if prop.Direction == rules.Increase && cs.LastSuccessfulFee > 0 {
		ceiling := int(math.Round(float64(cs.LastSuccessfulFee) * 1.5))
		if target > ceiling && ceiling > current {
			target = ceiling
			gate = gateOvershoot
		}
	}

	minPPM, maxPPM := e.cfg.ChannelBounds(ch)
	if target < minPPM {
		target = minPPM
		gate = gateClamp
	}
	if target > maxPPM {
		target = maxPPM
		gate = gateClamp
	}
	return target, gate
}

// recordMove updates the streak bookkeeping after an actual fee change.
func (e *Engine) recordMove(cs *state.ChannelState, prop rules.Proposal, target int, now time.Time) {
	dir := string(rules.Increase)
	if target < cs.OutboundFeePPM {
		dir = string(rules.Decrease)
	}

	if cs.LastDirection == dir {
		if dir == string(rules.Increase) {
			cs.BumpStreak++
		} else {
			cs.BumpStreak--
		}
	} else {
		if dir == string(rules.Increase) {
			cs.BumpStreak = 1
		} else {
			cs.BumpStreak = -1
		}
	}

	cs.LastDirection = dir
	cs.OutboundFeePPM = target
	cs.LastFeeChange = now
	if prop.BypassCooldown {
		cs.LastFailedBump = now
	}

	e.logger.Info().
		Str("channel", cs.Section).
		Str("rule", prop.Rule).
		Str("direction", dir).
		Int("fee_ppm", target).
		Int("bump_streak", cs.BumpStreak).
		Msg("outbound fee updated")
}

// applyInbound resolves the inbound fee for the channel. A freeze forces the
// inbound fee unconditionally; otherwise the channel must be enrolled in
// inbound targeting and not disabled per-peer.
func (e *Engine) applyInbound(cs *state.ChannelState, d *Decision, prop rules.Proposal) {
	inbound := cs.InboundFeePPM

	switch {
	case prop.ForcedInbound != nil:
		// Applied as-is: a per-channel override may sit below the global floor.
		inbound = *prop.ForcedInbound
	case prop.ReportOnly:
		d.NewInboundPPM = inbound
		return
	case e.inboundEnabled(cs):
		inbound = clampInt(e.deriveInbound(cs), e.cfg.InboundFees.MinFeePPM, e.cfg.InboundFees.MaxFeePPM)
	default:
		d.NewInboundPPM = inbound
		return
	}

	d.NewInboundPPM = inbound
	if inbound != cs.InboundFeePPM {
		cs.InboundFeePPM = inbound
		d.InboundChanged = true
		e.logger.Info().
			Str("channel", cs.Section).
			Int("inbound_ppm", inbound).
			Bool("forced", prop.ForcedInbound != nil).
			Msg("inbound fee updated")
	}
}

func (e *Engine) inboundEnabled(cs *state.ChannelState) bool {
	ch := e.cfg.Channels[cs.Section]
	if config.PeerListed(e.cfg.Rules.InboundFeesDisabled, cs.Section, ch.Peer) {
		return false
	}
	return config.PeerListed(e.cfg.Rules.InboundFeeTargets, cs.Section, ch.Peer)
}

// deriveInbound steps the inbound fee by one increment based on where the
// local balance sits: a local-heavy channel discounts inbound traffic to pull
// flow through, a drained channel charges for it. The per-channel override
// acts as a floor.
func (e *Engine) deriveInbound(cs *state.ChannelState) int {
	in := e.cfg.InboundFees
	inbound := cs.InboundFeePPM

	switch {
	case cs.CapacityFraction >= in.SinkPct:
		inbound -= in.IncrementPPM
	case cs.CapacityFraction <= in.TapPct:
		inbound += in.IncrementPPM
	}

	ch := e.cfg.Channels[cs.Section]
	if ch.InboundFeePPM != nil && inbound < *ch.InboundFeePPM {
		inbound = *ch.InboundFeePPM
	}
	return inbound
}

// minForMax derives the emitted fee floor from the target max fee, honouring
// the configured ratio and the channel's own lower bound.
func (e *Engine) minForMax(maxFee int, ch config.ChannelConfig) int {
	floor := int(math.Round(float64(maxFee) * e.cfg.Fees.MinMaxRatio))
	lower, _ := e.cfg.ChannelBounds(ch)
	if floor < lower {
		floor = lower
	}
	if floor > maxFee {
		floor = maxFee
	}
	return floor
}

// quantize rounds a raw delta to the nearest increment multiple. A nonzero
// delta smaller than half an increment still yields one increment, so a rule
// that decided to move always moves.
func quantize(delta, increment int) int {
	if delta <= 0 || increment <= 0 {
		return 0
	}
	q := (delta + increment/2) / increment * increment
	if q == 0 {
		q = increment
	}
	return q
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
