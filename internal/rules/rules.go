package rules

import (
	"fmt"
	"math"

	"lnfeetuner/internal/config"
	"lnfeetuner/internal/state"
)

// Rule evaluates one channel context and either fires with a proposal or
// passes (nil). Rules never mutate the context.
type Rule interface {
	Name() string
	Evaluate(ctx *Context) *Proposal
}

// LowCapacityFreeze parks channels whose outbound liquidity dropped below the
// configured floor: the outbound fee holds and the inbound fee is forced down
// to attract rebalancing flow. Nothing else may touch a frozen channel.
type LowCapacityFreeze struct{}

func (LowCapacityFreeze) Name() string { return "low_capacity_freeze" }

func (r LowCapacityFreeze) Evaluate(ctx *Context) *Proposal {
	minCap := ctx.Params.Htlc.MinCapacity
	if minCap <= 0 || ctx.State.CapacityFraction >= minCap {
		return nil
	}

	forced := ctx.Params.InboundFees.MinFeePPM
	if ctx.Channel.InboundFeePPM != nil && *ctx.Channel.InboundFeePPM < forced {
		forced = *ctx.Channel.InboundFeePPM
	}

	return &Proposal{
		Rule:           r.Name(),
		Direction:      Hold,
		FreezeOutbound: true,
		ForcedInbound:  &forced,
		Reason: fmt.Sprintf("outbound %.1f%% below floor %.1f%%",
			ctx.State.CapacityFraction*100, minCap*100),
	}
}

// FailedHtlcEscalation reacts to a run of local HTLC failures with an
// immediate bump that bypasses the cooldown. The rule keeps firing while the
// failures persist; the fee backoff gate downstream decides whether a repeat
// bump lands, so a suppressed escalation is still recorded and lower-priority
// rules cannot cut the fee on a failing channel.
type FailedHtlcEscalation struct{}

func (FailedHtlcEscalation) Name() string { return "failed_htlc_escalation" }

func (r FailedHtlcEscalation) Evaluate(ctx *Context) *Proposal {
	threshold := ctx.Params.Htlc.FailedHtlcThreshold
	if threshold <= 0 || ctx.State.ConsecutiveFailedHtlcs < threshold {
		return nil
	}

	return &Proposal{
		Rule:           r.Name(),
		Direction:      Increase,
		MagnitudePPM:   ctx.Params.Htlc.FailedHtlcBump,
		BypassCooldown: true,
		Reason: fmt.Sprintf("%d consecutive failed HTLCs (threshold %d)",
			ctx.State.ConsecutiveFailedHtlcs, threshold),
	}
}

// UpstreamForwardFailures raises the fee when the peer keeps failing forwards
// we hand it, and holds in the warning band below the raise threshold.
type UpstreamForwardFailures struct{}

func (UpstreamForwardFailures) Name() string { return "upstream_forward_failures" }

func (r UpstreamForwardFailures) Evaluate(ctx *Context) *Proposal {
	fails := ctx.State.UpstreamForwardFailures
	raise := ctx.Params.Htlc.ForwardFailuresRaise
	hold := ctx.Params.Htlc.ForwardFailuresHold

	switch {
	case raise > 0 && fails >= raise:
		return &Proposal{
			Rule:         r.Name(),
			Direction:    Increase,
			MagnitudePPM: ctx.Params.Fees.IncrementPPM,
			Reason:       fmt.Sprintf("%d upstream forward failures (raise at %d)", fails, raise),
		}
	case hold > 0 && fails >= hold:
		return &Proposal{
			Rule:      r.Name(),
			Direction: Hold,
			Reason:    fmt.Sprintf("%d upstream forward failures (hold band %d-%d)", fails, hold, raise),
		}
	}
	return nil
}

// SinkGuard caps fee growth on channels that are draining into a sink: once
// the risk score crosses the threshold and revenue hovers near the sink
// target, only a single increment per cycle is allowed regardless of what the
// delta rules would propose.
type SinkGuard struct{}

func (SinkGuard) Name() string { return "sink_guard" }

func (r SinkGuard) Evaluate(ctx *Context) *Proposal {
	if config.PeerListed(ctx.Params.Rules.SinkGuardDisabled, ctx.State.Section, ctx.Channel.Peer) {
		return nil
	}
	if ctx.State.Role != state.RoleSink {
		return nil
	}
	th := ctx.Params.Thresholds
	if ctx.State.SinkRiskScore < th.SinkRiskThreshold {
		return nil
	}
	if math.Abs(ctx.State.EmaRevenue.Blend()-th.SinkEmaTarget) > th.SinkGuardWindow {
		return nil
	}

	return &Proposal{
		Rule:         r.Name(),
		Direction:    Increase,
		MagnitudePPM: ctx.Params.Fees.IncrementPPM,
		Reason: fmt.Sprintf("sink risk %.2f >= %.2f, revenue ema %.0f near target %.0f",
			ctx.State.SinkRiskScore, th.SinkRiskThreshold,
			ctx.State.EmaRevenue.Blend(), th.SinkEmaTarget),
	}
}

// BaseDelta is the workhorse rule: it compares the period's sample against
// the blended EMAs and moves the fee when the relative change exceeds the
// dynamic sensitivity. Growth uses the exponential bump schedule, decline
// steps down by one increment.
type BaseDelta struct{}

func (BaseDelta) Name() string { return "base_delta" }

func (r BaseDelta) Evaluate(ctx *Context) *Proposal {
	relVol := ctx.VolDelta / ctx.BlendedVolume()
	relRev := ctx.RevDelta / ctx.BlendedRevenue()

	switch {
	case relVol > ctx.Sensitivity || relRev > ctx.Sensitivity:
		streak := ctx.State.BumpStreak
		if streak < 0 {
			streak = 0
		}
		return &Proposal{
			Rule:         r.Name(),
			Direction:    Increase,
			MagnitudePPM: BumpMagnitude(ctx.State.OutboundFeePPM, streak, ctx.Params.Fees),
			Reason: fmt.Sprintf("volume %+.1f%% revenue %+.1f%% over sensitivity %.1f%%",
				relVol*100, relRev*100, ctx.Sensitivity*100),
		}
	case relVol < -ctx.Sensitivity && relRev < -ctx.Sensitivity:
		return &Proposal{
			Rule:         r.Name(),
			Direction:    Decrease,
			MagnitudePPM: ctx.Params.Fees.IncrementPPM,
			Reason: fmt.Sprintf("volume %+.1f%% revenue %+.1f%% under sensitivity %.1f%%",
				relVol*100, relRev*100, ctx.Sensitivity*100),
		}
	}
	return nil
}

// RevenueFloor lowers the fee when revenue alone collapsed relative to its
// EMA even though volume held up, a sign the current fee is pricing us out.
type RevenueFloor struct{}

func (RevenueFloor) Name() string { return "revenue_floor" }

func (r RevenueFloor) Evaluate(ctx *Context) *Proposal {
	threshold := ctx.Params.Thresholds.Revenue
	if threshold <= 0 {
		return nil
	}
	relRev := ctx.RevDelta / ctx.BlendedRevenue()
	if relRev >= -threshold {
		return nil
	}

	return &Proposal{
		Rule:         r.Name(),
		Direction:    Decrease,
		MagnitudePPM: ctx.Params.Fees.IncrementPPM,
		Reason:       fmt.Sprintf("revenue %+.1f%% under floor %.1f%%", relRev*100, threshold*100),
	}
}
