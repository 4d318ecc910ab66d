package rules

import (
	"github.com/rs/zerolog"
)

// Pipeline evaluates rules in fixed priority order; the first rule that fires
// wins and no later rule is consulted.
type Pipeline struct {
	rules  []Rule
	logger zerolog.Logger
}

// NewPipeline assembles the standard rule order. Safety rules run before
// economics: liquidity freeze, then HTLC escalation, then peer failures, then
// the sink guard, then the delta rules.
func NewPipeline(logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		rules: []Rule{
			LowCapacityFreeze{},
			FailedHtlcEscalation{},
			UpstreamForwardFailures{},
			SinkGuard{},
			BaseDelta{},
			RevenueFloor{},
		},
		logger: logger.With().Str("component", "rules").Logger(),
	}
}

// Evaluate runs the pipeline for one channel. When no rule fires the result
// is an explicit hold attributed to "none".
func (p *Pipeline) Evaluate(ctx *Context) Proposal {
	for _, rule := range p.rules {
		if prop := rule.Evaluate(ctx); prop != nil {
			p.logger.Debug().
				Str("channel", ctx.State.Section).
				Str("rule", prop.Rule).
				Str("direction", string(prop.Direction)).
				Int("magnitude_ppm", prop.MagnitudePPM).
				Str("reason", prop.Reason).
				Msg("rule fired")
			return *prop
		}
	}
	return Proposal{Rule: "none", Direction: Hold, Reason: "no rule fired"}
}
