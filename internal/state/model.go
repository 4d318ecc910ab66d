package state

import (
	"math"
	"time"
)

// Role classifies a channel's dominant flow direction.
type Role string

const (
	RoleBalanced Role = "balanced"
	RoleSink     Role = "sink"
	RoleTap      Role = "tap"
)

// EMA holds one exponential moving average per tracked horizon.
type EMA struct {
	D1 float64 `json:"d1"`
	D5 float64 `json:"d5"`
	D7 float64 `json:"d7"`
}

// Blend collapses the horizons into the single fee-relevant scalar
// (arithmetic mean, matching how the deltas are interpreted downstream).
func (e EMA) Blend() float64 {
	return (e.D1 + e.D5 + e.D7) / 3
}

// RollingStats tracks a running mean/std via Welford's method.
type RollingStats struct {
	N    int     `json:"n"`
	Mean float64 `json:"mean"`
	M2   float64 `json:"m2"`
	Std  float64 `json:"std"`
}

// Observe folds one sample into the running statistics.
func (r *RollingStats) Observe(value float64) {
	r.N++
	delta := value - r.Mean
	r.Mean += delta / float64(r.N)
	r.M2 += delta * (value - r.Mean)
	if r.N > 1 {
		r.Std = math.Sqrt(r.M2 / float64(r.N))
	}
}

// ChannelView is the balance snapshot of a single channel with a peer.
type ChannelView struct {
	ChannelPoint string `json:"channel_point"`
	Scid         string `json:"scid,omitempty"`
	ChanID       string `json:"chan_id,omitempty"`
	CapacitySat  int64  `json:"capacity_sat"`
	LocalSat     int64  `json:"local_sat"`
	RemoteSat    int64  `json:"remote_sat"`
	Active       bool   `json:"active"`
}

// ChannelState is the full persisted record for one routed peer. It is
// created on first observation and never deleted automatically; peers that
// fall below the minimum capacity are marked inactive instead.
type ChannelState struct {
	Section string `json:"section"`
	NodeID  string `json:"node_id"`
	Alias   string `json:"alias"`

	EmaVolume  EMA `json:"ema_volume"`
	EmaRevenue EMA `json:"ema_revenue"`

	PrevBlendedVolume  float64 `json:"prev_blended_volume"`
	PrevBlendedRevenue float64 `json:"prev_blended_revenue"`

	VolumeHistory  RollingStats `json:"volume_history"`
	RevenueHistory RollingStats `json:"revenue_history"`

	Role           Role      `json:"role"`
	CandidateRole  Role      `json:"candidate_role,omitempty"`
	RoleFlipStreak int       `json:"role_flip_streak"`
	RoleFlipTime   time.Time `json:"role_flip_time,omitempty"`

	ZeroSampleStreak int `json:"zero_sample_streak"`

	// BumpStreak is signed: positive for consecutive raises, negative for
	// consecutive cuts.
	BumpStreak    int    `json:"bump_streak"`
	LastDirection string `json:"last_direction,omitempty"`

	OutboundFeePPM int `json:"outbound_fee_ppm"`
	InboundFeePPM  int `json:"inbound_fee_ppm"`

	LastFeeChange  time.Time `json:"last_fee_change,omitempty"`
	LastFailedBump time.Time `json:"last_failed_bump,omitempty"`

	LastSuccessfulFee int     `json:"last_successful_fee"`
	LastDailyVolume   float64 `json:"last_daily_volume"`

	ConsecutiveFailedHtlcs  int `json:"consecutive_failed_htlcs"`
	UpstreamForwardFailures int `json:"upstream_forward_failures"`

	SinkRatio     float64 `json:"sink_ratio"`
	PrevSinkRatio float64 `json:"prev_sink_ratio"`
	SinkRiskScore float64 `json:"sink_risk_score"`

	CapacityFraction float64       `json:"capacity_fraction"`
	CapacitySat      int64         `json:"capacity_sat"`
	LocalSat         int64         `json:"local_sat"`
	RemoteSat        int64         `json:"remote_sat"`
	MaxHtlcMsat      int64         `json:"max_htlc_msat"`
	Channels         []ChannelView `json:"channels,omitempty"`

	Inactive bool `json:"inactive"`

	LastUpdated time.Time `json:"last_updated,omitempty"`
}

// Snapshot is the whole persisted state keyed by channel section.
type Snapshot struct {
	UpdatedAt time.Time                `json:"updated_at"`
	Channels  map[string]*ChannelState `json:"channels"`
}

// NewSnapshot returns an empty snapshot ready for use.
func NewSnapshot() *Snapshot {
	return &Snapshot{Channels: make(map[string]*ChannelState)}
}

// Channel returns the state for section, creating it on first observation.
func (s *Snapshot) Channel(section string) *ChannelState {
	if cs, ok := s.Channels[section]; ok {
		return cs
	}
	cs := &ChannelState{Section: section, Role: RoleBalanced}
	s.Channels[section] = cs
	return cs
}

// MergeChannelViews reconciles the stored channel list with the latest
// balance snapshot. Channels gone from the node are kept as tombstones with
// zeroed balances so their history survives closure.
func MergeChannelViews(existing, current []ChannelView) []ChannelView {
	byPoint := make(map[string]ChannelView, len(current))
	for _, c := range current {
		byPoint[c.ChannelPoint] = c
	}

	merged := make([]ChannelView, 0, len(existing)+len(current))
	seen := make(map[string]bool, len(existing))

	for _, old := range existing {
		if latest, ok := byPoint[old.ChannelPoint]; ok {
			latest.Active = true
			merged = append(merged, latest)
			seen[old.ChannelPoint] = true
			continue
		}
		old.CapacitySat = 0
		old.LocalSat = 0
		old.RemoteSat = 0
		old.Active = false
		merged = append(merged, old)
	}

	for _, c := range current {
		if !seen[c.ChannelPoint] {
			c.Active = true
			merged = append(merged, c)
		}
	}

	return merged
}

// ApplyChannelViews aggregates per-channel balances into the peer totals and
// refreshes the derived capacity fraction.
func (cs *ChannelState) ApplyChannelViews(views []ChannelView) {
	cs.Channels = MergeChannelViews(cs.Channels, views)

	var capacity, local, remote int64
	for _, c := range cs.Channels {
		capacity += c.CapacitySat
		local += c.LocalSat
		remote += c.RemoteSat
	}
	cs.CapacitySat = capacity
	cs.LocalSat = local
	cs.RemoteSat = remote
	if capacity > 0 {
		cs.CapacityFraction = float64(local) / float64(capacity)
	} else {
		cs.CapacityFraction = 0
	}
}
