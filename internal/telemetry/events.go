package telemetry

import (
	"time"
)

// Kind discriminates observation records.
type Kind string

const (
	ForwardSuccess Kind = "forward_success"
	ForwardFail    Kind = "forward_fail"
	HtlcFail       Kind = "htlc_fail"
)

// Event is one immutable observation from the telemetry source.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	ChannelID string    `json:"channel_id"`
	Kind      Kind      `json:"kind"`
	AmountSat int64     `json:"amount_sat"`
	FeeMsat   int64     `json:"fee_msat"`
	// Inbound marks the observation as traffic arriving through the channel
	// rather than leaving through it.
	Inbound bool `json:"inbound,omitempty"`
}

// PeerStats aggregates one cycle's events for a single peer.
type PeerStats struct {
	VolumeOutSat int64
	VolumeInSat  int64
	RevenueMsat  int64

	ForwardFails int
	HtlcFails    int

	// ConsecutiveFailedHtlcs counts the trailing run of htlc_fail events,
	// reset by any successful forward.
	ConsecutiveFailedHtlcs int
}

// RevenueSat converts the msat revenue to sats.
func (p PeerStats) RevenueSat() float64 {
	return float64(p.RevenueMsat) / 1000
}

// Aggregate folds a finite event sequence into per-peer stats. channelPeers
// maps a channel id (scid) to the peer section it belongs to; events for
// unknown channels are dropped.
func Aggregate(events []Event, channelPeers map[string]string) map[string]*PeerStats {
	result := make(map[string]*PeerStats)

	for _, ev := range events {
		section, ok := channelPeers[ev.ChannelID]
		if !ok {
			continue
		}
		stats, ok := result[section]
		if !ok {
			stats = &PeerStats{}
			result[section] = stats
		}

		switch ev.Kind {
		case ForwardSuccess:
			if ev.Inbound {
				stats.VolumeInSat += ev.AmountSat
			} else {
				stats.VolumeOutSat += ev.AmountSat
				stats.RevenueMsat += ev.FeeMsat
			}
			stats.ConsecutiveFailedHtlcs = 0
		case ForwardFail:
			stats.ForwardFails++
		case HtlcFail:
			stats.HtlcFails++
			stats.ConsecutiveFailedHtlcs++
		}
	}

	return result
}
