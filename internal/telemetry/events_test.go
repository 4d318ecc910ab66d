package telemetry

import (
	"testing"
	"time"
)

func TestAggregateSplitsDirections(t *testing.T) {
	now := time.Now().UTC()
	mapping := map[string]string{"100": "acinq", "200": "kraken"}

	events := []Event{
		{Timestamp: now, ChannelID: "100", Kind: ForwardSuccess, AmountSat: 5000, FeeMsat: 2500},
		{Timestamp: now, ChannelID: "200", Kind: ForwardSuccess, AmountSat: 5000, Inbound: true},
		{Timestamp: now, ChannelID: "100", Kind: ForwardSuccess, AmountSat: 1000, FeeMsat: 500},
		{Timestamp: now, ChannelID: "999", Kind: ForwardSuccess, AmountSat: 7777},
	}

	stats := Aggregate(events, mapping)

	acinq := stats["acinq"]
	if acinq == nil || acinq.VolumeOutSat != 6000 || acinq.RevenueMsat != 3000 {
		t.Fatalf("acinq stats wrong: %+v", acinq)
	}
	if acinq.RevenueSat() != 3.0 {
		t.Fatalf("revenue sat = %f, want 3.0", acinq.RevenueSat())
	}

	kraken := stats["kraken"]
	if kraken == nil || kraken.VolumeInSat != 5000 || kraken.VolumeOutSat != 0 {
		t.Fatalf("kraken stats wrong: %+v", kraken)
	}

	if _, ok := stats["999"]; ok {
		t.Fatal("unknown channels must be dropped")
	}
}

func TestAggregateConsecutiveFailures(t *testing.T) {
	now := time.Now().UTC()
	mapping := map[string]string{"100": "peer"}

	events := []Event{
		{Timestamp: now, ChannelID: "100", Kind: HtlcFail},
		{Timestamp: now, ChannelID: "100", Kind: HtlcFail},
		{Timestamp: now, ChannelID: "100", Kind: ForwardSuccess, AmountSat: 100},
		{Timestamp: now, ChannelID: "100", Kind: HtlcFail},
		{Timestamp: now, ChannelID: "100", Kind: ForwardFail},
	}

	stats := Aggregate(events, mapping)
	ps := stats["peer"]
	if ps.HtlcFails != 3 || ps.ForwardFails != 1 {
		t.Fatalf("failure counts wrong: %+v", ps)
	}
	if ps.ConsecutiveFailedHtlcs != 1 {
		t.Fatalf("success should reset the trailing run, got %d", ps.ConsecutiveFailedHtlcs)
	}
}
