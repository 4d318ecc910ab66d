package rules

import (
	"testing"

	"lnfeetuner/internal/state"
)

func TestSinkRiskScoreLiquidityBands(t *testing.T) {
	cases := []struct {
		fraction float64
		want     float64
	}{
		{0.05, 0.5},
		{0.15, 0.3},
		{0.25, 0.15},
		{0.35, 0.05},
		{0.5, 0.0},
	}
	for _, tc := range cases {
		cs := &state.ChannelState{Section: "peer", CapacityFraction: tc.fraction, EmaVolume: flatEMA(30000), EmaRevenue: flatEMA(200)}
		if got := SinkRiskScore(cs); got != tc.want {
			t.Fatalf("fraction %f score = %f, want %f", tc.fraction, got, tc.want)
		}
	}
}

func TestSinkRiskScoreStaticSignals(t *testing.T) {
	// Low drained liquidity, shrinking tiny volume, flat tiny revenue.
	cs := &state.ChannelState{
		Section:            "peer",
		CapacityFraction:   0.05,
		EmaVolume:          flatEMA(10000),
		PrevBlendedVolume:  20000,
		EmaRevenue:         flatEMA(50),
		PrevBlendedRevenue: 50,
		ZeroSampleStreak:   2,
	}
	// 0.5 (band) + 0.4 (volume) + 0.3 (revenue) + 0.05 (zero streak), clamped to 1.
	if got := SinkRiskScore(cs); got != 1.0 {
		t.Fatalf("drained dead channel score = %f, want 1.0", got)
	}
}

func TestSinkRiskScoreDecaysWhenQuiet(t *testing.T) {
	cs := &state.ChannelState{
		Section:          "peer",
		CapacityFraction: 0.5,
		EmaVolume:        flatEMA(30000),
		EmaRevenue:       flatEMA(200),
		SinkRiskScore:    0.6,
	}
	if got := SinkRiskScore(cs); got != 0.55 {
		t.Fatalf("quiet score should decay by 0.05, got %f", got)
	}
}

func TestSinkRiskScoreRecoveryFloor(t *testing.T) {
	cs := &state.ChannelState{
		Section:          "peer",
		CapacityFraction: 0.8, // healthy liquidity: -0.5
		EmaVolume:        flatEMA(200000),
		EmaRevenue:       flatEMA(2000),
		VolumeHistory:    state.RollingStats{N: 150, Mean: 50000, Std: 10000},
		RevenueHistory:   state.RollingStats{N: 150, Mean: 500, Std: 100},
		SinkRiskScore:    0.9,
	}
	// Recovery signals fire on both stats; the raw score floors at zero
	// before the incremental step, so the stored score drops but stays valid.
	got := SinkRiskScore(cs)
	if got < 0 || got > 1 {
		t.Fatalf("score out of range: %f", got)
	}
	if got >= 0.9 {
		t.Fatalf("recovery should lower the score, got %f", got)
	}
}

func TestSinkRiskScoreBounded(t *testing.T) {
	cs := &state.ChannelState{
		Section:           "peer",
		CapacityFraction:  0.05,
		EmaVolume:         flatEMA(1000),
		PrevBlendedVolume: 5000,
		EmaRevenue:        flatEMA(10),
		ZeroSampleStreak:  5,
		BumpStreak:        8,
		SinkRiskScore:     0.95,
	}
	if got := SinkRiskScore(cs); got != 1.0 {
		t.Fatalf("score must clamp at 1.0, got %f", got)
	}
}
