package rules

import (
	"testing"
	"time"

	"lnfeetuner/internal/state"
)

func TestSensitivityBase(t *testing.T) {
	th := testParams().Thresholds
	cs := &state.ChannelState{Section: "peer"}
	now := time.Now().UTC()

	if got := Sensitivity(cs, th, 3, now); got != 0.25 {
		t.Fatalf("quiet channel sensitivity = %f, want base 0.25", got)
	}
}

func TestSensitivityStreakBuckets(t *testing.T) {
	th := testParams().Thresholds
	now := time.Now().UTC()

	cases := []struct {
		streak int
		want   float64
	}{
		{0, 0.25},
		{3, 0.30},  // early streak raises the bar
		{8, 0.22},  // mid streak lowers it
		{15, 0.17}, // long streak lowers it further
		{-8, 0.22}, // magnitude matters, not sign
	}
	for _, tc := range cases {
		cs := &state.ChannelState{Section: "peer", BumpStreak: tc.streak}
		if got := Sensitivity(cs, th, 3, now); got != tc.want {
			t.Fatalf("streak %d sensitivity = %f, want %f", tc.streak, got, tc.want)
		}
	}
}

func TestSensitivityBonusesAndClamp(t *testing.T) {
	th := testParams().Thresholds
	now := time.Now().UTC()

	// Recent role flip and a large swing both lower the threshold.
	cs := &state.ChannelState{
		Section:           "peer",
		RoleFlipTime:      now.Add(-24 * time.Hour),
		EmaVolume:         flatEMA(600001),
		PrevBlendedVolume: 0,
	}
	if got := Sensitivity(cs, th, 3, now); got != 0.15 {
		t.Fatalf("flip + high delta = %f, want 0.15", got)
	}

	// Zero-volume run pushes the threshold up, clamped at max_delta.
	dead := &state.ChannelState{Section: "peer", ZeroSampleStreak: 10, BumpStreak: 2}
	if got := Sensitivity(dead, th, 3, now); got != 0.40 {
		t.Fatalf("dead channel = %f, want 0.40", got)
	}

	// The clamp floor holds when every bonus stacks.
	eager := &state.ChannelState{
		Section:           "peer",
		RoleFlipTime:      now.Add(-time.Hour),
		BumpStreak:        15,
		EmaVolume:         flatEMA(600001),
		PrevBlendedVolume: 0,
	}
	th.BaseDelta = 0.1
	if got := Sensitivity(eager, th, 3, now); got != th.MinDelta {
		t.Fatalf("stacked bonuses = %f, want clamp %f", got, th.MinDelta)
	}
}
