package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data", "channel_state.json")
	return NewStore(path, zerolog.Nop()), path
}

func TestLoadFreshStart(t *testing.T) {
	store, _ := testStore(t)
	snap, err := store.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(snap.Channels) != 0 {
		t.Fatalf("fresh snapshot should be empty, got %d channels", len(snap.Channels))
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store, _ := testStore(t)

	snap := NewSnapshot()
	cs := snap.Channel("acinq")
	cs.OutboundFeePPM = 250
	cs.Role = RoleSink
	cs.BumpStreak = -2
	cs.EmaVolume = EMA{D1: 1000, D5: 800, D7: 600}

	if err := store.Save(snap); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	got := loaded.Channels["acinq"]
	if got == nil {
		t.Fatal("channel missing after round trip")
	}
	if got.OutboundFeePPM != 250 || got.Role != RoleSink || got.BumpStreak != -2 {
		t.Fatalf("state mismatch: %+v", got)
	}
	if got.EmaVolume.D1 != 1000 {
		t.Fatalf("EMA mismatch: %+v", got.EmaVolume)
	}
}

func TestSavePreservesUpdatedAt(t *testing.T) {
	store, _ := testStore(t)

	bucket := time.Date(2026, 8, 29, 12, 30, 0, 0, time.UTC)
	snap := NewSnapshot()
	snap.UpdatedAt = bucket
	snap.Channel("peer").OutboundFeePPM = 100

	if err := store.Save(snap); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if !snap.UpdatedAt.Equal(bucket) {
		t.Fatalf("Save rewrote UpdatedAt to %v", snap.UpdatedAt)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !loaded.UpdatedAt.Equal(bucket) {
		t.Fatalf("checkpoint drifted: %v, want %v", loaded.UpdatedAt, bucket)
	}
}

func TestLoadFallsBackToBackup(t *testing.T) {
	store, path := testStore(t)

	snap := NewSnapshot()
	snap.Channel("peer").OutboundFeePPM = 100
	if err := store.Save(snap); err != nil {
		t.Fatalf("first Save failed: %v", err)
	}
	snap.Channel("peer").OutboundFeePPM = 200
	if err := store.Save(snap); err != nil {
		t.Fatalf("second Save failed: %v", err)
	}

	// Corrupt the primary; the previous save must come back.
	if err := os.WriteFile(path, []byte("{corrupt"), 0o644); err != nil {
		t.Fatalf("corrupting snapshot failed: %v", err)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	got := loaded.Channels["peer"]
	if got == nil || got.OutboundFeePPM != 100 {
		t.Fatalf("backup recovery mismatch: %+v", got)
	}
}

func TestSaveRotatesBackups(t *testing.T) {
	store, path := testStore(t)

	snap := NewSnapshot()
	for i := 0; i < 3; i++ {
		snap.Channel("peer").OutboundFeePPM = 100 * (i + 1)
		if err := store.Save(snap); err != nil {
			t.Fatalf("Save %d failed: %v", i, err)
		}
	}

	if _, err := os.Stat(path + ".1"); err != nil {
		t.Fatal("first backup should exist after repeated saves")
	}
	if _, err := os.Stat(path + ".2"); err != nil {
		t.Fatal("second backup should exist after repeated saves")
	}
}

func TestRunLockExclusion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.lock")
	lock := NewRunLock(path, time.Hour)

	release, err := lock.Acquire()
	if err != nil {
		t.Fatalf("first Acquire failed: %v", err)
	}

	if _, err := lock.Acquire(); err != ErrLockHeld {
		t.Fatalf("second Acquire should fail with ErrLockHeld, got %v", err)
	}

	if pid, ok := lock.Holder(); !ok || pid != os.Getpid() {
		t.Fatalf("holder = %d %v, want own pid", pid, ok)
	}

	release()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("release should remove the marker")
	}

	if release2, err := lock.Acquire(); err != nil {
		t.Fatalf("reacquire after release failed: %v", err)
	} else {
		release2()
	}
}

func TestRunLockReclaimsStale(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.lock")

	if err := os.WriteFile(path, []byte("99999 2020-01-01T00:00:00Z\n"), 0o644); err != nil {
		t.Fatalf("seeding stale lock failed: %v", err)
	}
	old := time.Now().Add(-2 * time.Hour)
	os.Chtimes(path, old, old)

	lock := NewRunLock(path, time.Hour)
	release, err := lock.Acquire()
	if err != nil {
		t.Fatalf("stale lock should be reclaimed: %v", err)
	}
	release()
}

func TestMergeChannelViewsTombstones(t *testing.T) {
	existing := []ChannelView{
		{ChannelPoint: "aa:0", CapacitySat: 1000, LocalSat: 500, RemoteSat: 500, Active: true},
		{ChannelPoint: "bb:1", CapacitySat: 2000, LocalSat: 100, RemoteSat: 1900, Active: true},
	}
	current := []ChannelView{
		{ChannelPoint: "aa:0", CapacitySat: 1000, LocalSat: 700, RemoteSat: 300},
		{ChannelPoint: "cc:0", CapacitySat: 500, LocalSat: 250, RemoteSat: 250},
	}

	merged := MergeChannelViews(existing, current)
	if len(merged) != 3 {
		t.Fatalf("got %d views, want 3", len(merged))
	}

	byPoint := make(map[string]ChannelView)
	for _, v := range merged {
		byPoint[v.ChannelPoint] = v
	}

	if got := byPoint["aa:0"]; got.LocalSat != 700 || !got.Active {
		t.Fatalf("surviving channel not refreshed: %+v", got)
	}
	if got := byPoint["bb:1"]; got.CapacitySat != 0 || got.Active {
		t.Fatalf("closed channel should be tombstoned: %+v", got)
	}
	if got := byPoint["cc:0"]; !got.Active {
		t.Fatalf("new channel should be active: %+v", got)
	}
}

func TestApplyChannelViewsAggregates(t *testing.T) {
	cs := &ChannelState{Section: "peer"}
	cs.ApplyChannelViews([]ChannelView{
		{ChannelPoint: "aa:0", CapacitySat: 1000, LocalSat: 300, RemoteSat: 700},
		{ChannelPoint: "bb:0", CapacitySat: 3000, LocalSat: 900, RemoteSat: 2100},
	})

	if cs.CapacitySat != 4000 || cs.LocalSat != 1200 {
		t.Fatalf("totals wrong: cap %d local %d", cs.CapacitySat, cs.LocalSat)
	}
	if cs.CapacityFraction != 0.3 {
		t.Fatalf("capacity fraction = %f, want 0.3", cs.CapacityFraction)
	}
}
