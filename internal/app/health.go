package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"lnfeetuner/internal/lnd"
)

// Health verifies that the node is reachable, the state directory is
// writable, and (when configured) the archive database answers.
func (a *App) Health(ctx context.Context) error {
	client := lnd.NewClient(a.Config.Node, a.Logger)
	channels, err := client.ListChannels(ctx)
	if err != nil {
		return fmt.Errorf("node unreachable: %w", err)
	}
	fmt.Fprintf(os.Stdout, "node: ok (%d channels)\n", len(channels))

	stateDir := filepath.Dir(a.Config.Paths.StateFile)
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("state dir not writable: %w", err)
	}
	probe := filepath.Join(stateDir, ".health")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("state dir not writable: %w", err)
	}
	os.Remove(probe)
	fmt.Fprintln(os.Stdout, "state dir: ok")

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if store == nil {
		fmt.Fprintln(os.Stdout, "database: not configured")
		return nil
	}
	defer closeStore()

	count, err := store.CountSamples(ctx)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	fmt.Fprintf(os.Stdout, "database: ok (%d samples)\n", count)
	return nil
}
