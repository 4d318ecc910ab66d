package app

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"lnfeetuner/internal/state"
)

// State prints the persisted per-channel state.
func (a *App) State(opts StateOptions) error {
	store := state.NewStore(a.Config.Paths.StateFile, a.Logger)
	snapshot, err := store.Load()
	if err != nil {
		return err
	}
	if len(snapshot.Channels) == 0 {
		fmt.Fprintln(os.Stdout, "no channel state recorded yet")
		return nil
	}

	sections := make([]string, 0, len(snapshot.Channels))
	for section := range snapshot.Channels {
		if opts.Section != "" && section != opts.Section {
			continue
		}
		sections = append(sections, section)
	}
	sort.Strings(sections)
	if len(sections) == 0 {
		return fmt.Errorf("channel %q not found in state", opts.Section)
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Channel\tRole\tOut (ppm)\tIn (ppm)\tVol EMA\tRev EMA\tStreak\tRisk\tLocal%\tLast Change")

	for _, section := range sections {
		cs := snapshot.Channels[section]
		lastChange := "-"
		if !cs.LastFeeChange.IsZero() {
			lastChange = cs.LastFeeChange.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%d\t%d\t%.0f\t%.1f\t%d\t%.2f\t%.1f\t%s\n",
			section,
			cs.Role,
			cs.OutboundFeePPM,
			cs.InboundFeePPM,
			cs.EmaVolume.Blend(),
			cs.EmaRevenue.Blend(),
			cs.BumpStreak,
			cs.SinkRiskScore,
			cs.CapacityFraction*100,
			lastChange,
		)
	}

	writer.Flush()
	fmt.Fprintf(os.Stdout, "\nsnapshot updated: %s\n", snapshot.UpdatedAt.UTC().Format(time.RFC3339))
	return nil
}
