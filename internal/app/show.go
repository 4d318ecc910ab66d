package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"lnfeetuner/internal/storage"
)

// Show prints recent fee decisions from the archive, or one channel's recent
// samples when a channel is selected.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show decisions")
	}
	if closeStore != nil {
		defer closeStore()
	}

	if opts.Section != "" {
		return a.showSamples(ctx, store, opts)
	}

	decisions, err := store.ListRecentDecisions(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(decisions) == 0 {
		fmt.Fprintln(os.Stdout, "no decisions found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tChannel\tRule\tDir\tOut (ppm)\tIn (ppm)\tRisk\tGate\tReason")

	for _, dec := range decisions {
		gate := ""
		if dec.Gate != nil {
			gate = *dec.Gate
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%d->%d\t%d->%d\t%s\t%s\t%s\n",
			dec.Bucket.UTC().Format(time.RFC3339),
			dec.Section,
			dec.Rule,
			dec.Direction,
			dec.OldOutboundPPM,
			dec.NewOutboundPPM,
			dec.OldInboundPPM,
			dec.NewInboundPPM,
			formatDecimal(dec.SinkRiskScore, 2),
			gate,
			sanitizeInline(dec.Reason),
		)
	}

	writer.Flush()
	return nil
}

func (a *App) showSamples(ctx context.Context, store *storage.Store, opts ShowOptions) error {
	samples, err := store.ListRecentSamples(ctx, opts.Section, opts.Limit)
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		fmt.Fprintf(os.Stdout, "no samples found for channel %q\n", opts.Section)
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Bucket (UTC)\tVolume (sat)\tRevenue (sat)\tVol EMA\tRev EMA\tRole\tStatus")

	for _, sample := range samples {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			sample.Bucket.UTC().Format(time.RFC3339),
			formatDecimal(sample.VolumeSat, 0),
			formatDecimal(sample.RevenueSat, 1),
			formatDecimal(sample.EmaVolume, 0),
			formatDecimal(sample.EmaRevenue, 1),
			sample.Role,
			sample.Status,
		)
	}

	writer.Flush()
	return nil
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
