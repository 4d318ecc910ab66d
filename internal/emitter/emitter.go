package emitter

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"lnfeetuner/internal/state"
)

// Stanza is one charge-lnd policy block ready for rendering.
type Stanza struct {
	Section       string
	NodeID        string
	MinFeePPM     int
	MaxFeePPM     int
	InboundFeePPM int
	MaxHtlcMsat   int64
	// Frozen channels get a comment marker so an operator scanning the file
	// can tell why the fees look parked.
	Frozen bool
}

// Writer renders the charge-lnd config file. The file is rewritten wholesale
// each cycle via a temp file and atomic rename, so charge-lnd never observes
// a half-written config.
type Writer struct {
	path   string
	logger zerolog.Logger
}

func NewWriter(path string, logger zerolog.Logger) *Writer {
	return &Writer{path: path, logger: logger.With().Str("component", "emitter").Logger()}
}

// Write renders all stanzas sorted by section name and atomically replaces
// the target file.
func (w *Writer) Write(stanzas []Stanza, now time.Time) error {
	sorted := make([]Stanza, len(stanzas))
	copy(sorted, stanzas)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Section < sorted[j].Section })

	var b strings.Builder
	fmt.Fprintf(&b, "# generated by lnfeetuner at %s\n", now.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "# do not edit, changes are overwritten every cycle\n")
	for _, s := range sorted {
		b.WriteString("\n")
		b.WriteString(Render(s))
	}

	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	tmp := w.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create temp output: %w", err)
	}
	if _, err := f.WriteString(b.String()); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write output: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync output: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close output: %w", err)
	}
	if err := os.Rename(tmp, w.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace output: %w", err)
	}

	w.logger.Info().Str("path", w.path).Int("stanzas", len(sorted)).Msg("charge-lnd config written")
	return nil
}

// Render produces one policy block. charge-lnd matches the node.id and
// applies the static strategy with the listed bounds.
func Render(s Stanza) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]\n", s.Section)
	if s.Frozen {
		b.WriteString("# outbound frozen: local balance below capacity floor\n")
	}
	fmt.Fprintf(&b, "node.id = %s\n", s.NodeID)
	b.WriteString("strategy = static\n")
	fmt.Fprintf(&b, "min_fee_ppm = %d\n", s.MinFeePPM)
	fmt.Fprintf(&b, "max_fee_ppm = %d\n", s.MaxFeePPM)
	fmt.Fprintf(&b, "inbound_fee_ppm = %d\n", s.InboundFeePPM)
	if s.MaxHtlcMsat > 0 {
		fmt.Fprintf(&b, "max_htlc_msat = %d\n", s.MaxHtlcMsat)
	}
	return b.String()
}

// StanzaFor builds the stanza for one channel from its committed state.
func StanzaFor(cs *state.ChannelState, minFeePPM int, frozen bool) Stanza {
	return Stanza{
		Section:       cs.Section,
		NodeID:        cs.NodeID,
		MinFeePPM:     minFeePPM,
		MaxFeePPM:     cs.OutboundFeePPM,
		InboundFeePPM: cs.InboundFeePPM,
		MaxHtlcMsat:   cs.MaxHtlcMsat,
		Frozen:        frozen,
	}
}
