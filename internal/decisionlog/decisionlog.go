// Package decisionlog appends one NDJSON record per channel decision so a
// cycle's reasoning can be replayed long after the state file moved on.
package decisionlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"lnfeetuner/internal/policy"
)

// Record is one serialized decision plus the cycle context it ran in.
type Record struct {
	Timestamp time.Time       `json:"timestamp"`
	Mode      string          `json:"mode"`
	Decision  policy.Decision `json:"decision"`

	Volume  float64 `json:"volume"`
	Revenue float64 `json:"revenue"`

	BlendedVolume  float64 `json:"blended_volume"`
	BlendedRevenue float64 `json:"blended_revenue"`

	Role          string  `json:"role"`
	BumpStreak    int     `json:"bump_streak"`
	SinkRiskScore float64 `json:"sink_risk_score"`
	Sensitivity   float64 `json:"sensitivity"`
}

// Log is an append-only NDJSON file. Records are flushed per append; partial
// trailing lines from a crash are tolerated by readers skipping unparsable
// lines.
type Log struct {
	path   string
	logger zerolog.Logger
}

func New(path string, logger zerolog.Logger) *Log {
	return &Log{path: path, logger: logger.With().Str("component", "decisionlog").Logger()}
}

// Append writes the records as one line each.
func (l *Log) Append(records []Record) error {
	if len(records) == 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create decision log dir: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open decision log: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("append decision: %w", err)
		}
	}

	l.logger.Debug().Int("records", len(records)).Str("path", l.path).Msg("decisions appended")
	return nil
}

// Tail reads up to limit most recent records, skipping unparsable lines.
func (l *Log) Tail(limit int) ([]Record, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read decision log: %w", err)
	}

	var records []Record
	start := 0
	for i := 0; i <= len(data); i++ {
		if i == len(data) || data[i] == '\n' {
			line := data[start:i]
			start = i + 1
			if len(line) == 0 {
				continue
			}
			var rec Record
			if err := json.Unmarshal(line, &rec); err != nil {
				continue
			}
			records = append(records, rec)
		}
	}

	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	return records, nil
}
