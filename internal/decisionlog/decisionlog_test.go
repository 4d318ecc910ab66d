package decisionlog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"lnfeetuner/internal/policy"
	"lnfeetuner/internal/rules"
)

func testRecord(section string, ts time.Time) Record {
	return Record{
		Timestamp: ts,
		Mode:      "apply",
		Decision: policy.Decision{
			Section:        section,
			Rule:           "base_delta",
			Direction:      rules.Increase,
			OldOutboundPPM: 100,
			NewOutboundPPM: 125,
		},
		Role: "balanced",
	}
}

func TestAppendAndTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log", "decisions.ndjson")
	l := New(path, zerolog.Nop())

	now := time.Now().UTC().Truncate(time.Second)
	if err := l.Append([]Record{testRecord("a", now), testRecord("b", now)}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := l.Append([]Record{testRecord("c", now.Add(time.Hour))}); err != nil {
		t.Fatalf("second Append failed: %v", err)
	}

	records, err := l.Tail(0)
	if err != nil {
		t.Fatalf("Tail failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d records, want 3", len(records))
	}
	if records[2].Decision.Section != "c" {
		t.Fatalf("records out of order: %+v", records)
	}

	limited, err := l.Tail(2)
	if err != nil {
		t.Fatalf("limited Tail failed: %v", err)
	}
	if len(limited) != 2 || limited[0].Decision.Section != "b" {
		t.Fatalf("limit should keep the newest records, got %+v", limited)
	}
}

func TestTailSkipsCorruptLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decisions.ndjson")
	l := New(path, zerolog.Nop())

	if err := l.Append([]Record{testRecord("a", time.Now().UTC())}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	f, _ := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	f.WriteString("{truncated garbage\n")
	f.Close()
	if err := l.Append([]Record{testRecord("b", time.Now().UTC())}); err != nil {
		t.Fatalf("Append after corruption failed: %v", err)
	}

	records, err := l.Tail(0)
	if err != nil {
		t.Fatalf("Tail failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("corrupt line should be skipped, got %d records", len(records))
	}
}

func TestTailMissingFile(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "missing.ndjson"), zerolog.Nop())
	records, err := l.Tail(10)
	if err != nil || records != nil {
		t.Fatalf("missing file should yield nothing, got %v %v", records, err)
	}
}

func TestAppendIsNDJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decisions.ndjson")
	l := New(path, zerolog.Nop())

	if err := l.Append([]Record{testRecord("a", time.Now().UTC()), testRecord("b", time.Now().UTC())}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	data, _ := os.ReadFile(path)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("want one JSON object per line, got %d lines", len(lines))
	}
	for _, line := range lines {
		if !strings.HasPrefix(line, "{") || !strings.HasSuffix(line, "}") {
			t.Fatalf("line is not a flat JSON object: %s", line)
		}
	}
}
