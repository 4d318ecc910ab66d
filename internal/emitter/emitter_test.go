package emitter

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestRenderStanza(t *testing.T) {
	s := Stanza{
		Section:       "acinq",
		NodeID:        "03864ef025fde8fb587d989186ce6a4a186895ee44a926bfc370e2c366597a3f8f",
		MinFeePPM:     100,
		MaxFeePPM:     200,
		InboundFeePPM: -25,
		MaxHtlcMsat:   950000000,
	}

	rendered := Render(s)
	for _, want := range []string{
		"[acinq]",
		"node.id = 03864ef025fde8fb587d989186ce6a4a186895ee44a926bfc370e2c366597a3f8f",
		"strategy = static",
		"min_fee_ppm = 100",
		"max_fee_ppm = 200",
		"inbound_fee_ppm = -25",
		"max_htlc_msat = 950000000",
	} {
		if !strings.Contains(rendered, want) {
			t.Fatalf("输出缺少 %q:\n%s", want, rendered)
		}
	}
}

func TestRenderOmitsZeroMaxHtlc(t *testing.T) {
	rendered := Render(Stanza{Section: "peer", NodeID: "02aa"})
	if strings.Contains(rendered, "max_htlc_msat") {
		t.Fatalf("max_htlc_msat 为零时不应输出:\n%s", rendered)
	}
}

func TestWriteSortsAndReplacesAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out", "config.toml")
	w := NewWriter(path, zerolog.Nop())

	stanzas := []Stanza{
		{Section: "zebra", NodeID: "02bb", MaxFeePPM: 100},
		{Section: "acinq", NodeID: "02aa", MaxFeePPM: 200},
	}
	if err := w.Write(stanzas, time.Now().UTC()); err != nil {
		t.Fatalf("Write 应成功: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("读取输出失败: %v", err)
	}
	content := string(data)

	if strings.Index(content, "[acinq]") > strings.Index(content, "[zebra]") {
		t.Fatalf("段落应按名称排序:\n%s", content)
	}

	// Rewrite must fully replace, leaving no temp file behind.
	if err := w.Write(stanzas[:1], time.Now().UTC()); err != nil {
		t.Fatalf("第二次 Write 应成功: %v", err)
	}
	data, _ = os.ReadFile(path)
	if strings.Contains(string(data), "[acinq]") {
		t.Fatalf("重写后不应残留旧段落:\n%s", data)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatal("临时文件应已被重命名")
	}
}

func TestWriteMarksFrozenChannels(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	w := NewWriter(path, zerolog.Nop())

	err := w.Write([]Stanza{{Section: "peer", NodeID: "02aa", Frozen: true}}, time.Now().UTC())
	if err != nil {
		t.Fatalf("Write 应成功: %v", err)
	}
	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "frozen") {
		t.Fatalf("冻结通道应带注释标记:\n%s", data)
	}
}
