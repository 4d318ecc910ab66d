package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("写配置文件失败: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("空配置应可加载: %v", err)
	}

	if cfg.Fees.IncrementPPM != 25 || cfg.Fees.MaxPPM != 2500 {
		t.Fatalf("费率默认值错误: %+v", cfg.Fees)
	}
	if cfg.Alpha.Balanced.D1 != 0.6 || cfg.Alpha.Weighted.D1 != 0.8 {
		t.Fatalf("alpha 默认值错误: %+v", cfg.Alpha)
	}
	if cfg.Timing.Cooldown.Hours() != 4 {
		t.Fatalf("cooldown 默认值错误: %v", cfg.Timing.Cooldown)
	}
	if cfg.Htlc.MinCapacity != 0.05 {
		t.Fatalf("min_capacity 默认值错误: %v", cfg.Htlc.MinCapacity)
	}
}

func TestLoadChannelOverrides(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
[channels.acinq]
peer = "ACINQ"
node_id = "03864ef"
min_range_ppm = 800
max_range_ppm = 1500
inbound_fee_ppm = -50
`))
	if err != nil {
		t.Fatalf("加载失败: %v", err)
	}

	ch, ok := cfg.Channels["acinq"]
	if !ok {
		t.Fatal("通道段落缺失")
	}
	if ch.NodeID != "03864ef" || *ch.MinRangePPM != 800 || *ch.InboundFeePPM != -50 {
		t.Fatalf("通道配置错误: %+v", ch)
	}

	minPPM, maxPPM := cfg.ChannelBounds(ch)
	if minPPM != 800 || maxPPM != 1500 {
		t.Fatalf("通道边界 = %d/%d, 应为 800/1500", minPPM, maxPPM)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"missing node_id", "[channels.x]\npeer = \"X\"\n"},
		{"inverted range", "[channels.x]\nnode_id = \"02aa\"\nmin_range_ppm = 500\nmax_range_ppm = 400\n"},
		{"bad increment", "[fees]\nincrement_ppm = 0\n"},
		{"bad role ratio", "[thresholds]\nrole_ratio = 0.5\n"},
		{"bad min capacity", "[htlc]\nmin_capacity = 1.5\n"},
		{"zero streak alpha floor", "[alpha.bump_streak_min]\nd1 = 0.0\n"},
		{"bad streak decay", "[alpha.bump_streak_decay]\nd5 = 1.0\n"},
		{"negative retention", "[database]\nretention = \"-1h\"\n"},
		{"telegram missing token", "[alerting.telegram]\nenabled = true\nchat_id = \"1\"\n"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tc.content)); err == nil {
				t.Fatalf("%s 应校验失败", tc.name)
			}
		})
	}
}

func TestPeerListed(t *testing.T) {
	list := []string{"acinq", "Kraken"}
	if !PeerListed(list, "acinq", "") {
		t.Fatal("段落名应命中")
	}
	if !PeerListed(list, "other", "kraken") {
		t.Fatal("peer 别名应不区分大小写命中")
	}
	if PeerListed(list, "other", "bitfinex") {
		t.Fatal("未列出的 peer 不应命中")
	}
}

func TestChannelBoundsGlobalFallback(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("加载失败: %v", err)
	}

	minPPM, maxPPM := cfg.ChannelBounds(ChannelConfig{})
	if minPPM != cfg.Fees.MinPPM || maxPPM != cfg.Fees.MaxPPM {
		t.Fatalf("无覆盖时应用全局边界, 实际 %d/%d", minPPM, maxPPM)
	}
}
