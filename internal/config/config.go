package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"lnfeetuner/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App         AppConfig                `mapstructure:"app"`
	Logging     logging.Config           `mapstructure:"logging"`
	Database    DatabaseConfig           `mapstructure:"database"`
	Scheduler   SchedulerConfig          `mapstructure:"scheduler"`
	Node        NodeConfig               `mapstructure:"node"`
	Paths       PathsConfig              `mapstructure:"paths"`
	Fees        FeeConfig                `mapstructure:"fees"`
	Alpha       AlphaConfig              `mapstructure:"alpha"`
	Thresholds  ThresholdConfig          `mapstructure:"thresholds"`
	Htlc        HtlcConfig               `mapstructure:"htlc"`
	Timing      TimingConfig             `mapstructure:"timing"`
	InboundFees InboundFeeConfig         `mapstructure:"inbound_fees"`
	Rules       RulesConfig              `mapstructure:"rules"`
	Alerting    AlertingConfig           `mapstructure:"alerting"`
	Export      ExportConfig             `mapstructure:"export"`
	Channels    map[string]ChannelConfig `mapstructure:"channels"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity for the decision archive.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
	// Retention bounds how far back archived fee decisions are kept; zero
	// disables pruning.
	Retention time.Duration `mapstructure:"retention"`
}

// SchedulerConfig governs the fee update cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// NodeConfig identifies the LND node and how to reach it.
type NodeConfig struct {
	LNDContainer   string        `mapstructure:"lnd_container"`
	Alias          string        `mapstructure:"alias"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
}

// PathsConfig collects file locations produced/consumed by a run.
type PathsConfig struct {
	StateFile   string `mapstructure:"state_file"`
	OutputFile  string `mapstructure:"output_file"`
	DecisionLog string `mapstructure:"decision_log"`
	LockFile    string `mapstructure:"lock_file"`
}

// FeeConfig holds the global outbound fee bounds and step sizes.
type FeeConfig struct {
	MinPPM       int     `mapstructure:"min_ppm"`
	MaxPPM       int     `mapstructure:"max_ppm"`
	IncrementPPM int     `mapstructure:"increment_ppm"`
	BumpMax      int     `mapstructure:"bump_max"`
	MinMaxRatio  float64 `mapstructure:"min_max_ratio"`
}

// AlphaSet is one smoothing constant per tracked horizon.
type AlphaSet struct {
	D1 float64 `mapstructure:"d1"`
	D5 float64 `mapstructure:"d5"`
	D7 float64 `mapstructure:"d7"`
}

// AlphaConfig enumerates the EMA alpha sets and their selection triggers.
type AlphaConfig struct {
	Balanced AlphaSet `mapstructure:"balanced"`
	Weighted AlphaSet `mapstructure:"weighted"`

	ZeroEmaTrigger int      `mapstructure:"zero_ema_trigger"`
	ZeroEmaBoost   AlphaSet `mapstructure:"zero_ema_boost"`
	ZeroEmaMax     AlphaSet `mapstructure:"zero_ema_max"`

	BumpStreakThreshold int      `mapstructure:"bump_streak_threshold"`
	BumpStreakDecay     AlphaSet `mapstructure:"bump_streak_decay"`
	BumpStreakMin       AlphaSet `mapstructure:"bump_streak_min"`

	RoleFlipDays int `mapstructure:"role_flip_days"`
	MinRoleFlips int `mapstructure:"min_role_flips"`
}

// ThresholdConfig drives the rule engine sensitivity.
type ThresholdConfig struct {
	BaseDelta             float64 `mapstructure:"base_delta"`
	MinDelta              float64 `mapstructure:"min_delta"`
	MaxDelta              float64 `mapstructure:"max_delta"`
	RoleFlipBonus         float64 `mapstructure:"role_flip_bonus"`
	HighEmaDeltaThreshold float64 `mapstructure:"high_ema_delta_threshold"`
	HighRevDeltaThreshold float64 `mapstructure:"high_rev_delta_threshold"`
	HighDeltaBonus        float64 `mapstructure:"high_delta_bonus"`
	EarlyStreakMax        int     `mapstructure:"early_streak_max"`
	EarlyStreakPenalty    float64 `mapstructure:"early_streak_penalty"`
	MidStreakMin          int     `mapstructure:"mid_streak_min"`
	MidStreakMax          int     `mapstructure:"mid_streak_max"`
	MidStreakBonus        float64 `mapstructure:"mid_streak_bonus"`
	HighStreakBonus       float64 `mapstructure:"high_streak_bonus"`
	ZeroEmaCountThreshold int     `mapstructure:"zero_ema_count_threshold"`
	ZeroEmaPenalty        float64 `mapstructure:"zero_ema_penalty"`
	RoleRatio             float64 `mapstructure:"role_ratio"`
	SinkEmaTarget         float64 `mapstructure:"sink_ema_target"`
	SinkGuardWindow       float64 `mapstructure:"sink_guard_window"`
	SinkRiskThreshold     float64 `mapstructure:"sink_risk_threshold"`
	Revenue               float64 `mapstructure:"revenue"`
}

// HtlcConfig covers HTLC failure handling and liquidity cut-offs.
type HtlcConfig struct {
	FailedHtlcThreshold  int     `mapstructure:"failed_htlc_threshold"`
	FailedHtlcBump       int     `mapstructure:"failed_htlc_bump"`
	ForwardFailuresRaise int     `mapstructure:"forward_failures_raise"`
	ForwardFailuresHold  int     `mapstructure:"forward_failures_hold"`
	ReserveDeduction     float64 `mapstructure:"reserve_deduction"`
	MinCapacity          float64 `mapstructure:"min_capacity"`
}

// TimingConfig holds the gating windows between fee changes.
type TimingConfig struct {
	Cooldown       time.Duration `mapstructure:"cooldown"`
	FeeBackoff     time.Duration `mapstructure:"fee_backoff"`
	FailedBumpFlag time.Duration `mapstructure:"failed_bump_flag"`
}

// InboundFeeConfig bounds inbound fee targeting.
type InboundFeeConfig struct {
	MinFeePPM    int     `mapstructure:"min_fee_ppm"`
	MaxFeePPM    int     `mapstructure:"max_fee_ppm"`
	IncrementPPM int     `mapstructure:"increment_ppm"`
	SinkPct      float64 `mapstructure:"sink_pct"`
	TapPct       float64 `mapstructure:"tap_pct"`
}

// RulesConfig lists per-peer exemptions and enrolment.
type RulesConfig struct {
	SinkGuardDisabled   []string `mapstructure:"sink_guard_disabled"`
	InboundFeesDisabled []string `mapstructure:"inbound_fees_disabled"`
	InboundFeeTargets   []string `mapstructure:"inbound_fee_targets"`
}

// AlertingConfig defines fee-change notification routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Channels []string       `mapstructure:"channels"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// ChannelConfig is one operator-supplied per-channel override block.
type ChannelConfig struct {
	Peer          string `mapstructure:"peer"`
	NodeID        string `mapstructure:"node_id"`
	MinRangePPM   *int   `mapstructure:"min_range_ppm"`
	MaxRangePPM   *int   `mapstructure:"max_range_ppm"`
	InboundFeePPM *int   `mapstructure:"inbound_fee_ppm"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LNFEETUNER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "lnfeetuner")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("scheduler.interval", "30m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x6c6e6674))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("node.lnd_container", "lnd")
	v.SetDefault("node.request_timeout", "30s")
	v.SetDefault("node.max_retries", 2)

	v.SetDefault("paths.state_file", "data/channel_state.json")
	v.SetDefault("paths.output_file", "chargelnd/config.toml")
	v.SetDefault("paths.decision_log", "log/decisions.ndjson")
	v.SetDefault("paths.lock_file", "data/run.lock")

	v.SetDefault("fees.min_ppm", 0)
	v.SetDefault("fees.max_ppm", 2500)
	v.SetDefault("fees.increment_ppm", 25)
	v.SetDefault("fees.bump_max", 1000)
	v.SetDefault("fees.min_max_ratio", 0.5)

	v.SetDefault("alpha.balanced", map[string]any{"d1": 0.6, "d5": 0.2, "d7": 0.1})
	v.SetDefault("alpha.weighted", map[string]any{"d1": 0.8, "d5": 0.3, "d7": 0.15})
	v.SetDefault("alpha.zero_ema_trigger", 3)
	v.SetDefault("alpha.zero_ema_boost", map[string]any{"d1": 0.1, "d5": 0.05, "d7": 0.03})
	v.SetDefault("alpha.zero_ema_max", map[string]any{"d1": 0.9, "d5": 0.5, "d7": 0.3})
	v.SetDefault("alpha.bump_streak_threshold", 5)
	v.SetDefault("alpha.bump_streak_decay", map[string]any{"d1": 0.1, "d5": 0.05, "d7": 0.02})
	v.SetDefault("alpha.bump_streak_min", map[string]any{"d1": 0.2, "d5": 0.1, "d7": 0.05})
	v.SetDefault("alpha.role_flip_days", 3)
	v.SetDefault("alpha.min_role_flips", 2)

	v.SetDefault("thresholds.base_delta", 0.25)
	v.SetDefault("thresholds.min_delta", 0.05)
	v.SetDefault("thresholds.max_delta", 0.6)
	v.SetDefault("thresholds.role_flip_bonus", 0.05)
	v.SetDefault("thresholds.high_ema_delta_threshold", 500000)
	v.SetDefault("thresholds.high_rev_delta_threshold", 500)
	v.SetDefault("thresholds.high_delta_bonus", 0.05)
	v.SetDefault("thresholds.early_streak_max", 5)
	v.SetDefault("thresholds.early_streak_penalty", 0.05)
	v.SetDefault("thresholds.mid_streak_min", 6)
	v.SetDefault("thresholds.mid_streak_max", 12)
	v.SetDefault("thresholds.mid_streak_bonus", 0.03)
	v.SetDefault("thresholds.high_streak_bonus", 0.08)
	v.SetDefault("thresholds.zero_ema_count_threshold", 5)
	v.SetDefault("thresholds.zero_ema_penalty", 0.1)
	v.SetDefault("thresholds.role_ratio", 2.0)
	v.SetDefault("thresholds.sink_ema_target", 1000000)
	v.SetDefault("thresholds.sink_guard_window", 250000)
	v.SetDefault("thresholds.sink_risk_threshold", 0.5)
	v.SetDefault("thresholds.revenue", 0.25)

	v.SetDefault("htlc.failed_htlc_threshold", 3)
	v.SetDefault("htlc.failed_htlc_bump", 25)
	v.SetDefault("htlc.forward_failures_raise", 25)
	v.SetDefault("htlc.forward_failures_hold", 10)
	v.SetDefault("htlc.reserve_deduction", 0.01)
	v.SetDefault("htlc.min_capacity", 0.05)

	v.SetDefault("timing.cooldown", "4h")
	v.SetDefault("timing.fee_backoff", "12h")
	v.SetDefault("timing.failed_bump_flag", "24h")

	v.SetDefault("inbound_fees.min_fee_ppm", -100)
	v.SetDefault("inbound_fees.max_fee_ppm", 1500)
	v.SetDefault("inbound_fees.increment_ppm", 25)
	v.SetDefault("inbound_fees.sink_pct", 0.75)
	v.SetDefault("inbound_fees.tap_pct", 0.25)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
	v.SetDefault("database.retention", "2160h")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs sanity checks. Any failure here is fatal and aborts the
// run before state is touched.
func (c *Config) Validate() error {
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Node.LNDContainer == "" {
		return fmt.Errorf("node.lnd_container is required")
	}
	if c.Paths.StateFile == "" || c.Paths.OutputFile == "" {
		return fmt.Errorf("paths.state_file and paths.output_file are required")
	}
	if c.Fees.IncrementPPM <= 0 {
		return fmt.Errorf("fees.increment_ppm must be greater than zero")
	}
	if c.Fees.MinPPM < 0 || c.Fees.MaxPPM < c.Fees.MinPPM {
		return fmt.Errorf("fees.min_ppm/max_ppm bounds are inconsistent")
	}
	if c.Fees.MinMaxRatio <= 0 || c.Fees.MinMaxRatio > 1 {
		return fmt.Errorf("fees.min_max_ratio must be in (0,1]")
	}
	if err := c.Alpha.validate(); err != nil {
		return err
	}
	if c.Thresholds.MinDelta > c.Thresholds.MaxDelta {
		return fmt.Errorf("thresholds.min_delta must not exceed thresholds.max_delta")
	}
	if c.Thresholds.RoleRatio <= 1 {
		return fmt.Errorf("thresholds.role_ratio must be greater than one")
	}
	if c.Htlc.MinCapacity < 0 || c.Htlc.MinCapacity >= 1 {
		return fmt.Errorf("htlc.min_capacity must be in [0,1)")
	}
	if c.Htlc.ForwardFailuresHold > c.Htlc.ForwardFailuresRaise {
		return fmt.Errorf("htlc.forward_failures_hold must not exceed forward_failures_raise")
	}
	if c.Timing.Cooldown <= 0 || c.Timing.FeeBackoff <= 0 {
		return fmt.Errorf("timing.cooldown and timing.fee_backoff must be positive")
	}
	if c.InboundFees.MinFeePPM > c.InboundFees.MaxFeePPM {
		return fmt.Errorf("inbound_fees.min_fee_ppm exceeds max_fee_ppm")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Database.Retention < 0 {
		return fmt.Errorf("database.retention cannot be negative")
	}
	for section, ch := range c.Channels {
		if ch.NodeID == "" {
			return fmt.Errorf("channels.%s: node_id 必须配置", section)
		}
		if ch.MinRangePPM != nil && ch.MaxRangePPM != nil {
			if *ch.MinRangePPM > *ch.MaxRangePPM {
				return fmt.Errorf("channels.%s: min_range_ppm exceeds max_range_ppm", section)
			}
			if float64(*ch.MinRangePPM) < float64(*ch.MaxRangePPM)*c.Fees.MinMaxRatio {
				return fmt.Errorf("channels.%s: min_range_ppm/max_range_ppm below fees.min_max_ratio", section)
			}
		}
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

func (a AlphaConfig) validate() error {
	for name, set := range map[string]AlphaSet{
		"alpha.balanced": a.Balanced,
		"alpha.weighted": a.Weighted,
	} {
		for horizon, val := range map[string]float64{"d1": set.D1, "d5": set.D5, "d7": set.D7} {
			if val <= 0 || val >= 1 {
				return fmt.Errorf("%s.%s must be in (0,1)", name, horizon)
			}
		}
	}
	for horizon, val := range map[string]float64{
		"d1": a.ZeroEmaMax.D1, "d5": a.ZeroEmaMax.D5, "d7": a.ZeroEmaMax.D7,
	} {
		if val <= 0 || val >= 1 {
			return fmt.Errorf("alpha.zero_ema_max.%s must be in (0,1)", horizon)
		}
	}
	// The streak-damped alpha bottoms out at bump_streak_min; a zero floor
	// would stall the EMA entirely.
	for horizon, val := range map[string]float64{
		"d1": a.BumpStreakMin.D1, "d5": a.BumpStreakMin.D5, "d7": a.BumpStreakMin.D7,
	} {
		if val <= 0 || val >= 1 {
			return fmt.Errorf("alpha.bump_streak_min.%s must be in (0,1)", horizon)
		}
	}
	for horizon, val := range map[string]float64{
		"d1": a.BumpStreakDecay.D1, "d5": a.BumpStreakDecay.D5, "d7": a.BumpStreakDecay.D7,
	} {
		if val < 0 || val >= 1 {
			return fmt.Errorf("alpha.bump_streak_decay.%s must be in [0,1)", horizon)
		}
	}
	if a.MinRoleFlips < 1 {
		return fmt.Errorf("alpha.min_role_flips must be at least one")
	}
	if a.RoleFlipDays < 0 {
		return fmt.Errorf("alpha.role_flip_days cannot be negative")
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

// ChannelBounds resolves the effective outbound bounds for one channel,
// combining the global fee range with the per-channel override block.
func (c *Config) ChannelBounds(ch ChannelConfig) (minPPM, maxPPM int) {
	minPPM = c.Fees.MinPPM
	maxPPM = c.Fees.MaxPPM
	if ch.MinRangePPM != nil && *ch.MinRangePPM > minPPM {
		minPPM = *ch.MinRangePPM
	}
	if ch.MaxRangePPM != nil && *ch.MaxRangePPM < maxPPM {
		maxPPM = *ch.MaxRangePPM
	}
	if minPPM > maxPPM {
		minPPM = maxPPM
	}
	return minPPM, maxPPM
}

// PeerListed reports whether the section or its peer alias appears in list.
func PeerListed(list []string, section, peer string) bool {
	for _, entry := range list {
		if strings.EqualFold(entry, section) || (peer != "" && strings.EqualFold(entry, peer)) {
			return true
		}
	}
	return false
}
