package infra

import (
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ExchangeConfig holds venue endpoints.
type ExchangeConfig struct {
	BaseURL   string `yaml:"base_url"`
	WSURL     string `yaml:"ws_url"`
	LeadWSURL string `yaml:"lead_ws_url"`
	Chain     string `yaml:"chain"`
}

// WalletConfig holds signing credentials. Prefer env vars over the file.
type WalletConfig struct {
	Address    string `yaml:"address"`
	PrivateKey string `yaml:"private_key"`
}

// SymbolSpec carries per-symbol venue constants.
type SymbolSpec struct {
	TickSize     float64 `yaml:"tick_size"`
	MinQty       float64 `yaml:"min_qty"`
	QtyPrecision int     `yaml:"qty_precision"`
}

// DynamicDistanceConfig tunes spread/volatility based quote distances.
type DynamicDistanceConfig struct {
	Enabled          bool    `yaml:"enabled"`
	MinBps           float64 `yaml:"min_bps"`
	MaxBps           float64 `yaml:"max_bps"`
	SpreadFactor     float64 `yaml:"spread_factor"`
	VolatilityFactor float64 `yaml:"volatility_factor"`
}

// StrategyConfig is the quoting engine surface.
type StrategyConfig struct {
	Symbols                 []string  `yaml:"symbols"`
	OrderSizeUSD            float64   `yaml:"order_size_usd"`
	OrderDistancesBps       []float64 `yaml:"order_distances_bps"`
	TargetDistanceBps       float64   `yaml:"target_distance_bps"`
	MinDistanceBps          float64   `yaml:"min_distance_bps"`
	MaxDistanceBps          float64   `yaml:"max_distance_bps"`
	DriftThresholdBps       float64   `yaml:"drift_threshold_bps"`
	OrderLockSeconds        float64   `yaml:"order_lock_seconds"`
	RebalanceCooldownSecs   float64   `yaml:"rebalance_cooldown_seconds"`
	CheckIntervalSeconds    float64   `yaml:"check_interval_seconds"`
	SyncIntervalSeconds     float64   `yaml:"sync_interval_seconds"`
	OrderGracePeriodSeconds float64   `yaml:"order_grace_period_seconds"`
	Order404TimeoutSeconds  float64   `yaml:"order_404_timeout_seconds"`
	Leverage                int       `yaml:"leverage"`
	MarginReservePercent    float64   `yaml:"margin_reserve_percent"`

	DynamicDistance DynamicDistanceConfig `yaml:"dynamic_distance"`
}

// Distances returns the ladder offsets, falling back to the single
// target distance when no explicit list is configured.
func (s *StrategyConfig) Distances() []float64 {
	if len(s.OrderDistancesBps) > 0 {
		return s.OrderDistancesBps
	}
	return []float64{s.TargetDistanceBps}
}

// PreKillConfig gates new placements when risk builds up.
type PreKillConfig struct {
	VolatilityThresholdBps float64 `yaml:"volatility_threshold_bps"`
	MarkMidDivergenceBps   float64 `yaml:"mark_mid_divergence_bps"`
	PauseDurationSeconds   float64 `yaml:"pause_duration_seconds"`
}

// HardKillConfig cancels everything, ignoring order locks.
type HardKillConfig struct {
	MaxVolatilityBps      float64 `yaml:"max_volatility_bps"`
	StaleThresholdSeconds float64 `yaml:"stale_threshold_seconds"`
}

// SafetyConfig is the three-tier gate surface.
type SafetyConfig struct {
	MaxPositionUSD float64        `yaml:"max_position_usd"`
	PreKill        PreKillConfig  `yaml:"pre_kill"`
	HardKill       HardKillConfig `yaml:"hard_kill"`
}

// LeadProtectionConfig cancels quotes when a faster venue moves first.
type LeadProtectionConfig struct {
	Enabled         bool    `yaml:"enabled"`
	TriggerBps      float64 `yaml:"trigger_bps"`
	WindowSeconds   float64 `yaml:"window_seconds"`
	CooldownSeconds float64 `yaml:"cooldown_seconds"`
}

// ConsecutiveFillConfig pauses quoting after repeated adverse fills.
type ConsecutiveFillConfig struct {
	Enabled                   bool    `yaml:"enabled"`
	MaxFills                  int     `yaml:"max_fills"`
	WindowSeconds             float64 `yaml:"window_seconds"`
	PauseDurationSeconds      float64 `yaml:"pause_duration_seconds"`
	EscalatedPauseDurationSec float64 `yaml:"escalated_pause_duration_seconds"`
	EscalationResetSeconds    float64 `yaml:"escalation_reset_seconds"`
}

// FillProtectionConfig groups the fill avoidance layers.
// SmartThresholdSeconds keeps protective cancels away from quotes younger
// than the points system's minimum accrual dwell; cancelling those would
// forfeit the dwell already spent. Separate from, and longer than, the
// order lock.
type FillProtectionConfig struct {
	Lead                  LeadProtectionConfig  `yaml:"lead"`
	Consecutive           ConsecutiveFillConfig `yaml:"consecutive"`
	SmartThresholdSeconds float64               `yaml:"smart_protection_threshold_seconds"`
}

// TelegramConfig enables chat notifications.
type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
}

// LoggingConfig controls slog output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

// MetricsConfig exposes the Prometheus endpoint.
type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// StorageConfig locates the event journal.
type StorageConfig struct {
	JournalPath string `yaml:"journal_path"`
}

// Config is the full application configuration, loaded once at startup
// and treated as immutable for the run.
type Config struct {
	Exchange       ExchangeConfig        `yaml:"exchange"`
	Wallet         WalletConfig          `yaml:"wallet"`
	Strategy       StrategyConfig        `yaml:"strategy"`
	Safety         SafetyConfig          `yaml:"safety"`
	FillProtection FillProtectionConfig  `yaml:"fill_protection"`
	Telegram       TelegramConfig        `yaml:"telegram"`
	Logging        LoggingConfig         `yaml:"logging"`
	Metrics        MetricsConfig         `yaml:"metrics"`
	Storage        StorageConfig         `yaml:"storage"`
	SymbolSpecs    map[string]SymbolSpec `yaml:"symbol_specs"`
}

// Spec returns the venue constants for a symbol, with a conservative
// fallback for anything not listed.
func (c *Config) Spec(symbol string) SymbolSpec {
	if s, ok := c.SymbolSpecs[symbol]; ok {
		return s
	}
	return SymbolSpec{TickSize: 0.01, MinQty: 0.01, QtyPrecision: 2}
}

// LoadConfig reads and parses the config file, applies defaults,
// overrides secrets from the environment, then validates.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()
	overrideWithEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// DefaultConfig returns a config with every default applied. LoadConfig
// does not start from it; it fills a parsed file's gaps via ApplyDefaults.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills every zero-valued knob with its default.
func (c *Config) ApplyDefaults() {
	if c.Exchange.BaseURL == "" {
		c.Exchange.BaseURL = "https://perps.standx.com"
	}
	if c.Exchange.WSURL == "" {
		c.Exchange.WSURL = "wss://perps.standx.com/ws-stream/v1"
	}
	if c.Exchange.LeadWSURL == "" {
		c.Exchange.LeadWSURL = "wss://fstream.binance.com/ws"
	}
	if c.Exchange.Chain == "" {
		c.Exchange.Chain = "bsc"
	}

	s := &c.Strategy
	if len(s.Symbols) == 0 {
		s.Symbols = []string{"BTC-USD"}
	}
	if s.OrderSizeUSD == 0 {
		s.OrderSizeUSD = 5
	}
	if len(s.OrderDistancesBps) == 0 && s.TargetDistanceBps == 0 {
		s.OrderDistancesBps = []float64{6, 8}
	}
	if s.TargetDistanceBps == 0 {
		s.TargetDistanceBps = 8
	}
	if s.MinDistanceBps == 0 {
		s.MinDistanceBps = 5
	}
	if s.MaxDistanceBps == 0 {
		s.MaxDistanceBps = 10
	}
	if s.DriftThresholdBps == 0 {
		s.DriftThresholdBps = 15
	}
	if s.OrderLockSeconds == 0 {
		s.OrderLockSeconds = 0.7
	}
	if s.RebalanceCooldownSecs == 0 {
		s.RebalanceCooldownSecs = 3
	}
	if s.CheckIntervalSeconds == 0 {
		s.CheckIntervalSeconds = 1
	}
	if s.SyncIntervalSeconds == 0 {
		s.SyncIntervalSeconds = 2
	}
	if s.OrderGracePeriodSeconds == 0 {
		s.OrderGracePeriodSeconds = 3
	}
	if s.Order404TimeoutSeconds == 0 {
		s.Order404TimeoutSeconds = 10
	}
	if s.Leverage == 0 {
		s.Leverage = 1
	}
	if s.MarginReservePercent == 0 {
		s.MarginReservePercent = 30
	}
	dd := &s.DynamicDistance
	if dd.MinBps == 0 {
		dd.MinBps = 5
	}
	if dd.MaxBps == 0 {
		dd.MaxBps = 9
	}
	if dd.SpreadFactor == 0 {
		dd.SpreadFactor = 0.6
	}
	if dd.VolatilityFactor == 0 {
		dd.VolatilityFactor = 0.8
	}

	sa := &c.Safety
	if sa.MaxPositionUSD == 0 {
		sa.MaxPositionUSD = 50
	}
	if sa.PreKill.VolatilityThresholdBps == 0 {
		sa.PreKill.VolatilityThresholdBps = 15
	}
	if sa.PreKill.MarkMidDivergenceBps == 0 {
		sa.PreKill.MarkMidDivergenceBps = 3
	}
	if sa.PreKill.PauseDurationSeconds == 0 {
		sa.PreKill.PauseDurationSeconds = 5
	}
	if sa.HardKill.MaxVolatilityBps == 0 {
		sa.HardKill.MaxVolatilityBps = 30
	}
	if sa.HardKill.StaleThresholdSeconds == 0 {
		sa.HardKill.StaleThresholdSeconds = 30
	}

	fp := &c.FillProtection
	if fp.Lead.TriggerBps == 0 {
		fp.Lead.TriggerBps = 3
	}
	if fp.Lead.WindowSeconds == 0 {
		fp.Lead.WindowSeconds = 0.5
	}
	if fp.Lead.CooldownSeconds == 0 {
		fp.Lead.CooldownSeconds = 0.5
	}
	cf := &fp.Consecutive
	if cf.MaxFills == 0 {
		cf.MaxFills = 3
	}
	if cf.WindowSeconds == 0 {
		cf.WindowSeconds = 60
	}
	if cf.PauseDurationSeconds == 0 {
		cf.PauseDurationSeconds = 300
	}
	if cf.EscalatedPauseDurationSec == 0 {
		cf.EscalatedPauseDurationSec = 3600
	}
	if cf.EscalationResetSeconds == 0 {
		cf.EscalationResetSeconds = 1800
	}
	if fp.SmartThresholdSeconds == 0 {
		fp.SmartThresholdSeconds = 2.5
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Storage.JournalPath == "" {
		c.Storage.JournalPath = "data/events.db"
	}
	if c.SymbolSpecs == nil {
		c.SymbolSpecs = map[string]SymbolSpec{
			"BTC-USD": {TickSize: 0.1, MinQty: 0.0001, QtyPrecision: 4},
			"ETH-USD": {TickSize: 0.01, MinQty: 0.001, QtyPrecision: 3},
			"SOL-USD": {TickSize: 0.001, MinQty: 0.01, QtyPrecision: 2},
		}
	}
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.Exchange.WSURL, "ws://") && !strings.HasPrefix(c.Exchange.WSURL, "wss://") {
		return fmt.Errorf("invalid ws url: %s", c.Exchange.WSURL)
	}
	if len(c.Strategy.Symbols) == 0 {
		return fmt.Errorf("at least one symbol is required")
	}
	if c.Strategy.OrderSizeUSD <= 0 {
		return fmt.Errorf("order_size_usd must be positive")
	}
	for _, d := range c.Strategy.Distances() {
		if d < c.Strategy.MinDistanceBps || d > c.Strategy.MaxDistanceBps {
			return fmt.Errorf("order distance %.1f bps outside [%.1f, %.1f]",
				d, c.Strategy.MinDistanceBps, c.Strategy.MaxDistanceBps)
		}
	}
	if c.Strategy.CheckIntervalSeconds <= 0 {
		return fmt.Errorf("check_interval_seconds must be positive")
	}
	if c.Strategy.OrderLockSeconds < 0 {
		return fmt.Errorf("order_lock_seconds must not be negative")
	}
	if c.Safety.MaxPositionUSD <= 0 {
		return fmt.Errorf("max_position_usd must be positive")
	}
	return nil
}

// overrideWithEnv lets the environment win over the config file for
// anything secret.
func overrideWithEnv(cfg *Config) {
	if addr := os.Getenv("MAKERBOT_WALLET_ADDRESS"); addr != "" {
		cfg.Wallet.Address = addr
	}
	if key := os.Getenv("MAKERBOT_WALLET_KEY"); key != "" {
		cfg.Wallet.PrivateKey = key
	}
	if token := os.Getenv("MAKERBOT_TELEGRAM_TOKEN"); token != "" {
		cfg.Telegram.BotToken = token
	}
}

// Secs converts a float seconds knob to a time.Duration.
func Secs(s float64) time.Duration {
	return time.Duration(math.Round(s * float64(time.Second)))
}
