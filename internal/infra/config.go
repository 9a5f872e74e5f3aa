package infra

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every runtime setting. Secrets may live in the file for
// development but environment variables always win.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Trading struct {
		Mode    string   `yaml:"mode"` // "paper" | "live"
		Symbols []string `yaml:"symbols"`
	} `yaml:"trading"`

	Venue struct {
		RestURL      string `yaml:"rest_url"`
		PublicWSURL  string `yaml:"public_ws_url"`
		PrivateWSURL string `yaml:"private_ws_url"`
		AccessKey    string `yaml:"access_key"`
		SecretKey    string `yaml:"secret_key"`
		Passphrase   string `yaml:"passphrase"`
	} `yaml:"venue"`

	Gateway struct {
		RequestTimeoutMS int     `yaml:"request_timeout_ms"`
		BboMaxAgeMS      int     `yaml:"bbo_max_age_ms"` // staleness bound, required
		RetryMaxAttempts int     `yaml:"retry_max_attempts"`
		RetryBaseMS      int     `yaml:"retry_base_ms"`
		RetryMaxMS       int     `yaml:"retry_max_ms"`
		OrderRatePerSec  float64 `yaml:"order_rate_per_sec"`
		OrderBurst       int     `yaml:"order_burst"`
		MarketRatePerSec float64 `yaml:"market_rate_per_sec"`
		MarketBurst      int     `yaml:"market_burst"`
	} `yaml:"gateway"`

	OMS struct {
		OrderTimeoutMS        int `yaml:"order_timeout_ms"`
		MaxRetries            int `yaml:"max_retries"`
		ReconcileTimeoutMS    int `yaml:"reconcile_timeout_ms"` // required, no default
		ReconcileGraceMS      int `yaml:"reconcile_grace_ms"`
		PrivateStaleBlockMS   int `yaml:"private_stale_block_ms"`
		RejectBurstThreshold  int `yaml:"reject_burst_threshold"`
		RejectWindowMS        int `yaml:"reject_window_ms"`
		SymbolCooldownMS      int `yaml:"symbol_cooldown_ms"`
		ChaseIntervalMS       int `yaml:"chase_interval_ms"`
		ChaseMinRepriceBps    int `yaml:"chase_min_reprice_bps"`
		ChaseMaxAmendsPerMin  int `yaml:"chase_max_amends_per_min"`
		DrainTimeoutMS        int `yaml:"drain_timeout_ms"`
	} `yaml:"oms"`

	Risk struct {
		DailyLossLimit            float64 `yaml:"daily_loss_limit"`
		WSDisconnectThresholdMS   int     `yaml:"ws_disconnect_threshold_ms"`
		HedgeDelayP95ThresholdMS  int     `yaml:"hedge_delay_p95_threshold_ms"`
		APIErrorMaxPerWindow      int     `yaml:"api_error_max_per_window"`
		APIErrorWindowMS          int     `yaml:"api_error_window_ms"`
		FundingFlipMinAbs         float64 `yaml:"funding_flip_min_abs"`
		FundingFlipConsecutive    int     `yaml:"funding_flip_consecutive"`
		FundingFlipSkipWhenFlat   bool    `yaml:"funding_flip_skip_when_flat"`
	} `yaml:"risk"`

	Paper struct {
		InitialQuote float64          `yaml:"initial_quote"`
		Instruments  []InstrumentYAML `yaml:"instruments"`
	} `yaml:"paper"`

	Storage struct {
		Path string `yaml:"path"`
	} `yaml:"storage"`

	Metrics struct {
		Addr string `yaml:"addr"`
	} `yaml:"metrics"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"` // "json" | "text"
	} `yaml:"logging"`
}

// InstrumentYAML is the static instrument definition used by paper mode,
// where no venue metadata endpoint exists.
type InstrumentYAML struct {
	Symbol      string `yaml:"symbol"`
	Category    string `yaml:"category"`
	TickSize    string `yaml:"tick_size"`
	QtyStep     string `yaml:"qty_step"`
	MinQty      string `yaml:"min_qty"`
	MinNotional string `yaml:"min_notional"`
	BaseAsset   string `yaml:"base_asset"`
	QuoteAsset  string `yaml:"quote_asset"`
}

// LoadConfig reads and validates the YAML config at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	overrideWithEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration consistency. Staleness bounds and the
// reconcile timeout are required inputs: they guard correctness, so a
// missing value is a configuration error, not a default.
func (c *Config) Validate() error {
	mode := strings.ToLower(c.Trading.Mode)
	if mode != "paper" && mode != "live" {
		return fmt.Errorf("trading.mode must be paper or live, got %q", c.Trading.Mode)
	}
	if len(c.Trading.Symbols) == 0 {
		return fmt.Errorf("at least one trading symbol is required")
	}

	if mode == "live" {
		if !hasWSPrefix(c.Venue.PublicWSURL) {
			return fmt.Errorf("invalid public WS URL: %s", c.Venue.PublicWSURL)
		}
		if !hasWSPrefix(c.Venue.PrivateWSURL) {
			return fmt.Errorf("invalid private WS URL: %s", c.Venue.PrivateWSURL)
		}
		if c.Venue.RestURL == "" {
			return fmt.Errorf("venue.rest_url is required in live mode")
		}
	}

	if c.Gateway.BboMaxAgeMS <= 0 {
		return fmt.Errorf("gateway.bbo_max_age_ms must be positive")
	}
	if c.Gateway.RequestTimeoutMS <= 0 {
		return fmt.Errorf("gateway.request_timeout_ms must be positive")
	}
	if c.OMS.ReconcileTimeoutMS <= 0 {
		return fmt.Errorf("oms.reconcile_timeout_ms must be positive")
	}
	if c.OMS.ReconcileGraceMS <= 0 {
		return fmt.Errorf("oms.reconcile_grace_ms must be positive")
	}
	if c.OMS.PrivateStaleBlockMS <= 0 {
		return fmt.Errorf("oms.private_stale_block_ms must be positive")
	}
	return nil
}

func hasWSPrefix(s string) bool {
	return strings.HasPrefix(s, "ws://") || strings.HasPrefix(s, "wss://")
}

// overrideWithEnv applies environment overrides. Environment variables take
// precedence over file values so keys never need to live on disk.
func overrideWithEnv(cfg *Config) {
	if key := os.Getenv("BOT_VENUE_KEY"); key != "" {
		cfg.Venue.AccessKey = key
	}
	if secret := os.Getenv("BOT_VENUE_SECRET"); secret != "" {
		cfg.Venue.SecretKey = secret
	}
	if pass := os.Getenv("BOT_VENUE_PASSPHRASE"); pass != "" {
		cfg.Venue.Passphrase = pass
	}
	if mode := os.Getenv("BOT_TRADING_MODE"); mode != "" {
		cfg.Trading.Mode = mode
	}
}

// Duration helpers: the YAML carries integer milliseconds, callers want
// time.Duration.

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Gateway.RequestTimeoutMS) * time.Millisecond
}

func (c *Config) BboMaxAge() time.Duration {
	return time.Duration(c.Gateway.BboMaxAgeMS) * time.Millisecond
}

func (c *Config) OrderTimeout() time.Duration {
	return time.Duration(c.OMS.OrderTimeoutMS) * time.Millisecond
}

func (c *Config) ReconcileTimeout() time.Duration {
	return time.Duration(c.OMS.ReconcileTimeoutMS) * time.Millisecond
}

func (c *Config) ReconcileGrace() time.Duration {
	return time.Duration(c.OMS.ReconcileGraceMS) * time.Millisecond
}

func (c *Config) PrivateStaleBlock() time.Duration {
	return time.Duration(c.OMS.PrivateStaleBlockMS) * time.Millisecond
}

func (c *Config) DrainTimeout() time.Duration {
	return time.Duration(c.OMS.DrainTimeoutMS) * time.Millisecond
}
