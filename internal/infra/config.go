package infra

import (
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config holds the full application configuration. Sensitive values can be
// overridden through environment variables after the file is loaded.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Venue struct {
		// Mode selects the execution backend: "paper" runs the matching
		// simulator against the live feed, "live" expects a real adapter.
		Mode      string `yaml:"mode"`
		Name      string `yaml:"name"`
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
		// Accounting selects position units: "base" or "quote" (inverse).
		Accounting string `yaml:"accounting"`
	} `yaml:"venue"`

	Feed struct {
		WSURL           string   `yaml:"ws_url"`
		Symbols         []string `yaml:"symbols"`
		PingIntervalSec int      `yaml:"ping_interval_sec"`
		ReadTimeoutSec  int      `yaml:"read_timeout_sec"`
	} `yaml:"feed"`

	Lifecycle struct {
		RetentionSec   int `yaml:"retention_sec"`    // keep closed orders this long
		ZombieCheckSec int `yaml:"zombie_check_sec"` // per-symbol open-order audit interval
		OpTimeoutSec   int `yaml:"op_timeout_sec"`   // bound on synchronous venue calls
		AsyncWorkers   int `yaml:"async_workers"`    // bounded pool for async submissions
	} `yaml:"lifecycle"`

	Sim struct {
		CreateDelayMS  int             `yaml:"create_delay_ms"`
		CancelDelayMS  int             `yaml:"cancel_delay_ms"`
		MakerFeeRate   decimal.Decimal `yaml:"maker_fee_rate"`
		TakerFeeRate   decimal.Decimal `yaml:"taker_fee_rate"`
		Market         string          `yaml:"market"`          // "spot" or "derivative"
		QuoteSized     bool            `yaml:"quote_sized"`     // order sizes quoted in quote currency
		QuotePrecision int32           `yaml:"quote_precision"` // rounding for quote-sized conversion
		// Balances seeds the paper balance book, keyed by currency code.
		Balances map[string]decimal.Decimal `yaml:"balances"`
	} `yaml:"sim"`

	// Groups declares the named order groups to create at startup, one per
	// entry. Orders journal through them and positions aggregate per symbol.
	Groups []GroupEntry `yaml:"groups"`

	Sync []SyncEntry `yaml:"sync"`

	Storage struct {
		Path string `yaml:"path"` // empty disables the execution journal
	} `yaml:"storage"`

	Logging struct {
		Level string `yaml:"level"`
		Dir   string `yaml:"dir"`
	} `yaml:"logging"`
}

// GroupEntry declares one order group.
type GroupEntry struct {
	Name   string `yaml:"name"`
	Symbol string `yaml:"symbol"`
}

// SyncEntry configures drift reconciliation for one symbol.
type SyncEntry struct {
	Symbol           string          `yaml:"symbol"`
	MinLot           decimal.Decimal `yaml:"min_lot"`
	MaxLot           decimal.Decimal `yaml:"max_lot"`
	CheckIntervalSec int             `yaml:"check_interval_sec"`
	UpdateMarginSec  int             `yaml:"update_margin_sec"`
	SettleDelayMS    int             `yaml:"settle_delay_ms"`
}

// LoadConfig reads and parses the configuration file.
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

// Validate checks configuration validity
func (c *Config) Validate() error {
	switch c.Venue.Mode {
	case "paper", "live":
	default:
		return fmt.Errorf("venue mode must be paper or live, got %q", c.Venue.Mode)
	}

	switch c.Venue.Accounting {
	case "", "base", "quote":
	default:
		return fmt.Errorf("venue accounting must be base or quote, got %q", c.Venue.Accounting)
	}

	if c.Feed.WSURL != "" &&
		!strings.HasPrefix(c.Feed.WSURL, "ws://") && !strings.HasPrefix(c.Feed.WSURL, "wss://") {
		return fmt.Errorf("invalid feed WS URL: %s", c.Feed.WSURL)
	}
	if c.Venue.Mode == "paper" && len(c.Feed.Symbols) == 0 {
		return fmt.Errorf("paper mode requires at least one feed symbol")
	}

	if c.Sim.MakerFeeRate.IsNegative() || c.Sim.TakerFeeRate.IsNegative() {
		return fmt.Errorf("fee rates must not be negative")
	}
	switch c.Sim.Market {
	case "", "spot", "derivative":
	default:
		return fmt.Errorf("sim market must be spot or derivative, got %q", c.Sim.Market)
	}

	for _, g := range c.Groups {
		if g.Name == "" || g.Symbol == "" {
			return fmt.Errorf("group entry needs both name and symbol")
		}
	}

	for _, s := range c.Sync {
		if s.Symbol == "" {
			return fmt.Errorf("sync entry without symbol")
		}
		if s.MinLot.Sign() <= 0 || s.MaxLot.LessThan(s.MinLot) {
			return fmt.Errorf("sync %s: need 0 < min_lot <= max_lot", s.Symbol)
		}
	}

	return nil
}

// overrideWithEnv overwrites sensitive values from the environment when set.
func overrideWithEnv(cfg *Config) {
	if key := os.Getenv("TRADE_VENUE_KEY"); key != "" {
		cfg.Venue.AccessKey = key
	}
	if secret := os.Getenv("TRADE_VENUE_SECRET"); secret != "" {
		cfg.Venue.SecretKey = secret
	}
}
