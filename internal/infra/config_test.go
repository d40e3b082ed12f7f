package infra

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const validConfig = `
venue:
  mode: paper
  accounting: base
feed:
  ws_url: wss://feed.example.com/ws
  symbols: [btc_jpy]
sim:
  maker_fee_rate: "0.0002"
  taker_fee_rate: "0.0012"
  market: spot
groups:
  - name: main_btc
    symbol: btc_jpy
sync:
  - symbol: btc_jpy
    min_lot: "0.001"
    max_lot: "0.1"
`

func TestLoadConfigValid(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Venue.Mode != "paper" {
		t.Errorf("mode = %q, want paper", cfg.Venue.Mode)
	}
	if len(cfg.Feed.Symbols) != 1 || cfg.Feed.Symbols[0] != "btc_jpy" {
		t.Errorf("symbols = %v", cfg.Feed.Symbols)
	}
	if cfg.Sim.TakerFeeRate.String() != "0.0012" {
		t.Errorf("taker fee = %s, want 0.0012", cfg.Sim.TakerFeeRate)
	}
	if len(cfg.Groups) != 1 || cfg.Groups[0].Name != "main_btc" {
		t.Errorf("groups = %+v", cfg.Groups)
	}
}

func TestLoadConfigRejectsBadMode(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, `
venue:
  mode: dry_run
`))
	if err == nil {
		t.Fatal("expected error for unknown venue mode")
	}
}

func TestLoadConfigRejectsBadSync(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, `
venue:
  mode: paper
feed:
  symbols: [btc_jpy]
sync:
  - symbol: btc_jpy
    min_lot: "0.1"
    max_lot: "0.01"
`))
	if err == nil {
		t.Fatal("expected error for max_lot below min_lot")
	}
}

func TestLoadConfigRejectsBadGroup(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, `
venue:
  mode: paper
feed:
  symbols: [btc_jpy]
groups:
  - symbol: btc_jpy
`))
	if err == nil {
		t.Fatal("expected error for group without a name")
	}
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("TRADE_VENUE_KEY", "env-key")
	t.Setenv("TRADE_VENUE_SECRET", "env-secret")

	cfg, err := LoadConfig(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Venue.AccessKey != "env-key" || cfg.Venue.SecretKey != "env-secret" {
		t.Errorf("env override missing: %q/%q", cfg.Venue.AccessKey, cfg.Venue.SecretKey)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
