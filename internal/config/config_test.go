package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validConfig() Config {
	cfg := Defaults()
	cfg.Broker = BackendPaper
	return cfg
}

func TestValidateConfigRejectsInvalidValues(t *testing.T) {
	cases := map[string]func(*Config){
		"windows":     func(c *Config) { c.ShortWindow, c.LongWindow = 25, 7 },
		"fee":         func(c *Config) { c.FeeReserve = 1 },
		"exposure":    func(c *Config) { c.MaxExposure = 0 },
		"backoff":     func(c *Config) { c.MaxBackoff = time.Second },
		"broker":      func(c *Config) { c.Broker = "kraken" },
		"binance key": func(c *Config) { c.Broker = BackendBinance },
		"attempts":    func(c *Config) { c.ReconcileAttempts = 0 },
		"log format":  func(c *Config) { c.LogFormat = "xml" },
	}
	for name, mutate := range cases {
		cfg := validConfig()
		mutate(&cfg)
		if err := validate(cfg); err == nil {
			t.Fatalf("expected validation error for %s", name)
		}
	}
}

func TestValidateConfigAcceptsValidConfig(t *testing.T) {
	if err := validate(validConfig()); err != nil {
		t.Fatalf("expected config to be valid, got %v", err)
	}

	cfg := validConfig()
	cfg.Broker = BackendBinance
	cfg.BinanceAPIKey, cfg.BinanceAPISecret = "key", "secret"
	if err := validate(cfg); err != nil {
		t.Fatalf("expected binance config to be valid, got %v", err)
	}
}

func TestLoadConfigPrecedence(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	configContents := `
broker: paper
symbol: ethusdt
short_window: 5
long_window: 30
max_exposure: 500
poll_interval: 30s
`
	if err := os.WriteFile(configPath, []byte(configContents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("TRENDBOT_MAX_EXPOSURE", "750")
	t.Setenv("TRENDBOT_POLL_INTERVAL", "45s")

	cfg, err := LoadArgs([]string{
		"--config", configPath,
		"--long-window", "40",
		"-poll-interval=2m",
	})
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Symbol != "ETHUSDT" {
		t.Fatalf("expected symbol from file, got %q", cfg.Symbol)
	}
	if cfg.ShortWindow != 5 {
		t.Fatalf("expected short window from file, got %d", cfg.ShortWindow)
	}
	if cfg.LongWindow != 40 {
		t.Fatalf("expected long window from CLI, got %d", cfg.LongWindow)
	}
	if cfg.MaxExposure != 750 {
		t.Fatalf("expected max exposure from env, got %v", cfg.MaxExposure)
	}
	if cfg.PollInterval != 2*time.Minute {
		t.Fatalf("expected poll interval from CLI, got %v", cfg.PollInterval)
	}
	if cfg.Interval != "1h" {
		t.Fatalf("expected default interval, got %q", cfg.Interval)
	}
}

func TestLoadConfigRejectsBadEnv(t *testing.T) {
	t.Setenv("TRENDBOT_KILL_SWITCH", "maybe")
	if _, err := LoadArgs([]string{"-broker", "paper"}); err == nil {
		t.Fatalf("expected error for malformed env value")
	}
}

func TestScanConfigPath(t *testing.T) {
	cases := map[string][]string{
		"a.yaml": {"-config", "a.yaml"},
		"b.yaml": {"--symbol", "BTCUSDT", "--config=b.yaml"},
		"":       {"-symbol", "config"},
	}
	for want, args := range cases {
		if got := scanConfigPath(args); got != want {
			t.Fatalf("scanConfigPath(%v) = %q, want %q", args, got, want)
		}
	}
}
