package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Backend string

const (
	BackendBinance Backend = "binance"
	BackendAlpaca  Backend = "alpaca"
	BackendPaper   Backend = "paper"
)

type Config struct {
	Broker   Backend `yaml:"broker"`
	Symbol   string  `yaml:"symbol"`
	Interval string  `yaml:"interval"`
	Bars     int     `yaml:"bars"`
	Testnet  bool    `yaml:"testnet"`

	ShortWindow int `yaml:"short_window"`
	LongWindow  int `yaml:"long_window"`

	PollInterval  time.Duration `yaml:"poll_interval"`
	MaxBackoff    time.Duration `yaml:"max_backoff"`
	CallTimeout   time.Duration `yaml:"call_timeout"`
	OrderTimeout  time.Duration `yaml:"order_timeout"`
	DriftInterval time.Duration `yaml:"drift_interval"`

	FeeReserve        float64 `yaml:"fee_reserve"`
	MaxExposure       float64 `yaml:"max_exposure"`
	KillSwitch        bool    `yaml:"kill_switch"`
	ReconcileAttempts int     `yaml:"reconcile_attempts"`

	// Paper backend starting balances. The paper feed is Binance public klines.
	PaperQuoteBalance float64 `yaml:"paper_quote_balance"`
	PaperBaseBalance  float64 `yaml:"paper_base_balance"`

	// Alpaca does not publish crypto lot rules through the SDK.
	AlpacaBaseURL  string  `yaml:"alpaca_base_url"`
	AlpacaMinQty   float64 `yaml:"alpaca_min_qty"`
	AlpacaMaxQty   float64 `yaml:"alpaca_max_qty"`
	AlpacaStepSize float64 `yaml:"alpaca_step_size"`

	JournalPath string `yaml:"journal_path"`
	JournalDB   string `yaml:"journal_db"`
	StatusAddr  string `yaml:"status_addr"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`

	TelegramChatID int64    `yaml:"telegram_chat_id"`
	DiscordWebhook string   `yaml:"-"`
	SMTPHost       string   `yaml:"smtp_host"`
	SMTPPort       int      `yaml:"smtp_port"`
	EmailTo        []string `yaml:"email_to"`

	// Credentials come from the environment only.
	BinanceAPIKey    string `yaml:"-"`
	BinanceAPISecret string `yaml:"-"`
	AlpacaAPIKey     string `yaml:"-"`
	AlpacaAPISecret  string `yaml:"-"`
	TelegramToken    string `yaml:"-"`
	EmailAddress     string `yaml:"-"`
	EmailPassword    string `yaml:"-"`
}

func Defaults() Config {
	return Config{
		Broker:            BackendBinance,
		Symbol:            "BTCUSDT",
		Interval:          "1h",
		Bars:              1000,
		ShortWindow:       7,
		LongWindow:        25,
		PollInterval:      60 * time.Second,
		MaxBackoff:        15 * time.Minute,
		CallTimeout:       10 * time.Second,
		OrderTimeout:      30 * time.Second,
		DriftInterval:     15 * time.Minute,
		FeeReserve:        0.01,
		MaxExposure:       10000,
		ReconcileAttempts: 5,
		PaperQuoteBalance: 10000,
		AlpacaBaseURL:     "https://paper-api.alpaca.markets",
		AlpacaMinQty:      0.0001,
		AlpacaMaxQty:      1000,
		AlpacaStepSize:    0.0001,
		JournalPath:       "decisions.ndjson",
		LogLevel:          "info",
		LogFormat:         "console",
		SMTPHost:          "smtp.gmail.com",
		SMTPPort:          465,
	}
}

func Load() (Config, error) {
	return LoadArgs(os.Args[1:])
}

// LoadArgs builds the configuration from defaults, an optional YAML file,
// the environment (.env included) and finally args.
func LoadArgs(args []string) (Config, error) {
	cfg := Defaults()

	loadDotEnvIfPresent(".env")

	configPath := scanConfigPath(args)
	if configPath != "" {
		if err := loadFile(configPath, &cfg); err != nil {
			return cfg, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}

	fs := flag.NewFlagSet("trendbot", flag.ContinueOnError)
	var broker string
	fs.String("config", configPath, "path to a YAML config file")
	fs.StringVar(&broker, "broker", string(cfg.Broker), "brokerage backend: binance, alpaca or paper")
	fs.StringVar(&cfg.Symbol, "symbol", cfg.Symbol, "trading symbol")
	fs.StringVar(&cfg.Interval, "interval", cfg.Interval, "kline interval")
	fs.IntVar(&cfg.Bars, "bars", cfg.Bars, "bars fetched per cycle")
	fs.BoolVar(&cfg.Testnet, "testnet", cfg.Testnet, "use the Binance spot testnet")
	fs.IntVar(&cfg.ShortWindow, "short-window", cfg.ShortWindow, "short EMA span")
	fs.IntVar(&cfg.LongWindow, "long-window", cfg.LongWindow, "long EMA span")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "delay between cycles")
	fs.DurationVar(&cfg.MaxBackoff, "max-backoff", cfg.MaxBackoff, "longest delay after repeated feed errors")
	fs.DurationVar(&cfg.CallTimeout, "call-timeout", cfg.CallTimeout, "timeout for feed and brokerage reads")
	fs.DurationVar(&cfg.OrderTimeout, "order-timeout", cfg.OrderTimeout, "timeout for order submission")
	fs.DurationVar(&cfg.DriftInterval, "drift-interval", cfg.DriftInterval, "holdings drift check interval, 0 disables")
	fs.Float64Var(&cfg.FeeReserve, "fee-reserve", cfg.FeeReserve, "fraction of the buy budget kept for fees")
	fs.Float64Var(&cfg.MaxExposure, "max-exposure", cfg.MaxExposure, "max quote currency per buy")
	fs.BoolVar(&cfg.KillSwitch, "kill-switch", cfg.KillSwitch, "if true, never place orders")
	fs.IntVar(&cfg.ReconcileAttempts, "reconcile-attempts", cfg.ReconcileAttempts, "startup reconciliation attempts")
	fs.Float64Var(&cfg.PaperQuoteBalance, "paper-quote-balance", cfg.PaperQuoteBalance, "paper backend starting quote balance")
	fs.Float64Var(&cfg.PaperBaseBalance, "paper-base-balance", cfg.PaperBaseBalance, "paper backend starting base balance")
	fs.StringVar(&cfg.JournalPath, "journal-path", cfg.JournalPath, "NDJSON decision journal, empty disables")
	fs.StringVar(&cfg.JournalDB, "journal-db", cfg.JournalDB, "SQLite decision journal, empty disables")
	fs.StringVar(&cfg.StatusAddr, "status-addr", cfg.StatusAddr, "status server listen address, empty disables")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format: console or json")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	cfg.Broker = Backend(strings.ToLower(broker))
	cfg.Symbol = strings.ToUpper(cfg.Symbol)

	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// scanConfigPath finds -config ahead of flag parsing so the file can supply
// flag defaults.
func scanConfigPath(args []string) string {
	for i, arg := range args {
		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if !strings.HasPrefix(arg, "-") || name != "config" {
			continue
		}
		if hasValue {
			return value
		}
		if i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	var broker string
	envString(&broker, "TRENDBOT_BROKER")
	if broker != "" {
		cfg.Broker = Backend(broker)
	}
	envString(&cfg.Symbol, "TRENDBOT_SYMBOL")
	envString(&cfg.Interval, "TRENDBOT_INTERVAL")
	envString(&cfg.StatusAddr, "TRENDBOT_STATUS_ADDR")
	envString(&cfg.LogLevel, "TRENDBOT_LOG_LEVEL")
	envString(&cfg.AlpacaBaseURL, "APCA_API_BASE_URL")

	envString(&cfg.BinanceAPIKey, "BINANCE_API_KEY")
	envString(&cfg.BinanceAPISecret, "BINANCE_API_SECRET")
	envString(&cfg.AlpacaAPIKey, "APCA_API_KEY_ID")
	envString(&cfg.AlpacaAPISecret, "APCA_API_SECRET_KEY")
	envString(&cfg.TelegramToken, "TELEGRAM_BOT_TOKEN")
	envString(&cfg.DiscordWebhook, "DISCORD_WEBHOOK_URL")
	envString(&cfg.SMTPHost, "SMTP_HOST")
	envString(&cfg.EmailAddress, "EMAIL_ADDRESS")
	envString(&cfg.EmailPassword, "EMAIL_PASSWORD")
	envList(&cfg.EmailTo, "EMAIL_TO")

	return errors.Join(
		envBool(&cfg.Testnet, "TRENDBOT_TESTNET"),
		envBool(&cfg.KillSwitch, "TRENDBOT_KILL_SWITCH"),
		envFloat(&cfg.MaxExposure, "TRENDBOT_MAX_EXPOSURE"),
		envFloat(&cfg.FeeReserve, "TRENDBOT_FEE_RESERVE"),
		envDuration(&cfg.PollInterval, "TRENDBOT_POLL_INTERVAL"),
		envInt(&cfg.SMTPPort, "SMTP_PORT"),
		envInt64(&cfg.TelegramChatID, "TELEGRAM_CHAT_ID"),
	)
}

func validate(cfg Config) error {
	switch cfg.Broker {
	case BackendBinance:
		if cfg.BinanceAPIKey == "" || cfg.BinanceAPISecret == "" {
			return fmt.Errorf("BINANCE_API_KEY and BINANCE_API_SECRET are required for the binance broker")
		}
	case BackendAlpaca:
		if cfg.AlpacaAPIKey == "" || cfg.AlpacaAPISecret == "" {
			return fmt.Errorf("APCA_API_KEY_ID and APCA_API_SECRET_KEY are required for the alpaca broker")
		}
		if cfg.AlpacaStepSize <= 0 || cfg.AlpacaMinQty < 0 || cfg.AlpacaMaxQty < cfg.AlpacaMinQty {
			return fmt.Errorf("alpaca lot constraint is invalid")
		}
	case BackendPaper:
		if cfg.PaperQuoteBalance < 0 || cfg.PaperBaseBalance < 0 {
			return fmt.Errorf("paper balances must be >= 0")
		}
	default:
		return fmt.Errorf("invalid broker: %s", cfg.Broker)
	}
	if cfg.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if cfg.ShortWindow <= 0 || cfg.LongWindow <= 0 {
		return fmt.Errorf("EMA windows must be > 0")
	}
	if cfg.ShortWindow >= cfg.LongWindow {
		return fmt.Errorf("short-window must be < long-window")
	}
	if cfg.Bars < 2 {
		return fmt.Errorf("bars must be >= 2")
	}
	if cfg.PollInterval <= 0 {
		return fmt.Errorf("poll-interval must be > 0")
	}
	if cfg.MaxBackoff < cfg.PollInterval {
		return fmt.Errorf("max-backoff must be >= poll-interval")
	}
	if cfg.CallTimeout <= 0 || cfg.OrderTimeout <= 0 {
		return fmt.Errorf("timeouts must be > 0")
	}
	if cfg.DriftInterval < 0 {
		return fmt.Errorf("drift-interval must be >= 0")
	}
	if cfg.FeeReserve < 0 || cfg.FeeReserve >= 1 {
		return fmt.Errorf("fee-reserve must be in [0, 1)")
	}
	if cfg.MaxExposure <= 0 {
		return fmt.Errorf("max-exposure must be > 0")
	}
	if cfg.ReconcileAttempts <= 0 {
		return fmt.Errorf("reconcile-attempts must be > 0")
	}
	if cfg.LogFormat != "console" && cfg.LogFormat != "json" {
		return fmt.Errorf("invalid log-format: %s", cfg.LogFormat)
	}
	return nil
}
