// Package config
package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/amirphl/grid-trader/internal/broker"
	"github.com/amirphl/grid-trader/internal/ticker"
)

/*
YAML config example:
max_buys: 3
open_time: "04:00"
close_time: "17:00"
timezone: "America/New_York"
snapshot_dir: "./state"
db_conn_str: ""
metrics_addr: ":9090"
stream_url: ""
tickers:
  - symbol: "MTDR"
    first_buy_price: 9.91
    balance: 1000
    buy_proportion: 0.04
    sell_proportion: 0.035
    new_buy_proportion: 0.02
  - symbol: "SPCE"
    first_buy_price: 0.85
    balance: 500
    buy_proportion: 0.05
    sell_proportion: 0.04
    new_buy_proportion: 0.03
    max_buys: 4
*/

type Config struct {
	Tickers []ticker.Params `yaml:"tickers"`
	MaxBuys int             `yaml:"max_buys"`

	OpenTime  string `yaml:"open_time"`
	CloseTime string `yaml:"close_time"`
	Timezone  string `yaml:"timezone"`

	SnapshotDir string `yaml:"snapshot_dir"`
	DBConnStr   string `yaml:"db_conn_str"`
	DBMaxOpen   int    `yaml:"db_max_open"`
	DBMaxIdle   int    `yaml:"db_max_idle"`

	MetricsAddr string `yaml:"metrics_addr"`
	StreamURL   string `yaml:"stream_url"`

	TelegramToken       string        `yaml:"telegram_token"`
	TelegramChatID      string        `yaml:"telegram_chat_id"`
	NotificationRetries int           `yaml:"notification_retries"`
	NotificationDelay   time.Duration `yaml:"notification_delay"`

	RateSlots int  `yaml:"rate_slots"`
	Recover   bool `yaml:"-"`

	// Brokerage credentials, environment only. A .env file next to the
	// binary is honored.
	Credentials broker.Credentials `yaml:"-"`
}

// Load reads flags, the optional YAML file and the environment.
// Precedence: flags beat the file, the file beats defaults; credentials
// come from the environment alone so they never land in a config file.
func Load(args []string) (Config, error) {
	fs := flag.NewFlagSet("gridtrader", flag.ContinueOnError)
	configFile := fs.String("config", "config.yaml", "Path to YAML config file")
	recoverFlag := fs.Bool("recover", false, "Rebuild ticker state from the brokerage account instead of the snapshot")
	maxBuys := fs.Int("max-buys", 0, "Default consecutive-buy ceiling per ticker")
	openTime := fs.String("open-time", "", "Session open, HH:MM (includes extended hours)")
	closeTime := fs.String("close-time", "", "Session close, HH:MM")
	snapshotDir := fs.String("snapshot-dir", "", "Directory for state snapshots and fill history")
	metricsAddr := fs.String("metrics-addr", "", "Prometheus listen address, empty disables")
	streamURL := fs.String("stream-url", "", "Level-one quote stream URL, empty disables")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	// Missing .env is fine, the variables may be exported directly.
	_ = godotenv.Load()

	cfg := Config{
		MaxBuys:             3,
		OpenTime:            "04:00",
		CloseTime:           "17:00",
		Timezone:            "America/New_York",
		SnapshotDir:         ".",
		DBMaxOpen:           10,
		DBMaxIdle:           5,
		NotificationRetries: 3,
		NotificationDelay:   5 * time.Second,
		RateSlots:           2,
	}

	if *configFile != "" {
		data, err := os.ReadFile(*configFile)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", *configFile, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", *configFile, err)
		}
	}

	if *maxBuys != 0 {
		cfg.MaxBuys = *maxBuys
	}
	if *openTime != "" {
		cfg.OpenTime = *openTime
	}
	if *closeTime != "" {
		cfg.CloseTime = *closeTime
	}
	if *snapshotDir != "" {
		cfg.SnapshotDir = *snapshotDir
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}
	if *streamURL != "" {
		cfg.StreamURL = *streamURL
	}
	cfg.Recover = *recoverFlag

	cfg.Credentials = broker.Credentials{
		ClientID:     os.Getenv("TD_CLIENT_ID"),
		RefreshToken: os.Getenv("TD_REFRESH_TOKEN"),
		AccountID:    os.Getenv("TD_ACCOUNT_ID"),
	}
	if cfg.TelegramToken == "" {
		cfg.TelegramToken = os.Getenv("TELEGRAM_TOKEN")
	}
	if cfg.TelegramChatID == "" {
		cfg.TelegramChatID = os.Getenv("TELEGRAM_CHAT_ID")
	}
	if cfg.DBConnStr == "" {
		cfg.DBConnStr = os.Getenv("DB_CONN_STR")
	}

	// Symbols go to the API exactly as stored; normalize once here.
	for i := range cfg.Tickers {
		cfg.Tickers[i].Symbol = strings.ToUpper(strings.TrimSpace(cfg.Tickers[i].Symbol))
	}

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if len(c.Tickers) == 0 {
		return fmt.Errorf("config: no tickers configured")
	}
	if c.MaxBuys <= 0 {
		return fmt.Errorf("config: max_buys must be positive")
	}
	seen := make(map[string]bool, len(c.Tickers))
	for _, p := range c.Tickers {
		if p.Symbol == "" {
			return fmt.Errorf("config: ticker with empty symbol")
		}
		if seen[p.Symbol] {
			return fmt.Errorf("config: duplicate ticker %s", p.Symbol)
		}
		seen[p.Symbol] = true
	}
	if c.Credentials.ClientID == "" || c.Credentials.RefreshToken == "" || c.Credentials.AccountID == "" {
		return fmt.Errorf("config: TD_CLIENT_ID, TD_REFRESH_TOKEN and TD_ACCOUNT_ID must be set")
	}
	return nil
}

// Location resolves the configured timezone.
func (c Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("config: timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}
