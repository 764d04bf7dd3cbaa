// Package config defines the engine configuration loaded from TOML with
// PERPBOT_* environment overrides, plus the hot-reloadable strategy
// document that tunes the order lifecycle and risk sizing at runtime.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by PERPBOT_* environment
// variables.
type Config struct {
	Mode     string `toml:"mode"`      // trade | monitor | reconcile
	LogLevel string `toml:"log_level"` // debug | info | warn | error
	DataDir  string `toml:"data_dir"`  // all local state lives under here
	Timezone string `toml:"timezone"`  // IANA name for the daily risk reset

	// StrategyPath is the hot-reloadable strategy document. Relative paths
	// resolve against the working directory, not DataDir, so the document
	// can live next to the main config file.
	StrategyPath string `toml:"strategy_path"`

	Storage  StorageConfig   `toml:"storage"`
	Redis    RedisConfig     `toml:"redis"`
	S3       S3Config        `toml:"s3"`
	Archive  ArchiveConfig   `toml:"archive"`
	Engine   EngineConfig    `toml:"engine"`
	Server   ServerConfig    `toml:"server"`
	Notify   NotifyConfig    `toml:"notify"`
	Profiles []ProfileConfig `toml:"profiles"`
}

// StorageConfig selects and parameterizes the persistence backend: a local
// SQLite file by default, or a shared PostgreSQL database for multi-host
// deployments.
type StorageConfig struct {
	Driver string `toml:"driver"` // sqlite | postgres

	// SQLitePath overrides the database file; empty means
	// <data_dir>/perpbot.db.
	SQLitePath string `toml:"sqlite_path"`

	Postgres PostgresConfig `toml:"postgres"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for the trade
// ledger archive. An empty bucket disables object storage entirely.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig tunes the background ledger archival.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	RetentionDays int      `toml:"retention_days"` // trades older than this are exported
	Interval      duration `toml:"interval"`       // archive sweep cadence
}

// EngineConfig tunes the scheduler and signal ingress.
type EngineConfig struct {
	Heartbeat     duration `toml:"heartbeat"`
	TickTimeout   duration `toml:"tick_timeout"`
	SignalMaxAge  duration `toml:"signal_max_age"`
	StatusEvery   duration `toml:"status_every"`
	ShutdownGrace duration `toml:"shutdown_grace"`

	// SignalStream is the Redis stream the scoring collaborator writes
	// snapshots to.
	SignalStream string `toml:"signal_stream"`

	// StrategyReloadEvery is the mtime poll cadence for the strategy
	// document.
	StrategyReloadEvery duration `toml:"strategy_reload_every"`

	// RunLock enables the per-profile distributed run lock for LIVE
	// profiles. Disable only for single-instance deployments.
	RunLock bool `toml:"run_lock"`
}

// ServerConfig holds admin HTTP API parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials. Events restricts
// which engine event types reach the paging channels; empty pages
// everything. The admin WebSocket stream is never filtered.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// ProfileConfig declares one trading profile: an account on one exchange
// with its own universe, risk ledger and environment. IDs are operator
// assigned and must stay stable across restarts; positions and trades key
// on them.
type ProfileConfig struct {
	ID          int64    `toml:"id"`
	Name        string   `toml:"name"`
	Environment string   `toml:"environment"` // LIVE | TEST
	Exchange    string   `toml:"exchange"`    // BYBIT | BINANCE
	Symbols     []string `toml:"symbols"`     // canonical "BASE/QUOTE"
	Timeframes  []string `toml:"timeframes"`
	Active      bool     `toml:"active"`

	// Credentials: either inline, or an encrypted keyfile produced by the
	// keymanager. TEST profiles trade on paper and need neither.
	APIKey           string `toml:"api_key"`
	APISecret        string `toml:"api_secret"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`

	// PaperBalance seeds the simulated account of a TEST profile.
	PaperBalance float64 `toml:"paper_balance"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5s", "10m").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder
// can parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Mode:         "trade",
		LogLevel:     "info",
		DataDir:      "data",
		Timezone:     "UTC",
		StrategyPath: "strategy.toml",
		Storage: StorageConfig{
			Driver: "sqlite",
			Postgres: PostgresConfig{
				Host:          "localhost",
				Port:          5432,
				Database:      "perpbot",
				User:          "perpbot",
				SSLMode:       "disable",
				PoolMaxConns:  10,
				PoolMinConns:  2,
				RunMigrations: true,
			},
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Region:         "us-east-1",
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			RetentionDays: 90,
			Interval:      duration{24 * time.Hour},
		},
		Engine: EngineConfig{
			Heartbeat:           duration{5 * time.Second},
			TickTimeout:         duration{10 * time.Second},
			SignalMaxAge:        duration{5 * time.Minute},
			StatusEvery:         duration{2 * time.Hour},
			ShutdownGrace:       duration{10 * time.Second},
			SignalStream:        "signals",
			StrategyReloadEvery: duration{60 * time.Second},
			RunLock:             true,
		},
		Server: ServerConfig{
			Enabled:    true,
			Port:       8080,
			RateLimit:  20,
			RateWindow: duration{time.Second},
		},
	}
}

var validModes = map[string]bool{"trade": true, "monitor": true, "reconcile": true}

// Validate checks the configuration for consistency and returns an error
// describing every problem found, not just the first.
func (c *Config) Validate() error {
	var problems []string

	if !validModes[strings.ToLower(c.Mode)] {
		problems = append(problems, fmt.Sprintf("mode %q is not one of trade, monitor, reconcile", c.Mode))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("log_level %q is not one of debug, info, warn, error", c.LogLevel))
	}
	if strings.TrimSpace(c.DataDir) == "" {
		problems = append(problems, "data_dir must not be empty")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		problems = append(problems, fmt.Sprintf("timezone %q: %v", c.Timezone, err))
	}

	switch c.Storage.Driver {
	case "sqlite":
	case "postgres":
		pg := c.Storage.Postgres
		if pg.DSN == "" && (pg.Host == "" || pg.Database == "" || pg.User == "") {
			problems = append(problems, "storage.postgres needs a dsn or host/database/user")
		}
	default:
		problems = append(problems, fmt.Sprintf("storage.driver %q is not one of sqlite, postgres", c.Storage.Driver))
	}

	if c.Redis.Addr == "" {
		problems = append(problems, "redis.addr must not be empty")
	}
	if c.Archive.Enabled && c.S3.Bucket == "" {
		problems = append(problems, "archive.enabled requires s3.bucket")
	}
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		problems = append(problems, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}

	if strings.ToLower(c.Mode) != "monitor" && len(c.ActiveProfiles()) == 0 {
		problems = append(problems, "at least one active profile is required")
	}
	seen := make(map[int64]string)
	for i, p := range c.Profiles {
		ref := fmt.Sprintf("profiles[%d] (%s)", i, p.Name)
		if p.ID <= 0 {
			problems = append(problems, ref+": id must be a positive operator-assigned integer")
		} else if prev, dup := seen[p.ID]; dup {
			problems = append(problems, fmt.Sprintf("%s: id %d already used by %s", ref, p.ID, prev))
		} else {
			seen[p.ID] = p.Name
		}
		if strings.TrimSpace(p.Name) == "" {
			problems = append(problems, ref+": name must not be empty")
		}
		env := strings.ToUpper(p.Environment)
		if env != "LIVE" && env != "TEST" {
			problems = append(problems, ref+`: environment must be "LIVE" or "TEST"`)
		}
		if strings.TrimSpace(p.Exchange) == "" {
			problems = append(problems, ref+": exchange must not be empty")
		}
		if len(p.Symbols) == 0 {
			problems = append(problems, ref+": at least one symbol is required")
		}
		if len(p.Timeframes) == 0 {
			problems = append(problems, ref+": at least one timeframe is required")
		}
		if env == "LIVE" && p.APIKey == "" && p.EncryptedKeyPath == "" {
			problems = append(problems, ref+": LIVE profiles need api_key/api_secret or an encrypted_key_path")
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// ActiveProfiles returns the profiles flagged active.
func (c *Config) ActiveProfiles() []ProfileConfig {
	out := make([]ProfileConfig, 0, len(c.Profiles))
	for _, p := range c.Profiles {
		if p.Active {
			out = append(out, p)
		}
	}
	return out
}

// Location resolves the configured timezone; Validate guarantees it parses.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
