package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads configuration in layers: built-in defaults, then the TOML
// file at path (if it exists), then a .env file (if present), then
// PERPBOT_* environment variables. Later layers win.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("decode %s: %w", path, err)
			}
		}
	}

	// .env is optional; real environment variables still take precedence
	// because godotenv never overwrites existing ones.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	return cfg, nil
}

// applyEnvOverrides maps PERPBOT_* environment variables onto the config.
// Per-profile credentials use the exchange name, e.g. PERPBOT_BYBIT_API_KEY
// applies to every profile on BYBIT that has no inline key.
func applyEnvOverrides(cfg *Config) {
	setStr("PERPBOT_MODE", &cfg.Mode)
	setStr("PERPBOT_LOG_LEVEL", &cfg.LogLevel)
	setStr("PERPBOT_DATA_DIR", &cfg.DataDir)
	setStr("PERPBOT_TIMEZONE", &cfg.Timezone)
	setStr("PERPBOT_STRATEGY_PATH", &cfg.StrategyPath)

	setStr("PERPBOT_STORAGE_DRIVER", &cfg.Storage.Driver)
	setStr("PERPBOT_SQLITE_PATH", &cfg.Storage.SQLitePath)
	setStr("PERPBOT_POSTGRES_DSN", &cfg.Storage.Postgres.DSN)
	setStr("PERPBOT_POSTGRES_HOST", &cfg.Storage.Postgres.Host)
	setInt("PERPBOT_POSTGRES_PORT", &cfg.Storage.Postgres.Port)
	setStr("PERPBOT_POSTGRES_DATABASE", &cfg.Storage.Postgres.Database)
	setStr("PERPBOT_POSTGRES_USER", &cfg.Storage.Postgres.User)
	setStr("PERPBOT_POSTGRES_PASSWORD", &cfg.Storage.Postgres.Password)
	setStr("PERPBOT_POSTGRES_SSL_MODE", &cfg.Storage.Postgres.SSLMode)
	setBool("PERPBOT_POSTGRES_RUN_MIGRATIONS", &cfg.Storage.Postgres.RunMigrations)

	setStr("PERPBOT_REDIS_ADDR", &cfg.Redis.Addr)
	setStr("PERPBOT_REDIS_PASSWORD", &cfg.Redis.Password)
	setInt("PERPBOT_REDIS_DB", &cfg.Redis.DB)
	setBool("PERPBOT_REDIS_TLS", &cfg.Redis.TLSEnabled)

	setStr("PERPBOT_S3_ENDPOINT", &cfg.S3.Endpoint)
	setStr("PERPBOT_S3_REGION", &cfg.S3.Region)
	setStr("PERPBOT_S3_BUCKET", &cfg.S3.Bucket)
	setStr("PERPBOT_S3_ACCESS_KEY", &cfg.S3.AccessKey)
	setStr("PERPBOT_S3_SECRET_KEY", &cfg.S3.SecretKey)
	setBool("PERPBOT_S3_USE_SSL", &cfg.S3.UseSSL)

	setBool("PERPBOT_ARCHIVE_ENABLED", &cfg.Archive.Enabled)
	setInt("PERPBOT_ARCHIVE_RETENTION_DAYS", &cfg.Archive.RetentionDays)
	setDuration("PERPBOT_ARCHIVE_INTERVAL", &cfg.Archive.Interval)

	setDuration("PERPBOT_ENGINE_HEARTBEAT", &cfg.Engine.Heartbeat)
	setDuration("PERPBOT_ENGINE_TICK_TIMEOUT", &cfg.Engine.TickTimeout)
	setDuration("PERPBOT_ENGINE_SIGNAL_MAX_AGE", &cfg.Engine.SignalMaxAge)
	setStr("PERPBOT_ENGINE_SIGNAL_STREAM", &cfg.Engine.SignalStream)
	setBool("PERPBOT_ENGINE_RUN_LOCK", &cfg.Engine.RunLock)

	setBool("PERPBOT_SERVER_ENABLED", &cfg.Server.Enabled)
	setInt("PERPBOT_SERVER_PORT", &cfg.Server.Port)
	setStr("PERPBOT_SERVER_API_KEY", &cfg.Server.APIKey)
	setStringSlice("PERPBOT_SERVER_CORS_ORIGINS", &cfg.Server.CORSOrigins)

	setStr("PERPBOT_TELEGRAM_TOKEN", &cfg.Notify.TelegramToken)
	setStr("PERPBOT_TELEGRAM_CHAT_ID", &cfg.Notify.TelegramChatID)
	setStr("PERPBOT_DISCORD_WEBHOOK_URL", &cfg.Notify.DiscordWebhookURL)

	for i := range cfg.Profiles {
		p := &cfg.Profiles[i]
		prefix := "PERPBOT_" + strings.ToUpper(p.Exchange)
		if p.APIKey == "" {
			setStr(prefix+"_API_KEY", &p.APIKey)
		}
		if p.APISecret == "" {
			setStr(prefix+"_API_SECRET", &p.APISecret)
		}
		if p.KeyPassword == "" {
			setStr(prefix+"_KEY_PASSWORD", &p.KeyPassword)
		}
	}
}

func setStr(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setInt(key string, dst *int) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(key string, dst *bool) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(key string, dst *duration) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(key string, dst *[]string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		parts := strings.Split(v, ",")
		out := parts[:0]
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		*dst = out
	}
}
