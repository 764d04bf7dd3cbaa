package config

const redacted = "***"

// Redacted returns the running configuration as a generic map with every
// credential masked, suitable for the admin API and startup logging.
func (m *Manager) Redacted() map[string]any {
	c := m.cfg
	_, version := m.Strategy()

	profiles := make([]map[string]any, 0, len(c.Profiles))
	for _, p := range c.Profiles {
		profiles = append(profiles, map[string]any{
			"id":          p.ID,
			"name":        p.Name,
			"environment": p.Environment,
			"exchange":    p.Exchange,
			"symbols":     p.Symbols,
			"timeframes":  p.Timeframes,
			"active":      p.Active,
			"api_key":     mask(p.APIKey),
			"key_file":    p.EncryptedKeyPath,
		})
	}

	return map[string]any{
		"mode":             c.Mode,
		"log_level":        c.LogLevel,
		"data_dir":         c.DataDir,
		"timezone":         c.Timezone,
		"strategy_path":    c.StrategyPath,
		"strategy_version": version,
		"storage": map[string]any{
			"driver":      c.Storage.Driver,
			"sqlite_path": c.Storage.SQLitePath,
			"postgres": map[string]any{
				"host":     c.Storage.Postgres.Host,
				"port":     c.Storage.Postgres.Port,
				"database": c.Storage.Postgres.Database,
				"user":     c.Storage.Postgres.User,
				"password": mask(c.Storage.Postgres.Password),
			},
		},
		"redis": map[string]any{
			"addr":     c.Redis.Addr,
			"db":       c.Redis.DB,
			"password": mask(c.Redis.Password),
			"tls":      c.Redis.TLSEnabled,
		},
		"s3": map[string]any{
			"endpoint":   c.S3.Endpoint,
			"region":     c.S3.Region,
			"bucket":     c.S3.Bucket,
			"access_key": mask(c.S3.AccessKey),
			"secret_key": mask(c.S3.SecretKey),
		},
		"archive": map[string]any{
			"enabled":        c.Archive.Enabled,
			"retention_days": c.Archive.RetentionDays,
			"interval":       c.Archive.Interval.String(),
		},
		"engine": map[string]any{
			"heartbeat":      c.Engine.Heartbeat.String(),
			"tick_timeout":   c.Engine.TickTimeout.String(),
			"signal_max_age": c.Engine.SignalMaxAge.String(),
			"signal_stream":  c.Engine.SignalStream,
			"run_lock":       c.Engine.RunLock,
		},
		"server": map[string]any{
			"enabled":      c.Server.Enabled,
			"port":         c.Server.Port,
			"cors_origins": c.Server.CORSOrigins,
			"api_key":      mask(c.Server.APIKey),
		},
		"notify": map[string]any{
			"telegram": c.Notify.TelegramToken != "",
			"discord":  c.Notify.DiscordWebhookURL != "",
			"events":   c.Notify.Events,
		},
		"profiles": profiles,
	}
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return redacted
}
