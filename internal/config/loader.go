package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Load reads the configuration with 2-tier priority:
// Environment variables > JSON config file > Default values
func Load(path string) (*Config, error) {
	loadDotEnv()

	cfg := Default()

	if path != "" {
		if err := loadFromFile(cfg, path); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// loadFromFile merges the JSON document at path over the defaults. A
// missing file is not an error; the defaults are written back on the
// first admin update instead.
func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Router.PromptTemplate == "" {
		cfg.Router.PromptTemplate = DefaultPromptTemplate
	}
	return nil
}

// Save writes the document to path atomically (temp file + rename).
func Save(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// loadDotEnv loads a .env file from the working directory. Real
// environment variables take precedence over .env entries.
func loadDotEnv() {
	data, err := os.ReadFile(".env")
	if err != nil {
		return // .env file is optional
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(strings.TrimSuffix(line, "\r"))
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		if key != "" && os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides applies environment variable overrides to cfg.
func applyEnvOverrides(cfg *Config) {
	cfg.Server.Host = getEnvStr("SMARTROUTE_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvInt("SMARTROUTE_PORT", cfg.Server.Port)
	cfg.Server.LogLevel = getEnvStr("LOG_LEVEL", cfg.Server.LogLevel)
	cfg.Server.LogDir = getEnvStr("SMARTROUTE_LOG_DIR", cfg.Server.LogDir)

	cfg.Providers.Upstream.BaseURL = getEnvStr("SMARTROUTE_UPSTREAM_BASE_URL", cfg.Providers.Upstream.BaseURL)
	cfg.Providers.Upstream.APIKey = getEnvStr("SMARTROUTE_UPSTREAM_API_KEY", cfg.Providers.Upstream.APIKey)

	cfg.Router.APIKey = getEnvStr("SMARTROUTE_ROUTER_API_KEY", cfg.Router.APIKey)

	cfg.General.GatewayAPIKey = getEnvStr("SMARTROUTE_GATEWAY_API_KEY", cfg.General.GatewayAPIKey)
	cfg.General.DatabasePath = getEnvStr("SMARTROUTE_DB", cfg.General.DatabasePath)
	cfg.General.LogRetentionDays = getEnvInt("SMARTROUTE_LOG_RETENTION_DAYS", cfg.General.LogRetentionDays)

	cfg.Health.StatsPath = getEnvStr("SMARTROUTE_STATS_PATH", cfg.Health.StatsPath)

	cfg.LogRotation.MaxSizeMB = getEnvInt("SMARTROUTE_LOG_MAX_SIZE_MB", cfg.LogRotation.MaxSizeMB)
	cfg.LogRotation.MaxBackups = getEnvInt("SMARTROUTE_LOG_MAX_BACKUPS", cfg.LogRotation.MaxBackups)
	cfg.LogRotation.MaxAgeDays = getEnvInt("SMARTROUTE_LOG_MAX_AGE_DAYS", cfg.LogRotation.MaxAgeDays)
	cfg.LogRotation.Compress = getEnvBool("SMARTROUTE_LOG_COMPRESS", cfg.LogRotation.Compress)
}

func getEnvStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
