package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Addr          string
	DatabaseURL   string
	MigrationsDir string
	PolicyFile    string
	Timezone      string
	CORSOrigin    string
	// Redis version-text cache, disabled when empty
	RedisURL string
	CacheTTL time.Duration
	// Meilisearch change search, SQL fallback when empty
	MeiliURL       string
	MeiliMasterKey string
	GitDir         string
	// MinIO export archive, disabled when endpoint is empty
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
	LogLevel       string
	LogFormat      string
	AuthorsTop     int
	TimelineDays   int
}

// envBindings maps config keys to the environment variables that override them.
var envBindings = map[string]string{
	"api_addr":           "API_ADDR",
	"database_url":       "DATABASE_URL",
	"migrations_dir":     "HISTORY_MIGRATIONS_DIR",
	"policy_file":        "HISTORY_POLICY_FILE",
	"timezone":           "HISTORY_TIMEZONE",
	"cors_origin":        "HISTORY_CORS_ORIGIN",
	"redis_url":          "REDIS_URL",
	"cache_ttl_seconds":  "HISTORY_CACHE_TTL_SECONDS",
	"meili_url":          "MEILI_URL",
	"meili_master_key":   "MEILI_MASTER_KEY",
	"git_dir":            "HISTORY_GIT_DIR",
	"minio_endpoint":     "MINIO_ENDPOINT",
	"minio_access_key":   "MINIO_ACCESS_KEY",
	"minio_secret_key":   "MINIO_SECRET_KEY",
	"minio_bucket":       "MINIO_BUCKET",
	"minio_use_ssl":      "MINIO_USE_SSL",
	"log_level":          "LOG_LEVEL",
	"log_format":         "LOG_FORMAT",
	"authors_top_limit":  "AUTHORS_TOP_LIMIT",
	"timeline_page_days": "TIMELINE_PAGE_DAYS",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api_addr", ":8787")
	v.SetDefault("database_url", "sqlite://contenthistory.db")
	v.SetDefault("migrations_dir", "./db/migrations")
	v.SetDefault("policy_file", "")
	v.SetDefault("timezone", "UTC")
	v.SetDefault("cors_origin", "http://localhost:5173")
	v.SetDefault("redis_url", "")
	v.SetDefault("cache_ttl_seconds", 3600)
	v.SetDefault("meili_url", "")
	v.SetDefault("meili_master_key", "")
	v.SetDefault("git_dir", "./data/history-git")
	v.SetDefault("minio_endpoint", "")
	v.SetDefault("minio_access_key", "")
	v.SetDefault("minio_secret_key", "")
	v.SetDefault("minio_bucket", "history-exports")
	v.SetDefault("minio_use_ssl", false)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("authors_top_limit", 10)
	v.SetDefault("timeline_page_days", 7)
}

// Load reads defaults, then the optional YAML file at path, then the
// environment. An empty path skips the file.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := Config{
		Addr:           v.GetString("api_addr"),
		DatabaseURL:    v.GetString("database_url"),
		MigrationsDir:  v.GetString("migrations_dir"),
		PolicyFile:     v.GetString("policy_file"),
		Timezone:       v.GetString("timezone"),
		CORSOrigin:     v.GetString("cors_origin"),
		RedisURL:       v.GetString("redis_url"),
		CacheTTL:       time.Duration(v.GetInt("cache_ttl_seconds")) * time.Second,
		MeiliURL:       v.GetString("meili_url"),
		MeiliMasterKey: v.GetString("meili_master_key"),
		GitDir:         v.GetString("git_dir"),
		MinioEndpoint:  v.GetString("minio_endpoint"),
		MinioAccessKey: v.GetString("minio_access_key"),
		MinioSecretKey: v.GetString("minio_secret_key"),
		MinioBucket:    v.GetString("minio_bucket"),
		MinioUseSSL:    v.GetBool("minio_use_ssl"),
		LogLevel:       v.GetString("log_level"),
		LogFormat:      v.GetString("log_format"),
		AuthorsTop:     v.GetInt("authors_top_limit"),
		TimelineDays:   v.GetInt("timeline_page_days"),
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var errs []error
	if !strings.HasPrefix(c.DatabaseURL, "postgres://") && !strings.HasPrefix(c.DatabaseURL, "postgresql://") && !strings.HasPrefix(c.DatabaseURL, "sqlite://") {
		errs = append(errs, errors.New("database url must start with postgres:// or sqlite://"))
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone %q: %w", c.Timezone, err))
	}
	if c.AuthorsTop <= 0 {
		errs = append(errs, errors.New("authors top limit must be positive"))
	}
	if c.TimelineDays <= 0 {
		errs = append(errs, errors.New("timeline page days must be positive"))
	}
	if c.CacheTTL < 0 {
		errs = append(errs, errors.New("cache ttl must not be negative"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Location resolves the configured timezone. Load has already validated it.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
