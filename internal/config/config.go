package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port                  string
	DatabaseURL           string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	LockTimeout           time.Duration
	IssueRetry            time.Duration
	PauseMode             string
	TicketNumbering       string
	DefaultServiceMinutes int
	OfficeTimezone        string
	Location              *time.Location
	HolderPassSecret      string
	HolderPassTTL         time.Duration
	NotifyBuffer          int
	NotifyPublishTimeout  time.Duration
	ReconcileInterval     time.Duration
	RateLimitPerMinute    int
	RateLimitBurst        int
	OfficeRateLimitPerMin int
	OfficeRateLimitBurst  int
	LogLevel              string
}

// Load reads configuration from the environment, with an optional .env file
// in the working directory.
func Load() (Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig()
	return load(v)
}

func load(v *viper.Viper) (Config, error) {
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults(v)

	cfg := Config{
		Port:                  v.GetString("PORT"),
		DatabaseURL:           v.GetString("DB_DSN"),
		RedisAddr:             v.GetString("REDIS_ADDR"),
		RedisPassword:         v.GetString("REDIS_PASSWORD"),
		RedisDB:               v.GetInt("REDIS_DB"),
		LockTimeout:           millis(v, "LOCK_TIMEOUT_MS"),
		IssueRetry:            millis(v, "ISSUE_RETRY_MS"),
		PauseMode:             strings.ToLower(strings.TrimSpace(v.GetString("PAUSE_MODE"))),
		TicketNumbering:       strings.ToLower(strings.TrimSpace(v.GetString("TICKET_NUMBERING"))),
		DefaultServiceMinutes: v.GetInt("DEFAULT_SERVICE_MINUTES"),
		OfficeTimezone:        v.GetString("OFFICE_TIMEZONE"),
		HolderPassSecret:      v.GetString("HOLDER_PASS_SECRET"),
		HolderPassTTL:         time.Duration(v.GetInt("HOLDER_PASS_TTL_HOURS")) * time.Hour,
		NotifyBuffer:          v.GetInt("NOTIFY_BUFFER"),
		NotifyPublishTimeout:  millis(v, "NOTIFY_PUBLISH_TIMEOUT_MS"),
		ReconcileInterval:     time.Duration(v.GetInt("RECONCILE_INTERVAL_SECONDS")) * time.Second,
		RateLimitPerMinute:    v.GetInt("RATE_LIMIT_PER_MIN"),
		RateLimitBurst:        v.GetInt("RATE_LIMIT_BURST"),
		OfficeRateLimitPerMin: v.GetInt("OFFICE_RATE_LIMIT_PER_MIN"),
		OfficeRateLimitBurst:  v.GetInt("OFFICE_RATE_LIMIT_BURST"),
		LogLevel:              v.GetString("LOG_LEVEL"),
	}
	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "8080")
	v.SetDefault("DB_DSN", "")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("LOCK_TIMEOUT_MS", 2000)
	v.SetDefault("ISSUE_RETRY_MS", 3000)
	v.SetDefault("PAUSE_MODE", "advisory")
	v.SetDefault("TICKET_NUMBERING", "office")
	v.SetDefault("DEFAULT_SERVICE_MINUTES", 5)
	v.SetDefault("OFFICE_TIMEZONE", "Asia/Kolkata")
	v.SetDefault("HOLDER_PASS_SECRET", "")
	v.SetDefault("HOLDER_PASS_TTL_HOURS", 24)
	v.SetDefault("NOTIFY_BUFFER", 1024)
	v.SetDefault("NOTIFY_PUBLISH_TIMEOUT_MS", 2000)
	v.SetDefault("RECONCILE_INTERVAL_SECONDS", 15)
	v.SetDefault("RATE_LIMIT_PER_MIN", 120)
	v.SetDefault("RATE_LIMIT_BURST", 30)
	v.SetDefault("OFFICE_RATE_LIMIT_PER_MIN", 600)
	v.SetDefault("OFFICE_RATE_LIMIT_BURST", 120)
	v.SetDefault("LOG_LEVEL", "info")
}

func (c *Config) validate() error {
	switch c.PauseMode {
	case "advisory", "block":
	default:
		return fmt.Errorf("PAUSE_MODE must be advisory or block, got %q", c.PauseMode)
	}
	switch c.TicketNumbering {
	case "office", "department":
	default:
		return fmt.Errorf("TICKET_NUMBERING must be office or department, got %q", c.TicketNumbering)
	}
	if c.LockTimeout <= 0 {
		return fmt.Errorf("LOCK_TIMEOUT_MS must be positive")
	}
	if c.DefaultServiceMinutes <= 0 {
		return fmt.Errorf("DEFAULT_SERVICE_MINUTES must be positive")
	}
	loc, err := time.LoadLocation(c.OfficeTimezone)
	if err != nil {
		return fmt.Errorf("OFFICE_TIMEZONE: %w", err)
	}
	c.Location = loc
	return nil
}

func millis(v *viper.Viper, key string) time.Duration {
	value := v.GetInt(key)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Millisecond
}
