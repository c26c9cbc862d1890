// Package config loads service configuration from a YAML file, an
// optional .env file and the process environment, in that order of
// increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	ListenAddr string          `yaml:"listen_addr"`
	Log        LogConfig       `yaml:"log"`
	Google     GoogleConfig    `yaml:"google"`
	Session    SessionConfig   `yaml:"session"`
	Store      StoreConfig     `yaml:"store"`
	Records    RecordsConfig   `yaml:"records"`
	Inference  InferenceConfig `yaml:"inference"`
	Sync       SyncConfig      `yaml:"sync"`
	Events     EventsConfig    `yaml:"events"`
	Sheets     SheetsConfig    `yaml:"sheets"`
	HTTP       HTTPConfig      `yaml:"http"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

type GoogleConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RedirectURL  string `yaml:"redirect_uri"`
	AuthURL      string `yaml:"auth_url"`
	TokenURL     string `yaml:"token_url"`
	UserInfoURL  string `yaml:"userinfo_url"`
	GmailURL     string `yaml:"gmail_url"`
	SheetsURL    string `yaml:"sheets_url"`
}

type SessionConfig struct {
	Secret      string        `yaml:"secret"`
	JWKSURL     string        `yaml:"jwks_url"`
	JWKSRefresh time.Duration `yaml:"jwks_refresh"`
}

type StoreConfig struct {
	Backend    string      `yaml:"backend"` // sqlite or redis
	SQLitePath string      `yaml:"sqlite_path"`
	Redis      RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type RecordsConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

type InferenceConfig struct {
	Provider          string        `yaml:"provider"` // workersai or ollama
	BaseURL           string        `yaml:"base_url"`
	AccountID         string        `yaml:"account_id"`
	APIToken          string        `yaml:"api_token"`
	Model             string        `yaml:"model"`
	Temperature       float64       `yaml:"temperature"`
	MaxTokens         int           `yaml:"max_tokens"`
	MaxInputChars     int           `yaml:"max_input_chars"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	BreakerFailures   uint32        `yaml:"breaker_failures"`
	BreakerCooldown   time.Duration `yaml:"breaker_cooldown"`
}

type SyncConfig struct {
	PageCap            int           `yaml:"page_cap"`
	PageSize           int64         `yaml:"page_size"`
	DefaultLookback    time.Duration `yaml:"default_lookback"`
	JobLikeThreshold   float64       `yaml:"job_like_threshold"`
	ScheduleInterval   time.Duration `yaml:"schedule_interval"`
	MaxConcurrentUsers int           `yaml:"max_concurrent_users"`
	MailboxRPS         float64       `yaml:"mailbox_rps"`
	MailboxBurst       int           `yaml:"mailbox_burst"`
	PassTimeout        time.Duration `yaml:"pass_timeout"`
}

type EventsConfig struct {
	NATSURL    string `yaml:"nats_url"`
	OutboxPath string `yaml:"outbox_path"`
}

type SheetsConfig struct {
	SpreadsheetID string `yaml:"spreadsheet_id"`
	Tab           string `yaml:"tab"`
}

type HTTPConfig struct {
	CORSOrigins []string `yaml:"cors_origins"`
	CronSecret  string   `yaml:"cron_secret"`
	// ConnectedRedirect, when set, is where the browser lands after the
	// mailbox is connected instead of a JSON body.
	ConnectedRedirect string `yaml:"connected_redirect"`
}

// Default returns the configuration used for anything not set elsewhere.
func Default() Config {
	return Config{
		ListenAddr: ":8787",
		Log:        LogConfig{Level: "info", Format: "json"},
		Session:    SessionConfig{JWKSRefresh: 15 * time.Minute},
		Store:      StoreConfig{Backend: "sqlite", SQLitePath: "data/state.db"},
		Records:    RecordsConfig{Timeout: 10 * time.Second},
		Inference: InferenceConfig{
			Provider:          "workersai",
			Model:             "@cf/meta/llama-3.1-8b-instruct",
			Temperature:       0.2,
			MaxTokens:         400,
			MaxInputChars:     12000,
			Timeout:           60 * time.Second,
			RequestsPerSecond: 2,
			Burst:             2,
			BreakerFailures:   5,
			BreakerCooldown:   30 * time.Second,
		},
		Sync: SyncConfig{
			PageCap:            5,
			PageSize:           100,
			DefaultLookback:    14 * 24 * time.Hour,
			JobLikeThreshold:   0.5,
			MaxConcurrentUsers: 4,
			MailboxRPS:         10,
			MailboxBurst:       10,
			PassTimeout:        10 * time.Minute,
		},
		Events: EventsConfig{OutboxPath: "data/events.db"},
		Sheets: SheetsConfig{Tab: "Applications"},
	}
}

// Load reads path (skipped when it does not exist), then .env, then the
// environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse %s: %w", path, err)
			}
		case !errors.Is(err, os.ErrNotExist):
			return cfg, fmt.Errorf("read %s: %w", path, err)
		}
	}

	// .env never overrides variables already set in the environment.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("load .env: %w", err)
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	str("LISTEN_ADDR", &cfg.ListenAddr)
	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FORMAT", &cfg.Log.Format)
	str("GOOGLE_CLIENT_ID", &cfg.Google.ClientID)
	str("GOOGLE_CLIENT_SECRET", &cfg.Google.ClientSecret)
	str("GOOGLE_REDIRECT_URI", &cfg.Google.RedirectURL)
	str("SESSION_SECRET", &cfg.Session.Secret)
	str("SESSION_JWKS_URL", &cfg.Session.JWKSURL)
	str("STORE_BACKEND", &cfg.Store.Backend)
	str("SQLITE_PATH", &cfg.Store.SQLitePath)
	str("REDIS_ADDR", &cfg.Store.Redis.Addr)
	str("REDIS_PASSWORD", &cfg.Store.Redis.Password)
	str("RECORDS_BASE_URL", &cfg.Records.BaseURL)
	str("RECORDS_API_KEY", &cfg.Records.APIKey)
	str("INFERENCE_PROVIDER", &cfg.Inference.Provider)
	str("INFERENCE_BASE_URL", &cfg.Inference.BaseURL)
	str("CF_ACCOUNT_ID", &cfg.Inference.AccountID)
	str("CF_API_TOKEN", &cfg.Inference.APIToken)
	str("MODEL_ID", &cfg.Inference.Model)
	str("NATS_URL", &cfg.Events.NATSURL)
	str("OUTBOX_PATH", &cfg.Events.OutboxPath)
	str("SHEETS_SPREADSHEET_ID", &cfg.Sheets.SpreadsheetID)
	str("SHEETS_TAB", &cfg.Sheets.Tab)
	str("CRON_SECRET", &cfg.HTTP.CronSecret)

	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.HTTP.CORSOrigins = nil
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.HTTP.CORSOrigins = append(cfg.HTTP.CORSOrigins, o)
			}
		}
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("REDIS_DB: %w", err)
		}
		cfg.Store.Redis.DB = n
	}
	if v := os.Getenv("SYNC_SCHEDULE_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("SYNC_SCHEDULE_INTERVAL: %w", err)
		}
		cfg.Sync.ScheduleInterval = d
	}
	return nil
}

// Validate reports every problem found, joined.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Google.ClientID == "" || c.Google.ClientSecret == "" {
		add("google client id and secret are required")
	}
	if c.Session.Secret == "" && c.Session.JWKSURL == "" {
		add("session secret or jwks url is required")
	}
	if c.Records.BaseURL == "" {
		add("records base url is required")
	}
	switch c.Store.Backend {
	case "sqlite":
		if c.Store.SQLitePath == "" {
			add("store.sqlite_path is required for the sqlite backend")
		}
	case "redis":
		if c.Store.Redis.Addr == "" {
			add("store.redis.addr is required for the redis backend")
		}
	default:
		add("unknown store backend %q", c.Store.Backend)
	}
	switch c.Inference.Provider {
	case "workersai":
		if c.Inference.AccountID == "" || c.Inference.APIToken == "" {
			add("workersai inference requires account id and api token")
		}
	case "ollama":
	default:
		add("unknown inference provider %q", c.Inference.Provider)
	}
	if c.Sync.PageCap <= 0 {
		add("sync.page_cap must be positive")
	}
	if c.Sync.PageSize <= 0 || c.Sync.PageSize > 500 {
		add("sync.page_size must be in 1..500")
	}
	if c.Sync.JobLikeThreshold < 0 || c.Sync.JobLikeThreshold > 1 {
		add("sync.job_like_threshold must be within [0,1]")
	}
	if c.Sync.DefaultLookback < 24*time.Hour {
		add("sync.default_lookback must be at least 24h")
	}
	if c.Sync.MaxConcurrentUsers < 1 {
		add("sync.max_concurrent_users must be at least 1")
	}
	if c.Sync.ScheduleInterval < 0 {
		add("sync.schedule_interval must not be negative")
	}
	if c.Inference.Temperature < 0 || c.Inference.Temperature > 2 {
		add("inference.temperature must be within [0,2]")
	}
	return errors.Join(errs...)
}
