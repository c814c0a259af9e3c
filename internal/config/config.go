package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/basket/voxdesk/internal/otel"
)

// VoiceConfig points the proxy at the voice-AI provider's REST API.
type VoiceConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	WebhookSecret  string `yaml:"webhook_secret"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	// FromNumber is the caller id used for outbound campaign calls.
	FromNumber string `yaml:"from_number"`
}

// QueueConfig tunes the campaign call queue.
type QueueConfig struct {
	BatchSize          int `yaml:"batch_size"`
	DefaultConcurrency int `yaml:"default_concurrency"`
	MaxConcurrency     int `yaml:"max_concurrency"`
	MaxAttempts        int `yaml:"max_attempts"`
	// PriorityOrdering claims rows by priority before age. Off by default:
	// rows are claimed oldest first.
	PriorityOrdering  bool `yaml:"priority_ordering"`
	StaleAfterSeconds int  `yaml:"stale_after_seconds"`
	CreditsPerCall    int  `yaml:"credits_per_call"`
}

type RecordingConfig struct {
	SigningKey      string `yaml:"signing_key"`
	TokenTTLSeconds int    `yaml:"token_ttl_seconds"`
}

type SweepConfig struct {
	Enabled bool   `yaml:"enabled"`
	Cron    string `yaml:"cron"`
	// AutoDispatch re-invokes the dispatcher for running campaigns with work left.
	AutoDispatch bool `yaml:"auto_dispatch"`
	// Retention windows in days; zero keeps rows forever.
	QueueEventRetentionDays int `yaml:"queue_event_retention_days"`
	AuditRetentionDays      int `yaml:"audit_retention_days"`
}

type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

type TelegramConfig struct {
	Token   string `yaml:"token"`
	ChatID  int64  `yaml:"chat_id"`
	Enabled bool   `yaml:"enabled"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr            string   `yaml:"bind_addr"`
	LogLevel            string   `yaml:"log_level"`
	AllowOrigins        []string `yaml:"allow_origins"`
	DrainTimeoutSeconds int      `yaml:"drain_timeout_seconds"`
	MaxRequestBytes     int64    `yaml:"max_request_bytes"`
	TokenTTLHours       int      `yaml:"token_ttl_hours"`

	Voice     VoiceConfig     `yaml:"voice"`
	Queue     QueueConfig     `yaml:"queue"`
	Recording RecordingConfig `yaml:"recording"`
	Sweep     SweepConfig     `yaml:"sweep"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Telemetry otel.Config     `yaml:"telemetry"`
	Channels  ChannelsConfig  `yaml:"channels"`

	// NeedsInit is set when no config.yaml exists yet.
	NeedsInit bool `yaml:"-"`
}

func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func PolicyPath(homeDir string) string {
	return filepath.Join(homeDir, "policy.yaml")
}

func DBPath(homeDir string) string {
	return filepath.Join(homeDir, "voxdesk.db")
}

// Fingerprint identifies the effective non-secret configuration.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|origins=%v|voice=%s|batch=%d|conc=%d/%d|attempts=%d|prio=%t|sweep=%s",
		c.BindAddr, c.LogLevel, c.AllowOrigins, c.Voice.BaseURL,
		c.Queue.BatchSize, c.Queue.DefaultConcurrency, c.Queue.MaxConcurrency,
		c.Queue.MaxAttempts, c.Queue.PriorityOrdering, c.Sweep.Cron)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:            "127.0.0.1:18790",
		LogLevel:            "info",
		DrainTimeoutSeconds: 5,
		MaxRequestBytes:     1 << 20,
		TokenTTLHours:       24 * 30,
		Voice: VoiceConfig{
			BaseURL:        "https://api.bolna.ai",
			TimeoutSeconds: 30,
		},
		Queue: QueueConfig{
			BatchSize:          10,
			DefaultConcurrency: 3,
			MaxConcurrency:     10,
			MaxAttempts:        3,
			StaleAfterSeconds:  600,
			CreditsPerCall:     1,
		},
		Recording: RecordingConfig{
			TokenTTLSeconds: 300,
		},
		Sweep: SweepConfig{
			Enabled:                 true,
			Cron:                    "*/1 * * * *",
			QueueEventRetentionDays: 30,
			AuditRetentionDays:      90,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerSecond: 10,
			Burst:             20,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("VOXDESK_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".voxdesk")
}

// LoadDotEnv loads KEY=VALUE pairs from ./.env and <homeDir>/.env into the
// process environment. Variables already set win. Missing files are ignored.
func LoadDotEnv(homeDir string) error {
	for _, path := range []string{".env", filepath.Join(homeDir, ".env")} {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create voxdesk home: %w", err)
	}
	if err := LoadDotEnv(cfg.HomeDir); err != nil {
		return cfg, err
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsInit = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 5
	}
	if cfg.MaxRequestBytes <= 0 {
		cfg.MaxRequestBytes = 1 << 20
	}
	if cfg.TokenTTLHours <= 0 {
		cfg.TokenTTLHours = 24 * 30
	}
	cfg.Voice.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.Voice.BaseURL), "/")
	if cfg.Voice.TimeoutSeconds <= 0 {
		cfg.Voice.TimeoutSeconds = 30
	}
	if cfg.Queue.BatchSize <= 0 {
		cfg.Queue.BatchSize = 10
	}
	if cfg.Queue.MaxConcurrency <= 0 {
		cfg.Queue.MaxConcurrency = 10
	}
	if cfg.Queue.DefaultConcurrency <= 0 {
		cfg.Queue.DefaultConcurrency = 3
	}
	if cfg.Queue.DefaultConcurrency > cfg.Queue.MaxConcurrency {
		cfg.Queue.DefaultConcurrency = cfg.Queue.MaxConcurrency
	}
	if cfg.Queue.MaxAttempts <= 0 {
		cfg.Queue.MaxAttempts = 3
	}
	if cfg.Queue.StaleAfterSeconds <= 0 {
		cfg.Queue.StaleAfterSeconds = 600
	}
	if cfg.Queue.CreditsPerCall < 0 {
		cfg.Queue.CreditsPerCall = 0
	}
	if cfg.Recording.TokenTTLSeconds <= 0 {
		cfg.Recording.TokenTTLSeconds = 300
	}
	if strings.TrimSpace(cfg.Sweep.Cron) == "" {
		cfg.Sweep.Cron = "*/1 * * * *"
	}
	if cfg.RateLimit.RequestsPerSecond <= 0 {
		cfg.RateLimit.RequestsPerSecond = 10
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 20
	}
}

func validate(cfg Config) error {
	var errs []error
	if cfg.Voice.BaseURL != "" && !strings.HasPrefix(cfg.Voice.BaseURL, "http://") && !strings.HasPrefix(cfg.Voice.BaseURL, "https://") {
		errs = append(errs, fmt.Errorf("voice.base_url must be an http(s) URL, got %q", cfg.Voice.BaseURL))
	}
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token == "" {
		errs = append(errs, errors.New("channels.telegram.enabled requires a token"))
	}
	return errors.Join(errs...)
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("VOXDESK_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("VOXDESK_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("VOXDESK_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("VOXDESK_BATCH_SIZE"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Queue.BatchSize = v
		}
	}
	if raw := os.Getenv("VOXDESK_MAX_ATTEMPTS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Queue.MaxAttempts = v
		}
	}
	if raw := os.Getenv("VOXDESK_PRIORITY_ORDERING"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Queue.PriorityOrdering = v
		}
	}
	if raw := os.Getenv("VOICE_API_BASE_URL"); raw != "" {
		cfg.Voice.BaseURL = raw
	}
	if raw := os.Getenv("VOICE_API_KEY"); raw != "" {
		cfg.Voice.APIKey = raw
	}
	if raw := os.Getenv("VOICE_WEBHOOK_SECRET"); raw != "" {
		cfg.Voice.WebhookSecret = raw
	}
	if raw := os.Getenv("RECORDING_SIGNING_KEY"); raw != "" {
		cfg.Recording.SigningKey = raw
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
	}
	if raw := os.Getenv("TELEGRAM_CHAT_ID"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			cfg.Channels.Telegram.ChatID = v
		}
	}
}
