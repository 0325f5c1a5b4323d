package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/basket/go-atlas/internal/otel"
)

// CrontabConfig controls the generated schedule descriptor.
type CrontabConfig struct {
	// Path is the crontab file consumed by the external scheduler.
	Path string `yaml:"path"`
	// DefaultsPath supplies the static preamble when Path has no marker yet.
	DefaultsPath string `yaml:"defaults_path"`
	// InvokeCommand is written before the trigger name on every line.
	InvokeCommand string `yaml:"invoke_command"`
}

// WakeConfig controls the edge-triggered wake signals.
type WakeConfig struct {
	// WorkerSignal is touched when new work is enqueued.
	WorkerSignal string `yaml:"worker_signal"`
	// TriggerSignal is touched when a wake record is written.
	TriggerSignal string `yaml:"trigger_signal"`
	// NotifyOnCancel makes cancel emit a wake with outcome cancelled.
	NotifyOnCancel bool `yaml:"notify_on_cancel"`
	// PollIntervalSeconds is the watcher's fallback poll period.
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
}

// TriggersConfig describes the external trigger runtime.
type TriggersConfig struct {
	// Command is executed as `<command> <trigger> <payload> [session_key]`.
	Command string `yaml:"command"`
	// ChatTrigger is fired for chat intake.
	ChatTrigger string `yaml:"chat_trigger"`
}

type WebhookConfig struct {
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
	// RequestsPerMinute throttles webhook calls per client address; 0 disables.
	RequestsPerMinute int `yaml:"requests_per_minute"`
	BurstSize         int `yaml:"burst_size"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	// AllowedIDs lists the Telegram user ids whose messages are accepted.
	// Empty rejects everyone.
	AllowedIDs []int64 `yaml:"allowed_ids"`
	// Trigger is fired for each accepted message.
	Trigger string `yaml:"trigger"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	DBPath   string `yaml:"db_path"`
	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// APIToken guards the read and chat endpoints; webhooks use their own secrets.
	APIToken string `yaml:"api_token"`

	// AllowOrigins controls which Origin headers are accepted for browser WS connections.
	// Empty means local-only.
	AllowOrigins []string `yaml:"allow_origins"`

	Crontab  CrontabConfig  `yaml:"crontab"`
	Wake     WakeConfig     `yaml:"wake"`
	Triggers TriggersConfig `yaml:"triggers"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	Channels ChannelsConfig `yaml:"channels"`
	OTel     otel.Config    `yaml:"otel"`
}

func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint identifies the settings a running server only picks up on
// restart. log_level is applied live and is left out.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "db=%s|bind=%s|crontab=%s|invoke=%s|cmd=%s|chat=%s|cancel=%t|tg=%t:%s:%v",
		c.DBPath, c.BindAddr, c.Crontab.Path, c.Crontab.InvokeCommand,
		c.Triggers.Command, c.Triggers.ChatTrigger, c.Wake.NotifyOnCancel,
		c.Channels.Telegram.Enabled, c.Channels.Telegram.Trigger, c.Channels.Telegram.AllowedIDs)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr: "127.0.0.1:18790",
		LogLevel: "info",
		Crontab: CrontabConfig{
			InvokeCommand: "atlas trigger fire",
		},
		Wake: WakeConfig{
			PollIntervalSeconds: 5,
		},
		Triggers: TriggersConfig{
			ChatTrigger: "web-chat",
		},
		Webhook: WebhookConfig{
			MaxBodyBytes:      1 << 20,
			RequestsPerMinute: 60,
			BurstSize:         10,
		},
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{Trigger: "telegram-chat"},
		},
	}
}

// Default returns the built-in configuration rooted at homeDir.
func Default(homeDir string) Config {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir
	normalize(&cfg)
	return cfg
}

func HomeDir() string {
	if override := os.Getenv("ATLAS_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".atlas")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create atlas home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

// resolve anchors relative paths at the home directory.
func (c Config) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.HomeDir, p)
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "atlas.db"
	}
	cfg.DBPath = cfg.resolve(cfg.DBPath)

	if cfg.Crontab.Path == "" {
		cfg.Crontab.Path = "crontab"
	}
	cfg.Crontab.Path = cfg.resolve(cfg.Crontab.Path)
	if cfg.Crontab.DefaultsPath == "" {
		cfg.Crontab.DefaultsPath = "crontab.default"
	}
	cfg.Crontab.DefaultsPath = cfg.resolve(cfg.Crontab.DefaultsPath)
	if strings.TrimSpace(cfg.Crontab.InvokeCommand) == "" {
		cfg.Crontab.InvokeCommand = "atlas trigger fire"
	}

	if cfg.Wake.WorkerSignal == "" {
		cfg.Wake.WorkerSignal = filepath.Join("inbox", ".wake")
	}
	cfg.Wake.WorkerSignal = cfg.resolve(cfg.Wake.WorkerSignal)
	if cfg.Wake.TriggerSignal == "" {
		cfg.Wake.TriggerSignal = filepath.Join("inbox", ".trigger-wake")
	}
	cfg.Wake.TriggerSignal = cfg.resolve(cfg.Wake.TriggerSignal)
	if cfg.Wake.PollIntervalSeconds <= 0 {
		cfg.Wake.PollIntervalSeconds = 5
	}

	if cfg.Triggers.ChatTrigger == "" {
		cfg.Triggers.ChatTrigger = "web-chat"
	}
	if cfg.Webhook.MaxBodyBytes <= 0 {
		cfg.Webhook.MaxBodyBytes = 1 << 20
	}
	if cfg.Webhook.RequestsPerMinute < 0 {
		cfg.Webhook.RequestsPerMinute = 0
	}
	if cfg.Webhook.RequestsPerMinute > 0 && cfg.Webhook.BurstSize <= 0 {
		cfg.Webhook.BurstSize = 10
	}
	if strings.TrimSpace(cfg.Channels.Telegram.Trigger) == "" {
		cfg.Channels.Telegram.Trigger = "telegram-chat"
	}
	if cfg.OTel.ServiceName == "" {
		cfg.OTel.ServiceName = "atlas"
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("ATLAS_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("ATLAS_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("ATLAS_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("ATLAS_CRONTAB_PATH"); raw != "" {
		cfg.Crontab.Path = raw
	}
	if raw := os.Getenv("ATLAS_CRONTAB_INVOKE"); raw != "" {
		cfg.Crontab.InvokeCommand = raw
	}
	if raw := os.Getenv("ATLAS_TRIGGER_COMMAND"); raw != "" {
		cfg.Triggers.Command = raw
	}
	if raw := os.Getenv("ATLAS_CHAT_TRIGGER"); raw != "" {
		cfg.Triggers.ChatTrigger = raw
	}
	if raw := os.Getenv("ATLAS_WAKE_ON_CANCEL"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Wake.NotifyOnCancel = v
		}
	}
	if raw := os.Getenv("ATLAS_WEBHOOK_MAX_BODY_BYTES"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			cfg.Webhook.MaxBodyBytes = v
		}
	}
	if raw := os.Getenv("ATLAS_WEBHOOK_RPM"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Webhook.RequestsPerMinute = v
		}
	}
	if raw := os.Getenv("ATLAS_API_TOKEN"); raw != "" {
		cfg.APIToken = raw
	}
	if raw := os.Getenv("ATLAS_TELEGRAM_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
	}
	if raw := os.Getenv("ATLAS_OTEL_EXPORTER"); raw != "" {
		cfg.OTel.Enabled = true
		cfg.OTel.Exporter = raw
	}
	if raw := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); raw != "" {
		cfg.OTel.Endpoint = raw
	}
}
