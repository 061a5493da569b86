package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

const envPrefix = "WAHUB"

type Config struct {
	App       AppConfig                 `mapstructure:"app"`
	Log       LogConfig                 `mapstructure:"log"`
	Database  DatabaseConfig            `mapstructure:"database"`
	Whatsmeow WhatsmeowConfig           `mapstructure:"whatsmeow"`
	Instance  InstanceConfig            `mapstructure:"instance"`
	Webhook   WebhookConfig             `mapstructure:"webhook"`
	Notifier  NotifierConfig            `mapstructure:"notifier"`
	Plugins   map[string]map[string]any `mapstructure:"plugins"`
	Broker    BrokerConfig              `mapstructure:"broker"`
	HTTP      HTTPConfig                `mapstructure:"http"`
	Jobs      JobsConfig                `mapstructure:"jobs"`
}

type AppConfig struct {
	Name      string `mapstructure:"name"`
	Watermark string `mapstructure:"watermark"`
}

type LogConfig struct {
	Level          string `mapstructure:"level"`
	Format         string `mapstructure:"format"`
	File           string `mapstructure:"file"`
	MaxSizeMB      int    `mapstructure:"max_size_mb"`
	MaxBackups     int    `mapstructure:"max_backups"`
	MaxAgeDays     int    `mapstructure:"max_age_days"`
	WhatsmeowLevel string `mapstructure:"whatsmeow_level"`
}

type DatabaseConfig struct {
	Type string `mapstructure:"type"`
	DSN  string `mapstructure:"dsn"`
}

type WhatsmeowConfig struct {
	StoreDSN string `mapstructure:"store_dsn"`
}

type InstanceConfig struct {
	// MaxReconnectAttempts of 0 keeps the default; negative disables reconnects
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	ReconnectDelay       time.Duration `mapstructure:"reconnect_delay"`
	RestartSettle        time.Duration `mapstructure:"restart_settle"`
	DedupTTL             time.Duration `mapstructure:"dedup_ttl"`
	DedupSize            int           `mapstructure:"dedup_size"`
	SendRate             float64       `mapstructure:"send_rate"`
	SendBurst            int           `mapstructure:"send_burst"`
	PrintQR              bool          `mapstructure:"print_qr"`
}

type WebhookConfig struct {
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxConcurrency int           `mapstructure:"max_concurrency"`
	UserAgent      string        `mapstructure:"user_agent"`
}

type NotifierConfig struct {
	WelcomeDelay time.Duration `mapstructure:"welcome_delay"`
}

type BrokerConfig struct {
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type JobsConfig struct {
	Retention   time.Duration `mapstructure:"retention"`
	CleanupSpec string        `mapstructure:"cleanup_spec"`
	StatusSpec  string        `mapstructure:"status_spec"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "whatsapp-hub")
	v.SetDefault("app.watermark", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 64)
	v.SetDefault("log.max_backups", 7)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("log.whatsmeow_level", "warn")

	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.dsn", "file:whatsapp-hub.db?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)")
	v.SetDefault("whatsmeow.store_dsn", "file:whatsapp.db?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&cache=shared&mode=rwc")

	v.SetDefault("instance.max_reconnect_attempts", 5)
	v.SetDefault("instance.reconnect_delay", 5*time.Second)
	v.SetDefault("instance.restart_settle", 2*time.Second)
	v.SetDefault("instance.dedup_ttl", 10*time.Minute)
	v.SetDefault("instance.dedup_size", 2048)
	v.SetDefault("instance.send_rate", 0.0)
	v.SetDefault("instance.send_burst", 1)
	v.SetDefault("instance.print_qr", false)

	v.SetDefault("webhook.timeout", 5*time.Second)
	v.SetDefault("webhook.max_concurrency", 16)
	v.SetDefault("webhook.user_agent", "whatsapp-hub-webhook/1.0")

	v.SetDefault("notifier.welcome_delay", 5*time.Minute)

	v.SetDefault("broker.url", "")
	v.SetDefault("broker.exchange", "whatsapp.events")

	v.SetDefault("http.addr", ":8080")

	v.SetDefault("jobs.retention", 720*time.Hour)
	v.SetDefault("jobs.cleanup_spec", "@daily")
	v.SetDefault("jobs.status_spec", "@every 1m")
}

// New returns a viper instance with defaults and environment binding applied.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional config file at path and decodes the result.
// A missing file is not an error when path is empty.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch strings.ToLower(c.Database.Type) {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unsupported database.type %q", c.Database.Type)
	}
	if c.Instance.ReconnectDelay <= 0 {
		return errors.New("config: instance.reconnect_delay must be positive")
	}
	if c.Webhook.Timeout <= 0 {
		return errors.New("config: webhook.timeout must be positive")
	}
	if c.Webhook.MaxConcurrency <= 0 {
		c.Webhook.MaxConcurrency = 1
	}
	if c.Notifier.WelcomeDelay <= 0 {
		return errors.New("config: notifier.welcome_delay must be positive")
	}
	return nil
}

// PluginOverride reads the "enabled" key of a plugin section. ok is false
// when the key is missing or not a boolean.
func PluginOverride(section map[string]any) (enabled bool, ok bool) {
	v, exists := section["enabled"]
	if !exists {
		return false, false
	}
	b, err := cast.ToBoolE(v)
	if err != nil {
		return false, false
	}
	return b, true
}
