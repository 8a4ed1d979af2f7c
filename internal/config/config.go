package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	URL    string `mapstructure:"url"`
}

type SchedulerConfig struct {
	Workers         int           `mapstructure:"workers"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	RetryBaseDelay  time.Duration `mapstructure:"retry_base_delay"`
	DeliveryTimeout time.Duration `mapstructure:"delivery_timeout"`
	StoreTimeout    time.Duration `mapstructure:"store_timeout"`
	RequestBuffer   int           `mapstructure:"request_buffer"`
}

type TelegramConfig struct {
	APIURL string `mapstructure:"api_url"`
	Token  string `mapstructure:"token"`
}

type WebhookConfig struct {
	URL    string `mapstructure:"url"`
	Secret string `mapstructure:"secret"`
	Issuer string `mapstructure:"issuer"`
}

type EmailConfig struct {
	From            string `mapstructure:"from"`
	SMTPHost        string `mapstructure:"smtp_host"`
	SMTPPort        int    `mapstructure:"smtp_port"`
	Username        string `mapstructure:"username"`
	Password        string `mapstructure:"password"`
	RecipientDomain string `mapstructure:"recipient_domain"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type DeliveryConfig struct {
	Channel  string         `mapstructure:"channel"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Email    EmailConfig    `mapstructure:"email"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
}

type RedisConfig struct {
	Addr       string        `mapstructure:"addr"`
	Password   string        `mapstructure:"password"`
	DB         int           `mapstructure:"db"`
	RateLimit  int           `mapstructure:"rate_limit"`
	RateWindow time.Duration `mapstructure:"rate_window"`
}

type TimeConfig struct {
	DefaultZone string `mapstructure:"default_zone"`
}

type Config struct {
	ServerPort  string          `mapstructure:"server_port"`
	LogLevel    string          `mapstructure:"log_level"`
	CORSOrigins []string        `mapstructure:"cors_origins"`
	Database    DatabaseConfig  `mapstructure:"database"`
	Scheduler   SchedulerConfig `mapstructure:"scheduler"`
	Delivery    DeliveryConfig  `mapstructure:"delivery"`
	Redis       RedisConfig     `mapstructure:"redis"`
	Time        TimeConfig      `mapstructure:"time"`
}

// Delivery channels understood by cmd/server.
const (
	ChannelLog      = "log"
	ChannelTelegram = "telegram"
	ChannelWebhook  = "webhook"
	ChannelEmail    = "email"
	ChannelKafka    = "kafka"
)

var defaults = map[string]interface{}{
	"server_port":                     "8080",
	"log_level":                       "info",
	"cors_origins":                    []string{"*"},
	"database.driver":                 "sqlite",
	"database.url":                    "remindr.db",
	"scheduler.workers":               4,
	"scheduler.max_attempts":          3,
	"scheduler.retry_base_delay":      "30s",
	"scheduler.delivery_timeout":      "10s",
	"scheduler.store_timeout":         "5s",
	"scheduler.request_buffer":        64,
	"delivery.channel":                ChannelLog,
	"delivery.telegram.api_url":       "https://api.telegram.org",
	"delivery.telegram.token":         "",
	"delivery.webhook.url":            "",
	"delivery.webhook.secret":         "",
	"delivery.webhook.issuer":         "remindr",
	"delivery.email.from":             "",
	"delivery.email.smtp_host":        "",
	"delivery.email.smtp_port":        587,
	"delivery.email.username":         "",
	"delivery.email.password":         "",
	"delivery.email.recipient_domain": "",
	"delivery.kafka.brokers":          []string{},
	"delivery.kafka.topic":            "reminders",
	"redis.addr":                      "",
	"redis.password":                  "",
	"redis.db":                        0,
	"redis.rate_limit":                30,
	"redis.rate_window":               "1m",
	"time.default_zone":               "",
}

// Load reads the configuration from a YAML file and returns a Config instance.
func Load() *Config {
	cfg, err := LoadFrom(".", "./config")
	if err != nil {
		log.Fatal().Err(err).Msg("Error loading config")
	}
	return cfg
}

// LoadFrom reads config.yaml from the first of paths that has one, then applies
// REMINDR_* environment overrides. A missing file is not an error.
func LoadFrom(paths ...string) (*Config, error) {
	v := viper.New()

	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix("REMINDR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "error reading config file")
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "error unmarshalling config")
	}

	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

const maxAttemptsLimit = 50

func (c *Config) validate() error {
	c.Database.Driver = strings.ToLower(strings.TrimSpace(c.Database.Driver))
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return errors.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if strings.TrimSpace(c.Database.URL) == "" {
		return errors.New("database.url must be set")
	}

	s := c.Scheduler
	if s.Workers < 0 || s.MaxAttempts < 0 || s.RequestBuffer < 0 {
		return errors.New("scheduler sizes must not be negative")
	}
	if s.MaxAttempts > maxAttemptsLimit {
		return errors.Errorf("scheduler.max_attempts must be at most %d", maxAttemptsLimit)
	}
	if s.RetryBaseDelay < 0 || s.DeliveryTimeout < 0 || s.StoreTimeout < 0 {
		return errors.New("scheduler durations must not be negative")
	}

	c.Delivery.Channel = strings.ToLower(strings.TrimSpace(c.Delivery.Channel))
	switch c.Delivery.Channel {
	case ChannelLog, ChannelTelegram, ChannelWebhook, ChannelEmail, ChannelKafka:
	default:
		return errors.Errorf("unsupported delivery channel %q", c.Delivery.Channel)
	}

	if zone := strings.TrimSpace(c.Time.DefaultZone); zone != "" {
		if _, err := time.LoadLocation(zone); err != nil {
			return errors.Wrapf(err, "invalid time.default_zone %q", zone)
		}
	}

	if c.Redis.Addr != "" && (c.Redis.RateLimit <= 0 || c.Redis.RateWindow <= 0) {
		return errors.New("redis.rate_limit and redis.rate_window must be positive when redis is enabled")
	}
	return nil
}
