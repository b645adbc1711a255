package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	BackendURL          string        `envconfig:"BACKEND_URL" required:"true" validate:"required,url"`
	BackendToken        string        `envconfig:"BACKEND_TOKEN"`
	EventChannel        string        `envconfig:"EVENT_CHANNEL" default:"download" validate:"required"`
	RPCTimeout          time.Duration `envconfig:"RPC_TIMEOUT" default:"30s" validate:"gt=0"`
	ReconnectMaxElapsed time.Duration `envconfig:"RECONNECT_MAX_ELAPSED" default:"5m" validate:"gt=0"`
	ThumbnailWorkers    int           `envconfig:"THUMBNAIL_WORKERS" default:"4" validate:"min=1,max=64"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"INFO"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json" validate:"oneof=json text"`

	DBPath            string        `envconfig:"DB_PATH" default:"history.db" validate:"required"`
	HistoryRetention  time.Duration `envconfig:"HISTORY_RETENTION" default:"720h" validate:"gt=0"`
	CleanupInterval   time.Duration `envconfig:"CLEANUP_INTERVAL" default:"1h" validate:"gt=0"`
	DiscordWebhookURL string        `envconfig:"DISCORD_WEBHOOK_URL" validate:"omitempty,url"`
	TelegramBotToken  string        `envconfig:"TELEGRAM_BOT_TOKEN"`
	TelegramChatID    int64         `envconfig:"TELEGRAM_CHAT_ID" validate:"required_with=TelegramBotToken"`

	TelemetryEnabled bool   `envconfig:"TELEMETRY_ENABLED" default:"true"`
	OTLPEndpoint     string `envconfig:"OTLP_ENDPOINT"`

	Web struct {
		BindAddress string `split_words:"true" default:"0.0.0.0:9091"`
		// PublicURL prefixes blob handles; it defaults to http://<BindAddress>.
		PublicURL       string        `split_words:"true" validate:"omitempty,url"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"60s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// BlobOrigin is the origin under which locally allocated blobs are served.
func (c *Config) BlobOrigin() string {
	if c.Web.PublicURL != "" {
		return strings.TrimRight(c.Web.PublicURL, "/")
	}

	addr := c.Web.BindAddress
	if host, port, ok := strings.Cut(addr, ":"); ok && (host == "" || host == "0.0.0.0") {
		addr = "localhost:" + port
	}

	return "http://" + addr
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
