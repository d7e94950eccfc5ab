package config

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"
)

// Config is the daemon configuration file (JSON or YAML).
//
// All durations are Go duration strings ("500ms", "10s", "1m"). Zero or
// omitted values fall back to the defaults documented on each section.
type Config struct {
	Telegram      TelegramConfig      `json:"telegram"`
	Logging       LoggingConfig       `json:"logging"`
	Engine        EngineConfig        `json:"engine"`
	Storage       StorageConfig       `json:"storage"`
	Attachments   AttachmentsConfig   `json:"attachments,omitempty"`
	Observability ObservabilityConfig `json:"observability,omitempty"`
	Events        EventsConfig        `json:"events,omitempty"`
}

// TelegramConfig configures the delivery channel.
//
// Defaults:
//   - rate_per_sec: 25 (Telegram's global bot limit is ~30 msg/s)
//   - burst: 5
type TelegramConfig struct {
	Token      string  `json:"token" validate:"required"`
	APIURL     string  `json:"api_url,omitempty" validate:"omitempty,url"`
	RatePerSec float64 `json:"rate_per_sec,omitempty" validate:"gte=0"`
	Burst      int     `json:"burst,omitempty" validate:"gte=0"`
}

type LoggingConfig struct {
	Level    string            `json:"level" validate:"omitempty,oneof=trace debug info warn error"`
	Console  bool              `json:"console"`
	File     LogFileConfig     `json:"file"`
	Telegram LogTelegramConfig `json:"telegram"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// LogTelegramConfig forwards warnings and errors to an operator chat.
type LogTelegramConfig struct {
	Enabled    bool   `json:"enabled"`
	ChatID     string `json:"chat_id,omitempty" validate:"required_if=Enabled true"`
	MinLevel   string `json:"min_level,omitempty" validate:"omitempty,oneof=trace debug info warn error"`
	RatePerSec int    `json:"rate_per_sec,omitempty" validate:"gte=0"`
}

// EngineConfig controls the delivery cycle.
//
// Defaults:
//   - poll_interval: "30s"
//   - max_retry: 2 (failed attempts after the first before a notification is marked failure)
//   - text_timeout: "10s"
//   - file_timeout: "20s"
//   - timezone: "UTC" (used to render reminder times)
//   - run_on_start: false
type EngineConfig struct {
	PollInterval string `json:"poll_interval,omitempty"`
	MaxRetry     *int   `json:"max_retry,omitempty" validate:"omitempty,gte=0"`
	TextTimeout  string `json:"text_timeout,omitempty"`
	FileTimeout  string `json:"file_timeout,omitempty"`
	Timezone     string `json:"timezone,omitempty"`
	RunOnStart   bool   `json:"run_on_start,omitempty"`
}

// StorageConfig selects the notification store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/notifyd.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://user:pass@db/notify?sslmode=disable" }
type StorageConfig struct {
	Driver      string `json:"driver" validate:"omitempty,oneof=sqlite postgres memory"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty" validate:"required_if=Driver postgres"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// AttachmentsConfig locates notification files. Plain references resolve
// against media_root; "s3://bucket/key" references go through the S3 client.
type AttachmentsConfig struct {
	MediaRoot string    `json:"media_root,omitempty"`
	S3        *S3Config `json:"s3,omitempty"`
}

type S3Config struct {
	Endpoint  string `json:"endpoint" validate:"required"`
	AccessKey string `json:"access_key,omitempty"`
	SecretKey string `json:"secret_key,omitempty"`
	Region    string `json:"region,omitempty"`
	UseSSL    bool   `json:"use_ssl,omitempty"`
}

// ObservabilityConfig controls the ops HTTP server and tracing.
//
// Security note: prefer binding to localhost. pprof handlers are only
// mounted when pprof is true.
type ObservabilityConfig struct {
	Addr    string        `json:"addr,omitempty"` // empty disables the ops server
	Pprof   bool          `json:"pprof,omitempty"`
	Tracing TracingConfig `json:"tracing,omitempty"`
}

type TracingConfig struct {
	Enabled     bool    `json:"enabled"`
	Endpoint    string  `json:"endpoint,omitempty" validate:"required_if=Enabled true"` // host:port of an OTLP/HTTP collector
	Insecure    bool    `json:"insecure,omitempty"`
	SampleRatio float64 `json:"sample_ratio,omitempty" validate:"gte=0,lte=1"`
	ServiceName string  `json:"service_name,omitempty"`
}

// EventsConfig publishes delivery outcomes to external consumers.
type EventsConfig struct {
	Kafka KafkaConfig `json:"kafka,omitempty"`
}

type KafkaConfig struct {
	Enabled      bool     `json:"enabled"`
	Brokers      []string `json:"brokers,omitempty" validate:"required_if=Enabled true"`
	Topic        string   `json:"topic,omitempty" validate:"required_if=Enabled true"`
	BatchTimeout string   `json:"batch_timeout,omitempty"`
	Buffer       int      `json:"buffer,omitempty" validate:"gte=0"`
}

// Engine holds the parsed engine settings.
type Engine struct {
	PollInterval time.Duration
	MaxRetry     int
	TextTimeout  time.Duration
	FileTimeout  time.Duration
	Location     *time.Location
	RunOnStart   bool
}

const (
	DefaultPollInterval = 30 * time.Second
	DefaultMaxRetry     = 2
	DefaultTextTimeout  = 10 * time.Second
	DefaultFileTimeout  = 20 * time.Second
)

// Resolve parses durations and applies defaults.
func (c EngineConfig) Resolve() (Engine, error) {
	out := Engine{MaxRetry: DefaultMaxRetry, RunOnStart: c.RunOnStart, Location: time.UTC}
	var err error
	if out.PollInterval, err = ParseDurationOrDefault("engine.poll_interval", c.PollInterval, DefaultPollInterval); err != nil {
		return Engine{}, err
	}
	if out.TextTimeout, err = ParseDurationOrDefault("engine.text_timeout", c.TextTimeout, DefaultTextTimeout); err != nil {
		return Engine{}, err
	}
	if out.FileTimeout, err = ParseDurationOrDefault("engine.file_timeout", c.FileTimeout, DefaultFileTimeout); err != nil {
		return Engine{}, err
	}
	if c.MaxRetry != nil {
		out.MaxRetry = *c.MaxRetry
	}
	if tz := strings.TrimSpace(c.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return Engine{}, fmt.Errorf("engine.timezone: %w", err)
		}
		out.Location = loc
	}
	return out, nil
}
