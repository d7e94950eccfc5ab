package app

import (
	"fmt"
	"strings"
	"time"

	"notifyd/internal/attachment"
	"notifyd/internal/config"
	"notifyd/internal/events/kafka"
	"notifyd/internal/observability"
	"notifyd/internal/storage"
	"notifyd/internal/transport/telegram"
	"notifyd/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Chat: logx.ChatConfig{
			Enabled:    l.Telegram.Enabled,
			Recipient:  l.Telegram.ChatID,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

func mapTelegram(cfg *config.Config) telegram.Config {
	t := cfg.Telegram
	return telegram.Config{Token: t.Token, APIURL: t.APIURL, RatePerSec: t.RatePerSec, Burst: t.Burst}
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "sqlite", "sqlite3":
		if path == "" {
			path = "./notifyd.db"
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "postgres", "postgresql":
		if strings.TrimSpace(sc.DSN) == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=%s", driver)
		}
		return storage.Config{Driver: "postgres", DSN: sc.DSN}, nil
	case "memory":
		return storage.Config{Driver: "memory"}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// mapAttachments builds the attachment router: plain paths resolve below the
// media root, s3:// references go to the object store when configured.
func mapAttachments(cfg *config.Config) (*attachment.Mux, error) {
	a := cfg.Attachments
	root := strings.TrimSpace(a.MediaRoot)
	if root == "" {
		root = "./media"
	}
	mux := &attachment.Mux{Local: attachment.Local{Root: root}}
	if a.S3 != nil {
		s3, err := attachment.NewS3(attachment.S3Config{
			Endpoint:  strings.TrimSpace(a.S3.Endpoint),
			AccessKey: a.S3.AccessKey,
			SecretKey: a.S3.SecretKey,
			Region:    a.S3.Region,
			UseSSL:    a.S3.UseSSL,
		})
		if err != nil {
			return nil, err
		}
		mux.Remote = map[string]attachment.Opener{"s3": s3}
	}
	return mux, nil
}

func mapOps(cfg *config.Config) observability.Config {
	o := cfg.Observability
	return observability.Config{Addr: strings.TrimSpace(o.Addr), Pprof: o.Pprof}
}

func mapTracing(cfg *config.Config, version string) observability.TracingConfig {
	t := cfg.Observability.Tracing
	return observability.TracingConfig{
		Enabled:     t.Enabled,
		Endpoint:    t.Endpoint,
		Insecure:    t.Insecure,
		SampleRatio: t.SampleRatio,
		ServiceName: t.ServiceName,
		Version:     version,
	}
}

func mapKafka(cfg *config.Config) (kafka.Config, bool, error) {
	k := cfg.Events.Kafka
	if !k.Enabled {
		return kafka.Config{}, false, nil
	}
	bt, err := config.ParseDurationOrDefault("events.kafka.batch_timeout", k.BatchTimeout, 200*time.Millisecond)
	if err != nil {
		return kafka.Config{}, false, err
	}
	return kafka.Config{Brokers: k.Brokers, Topic: k.Topic, BatchTimeout: bt, Buffer: k.Buffer}, true, nil
}
