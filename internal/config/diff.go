package config

import (
	"reflect"
	"sort"
	"strings"

	"notifyd/pkg/logx"
)

// LiveSections are applied without a restart.
var LiveSections = map[string]bool{"logging": true}

// SummarizeChange returns the changed top-level sections and log fields
// describing the new values. Secrets (bot token, DSN, S3 keys) are reported
// only as "set" booleans.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		fields  []logx.Field
	)

	o, n := oldCfg.Telegram, newCfg.Telegram
	if o.Token != n.Token || o.APIURL != n.APIURL || o.RatePerSec != n.RatePerSec || o.Burst != n.Burst {
		changed = append(changed, "telegram")
		fields = append(fields,
			logx.Bool("telegram.token_changed", o.Token != n.Token),
			logx.String("telegram.api_url", n.APIURL),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		l := newCfg.Logging
		changed = append(changed, "logging")
		fields = append(fields,
			logx.String("logging.level", l.Level),
			logx.Bool("logging.console", l.Console),
			logx.Bool("logging.file", l.File.Enabled),
			logx.Bool("logging.telegram", l.Telegram.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Engine, newCfg.Engine) {
		e := newCfg.Engine
		changed = append(changed, "engine")
		fields = append(fields,
			logx.String("engine.poll_interval", e.PollInterval),
			logx.Bool("engine.max_retry_set", e.MaxRetry != nil),
			logx.String("engine.timezone", e.Timezone),
		)
	}

	oldS, newS := oldCfg.Storage, newCfg.Storage
	if oldS != newS {
		changed = append(changed, "storage")
		fields = append(fields,
			logx.String("storage.driver", strings.TrimSpace(newS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newS.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newS.DSN) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Attachments, newCfg.Attachments) {
		a := newCfg.Attachments
		changed = append(changed, "attachments")
		fields = append(fields,
			logx.String("attachments.media_root", a.MediaRoot),
			logx.Bool("attachments.s3", a.S3 != nil),
		)
	}

	if !reflect.DeepEqual(oldCfg.Observability, newCfg.Observability) {
		ob := newCfg.Observability
		changed = append(changed, "observability")
		fields = append(fields,
			logx.String("observability.addr", ob.Addr),
			logx.Bool("observability.pprof", ob.Pprof),
			logx.Bool("observability.tracing", ob.Tracing.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Events, newCfg.Events) {
		k := newCfg.Events.Kafka
		changed = append(changed, "events")
		fields = append(fields,
			logx.Bool("events.kafka", k.Enabled),
			logx.Int("events.kafka.brokers", len(k.Brokers)),
			logx.String("events.kafka.topic", k.Topic),
		)
	}

	sort.Strings(changed)
	return changed, fields
}

// NeedsRestart reports whether any changed section cannot be applied live.
func NeedsRestart(changed []string) bool {
	for _, s := range changed {
		if !LiveSections[s] {
			return true
		}
	}
	return false
}
