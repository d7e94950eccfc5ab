package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// Validate checks struct tags and every duration field. Messages use the
// json paths of the offending fields.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if err := structValidator().Struct(cfg); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) {
			for _, fe := range ve {
				errs = append(errs, fmt.Errorf("%s: failed %q", jsonPath(fe.Namespace()), fe.Tag()))
			}
		} else {
			errs = append(errs, err)
		}
	}
	if _, err := cfg.Engine.Resolve(); err != nil {
		errs = append(errs, err)
	}
	for path, raw := range map[string]string{
		"storage.busy_timeout":       cfg.Storage.BusyTimeout,
		"events.kafka.batch_timeout": cfg.Events.Kafka.BatchTimeout,
	} {
		if _, err := ParseDurationOrDefault(path, raw, 0); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// jsonPath drops the root type name: "Config.engine.max_retry" -> "engine.max_retry".
func jsonPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}
