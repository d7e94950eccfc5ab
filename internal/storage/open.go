package storage

import (
	"fmt"
	"strings"

	"notifyd/internal/model"
	"notifyd/pkg/logx"
)

// Open initializes the configured store. Schemas are not touched; call
// Store.Migrate before first use.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql":
		return openPostgres(cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
}

func validateNew(n *model.Notification) error {
	if n.Status == "" {
		n.Status = model.StatusPending
	}
	return n.Validate()
}
