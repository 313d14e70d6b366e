package storage

import (
	"strings"

	"github.com/cockroachdb/errors"

	logx "leadsync/pkg/logx"
)

// Open initializes the configured store. An empty driver selects sqlite.
// "none" returns ErrDisabled: the scheduler cannot run without a store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "file":
		return openFile(cfg, log)
	case "memory":
		return NewMemory(), nil
	case "none":
		return nil, ErrDisabled
	default:
		return nil, errors.Newf("unknown storage driver: %s", driver)
	}
}
