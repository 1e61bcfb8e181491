package storage

import (
	"errors"
	"strings"

	"guildcast/internal/transport"
	logx "guildcast/pkg/logx"
)

var (
	_ transport.Directory = Store(nil)
	_ transport.Recorder  = Store(nil)
)

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "memory":
		return newMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

func validMember(guildID string, m transport.Member) bool {
	return strings.TrimSpace(guildID) != "" && strings.TrimSpace(m.ID) != ""
}
