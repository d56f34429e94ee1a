package app

import (
	"fmt"
	"strings"
	"time"

	"stockwatch/internal/config"
	"stockwatch/internal/storage"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}

	if sc.EventHistory < 0 {
		return storage.Config{}, false, fmt.Errorf("storage.event_history must be >= 0")
	}
	out := storage.Config{
		Driver:       driver,
		Path:         strings.TrimSpace(sc.Path),
		EventHistory: sc.EventHistory,
	}

	switch driver {
	case "file":
		if out.Path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return out, true, nil
	case "sqlite", "sqlite3":
		if out.Path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := parseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 1*time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		out.BusyTimeout = busy
		return out, true, nil
	case "redis":
		addr := strings.TrimSpace(sc.Addr)
		if addr == "" {
			return storage.Config{}, false, fmt.Errorf("storage.addr is required when storage.driver=redis")
		}
		out.Addr = addr
		out.Password = sc.Password
		out.DB = sc.DB
		out.KeyPrefix = strings.TrimSpace(sc.KeyPrefix)
		return out, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}
