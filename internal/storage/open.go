package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"stockwatch/internal/watch"
	logx "stockwatch/pkg/logx"
)

// Store is the persistence API shared by the watcher's collaborators: the
// watch store mirrors snapshots and change history through it, the
// dispatcher checkpoints alert dedup state, and the API and job layers
// append an audit trail. All methods are safe for concurrent use.
type Store interface {
	// Snapshot state, replayed into the watch store on startup.
	LoadSnapshots(ctx context.Context) ([]watch.Snapshot, error)
	SaveSnapshot(ctx context.Context, snap watch.Snapshot) error

	// Change history, newest first.
	RecordEvent(ctx context.Context, ev watch.ChangeEvent) error
	ListEvents(ctx context.Context, limit int) ([]watch.ChangeEvent, error)

	AppendAudit(ctx context.Context, e AuditEntry) error

	// Alert dedup state, so a restart does not re-fire suppressed alerts.
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Close() error
}

// Compactor is implemented by stores that can rewrite their state into
// compact form. The maintenance job invokes it when present.
type Compactor interface {
	Compact(ctx context.Context) error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "redis":
		return openRedis(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
