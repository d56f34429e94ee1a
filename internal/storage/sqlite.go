package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"stockwatch/internal/watch"
	logx "stockwatch/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	eventCap int

	dedupOps   atomic.Uint64
	eventOps   atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, eventCap: cfg.eventHistory(), pruneEvery: 500}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) LoadSnapshots(ctx context.Context) ([]watch.Snapshot, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT target_id, status, price, price_known, title, checked_at, unchanged, errors FROM snapshots`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []watch.Snapshot
	for rows.Next() {
		var (
			snap    watch.Snapshot
			status  string
			price   sql.NullString
			known   int
			title   sql.NullString
			checked int64
		)
		if err := rows.Scan(&snap.TargetID, &status, &price, &known, &title, &checked, &snap.Unchanged, &snap.Errors); err != nil {
			return nil, err
		}
		snap.Status = watch.StockStatus(status)
		snap.PriceKnown = known != 0
		if price.Valid {
			if d, err := decimal.NewFromString(price.String); err == nil {
				snap.Price = d
			}
		}
		snap.Title = title.String
		snap.CheckedAt = time.UnixMilli(checked)
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SaveSnapshot(ctx context.Context, snap watch.Snapshot) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if strings.TrimSpace(snap.TargetID) == "" {
		return nil
	}
	var price any
	if snap.PriceKnown {
		price = snap.Price.String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots(target_id, status, price, price_known, title, checked_at, unchanged, errors)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(target_id) DO UPDATE SET
		   status=excluded.status, price=excluded.price, price_known=excluded.price_known,
		   title=excluded.title, checked_at=excluded.checked_at,
		   unchanged=excluded.unchanged, errors=excluded.errors`,
		snap.TargetID, string(snap.Status), price, boolInt(snap.PriceKnown),
		nullStr(snap.Title), snap.CheckedAt.UnixMilli(), snap.Unchanged, snap.Errors,
	)
	return err
}

func (s *sqliteStore) RecordEvent(ctx context.Context, ev watch.ChangeEvent) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(id, target_id, kind, prev_status, new_status, prev_price, new_price, price_delta, title, at, notifiable)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO NOTHING`,
		ev.ID, ev.TargetID, string(ev.Kind), string(ev.PrevStatus), string(ev.NewStatus),
		nullDec(ev.PrevPrice), nullDec(ev.NewPrice), nullDec(ev.PriceDelta),
		nullStr(ev.Title), ev.At.UnixMilli(), boolInt(ev.Notifiable),
	)
	if err == nil && s.eventOps.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.trimEvents(pctx)
		cancel()
	}
	return err
}

func (s *sqliteStore) ListEvents(ctx context.Context, limit int) ([]watch.ChangeEvent, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = s.eventCap
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, target_id, kind, prev_status, new_status, prev_price, new_price, price_delta, title, at, notifiable
		 FROM events ORDER BY at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []watch.ChangeEvent
	for rows.Next() {
		var (
			ev                 watch.ChangeEvent
			kind, prevS, newS  string
			prevP, newP, delta sql.NullString
			title              sql.NullString
			at                 int64
			notif              int
		)
		if err := rows.Scan(&ev.ID, &ev.TargetID, &kind, &prevS, &newS, &prevP, &newP, &delta, &title, &at, &notif); err != nil {
			return nil, err
		}
		ev.Kind = watch.ChangeKind(kind)
		ev.PrevStatus = watch.StockStatus(prevS)
		ev.NewStatus = watch.StockStatus(newS)
		ev.PrevPrice = decOrNil(prevP)
		ev.NewPrice = decOrNil(newP)
		ev.PriceDelta = decOrNil(delta)
		ev.Title = title.String
		ev.At = time.UnixMilli(at)
		ev.Notifiable = notif != 0
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor, action, target_id, err, took_ms, meta)
		 VALUES(?,?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), e.Actor, e.Action, nullStr(e.TargetID),
		nullStr(e.Error), e.TookMS, nullStr(e.MetaJSON),
	)
	return err
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, ms,
	)
	if err == nil && s.dedupOps.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneExpired(pctx)
		cancel()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrDisabled
	}
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

// Compact prunes expired dedup entries, trims events beyond the configured
// history and forces a WAL checkpoint.
func (s *sqliteStore) Compact(ctx context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	var first error
	if err := s.pruneExpired(ctx); err != nil {
		first = err
	}
	if err := s.trimEvents(ctx); err != nil && first == nil {
		first = err
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil && first == nil {
		first = err
	}
	return first
}

func (s *sqliteStore) trimEvents(ctx context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	// Negative LIMIT means unlimited, so this deletes everything past the
	// newest eventCap rows.
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM events WHERE id IN (
		   SELECT id FROM events ORDER BY at DESC, id DESC LIMIT -1 OFFSET ?)`,
		s.eventCap,
	)
	return err
}

func (s *sqliteStore) pruneExpired(ctx context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, now)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullDec(p *decimal.Decimal) any {
	if p == nil {
		return nil
	}
	return p.String()
}

func decOrNil(v sql.NullString) *decimal.Decimal {
	if !v.Valid {
		return nil
	}
	d, err := decimal.NewFromString(v.String)
	if err != nil {
		return nil
	}
	return &d
}
