package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"stockwatch/internal/watch"
	logx "stockwatch/pkg/logx"
)

// redisStore keeps watcher state in Redis: snapshots in one hash, change
// and audit history in capped lists, dedup markers as expiring keys.
//
// History lists are trimmed on every push, so this backend needs no
// Compact pass.
type redisStore struct {
	rdb    *redis.Client
	log    logx.Logger
	prefix string

	eventCap int
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("storage.addr is required for redis driver")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "stockwatch:"
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Probe the connection but do not fail open: Redis may come up after
	// the watcher, and every operation reports its own error anyway.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Warn("redis unreachable at open", logx.String("addr", addr), logx.Any("err", err))
	}

	return &redisStore{
		rdb:      rdb,
		log:      log,
		prefix:   prefix,
		eventCap: cfg.eventHistory(),
	}, nil
}

func (s *redisStore) key(parts ...string) string {
	return s.prefix + strings.Join(parts, ":")
}

func (s *redisStore) Close() error {
	return s.rdb.Close()
}

func (s *redisStore) LoadSnapshots(ctx context.Context) ([]watch.Snapshot, error) {
	m, err := s.rdb.HGetAll(ctx, s.key("snapshots")).Result()
	if err != nil {
		return nil, err
	}
	out := make([]watch.Snapshot, 0, len(m))
	for _, raw := range m {
		var snap watch.Snapshot
		if err := json.Unmarshal([]byte(raw), &snap); err != nil {
			continue
		}
		out = append(out, snap)
	}
	return out, nil
}

func (s *redisStore) SaveSnapshot(ctx context.Context, snap watch.Snapshot) error {
	if strings.TrimSpace(snap.TargetID) == "" {
		return nil
	}
	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return s.rdb.HSet(ctx, s.key("snapshots"), snap.TargetID, b).Err()
}

func (s *redisStore) RecordEvent(ctx context.Context, ev watch.ChangeEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.LPush(ctx, s.key("events"), b)
	pipe.LTrim(ctx, s.key("events"), 0, int64(s.eventCap)-1)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *redisStore) ListEvents(ctx context.Context, limit int) ([]watch.ChangeEvent, error) {
	if limit <= 0 {
		limit = s.eventCap
	}
	raws, err := s.rdb.LRange(ctx, s.key("events"), 0, int64(limit)-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]watch.ChangeEvent, 0, len(raws))
	for _, raw := range raws {
		var ev watch.ChangeEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func (s *redisStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.LPush(ctx, s.key("audit"), b)
	pipe.LTrim(ctx, s.key("audit"), 0, int64(s.eventCap)*10-1)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *redisStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	ttl := time.Until(until)
	if ttl <= 0 {
		return s.rdb.Del(ctx, s.key("dedup", key)).Err()
	}
	// The value carries the deadline, the TTL makes it self-expiring.
	return s.rdb.Set(ctx, s.key("dedup", key), until.UnixMilli(), ttl).Err()
}

func (s *redisStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	raw, err := s.rdb.Get(ctx, s.key("dedup", key)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}
