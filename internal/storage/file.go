package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"stockwatch/internal/watch"
	logx "stockwatch/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.events.jsonl            (append-only change history)
//   - <prefix>.audit.jsonl             (append-only JSON Lines)
//   - <prefix>.snapshots.json          (periodic snapshot of target state)
//   - <prefix>.snapshots.journal.jsonl (append-only journal)
//   - <prefix>.dedup.snapshot.json     (periodic snapshot)
//   - <prefix>.dedup.journal.jsonl     (append-only journal)
//
// Journals are periodically compacted into their snapshots; the events log
// is trimmed to the configured history on Compact.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	eventsPath string
	eventsFile *os.File
	eventCap   int

	auditFile *os.File

	snapStatePath   string
	snapJournalFile *os.File
	snaps           map[string]watch.Snapshot
	snapWrites      int

	dedupSnapshotPath string
	dedupJournalFile  *os.File
	dedup             map[string]int64 // unix milli
	dedupWrites       int
}

type dedupRecord struct {
	Key   string `json:"key"`
	Until int64  `json:"until"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	eventsPath := prefix + ".events.jsonl"
	auditPath := prefix + ".audit.jsonl"
	snapStatePath := prefix + ".snapshots.json"
	snapJournalPath := prefix + ".snapshots.journal.jsonl"
	dedupSnapPath := prefix + ".dedup.snapshot.json"
	dedupJournalPath := prefix + ".dedup.journal.jsonl"

	ef, err := os.OpenFile(eventsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	af, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = ef.Close()
		return nil, err
	}

	// Load target snapshots from snapshot + journal.
	snaps := map[string]watch.Snapshot{}
	_ = loadSnapshotState(snapStatePath, snaps)
	_ = replaySnapshotJournal(snapJournalPath, snaps)

	sf, err := os.OpenFile(snapJournalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = ef.Close()
		_ = af.Close()
		return nil, err
	}

	// Load dedup from snapshot + journal.
	dedup := map[string]int64{}
	_ = loadDedupSnapshot(dedupSnapPath, dedup)
	_ = replayDedupJournal(dedupJournalPath, dedup)
	pruneExpiredDedup(dedup)

	jf, err := os.OpenFile(dedupJournalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = ef.Close()
		_ = af.Close()
		_ = sf.Close()
		return nil, err
	}

	return &fileStore{
		log:               log,
		eventsPath:        eventsPath,
		eventsFile:        ef,
		eventCap:          cfg.eventHistory(),
		auditFile:         af,
		snapStatePath:     snapStatePath,
		snapJournalFile:   sf,
		snaps:             snaps,
		dedupSnapshotPath: dedupSnapPath,
		dedupJournalFile:  jf,
		dedup:             dedup,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first error
	for _, f := range []*os.File{s.eventsFile, s.auditFile, s.snapJournalFile, s.dedupJournalFile} {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	s.eventsFile, s.auditFile, s.snapJournalFile, s.dedupJournalFile = nil, nil, nil, nil
	return first
}

func (s *fileStore) LoadSnapshots(ctx context.Context) ([]watch.Snapshot, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]watch.Snapshot, 0, len(s.snaps))
	for _, snap := range s.snaps {
		out = append(out, snap)
	}
	return out, nil
}

func (s *fileStore) SaveSnapshot(ctx context.Context, snap watch.Snapshot) error {
	_ = ctx
	if strings.TrimSpace(snap.TargetID) == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapJournalFile == nil {
		return errors.New("snapshot journal closed")
	}
	if s.snaps == nil {
		s.snaps = map[string]watch.Snapshot{}
	}
	s.snaps[snap.TargetID] = snap

	// Append journal record.
	if err := json.NewEncoder(s.snapJournalFile).Encode(snap); err != nil {
		return err
	}
	s.snapWrites++
	if s.snapWrites%512 == 0 {
		// Best-effort compact.
		if err := s.compactSnapshotsLocked(); err != nil {
			s.log.Debug("snapshot compact failed", logx.Any("err", err))
		}
	}
	return nil
}

func (s *fileStore) RecordEvent(ctx context.Context, ev watch.ChangeEvent) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eventsFile == nil {
		return errors.New("events file closed")
	}
	return json.NewEncoder(s.eventsFile).Encode(ev)
}

func (s *fileStore) ListEvents(ctx context.Context, limit int) ([]watch.ChangeEvent, error) {
	_ = ctx
	if limit <= 0 {
		limit = s.eventCap
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	evs, err := readEventsTail(s.eventsPath, limit)
	if err != nil {
		return nil, err
	}
	// Newest first.
	for i, j := 0, len(evs)-1; i < j; i, j = i+1, j-1 {
		evs[i], evs[j] = evs[j], evs[i]
	}
	return evs, nil
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dedupJournalFile == nil {
		return errors.New("dedup journal closed")
	}
	if s.dedup == nil {
		s.dedup = map[string]int64{}
	}
	s.dedup[key] = ms

	// Append journal record.
	if err := json.NewEncoder(s.dedupJournalFile).Encode(dedupRecord{Key: key, Until: ms}); err != nil {
		return err
	}
	s.dedupWrites++
	if s.dedupWrites%1000 == 0 {
		// Best-effort compact.
		if err := s.compactDedupLocked(); err != nil {
			s.log.Debug("dedup compact failed", logx.Any("err", err))
		}
	}
	return nil
}

func (s *fileStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dedup == nil {
		return time.Time{}, false, nil
	}
	ms, ok := s.dedup[key]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

// Compact rewrites the snapshot state, prunes expired dedup entries and
// trims the events log to the configured history.
func (s *fileStore) Compact(ctx context.Context) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	var first error
	if err := s.compactSnapshotsLocked(); err != nil {
		first = err
	}
	if err := s.compactDedupLocked(); err != nil && first == nil {
		first = err
	}
	if err := s.trimEventsLocked(); err != nil && first == nil {
		first = err
	}
	return first
}

func (s *fileStore) compactSnapshotsLocked() error {
	if s.snaps == nil || s.snapJournalFile == nil {
		return nil
	}
	tmp := s.snapStatePath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.snaps); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapStatePath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.snapJournalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.snapJournalFile.Seek(0, 2)
	return err
}

func (s *fileStore) compactDedupLocked() error {
	if s.dedup == nil || s.dedupJournalFile == nil {
		return nil
	}
	pruneExpiredDedup(s.dedup)

	tmp := s.dedupSnapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.dedup); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.dedupSnapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.dedupJournalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.dedupJournalFile.Seek(0, 2)
	return err
}

func (s *fileStore) trimEventsLocked() error {
	if s.eventsFile == nil {
		return nil
	}
	evs, err := readEventsTail(s.eventsPath, s.eventCap)
	if err != nil {
		return err
	}
	tmp := s.eventsPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	for _, ev := range evs {
		if err := enc.Encode(ev); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.eventsPath); err != nil {
		return err
	}
	// The old append handle points at the replaced file.
	_ = s.eventsFile.Close()
	ef, err := os.OpenFile(s.eventsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		s.eventsFile = nil
		return err
	}
	s.eventsFile = ef
	return nil
}

func readEventsTail(path string, limit int) ([]watch.ChangeEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	var tail []watch.ChangeEvent
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var ev watch.ChangeEvent
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			continue
		}
		tail = append(tail, ev)
		if len(tail) > limit {
			tail = tail[1:]
		}
	}
	return tail, sc.Err()
}

func loadSnapshotState(path string, out map[string]watch.Snapshot) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]watch.Snapshot
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replaySnapshotJournal(path string, out map[string]watch.Snapshot) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var snap watch.Snapshot
		if err := json.Unmarshal(sc.Bytes(), &snap); err != nil {
			continue
		}
		if snap.TargetID == "" {
			continue
		}
		out[snap.TargetID] = snap
	}
	return sc.Err()
}

func loadDedupSnapshot(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]int64
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayDedupJournal(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r dedupRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if r.Key == "" {
			continue
		}
		out[r.Key] = r.Until
	}
	return sc.Err()
}

func pruneExpiredDedup(m map[string]int64) {
	now := time.Now().UnixMilli()
	for k, v := range m {
		if v < now {
			delete(m, k)
		}
	}
}
