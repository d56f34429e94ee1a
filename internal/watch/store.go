package watch

import (
	"context"
	"sync"
	"time"

	logx "stockwatch/pkg/logx"
)

// Mirror is the durable side of the snapshot store.
//
// Calls are best-effort: the in-memory state stays authoritative for the
// current run, mirror errors are logged and monitoring continues.
type Mirror interface {
	LoadSnapshots(ctx context.Context) ([]Snapshot, error)
	SaveSnapshot(ctx context.Context, snap Snapshot) error
	RecordEvent(ctx context.Context, ev ChangeEvent) error
}

// Store holds the last known snapshot per watched target.
//
// Snapshots are replaced whole under the lock; readers never observe a
// partially updated record.
type Store struct {
	mu       sync.RWMutex
	log      logx.Logger
	snaps    map[string]Snapshot
	notified map[string]time.Time

	mirror Mirror
}

func NewStore(log logx.Logger, mirror Mirror) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{
		log:      log,
		snaps:    map[string]Snapshot{},
		notified: map[string]time.Time{},
		mirror:   mirror,
	}
}

// Hydrate loads persisted snapshots into memory. Best-effort: a mirror error
// leaves the store empty and monitoring starts from scratch.
func (s *Store) Hydrate(ctx context.Context) {
	if s.mirror == nil {
		return
	}
	snaps, err := s.mirror.LoadSnapshots(ctx)
	if err != nil {
		s.log.Warn("snapshot hydrate failed; starting empty", logx.Err(err))
		return
	}
	s.mu.Lock()
	for _, sn := range snaps {
		if sn.TargetID == "" {
			continue
		}
		s.snaps[sn.TargetID] = sn
	}
	n := len(s.snaps)
	s.mu.Unlock()
	if n > 0 {
		s.log.Info("snapshots hydrated", logx.Int("count", n))
	}
}

func (s *Store) Get(targetID string) (Snapshot, bool) {
	s.mu.RLock()
	sn, ok := s.snaps[targetID]
	s.mu.RUnlock()
	return sn, ok
}

// Replace atomically installs snap as the current snapshot for its target
// and mirrors it durably (best-effort).
func (s *Store) Replace(ctx context.Context, snap Snapshot) {
	s.mu.Lock()
	s.snaps[snap.TargetID] = snap
	s.mu.Unlock()

	if s.mirror != nil {
		if err := s.mirror.SaveSnapshot(ctx, snap); err != nil {
			s.log.Warn("snapshot mirror write failed",
				logx.String("target", snap.TargetID), logx.Err(err))
		}
	}
}

// RecordEvent mirrors a change event durably (best-effort).
func (s *Store) RecordEvent(ctx context.Context, ev ChangeEvent) {
	if s.mirror == nil {
		return
	}
	if err := s.mirror.RecordEvent(ctx, ev); err != nil {
		s.log.Warn("event mirror write failed",
			logx.String("target", ev.TargetID), logx.Err(err))
	}
}

// NoteError bumps the consecutive-error counter for a target and returns the
// new count. The counter lives on the snapshot so diagnostics see it; the
// write is in-memory only (error streaks are not worth mirror churn).
func (s *Store) NoteError(targetID string) int {
	s.mu.Lock()
	sn := s.snaps[targetID]
	sn.TargetID = targetID
	if sn.Status == "" {
		sn.Status = StatusUnknown
	}
	sn.Errors++
	s.snaps[targetID] = sn
	n := sn.Errors
	s.mu.Unlock()
	return n
}

// Forget drops all state for a target (target removed/canceled).
func (s *Store) Forget(targetID string) {
	s.mu.Lock()
	delete(s.snaps, targetID)
	delete(s.notified, targetID)
	s.mu.Unlock()
}

// All returns a copy of every snapshot, for diagnostics.
func (s *Store) All() []Snapshot {
	s.mu.RLock()
	out := make([]Snapshot, 0, len(s.snaps))
	for _, sn := range s.snaps {
		out = append(out, sn)
	}
	s.mu.RUnlock()
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	n := len(s.snaps)
	s.mu.RUnlock()
	return n
}

func (s *Store) lastNotified(targetID string) (time.Time, bool) {
	s.mu.RLock()
	t, ok := s.notified[targetID]
	s.mu.RUnlock()
	return t, ok
}

func (s *Store) markNotified(targetID string, t time.Time) {
	s.mu.Lock()
	s.notified[targetID] = t
	s.mu.Unlock()
}
