package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"stockwatch/internal/fetch"
	"stockwatch/internal/watch"
)

// fetcherCloseGrace is how long a replaced fetch backend lives on after a
// hot reload. In-flight fetches hold the old backend; the scheduler bounds
// them with its fetch timeout, so this only needs to outlast that.
const fetcherCloseGrace = 90 * time.Second

// swapFetcher lets the app replace the fetch backend on config reload
// without restarting the scheduler. The scheduler keeps calling Fetch; which
// backend answers is swapped underneath it.
type swapFetcher struct {
	mu    sync.RWMutex
	inner fetch.Fetcher
}

func newSwapFetcher(f fetch.Fetcher) *swapFetcher {
	return &swapFetcher{inner: f}
}

func (s *swapFetcher) Fetch(ctx context.Context, t watch.Target) (watch.Fields, error) {
	s.mu.RLock()
	f := s.inner
	s.mu.RUnlock()
	if f == nil {
		return watch.Fields{}, errors.New("fetcher is closed")
	}
	return f.Fetch(ctx, t)
}

// Replace installs the new backend and closes the replaced one after a grace
// period so in-flight fetches can drain.
func (s *swapFetcher) Replace(f fetch.Fetcher) {
	s.mu.Lock()
	old := s.inner
	s.inner = f
	s.mu.Unlock()

	if old != nil {
		time.AfterFunc(fetcherCloseGrace, func() { _ = old.Close() })
	}
}

func (s *swapFetcher) Close() error {
	s.mu.Lock()
	old := s.inner
	s.inner = nil
	s.mu.Unlock()
	if old == nil {
		return nil
	}
	return old.Close()
}
