package transport

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"stockwatch/internal/retry"
	logx "stockwatch/pkg/logx"
)

// Registry resolves destination names to routes and hands messages to the
// matching driver. The route table comes from config and can be swapped at
// runtime; drivers are registered once at startup.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]Driver
	routes  map[string]Route

	log logx.Logger
}

func NewRegistry(log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		drivers: make(map[string]Driver),
		routes:  make(map[string]Route),
		log:     log.With(logx.String("comp", "transport")),
	}
}

// Register adds a driver under its own name. Re-registering a name replaces
// the previous driver without closing it; the caller owns driver lifecycles.
func (g *Registry) Register(d Driver) {
	if d == nil {
		return
	}
	g.mu.Lock()
	g.drivers[strings.ToLower(d.Name())] = d
	g.mu.Unlock()
}

// Apply replaces the route table. Routes with an empty name are skipped;
// duplicate names keep the last entry.
func (g *Registry) Apply(routes []Route) {
	next := make(map[string]Route, len(routes))
	for _, r := range routes {
		name := strings.ToLower(strings.TrimSpace(r.Name))
		if name == "" {
			continue
		}
		next[name] = r
	}
	g.mu.Lock()
	g.routes = next
	g.mu.Unlock()
	g.log.Debug("routes applied", logx.Int("count", len(next)))
}

// Send delivers m to the named destination. Unknown destinations and
// missing drivers are permanent failures; everything else is up to the
// driver's own error tagging.
func (g *Registry) Send(ctx context.Context, dest string, m Message) error {
	key := strings.ToLower(strings.TrimSpace(dest))

	g.mu.RLock()
	r, ok := g.routes[key]
	var d Driver
	if ok {
		d = g.drivers[strings.ToLower(r.Driver)]
	}
	g.mu.RUnlock()

	if !ok {
		return retry.NoRetry(retry.Tag(fmt.Errorf("unknown destination %q", dest), retry.KindDestinationUnreachable))
	}
	if d == nil {
		return retry.NoRetry(retry.Tag(fmt.Errorf("destination %q wants driver %q which is not registered", dest, r.Driver), retry.KindDestinationUnreachable))
	}
	return d.Send(ctx, r, m)
}

// Destinations returns the configured destination names, sorted.
func (g *Registry) Destinations() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.routes))
	for name := range g.routes {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Close shuts down all registered drivers and empties the registry.
func (g *Registry) Close() error {
	g.mu.Lock()
	drivers := g.drivers
	g.drivers = make(map[string]Driver)
	g.mu.Unlock()

	var firstErr error
	for name, d := range drivers {
		if err := d.Close(); err != nil {
			g.log.Warn("driver close failed", logx.String("driver", name), logx.Err(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
