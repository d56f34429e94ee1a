package transport

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"stockwatch/internal/retry"
	logx "stockwatch/pkg/logx"
)

type fakeDriver struct {
	name   string
	routes []Route
	msgs   []Message
	err    error
}

func (f *fakeDriver) Name() string { return f.name }

func (f *fakeDriver) Send(_ context.Context, r Route, m Message) error {
	f.routes = append(f.routes, r)
	f.msgs = append(f.msgs, m)
	return f.err
}

func (f *fakeDriver) Close() error { return f.err }

func TestRegistrySendResolvesRoute(t *testing.T) {
	t.Parallel()
	g := NewRegistry(logx.Nop())
	d := &fakeDriver{name: "telegram"}
	g.Register(d)
	g.Apply([]Route{{Name: "Ops-Room", Driver: "Telegram", ChatID: -100123, ThreadID: 7}})

	if err := g.Send(context.Background(), "ops-room", Message{Text: "hi"}); err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if len(d.routes) != 1 {
		t.Fatalf("driver got %d sends, want 1", len(d.routes))
	}
	if d.routes[0].ChatID != -100123 || d.routes[0].ThreadID != 7 {
		t.Fatalf("route = %+v, want chat -100123 thread 7", d.routes[0])
	}
	if d.msgs[0].Text != "hi" {
		t.Fatalf("message text = %q, want %q", d.msgs[0].Text, "hi")
	}
}

func TestRegistryUnknownDestinationIsTerminal(t *testing.T) {
	t.Parallel()
	g := NewRegistry(logx.Nop())

	err := g.Send(context.Background(), "nowhere", Message{Text: "x"})
	if err == nil {
		t.Fatal("expected error for unknown destination")
	}
	if !retry.IsNoRetry(err) {
		t.Fatalf("unknown destination should not be retried: %v", err)
	}
	if k := retry.Classify(err); k != retry.KindDestinationUnreachable {
		t.Fatalf("Classify = %s, want %s", k, retry.KindDestinationUnreachable)
	}
}

func TestRegistryMissingDriverIsTerminal(t *testing.T) {
	t.Parallel()
	g := NewRegistry(logx.Nop())
	g.Apply([]Route{{Name: "feed", Driver: "kafka"}})

	err := g.Send(context.Background(), "feed", Message{Text: "x"})
	if err == nil {
		t.Fatal("expected error when no driver is registered")
	}
	if !retry.IsNoRetry(err) {
		t.Fatalf("missing driver should not be retried: %v", err)
	}
}

func TestRegistryApplyReplacesRoutes(t *testing.T) {
	t.Parallel()
	g := NewRegistry(logx.Nop())
	d := &fakeDriver{name: "telegram"}
	g.Register(d)

	g.Apply([]Route{{Name: "old", Driver: "telegram", ChatID: 1}})
	g.Apply([]Route{{Name: "new", Driver: "telegram", ChatID: 2}})

	if err := g.Send(context.Background(), "old", Message{}); err == nil {
		t.Fatal("expected stale destination to be gone after Apply")
	}
	if err := g.Send(context.Background(), "new", Message{}); err != nil {
		t.Fatalf("Send to new destination: %v", err)
	}
}

func TestRegistryDestinationsSorted(t *testing.T) {
	t.Parallel()
	g := NewRegistry(logx.Nop())
	g.Apply([]Route{
		{Name: "zulu", Driver: "kafka"},
		{Name: "alpha", Driver: "telegram"},
		{Name: "mike", Driver: "telegram"},
	})

	got := g.Destinations()
	want := []string{"alpha", "mike", "zulu"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Destinations = %v, want %v", got, want)
	}
}

func TestRegistryCloseReportsFirstError(t *testing.T) {
	t.Parallel()
	g := NewRegistry(logx.Nop())
	boom := errors.New("boom")
	g.Register(&fakeDriver{name: "telegram", err: boom})

	if err := g.Close(); !errors.Is(err, boom) {
		t.Fatalf("Close = %v, want %v", err, boom)
	}
	// Second close sees an empty registry.
	if err := g.Close(); err != nil {
		t.Fatalf("second Close = %v, want nil", err)
	}
}
