package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"stockwatch/internal/dispatch"
	"stockwatch/internal/eventbus"
	"stockwatch/internal/hostgate"
	"stockwatch/internal/jobs"
	"stockwatch/internal/monitor"
	"stockwatch/internal/netprobe"
	"stockwatch/internal/storage"
	"stockwatch/internal/watch"
	logx "stockwatch/pkg/logx"
)

type fakeMonitor struct {
	snap monitor.Snapshot

	mu      sync.Mutex
	checked []string
}

func (f *fakeMonitor) Snapshot() monitor.Snapshot { return f.snap }

func (f *fakeMonitor) ForceCheck(id string) bool {
	for _, it := range f.snap.Items {
		if it.ID == id {
			f.mu.Lock()
			f.checked = append(f.checked, id)
			f.mu.Unlock()
			return true
		}
	}
	return false
}

func (f *fakeMonitor) checkedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.checked...)
}

type fakeGate struct{ hosts []hostgate.HostSnapshot }

func (f *fakeGate) Snapshot() []hostgate.HostSnapshot { return f.hosts }

type fakeDispatch struct{ snap dispatch.Snapshot }

func (f *fakeDispatch) Snapshot() dispatch.Snapshot { return f.snap }

type fakeJobs struct {
	mu   sync.Mutex
	runs []string
}

func (f *fakeJobs) Snapshot() jobs.Snapshot {
	return jobs.Snapshot{Enabled: true, Timezone: "UTC", Jobs: map[string]jobs.RunInfo{}}
}

func (f *fakeJobs) RunJob(_ context.Context, name string) error {
	f.mu.Lock()
	f.runs = append(f.runs, name)
	f.mu.Unlock()
	if name != "compact" {
		return fmt.Errorf("unknown job %q", name)
	}
	return nil
}

type fakeProbe struct{ report *netprobe.Report }

func (f *fakeProbe) Last() *netprobe.Report { return f.report }

type fakeStore struct {
	mu     sync.Mutex
	events []watch.ChangeEvent
	audits []storage.AuditEntry
}

func (f *fakeStore) LoadSnapshots(context.Context) ([]watch.Snapshot, error) { return nil, nil }
func (f *fakeStore) SaveSnapshot(context.Context, watch.Snapshot) error     { return nil }
func (f *fakeStore) RecordEvent(context.Context, watch.ChangeEvent) error   { return nil }

func (f *fakeStore) ListEvents(_ context.Context, limit int) ([]watch.ChangeEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]watch.ChangeEvent(nil), f.events...)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) AppendAudit(_ context.Context, e storage.AuditEntry) error {
	f.mu.Lock()
	f.audits = append(f.audits, e)
	f.mu.Unlock()
	return nil
}

func (f *fakeStore) PutDedup(context.Context, string, time.Time) error { return nil }
func (f *fakeStore) GetDedup(context.Context, string) (time.Time, bool, error) {
	return time.Time{}, false, nil
}
func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) auditActions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.audits))
	for _, a := range f.audits {
		out = append(out, a.Action)
	}
	return out
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testDeps() (Deps, *fakeMonitor, *fakeStore, eventbus.Bus) {
	mon := &fakeMonitor{snap: monitor.Snapshot{
		Targets:       2,
		MaxConcurrent: 4,
		Items: []monitor.TargetSnapshot{
			{ID: "gpu", URL: "https://shop.example/gpu", Host: "shop.example", Priority: 1, Interval: time.Minute},
			{ID: "cpu", URL: "https://shop.example/cpu", Host: "shop.example", Priority: 2, Interval: 5 * time.Minute},
		},
	}}

	ws := watch.NewStore(logx.Nop(), nil)
	ws.Replace(context.Background(), watch.Snapshot{
		TargetID:   "gpu",
		Status:     watch.StatusInStock,
		Price:      dec("199.99"),
		PriceKnown: true,
		Title:      "GPU Mark II",
		CheckedAt:  time.Now(),
	})

	st := &fakeStore{events: []watch.ChangeEvent{
		{ID: "ev2", TargetID: "gpu", Kind: watch.ChangePrice, At: time.Now()},
		{ID: "ev1", TargetID: "cpu", Kind: watch.ChangeStock, At: time.Now().Add(-time.Hour)},
	}}

	bus := eventbus.New()

	deps := Deps{
		Monitor:  mon,
		Gate:     &fakeGate{hosts: []hostgate.HostSnapshot{{Host: "shop.example", Tokens: 1}}},
		Dispatch: &fakeDispatch{snap: dispatch.Snapshot{Enabled: true, Sent: 3}},
		Jobs:     &fakeJobs{},
		Probe:    &fakeProbe{report: &netprobe.Report{Pinged: 3, Candidates: 5}},
		Watch:    ws,
		Store:    st,
		Bus:      bus,
	}
	return deps, mon, st, bus
}

// startService brings a Service up on an ephemeral port and waits for the
// listener to bind.
func startService(t *testing.T, cfg Config, deps Deps) (*Service, string) {
	t.Helper()
	cfg.Enabled = true
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	svc := New(cfg, deps, logx.Nop())
	svc.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		svc.Stop(ctx)
	})

	addr := waitForAddr(t, svc)
	return svc, addr
}

func waitForAddr(t *testing.T, svc *Service) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if addr := svc.Addr(); addr != "" {
			return addr
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("server did not bind in time")
	return ""
}

func doRequest(t *testing.T, method, url string, header http.Header) (int, []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, url, http.NoBody)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, body
}

func TestEndpoints(t *testing.T) {
	deps, mon, st, _ := testDeps()
	_, addr := startService(t, Config{}, deps)
	base := "http://" + addr

	t.Run("health", func(t *testing.T) {
		code, body := doRequest(t, http.MethodGet, base+"/health", nil)
		if code != http.StatusOK {
			t.Fatalf("status = %d, want 200", code)
		}
		var out map[string]any
		if err := json.Unmarshal(body, &out); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if out["status"] != "ok" {
			t.Fatalf("status field = %v, want ok", out["status"])
		}
		if got := out["targets"]; got != float64(2) {
			t.Fatalf("targets = %v, want 2", got)
		}
	})

	t.Run("status sections", func(t *testing.T) {
		code, body := doRequest(t, http.MethodGet, base+"/status", nil)
		if code != http.StatusOK {
			t.Fatalf("status = %d, want 200", code)
		}
		var out map[string]json.RawMessage
		if err := json.Unmarshal(body, &out); err != nil {
			t.Fatalf("decode: %v", err)
		}
		for _, key := range []string{"monitor", "hosts", "dispatch", "jobs", "probe"} {
			if _, ok := out[key]; !ok {
				t.Errorf("missing %q section", key)
			}
		}
	})

	t.Run("targets merged and sorted", func(t *testing.T) {
		code, body := doRequest(t, http.MethodGet, base+"/targets", nil)
		if code != http.StatusOK {
			t.Fatalf("status = %d, want 200", code)
		}
		var out []targetView
		if err := json.Unmarshal(body, &out); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(out) != 2 {
			t.Fatalf("len = %d, want 2", len(out))
		}
		if out[0].ID != "cpu" || out[1].ID != "gpu" {
			t.Fatalf("order = [%s %s], want [cpu gpu]", out[0].ID, out[1].ID)
		}
		gpu := out[1]
		if gpu.Status != "in_stock" || gpu.Price != "199.99" || gpu.Title != "GPU Mark II" {
			t.Fatalf("gpu view = %+v, want merged snapshot fields", gpu)
		}
		if out[0].Status != "" || out[0].Price != "" {
			t.Fatalf("cpu view = %+v, want no snapshot fields", out[0])
		}
	})

	t.Run("target by id", func(t *testing.T) {
		code, body := doRequest(t, http.MethodGet, base+"/targets/gpu", nil)
		if code != http.StatusOK {
			t.Fatalf("status = %d, want 200", code)
		}
		var out targetView
		if err := json.Unmarshal(body, &out); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if out.ID != "gpu" || out.URL != "https://shop.example/gpu" {
			t.Fatalf("view = %+v", out)
		}

		code, _ = doRequest(t, http.MethodGet, base+"/targets/nope", nil)
		if code != http.StatusNotFound {
			t.Fatalf("unknown target status = %d, want 404", code)
		}
	})

	t.Run("force check", func(t *testing.T) {
		code, _ := doRequest(t, http.MethodPost, base+"/targets/gpu/check", nil)
		if code != http.StatusAccepted {
			t.Fatalf("status = %d, want 202", code)
		}
		if got := mon.checkedIDs(); len(got) != 1 || got[0] != "gpu" {
			t.Fatalf("checked = %v, want [gpu]", got)
		}

		code, _ = doRequest(t, http.MethodPost, base+"/targets/nope/check", nil)
		if code != http.StatusNotFound {
			t.Fatalf("unknown target status = %d, want 404", code)
		}

		actions := st.auditActions()
		if len(actions) != 1 || actions[0] != "target.check" {
			t.Fatalf("audit actions = %v, want [target.check]", actions)
		}
	})

	t.Run("job run", func(t *testing.T) {
		code, _ := doRequest(t, http.MethodPost, base+"/jobs/compact/run", nil)
		if code != http.StatusOK {
			t.Fatalf("status = %d, want 200", code)
		}
		code, body := doRequest(t, http.MethodPost, base+"/jobs/bogus/run", nil)
		if code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", code)
		}
		if !strings.Contains(string(body), "unknown job") {
			t.Fatalf("body = %s, want error detail", body)
		}
	})

	t.Run("events list", func(t *testing.T) {
		code, body := doRequest(t, http.MethodGet, base+"/events", nil)
		if code != http.StatusOK {
			t.Fatalf("status = %d, want 200", code)
		}
		var out []watch.ChangeEvent
		if err := json.Unmarshal(body, &out); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(out) != 2 {
			t.Fatalf("len = %d, want 2", len(out))
		}

		code, body = doRequest(t, http.MethodGet, base+"/events?limit=1", nil)
		if code != http.StatusOK {
			t.Fatalf("status = %d, want 200", code)
		}
		out = nil
		if err := json.Unmarshal(body, &out); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(out) != 1 || out[0].ID != "ev2" {
			t.Fatalf("limited = %+v, want newest only", out)
		}
	})
}

func TestTokenAuth(t *testing.T) {
	deps, _, _, _ := testDeps()
	_, addr := startService(t, Config{Token: "s3cret"}, deps)
	base := "http://" + addr

	tests := []struct {
		name   string
		url    string
		header http.Header
		want   int
	}{
		{"no credentials", base + "/health", nil, http.StatusUnauthorized},
		{"wrong bearer", base + "/health", http.Header{"Authorization": {"Bearer nope"}}, http.StatusUnauthorized},
		{"good bearer", base + "/health", http.Header{"Authorization": {"Bearer s3cret"}}, http.StatusOK},
		{"good query", base + "/health?token=s3cret", nil, http.StatusOK},
		{"wrong query", base + "/health?token=nope", nil, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _ := doRequest(t, http.MethodGet, tt.url, tt.header)
			if code != tt.want {
				t.Fatalf("status = %d, want %d", code, tt.want)
			}
		})
	}
}

func TestServeOnceRefusesInsecureBind(t *testing.T) {
	deps, _, _, _ := testDeps()
	svc := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, deps, logx.Nop())

	err := svc.serveOnce(context.Background())
	if err == nil {
		t.Fatal("expected refusal for tokenless non-loopback bind")
	}
	if !strings.Contains(err.Error(), "insecure") {
		t.Fatalf("err = %v, want insecure bind refusal", err)
	}
	if svc.Addr() != "" {
		t.Fatalf("addr = %q, want unbound", svc.Addr())
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	tests := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:8844", true},
		{"localhost:8844", true},
		{"[::1]:8844", true},
		{"0.0.0.0:8844", false},
		{"192.168.1.10:80", false},
		{"shop.example:80", false},
		{"127.0.0.1", false}, // missing port
	}
	for _, tt := range tests {
		if got := isLoopbackAddr(tt.addr); got != tt.want {
			t.Errorf("isLoopbackAddr(%q) = %v, want %v", tt.addr, got, tt.want)
		}
	}
}

func TestReconfigureEnableDisable(t *testing.T) {
	deps, _, _, _ := testDeps()
	svc, _ := startService(t, Config{}, deps)
	ctx := context.Background()

	svc.Reconfigure(ctx, Config{Enabled: false})
	deadline := time.Now().Add(2 * time.Second)
	for svc.Addr() != "" && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if svc.Addr() != "" {
		t.Fatalf("addr = %q after disable, want unbound", svc.Addr())
	}

	svc.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"})
	if addr := waitForAddr(t, svc); addr == "" {
		t.Fatal("expected rebind after enable")
	}
}

func TestEventStream(t *testing.T) {
	deps, _, _, bus := testDeps()
	_, addr := startService(t, Config{Token: "hunter2"}, deps)

	url := "ws://" + addr + "/events?token=hunter2&backlog=1&prefix=monitor."
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil {
		defer resp.Body.Close()
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	readFrame := func() wireEvent {
		t.Helper()
		var ev wireEvent
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("read frame: %v", err)
		}
		return ev
	}

	// Backlog replays stored change history first.
	if ev := readFrame(); ev.Type != "watch.change" {
		t.Fatalf("backlog frame type = %q, want watch.change", ev.Type)
	}

	// The prefix filter drops foreign event families on the live stream.
	bus.Publish(eventbus.Event{Type: "dispatch.sent", Data: map[string]any{"task": "t1"}})
	bus.Publish(eventbus.Event{Type: "monitor.fetch", Data: map[string]any{"target": "gpu"}})

	if ev := readFrame(); ev.Type != "monitor.fetch" {
		t.Fatalf("live frame type = %q, want monitor.fetch", ev.Type)
	}
}

func TestNeedsRestart(t *testing.T) {
	base := Config{Addr: "127.0.0.1:8844", Token: "a", ReadTimeout: time.Second}
	tests := []struct {
		name string
		next Config
		want bool
	}{
		{"identical", base, false},
		{"addr change", Config{Addr: "127.0.0.1:9000", Token: "a", ReadTimeout: time.Second}, true},
		{"token rotation", Config{Addr: "127.0.0.1:8844", Token: "b", ReadTimeout: time.Second}, true},
		{"timeout change", Config{Addr: "127.0.0.1:8844", Token: "a", ReadTimeout: 2 * time.Second}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := needsRestart(base, tt.next); got != tt.want {
				t.Fatalf("needsRestart = %v, want %v", got, tt.want)
			}
		})
	}
}
