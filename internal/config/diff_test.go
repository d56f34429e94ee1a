package config

import (
	"bytes"
	"reflect"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestSummarizeConfigChangeSections(t *testing.T) {
	t.Parallel()

	oldCfg := &Config{
		Logging: LoggingConfig{Level: "info"},
		Monitor: MonitorConfig{MaxConcurrent: 10},
		Targets: []TargetConfig{
			{ID: "a", URL: "https://x.test/a", Destination: "alerts"},
			{ID: "b", URL: "https://x.test/b", Destination: "alerts"},
		},
	}
	newCfg := &Config{
		Logging: LoggingConfig{Level: "debug"},
		Monitor: MonitorConfig{MaxConcurrent: 5},
		Targets: []TargetConfig{
			{ID: "a", URL: "https://x.test/a", Destination: "alerts", Priority: 1},
			{ID: "c", URL: "https://x.test/c", Destination: "alerts"},
		},
	}

	changed, _, targets := SummarizeConfigChange(oldCfg, newCfg)
	wantSections := []string{"logging", "monitor", "targets"}
	if !reflect.DeepEqual(changed, wantSections) {
		t.Fatalf("changed = %v, want %v", changed, wantSections)
	}
	// a modified, b removed, c added.
	wantTargets := []string{"a", "b", "c"}
	if !reflect.DeepEqual(targets, wantTargets) {
		t.Fatalf("targets = %v, want %v", targets, wantTargets)
	}
}

func TestSummarizeConfigChangeNoChange(t *testing.T) {
	t.Parallel()
	cfg := &Config{
		Monitor: MonitorConfig{MaxConcurrent: 3},
		Targets: []TargetConfig{{ID: "a", URL: "https://x.test/a", Destination: "d"}},
	}
	changed, attrs, targets := SummarizeConfigChange(cfg, cfg)
	if len(changed) != 0 || len(attrs) != 0 || len(targets) != 0 {
		t.Fatalf("expected empty diff, got sections=%v targets=%v", changed, targets)
	}
}

func TestSummarizeConfigChangeNeverLeaksSecrets(t *testing.T) {
	t.Parallel()
	const secret = "very-secret-value"
	oldCfg := &Config{}
	newCfg := &Config{
		Transport: TransportConfig{
			Telegram: &TelegramTransport{Token: secret},
			Destinations: []DestinationConfig{
				{Name: "alerts", Driver: "telegram", ChatID: 1},
			},
		},
		Storage: &StorageConfig{Driver: "redis", Addr: "127.0.0.1:6379", Password: secret},
		API:     APIConfig{Enabled: true, Token: secret},
		Pprof:   PprofConfig{Enabled: true, Token: secret},
	}

	changed, attrs, _ := SummarizeConfigChange(oldCfg, newCfg)
	for _, want := range []string{"api", "pprof", "storage", "transport"} {
		found := false
		for _, c := range changed {
			if c == want {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("section %q missing from %v", want, changed)
		}
	}
	var buf bytes.Buffer
	zl := zerolog.New(&buf)
	ev := zl.Info()
	for _, f := range attrs {
		f(ev)
	}
	ev.Msg("config changed")
	if strings.Contains(buf.String(), secret) {
		t.Fatalf("rendered attrs leak secret: %s", buf.String())
	}
}

func TestSummarizeConfigChangeTokenRotation(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{API: APIConfig{Enabled: true, Token: "old"}}
	newCfg := &Config{API: APIConfig{Enabled: true, Token: "new"}}
	changed, _, _ := SummarizeConfigChange(oldCfg, newCfg)
	if len(changed) != 1 || changed[0] != "api" {
		t.Fatalf("changed = %v, want [api]", changed)
	}
}

func TestDiffTargetsNilSlices(t *testing.T) {
	t.Parallel()
	if got := diffTargets(nil, nil); len(got) != 0 {
		t.Fatalf("diffTargets(nil, nil) = %v", got)
	}
	got := diffTargets(nil, []TargetConfig{{ID: "x"}})
	if len(got) != 1 || got[0] != "x" {
		t.Fatalf("diffTargets = %v, want [x]", got)
	}
}
