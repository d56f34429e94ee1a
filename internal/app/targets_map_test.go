package app

import (
	"strings"
	"testing"
	"time"

	"stockwatch/internal/config"
)

func TestMapTargets(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("valid target", func(t *testing.T) {
		t.Parallel()
		cfg := baseConfig()
		cfg.Targets[0].Interval = "5m"
		cfg.Targets[0].Mentions = []string{"@alice"}

		got, err := mapTargets(cfg, now)
		if err != nil {
			t.Fatalf("mapTargets: %v", err)
		}
		if len(got) != 1 {
			t.Fatalf("len = %d, want 1", len(got))
		}
		tgt := got[0]
		if tgt.ID != "gpu" || tgt.Host != "shop.example.com" || tgt.Destination != "ops" {
			t.Fatalf("target = %+v", tgt)
		}
		if tgt.Priority != 3 {
			t.Fatalf("Priority = %d, want default 3", tgt.Priority)
		}
		if tgt.Interval != 5*time.Minute || !tgt.Active || !tgt.CreatedAt.Equal(now) {
			t.Fatalf("target = %+v", tgt)
		}
		if len(tgt.Mentions) != 1 || tgt.Mentions[0] != "@alice" {
			t.Fatalf("Mentions = %v", tgt.Mentions)
		}
	})

	t.Run("host key folds case and drops port", func(t *testing.T) {
		t.Parallel()
		cfg := baseConfig()
		cfg.Targets[0].URL = "https://Shop.Example.COM:8443/gpu"
		got, err := mapTargets(cfg, now)
		if err != nil {
			t.Fatalf("mapTargets: %v", err)
		}
		if got[0].Host != "shop.example.com" {
			t.Fatalf("Host = %q", got[0].Host)
		}
	})

	t.Run("disabled stays in the list", func(t *testing.T) {
		t.Parallel()
		cfg := baseConfig()
		cfg.Targets[0].Disabled = true
		got, err := mapTargets(cfg, now)
		if err != nil {
			t.Fatalf("mapTargets: %v", err)
		}
		if len(got) != 1 || got[0].Active {
			t.Fatalf("got = %+v, want one inactive target", got)
		}
	})

	cases := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{
			name:    "id required",
			mutate:  func(c *config.Config) { c.Targets[0].ID = " " },
			wantErr: "id is required",
		},
		{
			name: "duplicate id folds case",
			mutate: func(c *config.Config) {
				c.Targets = append(c.Targets, config.TargetConfig{
					ID: "GPU", URL: "https://other.example.com/x", Destination: "ops",
				})
			},
			wantErr: "duplicate id",
		},
		{
			name:    "relative url rejected",
			mutate:  func(c *config.Config) { c.Targets[0].URL = "/gpu" },
			wantErr: "invalid url",
		},
		{
			name:    "scheme must be http",
			mutate:  func(c *config.Config) { c.Targets[0].URL = "ftp://shop.example.com/gpu" },
			wantErr: "scheme must be http",
		},
		{
			name:    "destination required",
			mutate:  func(c *config.Config) { c.Targets[0].Destination = "" },
			wantErr: "destination is required",
		},
		{
			name:    "unknown destination",
			mutate:  func(c *config.Config) { c.Targets[0].Destination = "ghost" },
			wantErr: "unknown destination",
		},
		{
			name:    "priority out of range",
			mutate:  func(c *config.Config) { c.Targets[0].Priority = 4 },
			wantErr: "priority must be 1..3",
		},
		{
			name: "min above max",
			mutate: func(c *config.Config) {
				c.Targets[0].MinInterval = "10m"
				c.Targets[0].MaxInterval = "5m"
			},
			wantErr: "exceeds max_interval",
		},
		{
			name:    "bad interval",
			mutate:  func(c *config.Config) { c.Targets[0].Interval = "hourly" },
			wantErr: "invalid duration",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := baseConfig()
			tc.mutate(cfg)
			_, err := mapTargets(cfg, now)
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err = %v, want %q", err, tc.wantErr)
			}
		})
	}

	t.Run("destination reference folds case", func(t *testing.T) {
		t.Parallel()
		cfg := baseConfig()
		cfg.Targets[0].Destination = " OPS "
		got, err := mapTargets(cfg, now)
		if err != nil {
			t.Fatalf("mapTargets: %v", err)
		}
		if got[0].Destination != "ops" {
			t.Fatalf("Destination = %q", got[0].Destination)
		}
	})
}
