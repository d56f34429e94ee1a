package app

import (
	"testing"
	"time"

	"stockwatch/internal/config"
)

func TestMapAPIConfig(t *testing.T) {
	t.Parallel()

	t.Run("defaults", func(t *testing.T) {
		t.Parallel()
		out, err := mapAPIConfig(&config.Config{})
		if err != nil {
			t.Fatalf("mapAPIConfig: %v", err)
		}
		if out.Enabled {
			t.Fatalf("enabled by default")
		}
		if out.Addr != "127.0.0.1:8844" || out.ReadTimeout != 5*time.Second || out.IdleTimeout != 120*time.Second {
			t.Fatalf("defaults = %+v", out)
		}
	})

	t.Run("public bind needs opt-in", func(t *testing.T) {
		t.Parallel()
		cfg := &config.Config{API: config.APIConfig{Enabled: true, Addr: "0.0.0.0:8844"}}
		if _, err := mapAPIConfig(cfg); err == nil {
			t.Fatalf("want error for public bind without token")
		}

		cfg.API.Token = "s3cret"
		if _, err := mapAPIConfig(cfg); err != nil {
			t.Fatalf("token bind rejected: %v", err)
		}

		cfg.API.Token = ""
		cfg.API.AllowInsecure = true
		if _, err := mapAPIConfig(cfg); err != nil {
			t.Fatalf("allow_insecure bind rejected: %v", err)
		}
	})

	t.Run("loopback bind needs nothing", func(t *testing.T) {
		t.Parallel()
		cfg := &config.Config{API: config.APIConfig{Enabled: true, Addr: "localhost:8844"}}
		if _, err := mapAPIConfig(cfg); err != nil {
			t.Fatalf("loopback bind rejected: %v", err)
		}
	})

	t.Run("bad addr rejected when enabled", func(t *testing.T) {
		t.Parallel()
		cfg := &config.Config{API: config.APIConfig{Enabled: true, Addr: "not-an-addr"}}
		if _, err := mapAPIConfig(cfg); err == nil {
			t.Fatalf("want error for addr without port")
		}
	})
}

func TestMapPprofConfig(t *testing.T) {
	t.Parallel()

	t.Run("defaults", func(t *testing.T) {
		t.Parallel()
		out, err := mapPprofConfig(&config.Config{})
		if err != nil {
			t.Fatalf("mapPprofConfig: %v", err)
		}
		if out.Addr != "127.0.0.1:6060" || out.Prefix != "/debug/pprof/" {
			t.Fatalf("defaults = %+v", out)
		}
		if out.WriteTimeout != 0 {
			t.Fatalf("WriteTimeout = %v, want 0 so /profile can run long", out.WriteTimeout)
		}
	})

	t.Run("public bind needs opt-in", func(t *testing.T) {
		t.Parallel()
		cfg := &config.Config{Pprof: config.PprofConfig{Enabled: true, Addr: "10.0.0.5:6060"}}
		if _, err := mapPprofConfig(cfg); err == nil {
			t.Fatalf("want error for public bind without token")
		}
	})

	t.Run("negative rates rejected", func(t *testing.T) {
		t.Parallel()
		cfg := &config.Config{Pprof: config.PprofConfig{BlockProfileRate: -1}}
		if _, err := mapPprofConfig(cfg); err == nil {
			t.Fatalf("want error for negative block_profile_rate")
		}
	})
}
