package config

import "testing"

func TestNormalizeDatabaseURL(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "postgres prefix rewritten",
			in:   "postgres://user:pass@db:5432/app",
			want: "postgresql://user:pass@db:5432/app",
		},
		{
			name: "postgresql prefix kept",
			in:   "postgresql://user:pass@db:5432/app",
			want: "postgresql://user:pass@db:5432/app",
		},
		{
			name: "sslmode stripped",
			in:   "postgres://user:pass@db:5432/app?sslmode=require",
			want: "postgresql://user:pass@db:5432/app",
		},
		{
			name: "other params survive sslmode strip",
			in:   "postgresql://u@db/app?sslmode=disable&application_name=sidecar",
			want: "postgresql://u@db/app?application_name=sidecar",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeDatabaseURL(tt.in)
			if got != tt.want {
				t.Errorf("NormalizeDatabaseURL(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 8090 {
		t.Errorf("expected default port 8090, got %d", cfg.Server.Port)
	}
	if cfg.Sandbox.Backend != "docker" {
		t.Errorf("expected default backend docker, got %q", cfg.Sandbox.Backend)
	}
	if cfg.Session.IdleTTL != 900 {
		t.Errorf("expected default idle TTL 900, got %d", cfg.Session.IdleTTL)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://u@db/app?sslmode=require")
	t.Setenv("SANDBOX_BACKEND", "k8s")
	t.Setenv("MODEL", "claude-sonnet-4-5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Database.URL != "postgresql://u@db/app" {
		t.Errorf("unexpected database url %q", cfg.Database.URL)
	}
	if cfg.Sandbox.Backend != "k8s" {
		t.Errorf("expected backend k8s, got %q", cfg.Sandbox.Backend)
	}
	if cfg.Agent.Model != "claude-sonnet-4-5" {
		t.Errorf("expected model override, got %q", cfg.Agent.Model)
	}
}

func TestValidateRejectsBadBackend(t *testing.T) {
	t.Setenv("SANDBOX_BACKEND", "firecracker")
	if _, err := Load(); err == nil {
		t.Fatal("expected validation error for unknown backend")
	}
}
