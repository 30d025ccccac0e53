package config

import "testing"

func TestApplyEnvOverrides(t *testing.T) {
	cfg := &Config{}
	cfg.ApplyEnvOverrides([]string{
		"USE_DB_AUTHENTICATION=true",
		"ALLOWED_KEYS=key-a, key-b",
		"ENV=production",
	})

	if !cfg.Auth.UseDBAuthentication {
		t.Fatalf("expected UseDBAuthentication=true")
	}
	if len(cfg.Auth.AllowedKeys) != 2 || cfg.Auth.AllowedKeys[0] != "key-a" || cfg.Auth.AllowedKeys[1] != "key-b" {
		t.Fatalf("expected trimmed allowed keys, got %#v", cfg.Auth.AllowedKeys)
	}
	if cfg.UseHTTPSURLs() != true {
		t.Fatalf("expected https URLs when ENV is not local")
	}
}

func TestUseHTTPSURLsLocal(t *testing.T) {
	cfg := &Config{}
	cfg.ApplyEnvOverrides([]string{"ENV=local"})
	if cfg.UseHTTPSURLs() {
		t.Fatalf("expected non-https URLs when ENV=local")
	}
}

func TestAllowListEnabled(t *testing.T) {
	cfg := &Config{}
	cfg.Auth.AllowedKeys = []string{"only-key"}
	if !cfg.AllowListEnabled() {
		t.Fatalf("expected allow-list mode when keys configured without DB auth")
	}

	cfg.Auth.UseDBAuthentication = true
	if cfg.AllowListEnabled() {
		t.Fatalf("expected allow-list mode disabled once DB auth is on")
	}
}

func TestResolvedAuthMode(t *testing.T) {
	cfg := &Config{}
	if cfg.ResolvedAuthMode() != AuthModeBypass {
		t.Fatalf("expected bypass mode with no auth configured")
	}

	cfg.Auth.AllowedKeys = []string{"only-key"}
	if cfg.ResolvedAuthMode() != AuthModeAllowList {
		t.Fatalf("expected allow-list mode when keys configured without DB auth")
	}

	cfg.Auth.UseDBAuthentication = true
	if cfg.ResolvedAuthMode() != AuthModeDB {
		t.Fatalf("expected DB auth mode to take priority")
	}
}

func TestValidate(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.Auth.UseDBAuthentication = true
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error when DB auth enabled without a DSN")
	}

	cfg.Database.DSN = "postgres://localhost/raito"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
