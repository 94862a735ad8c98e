package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "escrowdesk.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":8080" || cfg.PerPageDefault != 20 || cfg.BuyerVerifyWindow != 7*24*time.Hour {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	path := writeYAML(t, `
databaseUrl: postgres://file
listenAddr: ":9000"
baseUrl: "https://desk.example.com/"
jwtSecret: file-secret-0123456789
sellerSubmitWindow: 24h
perPageMax: 50
`)
	t.Setenv("ESCROWDESK_LISTEN_ADDR", ":9100")
	t.Setenv("ESCROWDESK_SWEEP_INTERVAL", "5m")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DatabaseURL != "postgres://file" {
		t.Fatalf("expected yaml database url, got %q", cfg.DatabaseURL)
	}
	if cfg.ListenAddr != ":9100" {
		t.Fatalf("expected env to override yaml, got %q", cfg.ListenAddr)
	}
	if cfg.SellerSubmitWindow != 24*time.Hour || cfg.SweepInterval != 5*time.Minute {
		t.Fatalf("unexpected durations %v %v", cfg.SellerSubmitWindow, cfg.SweepInterval)
	}
	if cfg.BaseURL != "https://desk.example.com" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.BaseURL)
	}
	if cfg.CSRFSecret != cfg.JWTSecret {
		t.Fatalf("expected csrf secret to default to jwt secret")
	}
	if cfg.PerPageMax != 50 || cfg.PerPageDefault != 20 {
		t.Fatalf("expected yaml to overlay defaults, got %d/%d", cfg.PerPageDefault, cfg.PerPageMax)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Chdir(t.TempDir())
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected missing config file to fail")
	}
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("ESCROWDESK_REDIS_ADDR=localhost:6390\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ESCROWDESK_REDIS_ADDR", "")
	os.Unsetenv("ESCROWDESK_REDIS_ADDR")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RedisAddr != "localhost:6390" || !cfg.WorkerEnabled() {
		t.Fatalf("expected .env value, got %q", cfg.RedisAddr)
	}
}

func TestValidate(t *testing.T) {
	good := Default()
	good.DatabaseURL = "postgres://x"
	good.JWTSecret = "0123456789abcdef"
	if err := good.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}

	bad := Default()
	bad.PerPageMax = 5
	err := bad.Validate()
	if err == nil {
		t.Fatal("expected validation failure")
	}
	for _, want := range []string{"database url", "jwt secret", "per page"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected %q in %v", want, err)
		}
	}
}
