package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestValidate_ReportsMissingRequired(t *testing.T) {
	c := Config{}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestFromSource_DefaultsAndValidation(t *testing.T) {
	t.Setenv("CALLSYNC_API_BASE_URL", "https://crm.example.com")
	t.Setenv("CALLSYNC_DATA_DIR", "/var/lib/callsync")

	c, err := fromSource(&source{file: map[string]string{}})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
	if c.App.Env != "local" {
		t.Fatalf("expected local env default, got %q", c.App.Env)
	}
	if c.Agent.RecordingsDir != filepath.Join("/var/lib/callsync", "recordings") {
		t.Fatalf("unexpected recordings dir %q", c.Agent.RecordingsDir)
	}
	if c.Work.UploadBackoff != 30*time.Second || c.Work.FolderScanInterval != 15*time.Minute ||
		c.Work.CallLogSyncInterval != 30*time.Minute || c.Work.ActionDrainInterval != 5*time.Minute {
		t.Fatalf("unexpected work defaults %+v", c.Work)
	}
	if c.DatabasePath() != filepath.Join("/var/lib/callsync", "callsync.db") {
		t.Fatalf("unexpected database path %q", c.DatabasePath())
	}
}

func TestFromSource_CollectsParseErrors(t *testing.T) {
	t.Setenv("CALLSYNC_UPLOAD_BACKOFF", "soon")
	t.Setenv("CALLSYNC_WORK_CONCURRENCY", "two")
	t.Setenv("CALLSYNC_RETAIN_RECORDINGS", "maybe")

	_, err := fromSource(&source{file: map[string]string{}})
	if err == nil {
		t.Fatalf("expected parse errors")
	}
	for _, key := range []string{"CALLSYNC_UPLOAD_BACKOFF", "CALLSYNC_WORK_CONCURRENCY", "CALLSYNC_RETAIN_RECORDINGS"} {
		if !strings.Contains(err.Error(), key) {
			t.Fatalf("expected %s in %v", key, err)
		}
	}
}

func TestNewSource_EnvironmentWinsOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "callsync.yaml")
	body := "app_env: dev\nCALLSYNC_API_BASE_URL: https://file.example.com\ncallsync_work_concurrency: 4\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("CALLSYNC_API_BASE_URL", "https://env.example.com")

	src, err := newSource(path)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	c, err := fromSource(src)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if c.App.Env != "dev" {
		t.Fatalf("expected env from file, got %q", c.App.Env)
	}
	if c.Agent.APIBaseURL != "https://env.example.com" {
		t.Fatalf("expected environment to win, got %q", c.Agent.APIBaseURL)
	}
	if c.Work.Concurrency != 4 {
		t.Fatalf("expected concurrency from file, got %d", c.Work.Concurrency)
	}
}

func TestNewSource_MissingFile(t *testing.T) {
	if _, err := newSource(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestValidateDevAPI_ProductionRequiresIssuerAudienceAndDatabase(t *testing.T) {
	c := Config{
		App: AppConfig{Env: "production"},
		DevAPI: DevAPIConfig{
			Port:      8080,
			PublicURL: "https://api.example.com",
			Auth:      AuthConfig{JWTSecret: "secret", AccessTokenTTL: time.Minute, RefreshTokenTTL: time.Hour},
		},
	}
	err := c.ValidateDevAPI()
	if err == nil {
		t.Fatalf("expected error")
	}
	for _, key := range []string{"JWT_ISSUER", "JWT_AUDIENCE", "DEVAPI_DATABASE_DSN"} {
		if !strings.Contains(err.Error(), key) {
			t.Fatalf("expected %s in %v", key, err)
		}
	}
}

func TestValidateDevAPI_LocalDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	c, err := fromSource(&source{file: map[string]string{}})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if err := c.ValidateDevAPI(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.HTTPAddr() != ":8080" || c.DevAPI.PublicURL != "http://localhost:8080" {
		t.Fatalf("unexpected address defaults %q %q", c.HTTPAddr(), c.DevAPI.PublicURL)
	}
}

func TestValidateDevAPI_RefreshMustOutliveAccess(t *testing.T) {
	c := Config{
		App: AppConfig{Env: "local"},
		DevAPI: DevAPIConfig{
			Port:      8080,
			PublicURL: "http://localhost:8080",
			Auth:      AuthConfig{JWTSecret: "secret", AccessTokenTTL: time.Hour, RefreshTokenTTL: time.Minute},
		},
	}
	if err := c.ValidateDevAPI(); err == nil {
		t.Fatalf("expected ttl error")
	}
}
