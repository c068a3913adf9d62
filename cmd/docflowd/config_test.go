package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/xraph/docflow/tenant"
)

func env(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "docflow.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Parallel()

	cfg, err := loadConfig("", env(map[string]string{"DOCFLOW_CONVERTER_URL": "http://conv:3000"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Listen != ":8080" || cfg.Store.Driver != "memory" || cfg.Broker.Driver != "memory" {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.Engine.MaxAttempts != 3 || cfg.Engine.AttemptTimeout != 5*time.Minute {
		t.Errorf("engine defaults = %+v", cfg.Engine)
	}
}

func TestLoadConfig_YAML(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
listen: ":9090"
timezone: Europe/Berlin
log:
  level: debug
  format: text
engine:
  concurrency: 4
  attempt_timeout: 90s
  initial_backoff: 500ms
business_hours:
  start: 8
  end: 18
tiers:
  basic:
    max_file_size_mb: 20
store:
  driver: sqlite
  dsn: /var/lib/docflow/jobs.db
broker:
  driver: redis
  redis:
    addr: redis:6379
    db: 2
storage:
  driver: s3
  s3:
    bucket: docs
    region: eu-central-1
converter:
  url: http://conv:3000
  timeout: 2m
maintenance:
  estimate_refresh: "*/10 * * * *"
`)

	cfg, err := loadConfig(path, env(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Listen != ":9090" || cfg.Timezone != "Europe/Berlin" {
		t.Errorf("listen/timezone = %q/%q", cfg.Listen, cfg.Timezone)
	}
	if cfg.Engine.Concurrency != 4 || cfg.Engine.AttemptTimeout != 90*time.Second || cfg.Engine.InitialBackoff != 500*time.Millisecond {
		t.Errorf("engine = %+v", cfg.Engine)
	}
	// Unset engine keys keep their defaults.
	if cfg.Engine.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want default 3", cfg.Engine.MaxAttempts)
	}
	if cfg.BusinessHours.Start != 8 || cfg.BusinessHours.End != 18 {
		t.Errorf("business hours = %+v", cfg.BusinessHours)
	}
	if got := cfg.Tiers[tenant.TierBasic].MaxFileSizeMB; got != 20 {
		t.Errorf("basic max file size = %d, want 20", got)
	}
	if cfg.Broker.Redis.Addr != "redis:6379" || cfg.Broker.Redis.DB != 2 {
		t.Errorf("redis = %+v", cfg.Broker.Redis)
	}
	if cfg.Storage.S3.Bucket != "docs" || cfg.Converter.Timeout != 2*time.Minute {
		t.Errorf("storage/converter = %+v / %+v", cfg.Storage.S3, cfg.Converter)
	}
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "listen: \":9090\"\nconverter:\n  url: http://file\n")
	cfg, err := loadConfig(path, env(map[string]string{
		"DOCFLOW_LISTEN":          ":7070",
		"DOCFLOW_CONCURRENCY":     "32",
		"DOCFLOW_ATTEMPT_TIMEOUT": "45s",
		"DOCFLOW_S3_PATH_STYLE":   "yes",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Listen != ":7070" {
		t.Errorf("Listen = %q, want :7070", cfg.Listen)
	}
	if cfg.Converter.URL != "http://file" {
		t.Errorf("Converter.URL = %q", cfg.Converter.URL)
	}
	if cfg.Engine.Concurrency != 32 || cfg.Engine.AttemptTimeout != 45*time.Second {
		t.Errorf("engine = %+v", cfg.Engine)
	}
	if !cfg.Storage.S3.UsePathStyle {
		t.Error("UsePathStyle not applied")
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		env  map[string]string
		want string
	}{
		{
			name: "unknown key",
			body: "converter:\n  url: http://c\nlistne: \":1\"\n",
			want: "listne",
		},
		{
			name: "missing converter",
			want: "converter: url is required",
		},
		{
			name: "postgres without dsn",
			env:  map[string]string{"DOCFLOW_CONVERTER_URL": "http://c", "DOCFLOW_STORE_DRIVER": "postgres"},
			want: "requires dsn",
		},
		{
			name: "bad env duration",
			env:  map[string]string{"DOCFLOW_CONVERTER_URL": "http://c", "DOCFLOW_ATTEMPT_TIMEOUT": "soon"},
			want: "DOCFLOW_ATTEMPT_TIMEOUT",
		},
		{
			name: "unknown tier",
			body: "converter:\n  url: http://c\ntiers:\n  gold: {}\n",
			want: "unknown tier",
		},
		{
			name: "inverted business hours",
			body: "converter:\n  url: http://c\nbusiness_hours: {start: 18, end: 9}\n",
			want: "business_hours",
		},
		{
			name: "unknown broker",
			env:  map[string]string{"DOCFLOW_CONVERTER_URL": "http://c", "DOCFLOW_BROKER_DRIVER": "kafka"},
			want: "unknown driver",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			path := ""
			if tt.body != "" {
				path = writeConfig(t, tt.body)
			}
			_, err := loadConfig(path, env(tt.env))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	t.Parallel()

	cfg := defaultConfig()
	cfg.Log.Level = "warn"
	cfg.Log.Format = "text"

	var buf bytes.Buffer
	logger := newLogger(cfg, &buf)
	logger.Info("hidden")
	logger.Warn("shown", "job_id", "cjob_1")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info record written at warn level")
	}
	if !strings.Contains(out, "msg=shown") || !strings.Contains(out, "job_id=cjob_1") {
		t.Errorf("unexpected output %q", out)
	}
}
