package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tripwire/swodecode/internal/config"
)

// writeTemp writes content to a temp file and returns its path.
func writeTemp(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	f.Close()
	return f.Name()
}

const validYAML = `
collector_addr: "0.0.0.0:4443"
tls:
  cert_path: "/etc/swod/swod.crt"
  key_path:  "/etc/swod/swod.key"
  ca_path:   "/etc/swod/ca.crt"
postgres_dsn: "postgres://swod@localhost/swod"
log_level: debug
health_addr: "127.0.0.1:9001"
daemon_version: "v0.1.0"
sources:
  - name: bench-probe-1
    buffer_size: 512
  - name: bench-probe-2
    gts2_width: 22
`

func TestLoadConfig_Valid(t *testing.T) {
	path := writeTemp(t, validYAML)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.CollectorAddr != "0.0.0.0:4443" {
		t.Errorf("CollectorAddr = %q, want %q", cfg.CollectorAddr, "0.0.0.0:4443")
	}
	if cfg.TLS.CertPath != "/etc/swod/swod.crt" {
		t.Errorf("TLS.CertPath = %q", cfg.TLS.CertPath)
	}
	if cfg.TLS.KeyPath != "/etc/swod/swod.key" {
		t.Errorf("TLS.KeyPath = %q", cfg.TLS.KeyPath)
	}
	if cfg.TLS.CAPath != "/etc/swod/ca.crt" {
		t.Errorf("TLS.CAPath = %q", cfg.TLS.CAPath)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
	if cfg.HealthAddr != "127.0.0.1:9001" {
		t.Errorf("HealthAddr = %q, want %q", cfg.HealthAddr, "127.0.0.1:9001")
	}
	if cfg.DaemonVersion != "v0.1.0" {
		t.Errorf("DaemonVersion = %q", cfg.DaemonVersion)
	}
	if len(cfg.Sources) != 2 {
		t.Fatalf("len(Sources) = %d, want 2", len(cfg.Sources))
	}
	if cfg.Sources[0].Name != "bench-probe-1" || cfg.Sources[0].BufferSize != 512 {
		t.Errorf("Sources[0] = %+v", cfg.Sources[0])
	}
	if cfg.Sources[1].GTS2Width != 22 {
		t.Errorf("Sources[1].GTS2Width = %d, want 22", cfg.Sources[1].GTS2Width)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	yaml := `
collector_addr: "0.0.0.0:4443"
tls:
  cert_path: "/etc/swod/swod.crt"
  key_path:  "/etc/swod/swod.key"
  ca_path:   "/etc/swod/ca.crt"
postgres_dsn: "postgres://swod@localhost/swod"
sources:
  - name: bench-probe-1
`
	path := writeTemp(t, yaml)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("default LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if cfg.HealthAddr != "127.0.0.1:9000" {
		t.Errorf("default HealthAddr = %q, want %q", cfg.HealthAddr, "127.0.0.1:9000")
	}
	if cfg.IngestAddr != "127.0.0.1:9001" {
		t.Errorf("default IngestAddr = %q, want %q", cfg.IngestAddr, "127.0.0.1:9001")
	}
	if cfg.LiveAddr != "127.0.0.1:9002" {
		t.Errorf("default LiveAddr = %q, want %q", cfg.LiveAddr, "127.0.0.1:9002")
	}
	if cfg.QueuePath != "swod-queue.db" {
		t.Errorf("default QueuePath = %q", cfg.QueuePath)
	}
	if cfg.Sources[0].BufferSize != 256 {
		t.Errorf("default Sources[0].BufferSize = %d, want 256", cfg.Sources[0].BufferSize)
	}
}

func TestLoadConfig_MissingCollectorAddr(t *testing.T) {
	yaml := `
tls:
  cert_path: "/etc/swod/swod.crt"
  key_path:  "/etc/swod/swod.key"
  ca_path:   "/etc/swod/ca.crt"
postgres_dsn: "postgres://swod@localhost/swod"
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for missing collector_addr, got nil")
	}
	if !strings.Contains(err.Error(), "collector_addr") {
		t.Errorf("error %q does not mention collector_addr", err.Error())
	}
}

func TestLoadConfig_MissingCertPath(t *testing.T) {
	yaml := `
collector_addr: "0.0.0.0:4443"
tls:
  key_path:  "/etc/swod/swod.key"
  ca_path:   "/etc/swod/ca.crt"
postgres_dsn: "postgres://swod@localhost/swod"
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for missing tls.cert_path, got nil")
	}
	if !strings.Contains(err.Error(), "cert_path") {
		t.Errorf("error %q does not mention cert_path", err.Error())
	}
}

func TestLoadConfig_MissingPostgresDSN(t *testing.T) {
	yaml := `
collector_addr: "0.0.0.0:4443"
tls:
  cert_path: "/etc/swod/swod.crt"
  key_path:  "/etc/swod/swod.key"
  ca_path:   "/etc/swod/ca.crt"
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for missing postgres_dsn, got nil")
	}
	if !strings.Contains(err.Error(), "postgres_dsn") {
		t.Errorf("error %q does not mention postgres_dsn", err.Error())
	}
}

func TestLoadConfig_InvalidLogLevel(t *testing.T) {
	yaml := `
collector_addr: "0.0.0.0:4443"
tls:
  cert_path: "/etc/swod/swod.crt"
  key_path:  "/etc/swod/swod.key"
  ca_path:   "/etc/swod/ca.crt"
postgres_dsn: "postgres://swod@localhost/swod"
log_level: "verbose"
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for invalid log_level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error %q does not mention log_level", err.Error())
	}
}

func TestLoadConfig_InvalidSourceBufferSize(t *testing.T) {
	yaml := `
collector_addr: "0.0.0.0:4443"
tls:
  cert_path: "/etc/swod/swod.crt"
  key_path:  "/etc/swod/swod.key"
  ca_path:   "/etc/swod/ca.crt"
postgres_dsn: "postgres://swod@localhost/swod"
sources:
  - name: bad-source
    buffer_size: 4
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for undersized buffer_size, got nil")
	}
	if !strings.Contains(err.Error(), "buffer_size") {
		t.Errorf("error %q does not mention buffer_size", err.Error())
	}
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	missingPath := filepath.Join(t.TempDir(), "nonexistent.yaml")
	_, err := config.LoadConfig(missingPath)
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := writeTemp(t, ":::invalid yaml:::")
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML, got nil")
	}
}

func TestLoadConfig_SourcesUnmarshalledCorrectly(t *testing.T) {
	yaml := `
collector_addr: "0.0.0.0:4443"
tls:
  cert_path: "/etc/swod/swod.crt"
  key_path:  "/etc/swod/swod.key"
  ca_path:   "/etc/swod/ca.crt"
postgres_dsn: "postgres://swod@localhost/swod"
sources:
  - name: probe-a
    buffer_size: 1024
  - name: probe-b
    gts2_width: 42
`
	path := writeTemp(t, yaml)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Sources) != 2 {
		t.Fatalf("len(Sources) = %d, want 2", len(cfg.Sources))
	}
	if cfg.Sources[0].Name != "probe-a" || cfg.Sources[0].BufferSize != 1024 {
		t.Errorf("Sources[0] = %+v", cfg.Sources[0])
	}
	if cfg.Sources[1].Name != "probe-b" || cfg.Sources[1].GTS2Width != 42 {
		t.Errorf("Sources[1] = %+v", cfg.Sources[1])
	}
}
