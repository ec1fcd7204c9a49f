// Package config provides YAML configuration loading and validation for the
// swod trace collector daemon.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure for swod.
type Config struct {
	// CollectorAddr is the gRPC listen address agents stream decoded
	// packets to (e.g. "0.0.0.0:4443"). Required.
	CollectorAddr string `yaml:"collector_addr"`

	// TLS holds the paths to the daemon certificate, private key, and CA
	// certificate. Required by LoadConfig; cmd/swod does not load these
	// files, and its gRPC export server and collector use plaintext.
	TLS TLSConfig `yaml:"tls"`

	// Sources is the list of trace sources swod decodes on behalf of.
	Sources []SourceConfig `yaml:"sources"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// HealthAddr is the listen address for the /healthz HTTP server
	// (e.g. "127.0.0.1:9000"). Defaults to "127.0.0.1:9000" when omitted.
	HealthAddr string `yaml:"health_addr"`

	// IngestAddr is the listen address for the REST query API.
	// Defaults to "127.0.0.1:9001" when omitted.
	IngestAddr string `yaml:"ingest_addr"`

	// LiveAddr is the listen address for the WebSocket live packet feed.
	// Defaults to "127.0.0.1:9002" when omitted.
	LiveAddr string `yaml:"live_addr"`

	// QueuePath is the filesystem path to the local SQLite durable queue
	// database. Defaults to "swod-queue.db" when omitted.
	QueuePath string `yaml:"queue_path"`

	// PostgresDSN is the connection string for long-term packet storage.
	// Required.
	PostgresDSN string `yaml:"postgres_dsn"`

	// ProvenanceLogPath is the filesystem path to the append-only,
	// hash-chained attestation log. Defaults to "swod-provenance.log" when
	// omitted.
	ProvenanceLogPath string `yaml:"provenance_log_path"`

	// DaemonVersion is an optional human-readable version string reported
	// in health and registration responses (e.g. "v0.1.0").
	DaemonVersion string `yaml:"daemon_version"`

	// UpstreamAddr is the address of a further-upstream swod instance's
	// export service that this daemon's collector client forwards queued
	// packets to (e.g. an edge node forwarding to a central aggregator).
	// Leave empty to run this instance as a terminal node that only
	// accepts pushes on CollectorAddr and never forwards further upstream.
	UpstreamAddr string `yaml:"upstream_addr,omitempty"`
}

// TLSConfig holds certificate and key paths for mTLS.
type TLSConfig struct {
	// CertPath is the path to the daemon's PEM-encoded server certificate.
	// Required.
	CertPath string `yaml:"cert_path"`

	// KeyPath is the path to the daemon's PEM-encoded private key.
	// Required.
	KeyPath string `yaml:"key_path"`

	// CAPath is the path to the PEM-encoded CA certificate used to verify
	// agent client certificates. Required.
	CAPath string `yaml:"ca_path"`
}

// SourceConfig describes a single trace source swod should expect packet
// streams from. cmd/swod applies the first source's BufferSize and
// GTS2Width to every ingest session.
type SourceConfig struct {
	// Name is a human-readable identifier for this source (e.g.
	// "bench-probe-1"). Required.
	Name string `yaml:"name"`

	// BufferSize sizes the swobuf.Buffer allocated for this source's
	// Context. Must be at least swobuf.MinSize. Defaults to 256 when
	// omitted or zero.
	BufferSize int `yaml:"buffer_size,omitempty"`

	// GTS2Width overrides the bit width assigned to decoded GTS2 packets
	// for this source's architecture profile. Zero means "no override".
	GTS2Width uint `yaml:"gts2_width,omitempty"`
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// LoadConfig reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all required fields. It returns a typed error
// describing every validation failure encountered.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.HealthAddr == "" {
		cfg.HealthAddr = "127.0.0.1:9000"
	}
	if cfg.IngestAddr == "" {
		cfg.IngestAddr = "127.0.0.1:9001"
	}
	if cfg.LiveAddr == "" {
		cfg.LiveAddr = "127.0.0.1:9002"
	}
	if cfg.QueuePath == "" {
		cfg.QueuePath = "swod-queue.db"
	}
	if cfg.ProvenanceLogPath == "" {
		cfg.ProvenanceLogPath = "swod-provenance.log"
	}
	for i := range cfg.Sources {
		if cfg.Sources[i].BufferSize == 0 {
			cfg.Sources[i].BufferSize = 256
		}
	}
}

func validate(cfg *Config) error {
	var errs []error

	if cfg.CollectorAddr == "" {
		errs = append(errs, errors.New("collector_addr is required"))
	}
	if cfg.TLS.CertPath == "" {
		errs = append(errs, errors.New("tls.cert_path is required"))
	}
	if cfg.TLS.KeyPath == "" {
		errs = append(errs, errors.New("tls.key_path is required"))
	}
	if cfg.TLS.CAPath == "" {
		errs = append(errs, errors.New("tls.ca_path is required"))
	}
	if cfg.PostgresDSN == "" {
		errs = append(errs, errors.New("postgres_dsn is required"))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}

	for i, s := range cfg.Sources {
		prefix := fmt.Sprintf("sources[%d]", i)
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("%s: name is required", prefix))
		}
		if s.BufferSize < 8 {
			errs = append(errs, fmt.Errorf("%s: buffer_size must be at least 8", prefix))
		}
	}

	return errors.Join(errs...)
}
