package config

import (
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete fleetwarden configuration.
type Config struct {
	Service      ServiceConfig      `yaml:"service"`
	State        StateConfig        `yaml:"state"`
	API          APIConfig          `yaml:"api"`
	Execution    ExecutionConfig    `yaml:"execution"`
	Health       HealthConfig       `yaml:"health"`
	Integrations IntegrationsConfig `yaml:"integrations"`
	// Include lists further files, relative to this one, whose integrations
	// are merged in.
	Include []string `yaml:"include,omitempty"`

	// SourceFiles holds every file that contributed to the config, root first.
	SourceFiles []string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
}

// StateConfig defines where execution history is stored.
type StateConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
	// ShutdownTimeout bounds graceful shutdown of open requests and streams.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is the bearer token every /api request must carry.
	APIKey string `yaml:"api_key"`
}

// ExecutionConfig bounds how executions run.
type ExecutionConfig struct {
	// Timeout applies to one backend process call.
	Timeout time.Duration `yaml:"timeout"`
	// TerminationGrace is the wait between SIGTERM and SIGKILL.
	TerminationGrace time.Duration   `yaml:"termination_grace"`
	Queue            QueueConfig     `yaml:"queue"`
	Streaming        StreamingConfig `yaml:"streaming"`
}

// QueueConfig configures admission control.
type QueueConfig struct {
	ConcurrentLimit int `yaml:"concurrent_limit"`
	MaxQueueSize    int `yaml:"max_queue_size"`
}

// StreamingConfig configures live output streams.
type StreamingConfig struct {
	// Buffer is the flush interval; a negative value flushes every chunk.
	Buffer        time.Duration `yaml:"buffer"`
	MaxOutputSize int           `yaml:"max_output_size"`
	MaxLineLength int           `yaml:"max_line_length"`
}

// HealthConfig configures integration health probing.
type HealthConfig struct {
	Interval time.Duration `yaml:"interval"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// IntegrationsConfig holds one block per bundled backend.
type IntegrationsConfig struct {
	Bolt       BoltConfig       `yaml:"bolt"`
	PuppetDB   HTTPConfig       `yaml:"puppetdb"`
	Prometheus PrometheusConfig `yaml:"prometheus"`
}

// BoltConfig configures the Bolt CLI integration.
type BoltConfig struct {
	Enabled       bool              `yaml:"enabled"`
	Priority      int               `yaml:"priority"`
	Command       string            `yaml:"command"`
	ProjectDir    string            `yaml:"project_dir"`
	InventoryFile string            `yaml:"inventory_file"`
	MinVersion    string            `yaml:"min_version"`
	Env           map[string]string `yaml:"env,omitempty"`
	// Timeout overrides execution.timeout for bolt.
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// HTTPConfig configures an HTTP-backed integration.
type HTTPConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Priority    int           `yaml:"priority"`
	ServerURL   string        `yaml:"server_url"`
	Token       string        `yaml:"token"`
	TokenHeader string        `yaml:"token_header"`
	Timeout     time.Duration `yaml:"timeout"`
	// RateLimit is requests per second to the backend; zero is unlimited.
	RateLimit float64   `yaml:"rate_limit"`
	Burst     int       `yaml:"burst"`
	TLS       TLSConfig `yaml:"tls"`
}

// TLSConfig configures client TLS for an HTTP integration.
type TLSConfig struct {
	CACert             string `yaml:"ca_cert"`
	ClientCert         string `yaml:"client_cert"`
	ClientKey          string `yaml:"client_key"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// PrometheusConfig configures the Prometheus integration.
type PrometheusConfig struct {
	HTTPConfig `yaml:",inline"`
	NodeLabel  string `yaml:"node_label"`
}

// ChecksumManifest is the .checksums file written by "config hash".
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// Defaults returns a Config with every default applied and no integration enabled.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:     "fleetwarden",
			LogLevel: "info",
		},
		State: StateConfig{
			Path: "./data/history.db",
		},
		API: APIConfig{
			Enabled:         true,
			Listen:          "127.0.0.1:8420",
			ShutdownTimeout: 10 * time.Second,
		},
		Execution: ExecutionConfig{
			Timeout:          5 * time.Minute,
			TerminationGrace: 5 * time.Second,
			Queue: QueueConfig{
				ConcurrentLimit: 5,
				MaxQueueSize:    50,
			},
			Streaming: StreamingConfig{
				Buffer:        100 * time.Millisecond,
				MaxOutputSize: 10 * 1024 * 1024,
				MaxLineLength: 10000,
			},
		},
		Health: HealthConfig{
			Interval: time.Minute,
			CacheTTL: 5 * time.Minute,
		},
		Integrations: IntegrationsConfig{
			Bolt: BoltConfig{Priority: 5, Command: "bolt"},
			PuppetDB: HTTPConfig{
				Priority: 10,
				Timeout:  30 * time.Second,
			},
			Prometheus: PrometheusConfig{
				HTTPConfig: HTTPConfig{Priority: 1, Timeout: 30 * time.Second},
				NodeLabel:  "instance",
			},
		},
	}
}

// Redacted renders the effective config as YAML with secrets replaced.
func (c *Config) Redacted() ([]byte, error) {
	cp := *c
	if cp.API.Auth.APIKey != "" {
		cp.API.Auth.APIKey = redacted
	}
	if cp.Integrations.PuppetDB.Token != "" {
		cp.Integrations.PuppetDB.Token = redacted
	}
	if cp.Integrations.Prometheus.Token != "" {
		cp.Integrations.Prometheus.Token = redacted
	}
	return yaml.Marshal(&cp)
}

const redacted = "<redacted>"
