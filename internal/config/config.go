// Package config holds the settings of dap-gdb.
//
// Configuration controls:
//   - Capability mode (readonly vs full): which MCP tools are registered
//   - Permission flags: spawn, attach, modify and execute operations
//   - The gdb binary, its arguments and startup commands
//   - The DAP server address and the coordinator's connection policy
//   - Logging and the metrics endpoint
//
// Files are YAML. JSON files load too, since the YAML decoder accepts them.
// Durations are written as Go duration strings such as "30s".
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// CapabilityMode defines the level of debugging capabilities exposed
type CapabilityMode string

const (
	ModeReadOnly CapabilityMode = "readonly" // inspection tools only
	ModeFull     CapabilityMode = "full"     // all tools
)

// Config holds the server configuration
type Config struct {
	Mode         CapabilityMode `yaml:"mode"`
	AllowSpawn   bool           `yaml:"allowSpawn"`
	AllowAttach  bool           `yaml:"allowAttach"`
	AllowModify  bool           `yaml:"allowModify"`
	AllowExecute bool           `yaml:"allowExecute"`

	// Limits for safety
	MaxSessions    int           `yaml:"maxSessions"`
	SessionTimeout time.Duration `yaml:"sessionTimeout"`

	GDB     GDBConfig     `yaml:"gdb"`
	Server  ServerConfig  `yaml:"server"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// GDBConfig describes how gdb is started for each debug session.
type GDBConfig struct {
	Path            string   `yaml:"path"`
	Args            []string `yaml:"args"`
	StartupCommands []string `yaml:"startupCommands"`
	// Reverse turns on "record full" after the program starts and
	// advertises step-back and reverse-continue.
	Reverse bool `yaml:"reverse"`
}

// ServerConfig covers the DAP server and the coordinator connecting to it.
type ServerConfig struct {
	Listen string `yaml:"listen"`
	// BackendAddress is an external DAP server for MCP sessions. Empty
	// starts one in-process.
	BackendAddress string        `yaml:"backendAddress"`
	ConnectRetries int           `yaml:"connectRetries"`
	RetryInterval  time.Duration `yaml:"retryInterval"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	// Listen is the address of the /metrics endpoint. Empty disables it.
	Listen string `yaml:"listen"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Mode:           ModeFull,
		AllowSpawn:     true,
		AllowAttach:    true,
		AllowModify:    true,
		AllowExecute:   true,
		MaxSessions:    10,
		SessionTimeout: 30 * time.Minute,
		GDB: GDBConfig{
			Path: "gdb",
			Args: []string{"--interpreter=mi3", "--quiet", "--nx"},
		},
		Server: ServerConfig{
			Listen:         "127.0.0.1:4711",
			ConnectRetries: 5,
			RetryInterval:  200 * time.Millisecond,
			RequestTimeout: 10 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "console"},
	}
}

// LoadConfig loads configuration from a YAML or JSON file on top of the
// defaults. An empty path returns the defaults.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a configuration document over the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeReadOnly, ModeFull:
	default:
		return fmt.Errorf("invalid mode %q: must be %q or %q", c.Mode, ModeReadOnly, ModeFull)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("invalid log format %q: must be console or json", c.Log.Format)
	}
	if c.MaxSessions < 1 {
		return fmt.Errorf("maxSessions must be at least 1, got %d", c.MaxSessions)
	}
	if c.Server.ConnectRetries < 0 {
		return fmt.Errorf("server.connectRetries must not be negative, got %d", c.Server.ConnectRetries)
	}
	if c.SessionTimeout < 0 || c.Server.RetryInterval < 0 || c.Server.RequestTimeout < 0 {
		return errors.New("durations must not be negative")
	}
	if c.GDB.Path == "" {
		return errors.New("gdb.path must not be empty")
	}
	return nil
}

// CanUseControlTools returns true if control tools are enabled
func (c *Config) CanUseControlTools() bool {
	return c.Mode == ModeFull
}

// CanSpawn returns true if launching programs is allowed
func (c *Config) CanSpawn() bool {
	return c.AllowSpawn
}

// CanAttach returns true if attaching to processes and remote targets is allowed
func (c *Config) CanAttach() bool {
	return c.AllowAttach
}

// CanModifyVariables returns true if variable modification is allowed
func (c *Config) CanModifyVariables() bool {
	return c.Mode == ModeFull && c.AllowModify
}

// CanEvaluate returns true if expression evaluation is allowed
func (c *Config) CanEvaluate() bool {
	return c.AllowExecute
}
