// Copyright 2026 The Consolegate Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Production  Environment = "production"
)

// Config is the gateway configuration.
type Config struct {
	Environment Environment `yaml:"environment"`

	// Host names this gateway in policy rules. Defaults to the system
	// host name.
	Host string `yaml:"host"`

	Listen     ListenConfig     `yaml:"listen"`
	Paths      PathsConfig      `yaml:"paths"`
	Session    SessionConfig    `yaml:"session"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Replica    ReplicaConfig    `yaml:"replica"`
	Watch      WatchConfig      `yaml:"watch"`
}

// ListenConfig configures the client and admin listeners.
type ListenConfig struct {
	// Address is the client TCP address. Empty disables TCP.
	Address string `yaml:"address"`

	// UnixSocket is an optional client unix socket. Connections on it
	// have origin "local".
	UnixSocket string `yaml:"unix_socket"`

	// AdminSocket serves the administrative endpoints.
	AdminSocket string `yaml:"admin_socket"`

	// ReusePort sets SO_REUSEPORT so several replicas can share
	// Address.
	ReusePort bool `yaml:"reuse_port"`

	TLS TLSConfig `yaml:"tls"`
}

// TLSConfig names a certificate and key. Both empty disables TLS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Enabled reports whether TLS is configured.
func (t TLSConfig) Enabled() bool { return t.CertFile != "" || t.KeyFile != "" }

// PathsConfig configures file and directory locations.
type PathsConfig struct {
	// State holds worker sockets, worker logs and the replica database.
	State string `yaml:"state"`

	// Registry is the module catalogue.
	Registry string `yaml:"registry"`

	// Policy is the rule file.
	Policy string `yaml:"policy"`

	// Users is the user file for the built-in authenticator.
	Users string `yaml:"users"`

	// Logs receives worker stdout/stderr. Defaults to State/logs.
	Logs string `yaml:"logs"`
}

// SessionConfig configures the session store.
type SessionConfig struct {
	Timeout     Duration `yaml:"timeout"`
	MaxSessions int      `yaml:"max_sessions"`
	CookieName  string   `yaml:"cookie_name"`
}

// GatewayConfig configures request handling.
type GatewayConfig struct {
	// Diagnostics exposes internal error detail to clients.
	Diagnostics bool `yaml:"diagnostics"`

	AssertionLifetime Duration `yaml:"assertion_lifetime"`
	CancelTimeout     Duration `yaml:"cancel_timeout"`

	// LoginInterval is the steady-state time between login attempts
	// from one origin; LoginBurst attempts may be made at once.
	LoginInterval Duration `yaml:"login_interval"`
	LoginBurst    int      `yaml:"login_burst"`
}

// SupervisorConfig configures worker processes.
type SupervisorConfig struct {
	// DefaultExecutable starts modules that name no executable.
	DefaultExecutable string   `yaml:"default_executable"`
	DefaultArgs       []string `yaml:"default_args"`

	// Env is added to every worker's environment.
	Env []string `yaml:"env"`

	IdleTimeout Duration `yaml:"idle_timeout"`
	GracePeriod Duration `yaml:"grace_period"`

	// MinAvailableMemory refuses spawns below this much free memory.
	MinAvailableMemory Size `yaml:"min_available_memory"`

	// LogRetain is how many compressed worker logs are kept per
	// module. Negative keeps every log uncompressed.
	LogRetain int `yaml:"log_retain"`
}

// ReplicaConfig configures the cross-process replica table.
type ReplicaConfig struct {
	// Database defaults to State/replicas.db.
	Database     string   `yaml:"database"`
	PollInterval Duration `yaml:"poll_interval"`
	StaleAfter   Duration `yaml:"stale_after"`
}

// WatchConfig configures reloading when the registry or policy file
// changes on disk.
type WatchConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Debounce Duration `yaml:"debounce"`
}

// Default returns the configuration a file is decoded over.
func Default() *Config {
	return &Config{
		Environment: Development,
		Listen: ListenConfig{
			Address:     "127.0.0.1:9090",
			AdminSocket: "${CONSOLEGATE_STATE}/admin.sock",
		},
		Paths: PathsConfig{
			State:    "/run/consolegate",
			Registry: "/etc/consolegate/modules.yaml",
			Policy:   "/etc/consolegate/policy.yaml",
			Users:    "/etc/consolegate/users.yaml",
			Logs:     "${CONSOLEGATE_STATE}/logs",
		},
		Session: SessionConfig{
			Timeout:     Duration(15 * time.Minute),
			MaxSessions: 1024,
			CookieName:  "consolegate_session",
		},
		Gateway: GatewayConfig{
			AssertionLifetime: Duration(5 * time.Minute),
			CancelTimeout:     Duration(5 * time.Second),
			LoginInterval:     Duration(time.Second),
			LoginBurst:        5,
		},
		Supervisor: SupervisorConfig{
			IdleTimeout: Duration(5 * time.Minute),
			GracePeriod: Duration(5 * time.Second),
			LogRetain:   10,
		},
		Replica: ReplicaConfig{
			Database:     "${CONSOLEGATE_STATE}/replicas.db",
			PollInterval: Duration(time.Second),
			StaleAfter:   Duration(30 * time.Second),
		},
		Watch: WatchConfig{
			Enabled:  true,
			Debounce: Duration(500 * time.Millisecond),
		},
	}
}

// Load loads the file named by CONSOLEGATE_CONFIG. It fails if the
// variable is unset.
func Load() (*Config, error) {
	configPath := os.Getenv("CONSOLEGATE_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("CONSOLEGATE_CONFIG environment variable not set; " +
			"set it to the path of your consolegate.yaml, or use --config")
	}
	return LoadFile(configPath)
}

// LoadFile decodes path over Default and expands path variables. The
// result is not validated.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if cfg.Host == "" {
		cfg.Host, _ = os.Hostname()
	}
	cfg.expandVariables()
	return cfg, nil
}

func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}
	c.Paths.State = expandVars(c.Paths.State, vars)
	vars["CONSOLEGATE_STATE"] = c.Paths.State

	for _, field := range []*string{
		&c.Paths.Registry,
		&c.Paths.Policy,
		&c.Paths.Users,
		&c.Paths.Logs,
		&c.Listen.UnixSocket,
		&c.Listen.AdminSocket,
		&c.Listen.TLS.CertFile,
		&c.Listen.TLS.KeyFile,
		&c.Replica.Database,
		&c.Supervisor.DefaultExecutable,
	} {
		*field = expandVars(*field, vars)
	}
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default}. vars take precedence
// over the process environment.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name, defaultValue := parts[1], parts[2]
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors, reporting all of them.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}
	if c.Environment == Production && c.Gateway.Diagnostics {
		errs = append(errs, errors.New("gateway.diagnostics must be off in production"))
	}
	if c.Listen.Address == "" && c.Listen.UnixSocket == "" {
		errs = append(errs, errors.New("listen.address or listen.unix_socket is required"))
	}
	if c.Listen.AdminSocket == "" {
		errs = append(errs, errors.New("listen.admin_socket is required"))
	}
	if c.Listen.TLS.Enabled() && (c.Listen.TLS.CertFile == "" || c.Listen.TLS.KeyFile == "") {
		errs = append(errs, errors.New("listen.tls needs both cert_file and key_file"))
	}
	if c.Listen.ReusePort && c.Listen.Address == "" {
		errs = append(errs, errors.New("listen.reuse_port requires listen.address"))
	}

	required := []struct {
		name  string
		value string
	}{
		{"paths.state", c.Paths.State},
		{"paths.registry", c.Paths.Registry},
		{"paths.policy", c.Paths.Policy},
		{"paths.users", c.Paths.Users},
		{"replica.database", c.Replica.Database},
		{"session.cookie_name", c.Session.CookieName},
	}
	for _, field := range required {
		if field.value == "" {
			errs = append(errs, fmt.Errorf("%s is required", field.name))
		}
	}

	positive := []struct {
		name  string
		value Duration
	}{
		{"session.timeout", c.Session.Timeout},
		{"gateway.assertion_lifetime", c.Gateway.AssertionLifetime},
		{"gateway.cancel_timeout", c.Gateway.CancelTimeout},
		{"gateway.login_interval", c.Gateway.LoginInterval},
		{"supervisor.grace_period", c.Supervisor.GracePeriod},
		{"replica.poll_interval", c.Replica.PollInterval},
		{"replica.stale_after", c.Replica.StaleAfter},
	}
	for _, field := range positive {
		if field.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", field.name))
		}
	}
	if c.Supervisor.IdleTimeout < 0 {
		errs = append(errs, errors.New("supervisor.idle_timeout must not be negative"))
	}
	if c.Replica.StaleAfter > 0 && c.Replica.StaleAfter <= c.Replica.PollInterval {
		errs = append(errs, errors.New("replica.stale_after must exceed replica.poll_interval"))
	}
	if c.Session.MaxSessions < 0 {
		errs = append(errs, errors.New("session.max_sessions must not be negative"))
	}
	if c.Gateway.LoginBurst < 1 {
		errs = append(errs, errors.New("gateway.login_burst must be at least 1"))
	}
	if c.Watch.Enabled && c.Watch.Debounce <= 0 {
		errs = append(errs, errors.New("watch.debounce must be positive when watch is enabled"))
	}

	return errors.Join(errs...)
}

// EnsurePaths creates the state and log directories.
func (c *Config) EnsurePaths() error {
	for _, path := range []string{c.Paths.State, c.Paths.Logs, filepath.Dir(c.Replica.Database)} {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0o700); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}
	return nil
}

// Duration is a time.Duration written as a Go duration string.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var text string
	if err := node.Decode(&text); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) { return d.String(), nil }

// Size is a byte count, written as a number with an optional KiB, MiB
// or GiB suffix.
type Size uint64

var sizeUnits = []struct {
	suffix string
	factor uint64
}{
	{"GiB", 1 << 30},
	{"MiB", 1 << 20},
	{"KiB", 1 << 10},
	{"B", 1},
}

// ParseSize parses a Size from text such as "512MiB".
func ParseSize(text string) (Size, error) {
	text = strings.TrimSpace(text)
	factor := uint64(1)
	for _, unit := range sizeUnits {
		if trimmed, ok := strings.CutSuffix(text, unit.suffix); ok {
			text, factor = strings.TrimSpace(trimmed), unit.factor
			break
		}
	}
	value, err := strconv.ParseUint(text, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", text)
	}
	return Size(value * factor), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *Size) UnmarshalYAML(node *yaml.Node) error {
	var text string
	if err := node.Decode(&text); err != nil {
		return err
	}
	parsed, err := ParseSize(text)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*s = parsed
	return nil
}
