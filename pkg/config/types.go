package config

import (
	"fmt"
	"time"

	"github.com/projup/projup/pkg/engine"
)

// Config is the decoded projup.cue.
type Config struct {
	// Solution is the manifest path. Flags may override it.
	Solution string `json:"solution,omitempty"`

	// Root is the directory scanned for project files.
	Root string `json:"root,omitempty"`

	Extensions []string `json:"extensions" validate:"min=1,dive,startswith=."`

	Retry RetryConfig `json:"retry"`

	// Parallelism bounds the concurrent retarget units.
	Parallelism int `json:"parallelism" validate:"min=1,max=64"`

	VisualStudio    string `json:"visualStudio" validate:"oneof=2013 2015"`
	TargetFramework string `json:"targetFramework" validate:"required"`
	ClientProfile   bool   `json:"clientProfile"`

	Session   SessionConfig   `json:"session"`
	Policy    PolicyConfig    `json:"policy"`
	Hooks     HooksConfig     `json:"hooks"`
	Store     StoreConfig     `json:"store"`
	Telemetry TelemetryConfig `json:"telemetry"`
	Watch     WatchConfig     `json:"watch"`
}

// RetryConfig holds the retry budgets of the engine.
type RetryConfig struct {
	MaxAttempts         int    `json:"maxAttempts" validate:"min=1"`
	AddAttempts         int    `json:"addAttempts" validate:"min=1"`
	UnitAttempts        int    `json:"unitAttempts" validate:"min=1"`
	SessionAttempts     int    `json:"sessionAttempts" validate:"min=1"`
	Delay               string `json:"delay" validate:"duration"`
	FailFastOnPermanent bool   `json:"failFastOnPermanent"`
}

// SessionConfig selects the automation session.
type SessionConfig struct {
	Kind   string        `json:"kind" validate:"oneof=solution-file memory remote"`
	Remote *RemoteConfig `json:"remote,omitempty" validate:"required_if=Kind remote"`
}

// RemoteConfig describes how projup-host is started.
type RemoteConfig struct {
	Transport      string     `json:"transport" validate:"oneof=local ssh"`
	HostBinary     string     `json:"hostBinary,omitempty" validate:"required_without=RemotePath"`
	RemotePath     string     `json:"remotePath,omitempty"`
	TTL            string     `json:"ttl" validate:"duration"`
	StartupTimeout string     `json:"startupTimeout" validate:"duration"`
	CommandTimeout string     `json:"commandTimeout" validate:"duration"`
	SSH            *SSHConfig `json:"ssh,omitempty" validate:"required_if=Transport ssh"`
}

// SSHConfig is the connection to the machine running projup-host.
type SSHConfig struct {
	Host                  string `json:"host" validate:"required"`
	Port                  int    `json:"port" validate:"min=1,max=65535"`
	User                  string `json:"user" validate:"required"`
	AuthMethod            string `json:"authMethod" validate:"oneof=key password"`
	Password              string `json:"password,omitempty"`
	PrivateKeyPath        string `json:"privateKeyPath,omitempty"`
	KnownHostsPath        string `json:"knownHostsPath,omitempty"`
	StrictHostKeyChecking bool   `json:"strictHostKeyChecking"`
}

// PolicyConfig selects the retarget guard policies.
type PolicyConfig struct {
	// Dir holds additional .rego files.
	Dir string `json:"dir,omitempty"`
	// Builtin names built-in policies to enable, e.g. "no-downgrade".
	Builtin []string `json:"builtin"`
}

// HooksConfig configures the Starlark moniker hook.
type HooksConfig struct {
	MonikerScript string            `json:"monikerScript,omitempty"`
	Vars          map[string]string `json:"vars"`
}

// StoreConfig configures the run history database.
type StoreConfig struct {
	Path    string `json:"path" validate:"required_if=Enabled true"`
	Enabled bool   `json:"enabled"`
}

// TelemetryConfig configures logs, metrics and traces.
type TelemetryConfig struct {
	LogLevel        string `json:"logLevel" validate:"oneof=debug info warn error"`
	MetricsAddr     string `json:"metricsAddr,omitempty" validate:"omitempty,hostname_port"`
	MetricsTextfile string `json:"metricsTextfile,omitempty"`
	Tracing         string `json:"tracing" validate:"oneof=none stdout otlp"`
	OTLPEndpoint    string `json:"otlpEndpoint,omitempty" validate:"required_if=Tracing otlp"`
}

// WatchConfig configures aggregate --watch.
type WatchConfig struct {
	Debounce string `json:"debounce" validate:"duration"`
}

// RetryDelay returns the parsed retry delay.
func (c *Config) RetryDelay() time.Duration {
	return mustDuration(c.Retry.Delay)
}

// WatchDebounce returns the parsed watch debounce.
func (c *Config) WatchDebounce() time.Duration {
	return mustDuration(c.Watch.Debounce)
}

// Timeouts returns the parsed host time to live, startup and command timeouts.
func (r *RemoteConfig) Timeouts() (ttl, startup, command time.Duration) {
	return mustDuration(r.TTL), mustDuration(r.StartupTimeout), mustDuration(r.CommandTimeout)
}

// Target returns the configured target framework descriptor.
func (c *Config) Target() (engine.TargetFramework, error) {
	v, err := engine.ParseFrameworkVersion(c.TargetFramework)
	if err != nil {
		return engine.TargetFramework{}, err
	}
	return engine.TargetFramework{Version: v, ClientProfile: c.ClientProfile}, nil
}

// EngineOptions maps the retry and scan settings onto engine options.
func (c *Config) EngineOptions() engine.Options {
	return engine.Options{
		MaxAttempts:         c.Retry.MaxAttempts,
		AddAttempts:         c.Retry.AddAttempts,
		UnitAttempts:        c.Retry.UnitAttempts,
		SessionAttempts:     c.Retry.SessionAttempts,
		RetryDelay:          c.RetryDelay(),
		Parallelism:         c.Parallelism,
		Extensions:          c.Extensions,
		FailFastOnPermanent: c.Retry.FailFastOnPermanent,
	}
}

// mustDuration parses a duration validated on load. Invalid text yields 0,
// which the engine replaces with its default.
func mustDuration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

// ValidationError represents a configuration error with its location.
type ValidationError struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	switch {
	case e.File != "" && e.Line > 0:
		return fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Column, e.Message)
	case e.Path != "":
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	default:
		return e.Message
	}
}

// LoadError carries every problem found while loading a config.
type LoadError struct {
	Errors []ValidationError
}

func (e *LoadError) Error() string {
	if len(e.Errors) == 1 {
		return "invalid config: " + e.Errors[0].String()
	}
	return fmt.Sprintf("invalid config: %s (and %d more)", e.Errors[0].String(), len(e.Errors)-1)
}
