package config

import (
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/switchboard/internal/registry"
)

// Config represents the complete switchboard configuration.
type Config struct {
	Include  []string              `yaml:"include,omitempty"`
	Service  ServiceConfig         `yaml:"service"`
	State    StateConfig           `yaml:"state"`
	API      APIConfig             `yaml:"api,omitempty"`
	Timeouts TimeoutsConfig        `yaml:"timeouts,omitempty"`
	Accounts []AccountConfig       `yaml:"accounts"`
	Clients  []registry.Descriptor `yaml:"clients,omitempty"`

	// SourceFiles maps every loaded file to its parsed YAML tree.
	SourceFiles map[string]*yaml.Node `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	// RelaxedObserverJoin lets approval start once delaying observers have
	// returned instead of waiting for every observer.
	RelaxedObserverJoin bool `yaml:"relaxed_observer_join,omitempty"`
}

// StateConfig defines journal storage settings.
type StateConfig struct {
	Path           string        `yaml:"path"`
	JournalEnabled *bool         `yaml:"journal_enabled,omitempty"`
	Retention      time.Duration `yaml:"retention,omitempty"`
}

// Journaling reports whether finished operations should be persisted.
func (s StateConfig) Journaling() bool {
	return s.JournalEnabled == nil || *s.JournalEnabled
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is the single admin bearer token. Prefer Tokens for scoped access.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// TimeoutsConfig bounds every outbound call the engine makes.
type TimeoutsConfig struct {
	Observe    time.Duration `yaml:"observe,omitempty"`
	Approve    time.Duration `yaml:"approve,omitempty"`
	Handle     time.Duration `yaml:"handle,omitempty"`
	Connection time.Duration `yaml:"connection,omitempty"`
	// Grace is how long a client process gets between SIGTERM and SIGKILL.
	Grace time.Duration `yaml:"grace,omitempty"`
}

// AccountConfig declares one in-process connection to serve.
type AccountConfig struct {
	Name       string `yaml:"name"`
	Connection string `yaml:"connection"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "switchboard",
			LogLevel:  "info",
			LogFormat: "json",
		},
		State: StateConfig{
			Path:      "./data/switchboard.db",
			Retention: 30 * 24 * time.Hour,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
		Timeouts: TimeoutsConfig{
			Observe:    10 * time.Second,
			Approve:    10 * time.Second,
			Handle:     30 * time.Second,
			Connection: 30 * time.Second,
			Grace:      5 * time.Second,
		},
	}
}
