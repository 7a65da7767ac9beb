package admin

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the admin API configuration.
type Config config
type config struct {
	// Endpoint is the HTTP endpoint the admin API listens on.
	Endpoint string `yaml:"endpoint"`
	// ShutdownTimeout bounds graceful shutdown of in-flight requests.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

func DefaultConfig() *Config {
	return &Config{
		Endpoint:        "127.0.0.1:8181",
		ShutdownTimeout: 5 * time.Second,
	}
}

// UnmarshalYAML serves as a proxy for validation.
func (m *Config) UnmarshalYAML(value *yaml.Node) error {
	if err := value.Decode((*config)(m)); err != nil {
		return err
	}
	return m.Validate()
}

// Validate validates the admin API configuration.
func (m *Config) Validate() error {
	if m.Endpoint == "" {
		return fmt.Errorf("admin endpoint is required")
	}
	if m.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive")
	}
	return nil
}
