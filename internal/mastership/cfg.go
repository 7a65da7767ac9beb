package mastership

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// KindStatic selects StaticOracle.
	KindStatic = "static"
	// KindEtcd selects EtcdOracle.
	KindEtcd = "etcd"
)

// Config is the mastership configuration.
type Config config
type config struct {
	// Kind is either "static" or "etcd".
	Kind string `yaml:"kind"`
	// Owned is the list of device ID glob patterns owned by this instance.
	//
	// Used only by the static oracle.
	Owned []string `yaml:"owned"`
	// Prefix is the etcd key prefix under which per-device elections run.
	Prefix string `yaml:"prefix"`
	// SessionTTL is the etcd lease TTL backing the elections.
	//
	// Ownership of a crashed instance moves to another one after this
	// timeout.
	SessionTTL time.Duration `yaml:"session_ttl"`
}

func DefaultConfig() *Config {
	return &Config{
		Kind:       KindStatic,
		Owned:      []string{"*"},
		Prefix:     DefaultEtcdPrefix,
		SessionTTL: 10 * time.Second,
	}
}

// UnmarshalYAML serves as a proxy for validation.
func (m *Config) UnmarshalYAML(value *yaml.Node) error {
	if err := value.Decode((*config)(m)); err != nil {
		return err
	}
	return m.Validate()
}

// Validate validates the mastership configuration.
func (m *Config) Validate() error {
	switch m.Kind {
	case KindStatic:
		if _, err := NewStaticOracle(m.Owned); err != nil {
			return err
		}
	case KindEtcd:
		if m.SessionTTL < time.Second {
			return fmt.Errorf("session TTL must be at least 1s, got %s", m.SessionTTL)
		}
	default:
		return fmt.Errorf("unknown mastership kind %q", m.Kind)
	}
	return nil
}
