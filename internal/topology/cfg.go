package topology

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

const (
	// KindStatic selects a topology declared in the configuration file.
	KindStatic = "static"
	// KindEtcd selects EtcdFeed.
	KindEtcd = "etcd"
)

// Config is the topology source configuration.
type Config config
type config struct {
	// Kind is either "static" or "etcd".
	Kind string `yaml:"kind"`
	// Static is the topology used by the static source.
	Static StaticConfig `yaml:"static"`
	// Prefix is the etcd key prefix of the topology.
	Prefix string `yaml:"prefix"`
}

func DefaultConfig() *Config {
	return &Config{
		Kind:   KindStatic,
		Prefix: DefaultEtcdPrefix,
	}
}

// UnmarshalYAML serves as a proxy for validation.
func (m *Config) UnmarshalYAML(value *yaml.Node) error {
	if err := value.Decode((*config)(m)); err != nil {
		return err
	}
	return m.Validate()
}

// Validate validates the topology source configuration.
func (m *Config) Validate() error {
	switch m.Kind {
	case KindStatic:
		return m.Static.Validate()
	case KindEtcd:
		if m.Prefix == "" {
			return fmt.Errorf("topology etcd prefix is required")
		}
	default:
		return fmt.Errorf("unknown topology kind %q", m.Kind)
	}
	return nil
}
