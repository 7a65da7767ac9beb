package netcfg

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

const (
	// KindFile selects a store populated from a network config document.
	KindFile = "file"
	// KindEtcd selects EtcdStore.
	KindEtcd = "etcd"
)

// Config is the configuration store configuration.
type Config config
type config struct {
	// Kind is either "file" or "etcd".
	Kind string `yaml:"kind"`
	// Path is the network config document path.
	//
	// Used only by the file store.
	Path string `yaml:"path"`
	// Prefix is the etcd key prefix of device configs.
	Prefix string `yaml:"prefix"`
}

func DefaultConfig() *Config {
	return &Config{
		Kind:   KindFile,
		Path:   "/etc/srv6-usid/netcfg.yaml",
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

// Validate validates the configuration store configuration.
func (m *Config) Validate() error {
	switch m.Kind {
	case KindFile:
		if m.Path == "" {
			return fmt.Errorf("network config path is required")
		}
	case KindEtcd:
		if m.Prefix == "" {
			return fmt.Errorf("network config etcd prefix is required")
		}
	default:
		return fmt.Errorf("unknown network config kind %q", m.Kind)
	}
	return nil
}
