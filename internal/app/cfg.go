package app

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/yanet-platform/srv6-usid/internal/admin"
	"github.com/yanet-platform/srv6-usid/internal/etcdx"
	"github.com/yanet-platform/srv6-usid/internal/executor"
	"github.com/yanet-platform/srv6-usid/internal/fabric"
	"github.com/yanet-platform/srv6-usid/internal/logging"
	"github.com/yanet-platform/srv6-usid/internal/mastership"
	"github.com/yanet-platform/srv6-usid/internal/netcfg"
	"github.com/yanet-platform/srv6-usid/internal/p4rt"
	"github.com/yanet-platform/srv6-usid/internal/topology"
)

// DefaultAppID is the application identity stamped on every installed
// entry.
const DefaultAppID = "org.onosproject.srv6-usid"

const (
	// FlowTableMemory keeps entries in memory, which is useful as a dry run.
	FlowTableMemory = "memory"
	// FlowTableP4Runtime programs devices over P4Runtime.
	FlowTableP4Runtime = "p4runtime"
)

type Config config
type config struct {
	// Logging configuration.
	Logging logging.Config `yaml:"logging"`
	// AppID is the application identity of installed entries.
	AppID string `yaml:"app_id"`
	// NodeID identifies this controller instance in mastership elections.
	//
	// Defaults to a random UUID.
	NodeID string `yaml:"node_id"`
	// InitialSetupDelay is the delay between startup and the initial
	// convergence sweep.
	InitialSetupDelay time.Duration `yaml:"initial_setup_delay"`
	// Executor is the worker pool configuration.
	Executor *executor.Config `yaml:"executor"`
	// Topology is the topology source configuration.
	Topology *topology.Config `yaml:"topology"`
	// Mastership is the device ownership configuration.
	Mastership *mastership.Config `yaml:"mastership"`
	// NetCfg is the per-device configuration store configuration.
	NetCfg *netcfg.Config `yaml:"netcfg"`
	// FlowTable is the flow table configuration.
	FlowTable *FlowTableConfig `yaml:"flow_table"`
	// Admin is the admin API configuration.
	Admin *admin.Config `yaml:"admin"`
	// Etcd is the etcd client configuration, used when any of the
	// sources above is etcd-backed.
	Etcd *etcdx.Config `yaml:"etcd"`
}

// FlowTableConfig selects where entries are installed.
type FlowTableConfig struct {
	// Kind is either "memory" or "p4runtime".
	Kind string `yaml:"kind"`
	// P4Runtime is the P4Runtime configuration.
	P4Runtime *p4rt.Config `yaml:"p4runtime"`
}

func DefaultConfig() *Config {
	return &Config{
		Logging: logging.Config{
			Level: zapcore.InfoLevel,
		},
		AppID:             DefaultAppID,
		NodeID:            uuid.NewString(),
		InitialSetupDelay: fabric.DefaultInitialSetupDelay,
		Executor:          executor.DefaultConfig(),
		Topology:          topology.DefaultConfig(),
		Mastership:        mastership.DefaultConfig(),
		NetCfg:            netcfg.DefaultConfig(),
		FlowTable: &FlowTableConfig{
			Kind:      FlowTableMemory,
			P4Runtime: p4rt.DefaultConfig(),
		},
		Admin: admin.DefaultConfig(),
		Etcd:  etcdx.DefaultConfig(),
	}
}

// LoadConfig loads the configuration from the given path.
func LoadConfig(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(buf, cfg); err != nil {
		return nil, fmt.Errorf("failed to deserialize config: %w", err)
	}

	return cfg, nil
}

// UnmarshalYAML serves as a proxy for validation.
func (m *Config) UnmarshalYAML(value *yaml.Node) error {
	if err := value.Decode((*config)(m)); err != nil {
		return err
	}
	return m.Validate()
}

// Validate validates the configuration.
func (m *Config) Validate() error {
	if m.AppID == "" {
		return fmt.Errorf("app ID is required")
	}
	if m.NodeID == "" {
		return fmt.Errorf("node ID is required")
	}
	if m.InitialSetupDelay < 0 {
		return fmt.Errorf("initial setup delay must not be negative, got %s", m.InitialSetupDelay)
	}
	if err := m.Executor.Validate(); err != nil {
		return fmt.Errorf("executor: %w", err)
	}

	switch m.FlowTable.Kind {
	case FlowTableMemory:
	case FlowTableP4Runtime:
		if len(m.FlowTable.P4Runtime.Devices) == 0 {
			return fmt.Errorf("p4runtime flow table requires at least one device")
		}
	default:
		return fmt.Errorf("unknown flow table kind %q", m.FlowTable.Kind)
	}

	if m.usesEtcd() && len(m.Etcd.Endpoints) == 0 {
		return fmt.Errorf("etcd endpoints are required")
	}
	return nil
}

func (m *Config) usesEtcd() bool {
	return m.Topology.Kind == topology.KindEtcd ||
		m.Mastership.Kind == mastership.KindEtcd ||
		m.NetCfg.Kind == netcfg.KindEtcd
}
