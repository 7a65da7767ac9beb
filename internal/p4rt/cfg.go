package p4rt

import (
	"fmt"
	"time"

	"github.com/c2h5oh/datasize"
	p4v1 "github.com/p4lang/p4runtime/go/p4/v1"
	"gopkg.in/yaml.v3"

	"github.com/yanet-platform/srv6-usid/internal/topology"
)

// Atomicity modes of multi-entry writes.
const (
	AtomicityContinueOnError = "continue_on_error"
	AtomicityRollbackOnError = "rollback_on_error"
)

// Config is the P4Runtime flow table configuration.
type Config config
type config struct {
	// P4Info is the path to the P4Info file of the pipeline in protobuf
	// text format.
	P4Info string `yaml:"p4info"`
	// ElectionID is the election ID used for primary arbitration.
	//
	// Must be the highest among controllers so that writes are accepted.
	ElectionID uint64 `yaml:"election_id"`
	// Role is the P4Runtime role name, empty for the default role.
	Role string `yaml:"role"`
	// Atomicity is the atomicity of multi-entry writes, either
	// "continue_on_error" or "rollback_on_error".
	Atomicity string `yaml:"atomicity"`
	// RequestTimeout bounds every unary request.
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// MaxReconnectInterval caps the reconnect backoff.
	MaxReconnectInterval time.Duration `yaml:"max_reconnect_interval"`
	// MaxRecvMsgSize is the maximum size of a received gRPC message.
	MaxRecvMsgSize datasize.ByteSize `yaml:"max_recv_msg_size"`
	// Devices are the P4Runtime targets.
	Devices []DeviceConfig `yaml:"devices"`
}

// DeviceConfig describes a single P4Runtime target.
type DeviceConfig struct {
	// ID is the topology device ID, e.g. "device:r1".
	ID topology.DeviceID `yaml:"id"`
	// Endpoint is the gRPC endpoint of the P4Runtime server.
	Endpoint string `yaml:"endpoint"`
	// DeviceID is the P4Runtime device ID.
	DeviceID uint64 `yaml:"device_id"`
}

func DefaultConfig() *Config {
	return &Config{
		P4Info:               "/etc/srv6-usid/p4info.txt",
		ElectionID:           10,
		Atomicity:            AtomicityContinueOnError,
		RequestTimeout:       10 * time.Second,
		MaxReconnectInterval: 30 * time.Second,
		MaxRecvMsgSize:       16 * datasize.MB,
	}
}

// UnmarshalYAML serves as a proxy for validation.
func (m *Config) UnmarshalYAML(value *yaml.Node) error {
	if err := value.Decode((*config)(m)); err != nil {
		return err
	}
	return m.Validate()
}

// Validate validates the P4Runtime configuration.
func (m *Config) Validate() error {
	if m.P4Info == "" {
		return fmt.Errorf("P4Info path is required")
	}
	if m.ElectionID == 0 {
		return fmt.Errorf("election ID must be positive")
	}
	if _, err := m.atomicity(); err != nil {
		return err
	}
	if m.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive")
	}
	if m.MaxReconnectInterval <= 0 {
		return fmt.Errorf("max reconnect interval must be positive")
	}
	if m.MaxRecvMsgSize < datasize.KB {
		return fmt.Errorf("max receive message size %s is too small", m.MaxRecvMsgSize.HR())
	}

	ids := map[topology.DeviceID]struct{}{}
	for idx, dev := range m.Devices {
		if dev.ID == "" {
			return fmt.Errorf("device #%d: ID is required", idx)
		}
		if dev.Endpoint == "" {
			return fmt.Errorf("device %s: endpoint is required", dev.ID)
		}
		if _, ok := ids[dev.ID]; ok {
			return fmt.Errorf("device %s is declared twice", dev.ID)
		}
		ids[dev.ID] = struct{}{}
	}
	return nil
}

func (m *Config) atomicity() (p4v1.WriteRequest_Atomicity, error) {
	switch m.Atomicity {
	case AtomicityContinueOnError:
		return p4v1.WriteRequest_CONTINUE_ON_ERROR, nil
	case AtomicityRollbackOnError:
		return p4v1.WriteRequest_ROLLBACK_ON_ERROR, nil
	default:
		return 0, fmt.Errorf("unknown atomicity %q", m.Atomicity)
	}
}
