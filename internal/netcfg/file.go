package netcfg

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/yanet-platform/srv6-usid/internal/topology"
)

// SectionKey is the name of the per-device configuration section.
const SectionKey = "srv6DeviceConfig"

// File is the network configuration document.
//
// Both YAML and JSON are accepted, so an existing netcfg.json can be used
// as is:
//
//	{"devices": {"device:r1": {"srv6DeviceConfig": {"myStationMac": "..."}}}}
//
// Devices without the section are skipped, as are unrelated sections.
type File struct {
	Devices map[topology.DeviceID]FileDevice `json:"devices" yaml:"devices"`
}

// FileDevice is a per-device entry of the network configuration document.
type FileDevice struct {
	SRv6 *Object `json:"srv6DeviceConfig,omitempty" yaml:"srv6DeviceConfig"`
}

// Objects returns the SRv6 configuration objects of the document.
func (m *File) Objects() map[topology.DeviceID]Object {
	objects := map[topology.DeviceID]Object{}
	for id, device := range m.Devices {
		if device.SRv6 != nil {
			objects[id] = *device.SRv6
		}
	}
	return objects
}

// ParseFile parses a network configuration document.
func ParseFile(buf []byte) (*File, error) {
	file := &File{}
	if err := yaml.Unmarshal(buf, file); err != nil {
		return nil, fmt.Errorf("failed to deserialize network config: %w", err)
	}
	return file, nil
}

// LoadFile reads a network configuration document from the given path.
func LoadFile(path string) (*File, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read network config file: %w", err)
	}
	return ParseFile(buf)
}

// NewFileStore creates a store populated from the given document path.
func NewFileStore(path string) (*MemoryStore, error) {
	file, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	return NewMemoryStore(file.Objects()), nil
}
