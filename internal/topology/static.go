package topology

import (
	"fmt"
)

// StaticConfig describes a fixed topology, typically a lab fabric.
type StaticConfig struct {
	Devices []StaticDevice `yaml:"devices"`
	Links   []StaticLink   `yaml:"links"`
}

// StaticDevice is a device of a static topology.
type StaticDevice struct {
	ID DeviceID `yaml:"id"`
	// Available defaults to true.
	Available *bool `yaml:"available"`
}

// StaticLink is a link of a static topology.
type StaticLink struct {
	// Src is the source connect point in the "<device>/<port>" form.
	Src string `yaml:"src"`
	// Dst is the destination connect point in the "<device>/<port>" form.
	Dst string `yaml:"dst"`
	// Bidirectional also adds the reverse link.
	Bidirectional bool `yaml:"bidirectional"`
}

// Validate checks that every link refers to a declared device.
func (m *StaticConfig) Validate() error {
	devices := map[DeviceID]struct{}{}
	for _, device := range m.Devices {
		if device.ID == "" {
			return fmt.Errorf("static device with empty id")
		}
		if _, ok := devices[device.ID]; ok {
			return fmt.Errorf("duplicate static device %q", device.ID)
		}
		devices[device.ID] = struct{}{}
	}

	for idx, link := range m.Links {
		l, err := link.parse()
		if err != nil {
			return fmt.Errorf("link #%d: %w", idx, err)
		}
		for _, id := range []DeviceID{l.Src.Device, l.Dst.Device} {
			if _, ok := devices[id]; !ok {
				return fmt.Errorf("link #%d refers to undeclared device %q", idx, id)
			}
		}
	}

	return nil
}

func (m StaticLink) parse() (Link, error) {
	src, err := ParseConnectPoint(m.Src)
	if err != nil {
		return Link{}, err
	}
	dst, err := ParseConnectPoint(m.Dst)
	if err != nil {
		return Link{}, err
	}
	return Link{Src: src, Dst: dst}, nil
}

// LoadStatic populates the store with the static topology.
//
// Devices are added before links, so link listeners can resolve both
// endpoints.
func LoadStatic(store *Store, cfg *StaticConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid static topology: %w", err)
	}

	for _, device := range cfg.Devices {
		available := true
		if device.Available != nil {
			available = *device.Available
		}
		store.PutDevice(Device{ID: device.ID, Available: available})
	}

	for _, link := range cfg.Links {
		l, err := link.parse()
		if err != nil {
			return err
		}
		store.PutLink(l)
		if link.Bidirectional {
			store.PutLink(Link{Src: l.Dst, Dst: l.Src})
		}
	}

	return nil
}
