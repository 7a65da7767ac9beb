package netcfg

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/yanet-platform/srv6-usid/internal/topology"
)

var (
	// ErrConfigMissing is returned when a device has no SRv6 configuration
	// or one of its required attributes is absent.
	ErrConfigMissing = errors.New("device config missing")
	// ErrConfigInvalid is returned when a configured attribute cannot be
	// parsed.
	ErrConfigInvalid = errors.New("device config invalid")
)

// Object is a raw per-device configuration object as it is stored.
//
// Attribute names follow the "srv6DeviceConfig" network configuration
// section.
type Object struct {
	// MyStationMAC is the MAC address of the device.
	MyStationMAC string `json:"myStationMac,omitempty" yaml:"myStationMac"`
	// UN is the micro-segment locator of the device.
	UN string `json:"uN,omitempty" yaml:"uN"`
	// UDX is the optional decapsulate-and-cross-connect SID.
	UDX string `json:"uDX,omitempty" yaml:"uDX"`
	// IsCore marks spine devices.
	IsCore bool `json:"isCore,omitempty" yaml:"isCore"`
}

// DeviceConfig is a parsed, immutable-per-read device configuration.
type DeviceConfig struct {
	StationMAC net.HardwareAddr
	// USID is the device micro-segment prefix.
	USID netip.Addr
	// UDX is the zero value when no cross-connect is configured.
	UDX    netip.Addr
	IsCore bool
}

// HasUDX reports whether a cross-connect SID is configured.
func (m DeviceConfig) HasUDX() bool {
	return m.UDX.IsValid()
}

// Parse validates the object and converts it to a DeviceConfig.
func (m *Object) Parse() (DeviceConfig, error) {
	if m.MyStationMAC == "" {
		return DeviceConfig{}, fmt.Errorf("%w: myStationMac is not set", ErrConfigMissing)
	}
	if m.UN == "" {
		return DeviceConfig{}, fmt.Errorf("%w: uN is not set", ErrConfigMissing)
	}

	mac, err := net.ParseMAC(m.MyStationMAC)
	if err != nil || len(mac) != 6 {
		return DeviceConfig{}, fmt.Errorf("%w: malformed myStationMac %q", ErrConfigInvalid, m.MyStationMAC)
	}

	usid, err := parseIPv6(m.UN)
	if err != nil {
		return DeviceConfig{}, fmt.Errorf("%w: uN: %w", ErrConfigInvalid, err)
	}

	cfg := DeviceConfig{
		StationMAC: mac,
		USID:       usid,
		IsCore:     m.IsCore,
	}
	if m.UDX != "" {
		cfg.UDX, err = parseIPv6(m.UDX)
		if err != nil {
			return DeviceConfig{}, fmt.Errorf("%w: uDX: %w", ErrConfigInvalid, err)
		}
	}

	return cfg, nil
}

// parseIPv6 accepts both a plain address and an address with a prefix
// length, e.g. "fcbb:bb00:1::" and "fcbb:bb00:1::/48".
func parseIPv6(s string) (netip.Addr, error) {
	var addr netip.Addr
	var err error
	if strings.Contains(s, "/") {
		var prefix netip.Prefix
		prefix, err = netip.ParsePrefix(s)
		addr = prefix.Addr()
	} else {
		addr, err = netip.ParseAddr(s)
	}
	if err != nil {
		return netip.Addr{}, err
	}
	if !addr.Is6() || addr.Is4In6() {
		return netip.Addr{}, fmt.Errorf("%q is not an IPv6 address", s)
	}
	return addr, nil
}

// Store provides raw configuration objects.
type Store interface {
	// Get returns the configuration object of the device, if any.
	Get(id topology.DeviceID) (*Object, bool)
}

// Resolver resolves per-device configuration.
//
// It never caches: every call reads the store again, so configuration edits
// are picked up by the next synthesis pass.
type Resolver struct {
	store Store
}

// NewResolver creates a new resolver over the given store.
func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve returns the configuration of the device.
//
// Errors wrap ErrConfigMissing or ErrConfigInvalid.
func (m *Resolver) Resolve(id topology.DeviceID) (DeviceConfig, error) {
	obj, ok := m.store.Get(id)
	if !ok || obj == nil {
		return DeviceConfig{}, fmt.Errorf("%w: no config object for %s", ErrConfigMissing, id)
	}

	cfg, err := obj.Parse()
	if err != nil {
		return DeviceConfig{}, fmt.Errorf("%s: %w", id, err)
	}
	return cfg, nil
}

// StationMAC returns the station MAC of the device.
func (m *Resolver) StationMAC(id topology.DeviceID) (net.HardwareAddr, error) {
	cfg, err := m.Resolve(id)
	if err != nil {
		return nil, err
	}
	return cfg.StationMAC, nil
}
