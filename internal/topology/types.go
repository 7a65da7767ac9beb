package topology

import (
	"fmt"
	"strconv"
	"strings"
)

// DeviceID is an opaque device identity, e.g. "device:r1".
type DeviceID string

func (m DeviceID) String() string {
	return string(m)
}

// Device is a network device known to the topology.
type Device struct {
	ID DeviceID
	// Available is true while the device has an established control session
	// and a pipeline installed.
	Available bool
}

// ConnectPoint is a port on a device.
type ConnectPoint struct {
	Device DeviceID
	Port   uint32
}

// ParseConnectPoint parses a connect point in the "<device>/<port>" form,
// e.g. "device:r1/3".
func ParseConnectPoint(s string) (ConnectPoint, error) {
	idx := strings.LastIndexByte(s, '/')
	if idx <= 0 || idx == len(s)-1 {
		return ConnectPoint{}, fmt.Errorf("malformed connect point %q: expected <device>/<port>", s)
	}

	port, err := strconv.ParseUint(s[idx+1:], 10, 32)
	if err != nil {
		return ConnectPoint{}, fmt.Errorf("malformed port in connect point %q: %w", s, err)
	}

	return ConnectPoint{
		Device: DeviceID(s[:idx]),
		Port:   uint32(port),
	}, nil
}

func (m ConnectPoint) String() string {
	return fmt.Sprintf("%s/%d", m.Device, m.Port)
}

// Link is a directed infrastructure link between two connect points.
type Link struct {
	Src ConnectPoint
	Dst ConnectPoint
}

func (m Link) String() string {
	return fmt.Sprintf("%s -> %s", m.Src, m.Dst)
}

// EventKind is the kind of a topology event.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventDeviceAdded
	EventDeviceAvailabilityChanged
	EventDeviceRemoved
	EventLinkAdded
	EventLinkUpdated
	EventLinkRemoved
)

func (m EventKind) String() string {
	switch m {
	case EventDeviceAdded:
		return "DEVICE_ADDED"
	case EventDeviceAvailabilityChanged:
		return "DEVICE_AVAILABILITY_CHANGED"
	case EventDeviceRemoved:
		return "DEVICE_REMOVED"
	case EventLinkAdded:
		return "LINK_ADDED"
	case EventLinkUpdated:
		return "LINK_UPDATED"
	case EventLinkRemoved:
		return "LINK_REMOVED"
	default:
		return "UNKNOWN"
	}
}

// IsDeviceEvent reports whether the event subject is a device.
func (m EventKind) IsDeviceEvent() bool {
	switch m {
	case EventDeviceAdded, EventDeviceAvailabilityChanged, EventDeviceRemoved:
		return true
	}
	return false
}

// IsLinkEvent reports whether the event subject is a link.
func (m EventKind) IsLinkEvent() bool {
	switch m {
	case EventLinkAdded, EventLinkUpdated, EventLinkRemoved:
		return true
	}
	return false
}

// Event is a topology change notification.
//
// Exactly one of Device and Link is meaningful, depending on Kind.
type Event struct {
	Kind   EventKind
	Device Device
	Link   Link
}

// Listener receives topology events.
//
// Listeners are called from the goroutine that mutates the topology and must
// not block.
type Listener func(Event)

// Subscription is a handle for a registered listener.
type Subscription interface {
	// Close unregisters the listener. Calling it more than once is a no-op.
	Close()
}

// Service is a read-only view of the network topology with change
// notifications.
type Service interface {
	// Device returns the device with the given ID.
	Device(id DeviceID) (Device, bool)
	// AvailableDevices returns all devices that are currently available.
	AvailableDevices() []Device
	// IsAvailable reports whether the device is known and available.
	IsAvailable(id DeviceID) bool
	// EgressLinks returns all links whose source is the given device.
	EgressLinks(id DeviceID) []Link
	// Subscribe registers a listener for topology events.
	Subscribe(listener Listener) Subscription
}
