package fabric

import (
	"github.com/yanet-platform/srv6-usid/internal/mastership"
	"github.com/yanet-platform/srv6-usid/internal/topology"
)

// linkRelevant admits added links with at least one locally owned endpoint.
//
// Updated and removed links are never handled: entries of removed links
// are not retracted.
func linkRelevant(ev topology.Event, oracle mastership.Oracle) bool {
	if ev.Kind != topology.EventLinkAdded {
		return false
	}
	return oracle.IsLocalOwner(ev.Link.Src.Device) || oracle.IsLocalOwner(ev.Link.Dst.Device)
}

// deviceRelevant admits added or availability-changed devices that are
// locally owned and currently available.
func deviceRelevant(ev topology.Event, oracle mastership.Oracle, topo topology.Service) bool {
	switch ev.Kind {
	case topology.EventDeviceAdded, topology.EventDeviceAvailabilityChanged:
	default:
		return false
	}
	return oracle.IsLocalOwner(ev.Device.ID) && topo.IsAvailable(ev.Device.ID)
}

// ownedEndpoints returns the locally owned endpoints of the link, source
// first.
func ownedEndpoints(link topology.Link, oracle mastership.Oracle) []topology.DeviceID {
	devices := make([]topology.DeviceID, 0, 2)
	if oracle.IsLocalOwner(link.Src.Device) {
		devices = append(devices, link.Src.Device)
	}
	if link.Dst.Device != link.Src.Device && oracle.IsLocalOwner(link.Dst.Device) {
		devices = append(devices, link.Dst.Device)
	}
	return devices
}
