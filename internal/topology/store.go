package topology

import (
	"cmp"
	"maps"
	"slices"
	"sync"

	"go.uber.org/zap"
)

var _ Service = (*Store)(nil)

// Option is a function that configures the topology store.
type Option func(*options)

// WithLog configures the topology store with a logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}

type options struct {
	Log *zap.SugaredLogger
}

func newOptions() *options {
	return &options{
		Log: zap.NewNop().Sugar(),
	}
}

// Store is an in-memory topology.
//
// Feeds mutate it and every mutation that changes the topology is
// broadcast to the subscribed listeners.
type Store struct {
	mu      sync.RWMutex
	devices map[DeviceID]Device
	egress  map[DeviceID]map[Link]struct{}

	listenersMu sync.Mutex
	listeners   map[uint64]Listener
	nextID      uint64

	log *zap.SugaredLogger
}

// NewStore creates an empty topology store.
func NewStore(options ...Option) *Store {
	opts := newOptions()
	for _, o := range options {
		o(opts)
	}

	return &Store{
		devices:   map[DeviceID]Device{},
		egress:    map[DeviceID]map[Link]struct{}{},
		listeners: map[uint64]Listener{},
		log:       opts.Log,
	}
}

// Device implements Service.
func (m *Store) Device(id DeviceID) (Device, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	device, ok := m.devices[id]
	return device, ok
}

// Devices returns all known devices sorted by ID.
func (m *Store) Devices() []Device {
	m.mu.RLock()
	devices := make([]Device, 0, len(m.devices))
	for _, device := range m.devices {
		devices = append(devices, device)
	}
	m.mu.RUnlock()

	slices.SortFunc(devices, func(a, b Device) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return devices
}

// AvailableDevices implements Service.
func (m *Store) AvailableDevices() []Device {
	return slices.DeleteFunc(m.Devices(), func(d Device) bool {
		return !d.Available
	})
}

// IsAvailable implements Service.
func (m *Store) IsAvailable(id DeviceID) bool {
	device, ok := m.Device(id)
	return ok && device.Available
}

// EgressLinks implements Service.
func (m *Store) EgressLinks(id DeviceID) []Link {
	m.mu.RLock()
	links := make([]Link, 0, len(m.egress[id]))
	for link := range m.egress[id] {
		links = append(links, link)
	}
	m.mu.RUnlock()

	slices.SortFunc(links, compareLinks)
	return links
}

// Links returns all known links.
func (m *Store) Links() []Link {
	m.mu.RLock()
	links := []Link{}
	for _, egress := range m.egress {
		for link := range egress {
			links = append(links, link)
		}
	}
	m.mu.RUnlock()

	slices.SortFunc(links, compareLinks)
	return links
}

// Subscribe implements Service.
func (m *Store) Subscribe(listener Listener) Subscription {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()

	id := m.nextID
	m.nextID++
	m.listeners[id] = listener

	return &subscription{
		close: func() {
			m.listenersMu.Lock()
			defer m.listenersMu.Unlock()
			delete(m.listeners, id)
		},
	}
}

// PutDevice adds a device or updates its availability.
//
// Emits DEVICE_ADDED for new devices and DEVICE_AVAILABILITY_CHANGED when the
// availability flips.
func (m *Store) PutDevice(device Device) {
	m.mu.Lock()
	prev, ok := m.devices[device.ID]
	m.devices[device.ID] = device
	m.mu.Unlock()

	switch {
	case !ok:
		m.emit(Event{Kind: EventDeviceAdded, Device: device})
	case prev.Available != device.Available:
		m.emit(Event{Kind: EventDeviceAvailabilityChanged, Device: device})
	}
}

// RemoveDevice removes a device together with all links attached to it.
func (m *Store) RemoveDevice(id DeviceID) {
	m.mu.Lock()
	device, ok := m.devices[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.devices, id)

	removed := []Link{}
	for link := range m.egress[id] {
		removed = append(removed, link)
	}
	delete(m.egress, id)
	for src, egress := range m.egress {
		for link := range egress {
			if link.Dst.Device == id {
				delete(egress, link)
				removed = append(removed, link)
			}
		}
		if len(egress) == 0 {
			delete(m.egress, src)
		}
	}
	m.mu.Unlock()

	slices.SortFunc(removed, compareLinks)
	for _, link := range removed {
		m.emit(Event{Kind: EventLinkRemoved, Link: link})
	}
	device.Available = false
	m.emit(Event{Kind: EventDeviceRemoved, Device: device})
}

// PutLink adds a link, or reports an update for an already known one.
func (m *Store) PutLink(link Link) {
	m.mu.Lock()
	egress, ok := m.egress[link.Src.Device]
	if !ok {
		egress = map[Link]struct{}{}
		m.egress[link.Src.Device] = egress
	}
	_, exists := egress[link]
	egress[link] = struct{}{}
	m.mu.Unlock()

	if exists {
		m.emit(Event{Kind: EventLinkUpdated, Link: link})
		return
	}
	m.emit(Event{Kind: EventLinkAdded, Link: link})
}

// RemoveLink removes a link.
func (m *Store) RemoveLink(link Link) {
	m.mu.Lock()
	egress := m.egress[link.Src.Device]
	_, ok := egress[link]
	delete(egress, link)
	if len(egress) == 0 {
		delete(m.egress, link.Src.Device)
	}
	m.mu.Unlock()

	if ok {
		m.emit(Event{Kind: EventLinkRemoved, Link: link})
	}
}

func (m *Store) emit(event Event) {
	m.log.Debugw("topology event",
		zap.Stringer("kind", event.Kind),
		zap.Stringer("device", event.Device.ID),
		zap.Stringer("link", event.Link),
	)

	// Listeners are notified in subscription order.
	m.listenersMu.Lock()
	ids := slices.Sorted(maps.Keys(m.listeners))
	listeners := make([]Listener, 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, m.listeners[id])
	}
	m.listenersMu.Unlock()

	for _, listener := range listeners {
		listener(event)
	}
}

type subscription struct {
	once  sync.Once
	close func()
}

func (m *subscription) Close() {
	m.once.Do(m.close)
}

func compareLinks(a, b Link) int {
	if c := cmp.Compare(a.Src.Device, b.Src.Device); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Src.Port, b.Src.Port); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Dst.Device, b.Dst.Device); c != 0 {
		return c
	}
	return cmp.Compare(a.Dst.Port, b.Dst.Port)
}
