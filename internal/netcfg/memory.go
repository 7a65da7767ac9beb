package netcfg

import (
	"maps"
	"slices"
	"sync"

	"github.com/yanet-platform/srv6-usid/internal/topology"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory configuration store.
//
// It is the backing store for both the file and the etcd sources.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[topology.DeviceID]Object
}

// NewMemoryStore creates a new store with the given initial objects.
func NewMemoryStore(objects map[topology.DeviceID]Object) *MemoryStore {
	m := &MemoryStore{
		objects: map[topology.DeviceID]Object{},
	}
	maps.Copy(m.objects, objects)
	return m
}

// Get implements Store.
//
// A copy is returned, so callers cannot mutate the stored object.
func (m *MemoryStore) Get(id topology.DeviceID) (*Object, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.objects[id]
	if !ok {
		return nil, false
	}
	return &obj, true
}

// Put sets the configuration of the device.
func (m *MemoryStore) Put(id topology.DeviceID, obj Object) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.objects[id] = obj
}

// Delete removes the configuration of the device.
func (m *MemoryStore) Delete(id topology.DeviceID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.objects, id)
}

// Replace atomically replaces all configuration objects.
func (m *MemoryStore) Replace(objects map[topology.DeviceID]Object) {
	next := maps.Clone(objects)
	if next == nil {
		next = map[topology.DeviceID]Object{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.objects = next
}

// Devices returns the sorted IDs of all configured devices.
func (m *MemoryStore) Devices() []topology.DeviceID {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return slices.Sorted(maps.Keys(m.objects))
}
