package topology

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/yanet-platform/srv6-usid/internal/etcdx"
)

// DefaultEtcdPrefix is the key prefix of the topology in etcd.
const DefaultEtcdPrefix = "/srv6/v1/topology/"

const (
	devicesDir = "devices/"
	linksDir   = "links/"
)

// EtcdDeviceValue is the JSON value stored under "<prefix>devices/<id>".
type EtcdDeviceValue struct {
	Available bool `json:"available"`
}

// EtcdLinkValue is the JSON value stored under "<prefix>links/<name>".
type EtcdLinkValue struct {
	Src string `json:"src"`
	Dst string `json:"dst"`
}

// EtcdFeed mirrors a topology published in etcd into a Store.
//
// Device keys carry the availability, link keys carry both connect points.
// Puts and deletes become store mutations, and so topology events.
type EtcdFeed struct {
	client *clientv3.Client
	prefix string
	store  *Store
	// links remembers which link each key holds, so deletes can be resolved.
	links map[string]Link
	log   *zap.SugaredLogger
}

// NewEtcdFeed creates a new etcd topology feed.
func NewEtcdFeed(client *clientv3.Client, prefix string, store *Store, log *zap.SugaredLogger) *EtcdFeed {
	if prefix == "" {
		prefix = DefaultEtcdPrefix
	}

	return &EtcdFeed{
		client: client,
		prefix: prefix,
		store:  store,
		links:  map[string]Link{},
		log:    log,
	}
}

// Run follows the topology until the specified context is canceled.
func (m *EtcdFeed) Run(ctx context.Context) error {
	m.log.Infow("starting etcd topology feed", zap.String("prefix", m.prefix))
	defer m.log.Infow("stopped etcd topology feed", zap.String("prefix", m.prefix))

	return etcdx.Mirror(ctx, m.client, m.prefix, m, m.log)
}

// ApplySnapshot replaces the mirrored state with a full snapshot of the
// prefix.
//
// Devices are applied before links, so link listeners can resolve both
// endpoints.
func (m *EtcdFeed) ApplySnapshot(kvs map[string][]byte) {
	for key := range m.links {
		if _, ok := kvs[key]; !ok {
			m.ApplyDelete(key)
		}
	}
	for _, device := range m.store.Devices() {
		if _, ok := kvs[m.prefix+devicesDir+string(device.ID)]; !ok {
			m.store.RemoveDevice(device.ID)
		}
	}

	for _, dir := range []string{devicesDir, linksDir} {
		for key, value := range kvs {
			if !strings.HasPrefix(key, m.prefix+dir) {
				continue
			}
			if err := m.ApplyPut(key, value); err != nil {
				m.log.Warnw("skipping malformed topology key", zap.String("key", key), zap.Error(err))
			}
		}
	}
}

// ApplyPut applies a device or link key update.
func (m *EtcdFeed) ApplyPut(key string, value []byte) error {
	rel := strings.TrimPrefix(key, m.prefix)

	switch {
	case strings.HasPrefix(rel, devicesDir):
		id := DeviceID(strings.TrimPrefix(rel, devicesDir))
		if id == "" {
			return fmt.Errorf("empty device id")
		}

		var v EtcdDeviceValue
		if err := json.Unmarshal(value, &v); err != nil {
			return fmt.Errorf("failed to decode device: %w", err)
		}
		m.store.PutDevice(Device{ID: id, Available: v.Available})
	case strings.HasPrefix(rel, linksDir):
		var v EtcdLinkValue
		if err := json.Unmarshal(value, &v); err != nil {
			return fmt.Errorf("failed to decode link: %w", err)
		}
		link, err := StaticLink{Src: v.Src, Dst: v.Dst}.parse()
		if err != nil {
			return err
		}

		if prev, ok := m.links[key]; ok && prev != link {
			m.store.RemoveLink(prev)
		}
		m.links[key] = link
		m.store.PutLink(link)
	default:
		return fmt.Errorf("unexpected key")
	}

	return nil
}

// ApplyDelete applies a device or link key removal.
func (m *EtcdFeed) ApplyDelete(key string) {
	rel := strings.TrimPrefix(key, m.prefix)

	switch {
	case strings.HasPrefix(rel, devicesDir):
		m.store.RemoveDevice(DeviceID(strings.TrimPrefix(rel, devicesDir)))
	case strings.HasPrefix(rel, linksDir):
		link, ok := m.links[key]
		if !ok {
			return
		}
		delete(m.links, key)
		m.store.RemoveLink(link)
	}
}
