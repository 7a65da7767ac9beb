package netcfg

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/yanet-platform/srv6-usid/internal/etcdx"
	"github.com/yanet-platform/srv6-usid/internal/topology"
)

// DefaultEtcdPrefix is the key prefix of device configs in etcd.
const DefaultEtcdPrefix = "/srv6/v1/netcfg/"

var _ Store = (*EtcdStore)(nil)

// EtcdStore is a configuration store backed by etcd.
//
// Every device config is a JSON Object stored under "<prefix><device>". The
// whole prefix is mirrored in memory, so Get never performs I/O.
type EtcdStore struct {
	client *clientv3.Client
	prefix string
	cache  *MemoryStore
	log    *zap.SugaredLogger
}

// NewEtcdStore creates a new etcd configuration store.
func NewEtcdStore(client *clientv3.Client, prefix string, log *zap.SugaredLogger) *EtcdStore {
	if prefix == "" {
		prefix = DefaultEtcdPrefix
	}

	return &EtcdStore{
		client: client,
		prefix: prefix,
		cache:  NewMemoryStore(nil),
		log:    log,
	}
}

// Get implements Store.
func (m *EtcdStore) Get(id topology.DeviceID) (*Object, bool) {
	return m.cache.Get(id)
}

// Run keeps the store in sync with etcd until the context is canceled.
func (m *EtcdStore) Run(ctx context.Context) error {
	m.log.Infow("starting etcd netcfg mirror", zap.String("prefix", m.prefix))
	defer m.log.Infow("stopped etcd netcfg mirror", zap.String("prefix", m.prefix))

	return etcdx.Mirror(ctx, m.client, m.prefix, m, m.log)
}

// Publish writes the configuration of the device to etcd.
func (m *EtcdStore) Publish(ctx context.Context, id topology.DeviceID, obj *Object) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	key := m.prefix + string(id)
	if _, err := m.client.Put(ctx, key, string(data)); err != nil {
		return fmt.Errorf("etcd put %q: %w", key, err)
	}
	return nil
}

// ApplySnapshot implements etcdx.Handler.
func (m *EtcdStore) ApplySnapshot(kvs map[string][]byte) {
	objects := make(map[topology.DeviceID]Object, len(kvs))
	for key, value := range kvs {
		id, obj, err := m.decode(key, value)
		if err != nil {
			m.log.Warnw("skipping malformed netcfg key", zap.String("key", key), zap.Error(err))
			continue
		}
		objects[id] = obj
	}

	m.cache.Replace(objects)
}

// ApplyPut implements etcdx.Handler.
func (m *EtcdStore) ApplyPut(key string, value []byte) error {
	id, obj, err := m.decode(key, value)
	if err != nil {
		return err
	}

	m.log.Debugw("device config updated", zap.Stringer("device", id))
	m.cache.Put(id, obj)
	return nil
}

// ApplyDelete implements etcdx.Handler.
func (m *EtcdStore) ApplyDelete(key string) {
	id := topology.DeviceID(strings.TrimPrefix(key, m.prefix))

	m.log.Debugw("device config removed", zap.Stringer("device", id))
	m.cache.Delete(id)
}

func (m *EtcdStore) decode(key string, value []byte) (topology.DeviceID, Object, error) {
	id := topology.DeviceID(strings.TrimPrefix(key, m.prefix))
	if id == "" || strings.Contains(string(id), "/") {
		return "", Object{}, fmt.Errorf("unexpected key")
	}

	obj := Object{}
	if err := json.Unmarshal(value, &obj); err != nil {
		return "", Object{}, fmt.Errorf("unmarshal %q: %w", key, err)
	}
	return id, obj, nil
}
