package mastership

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"

	"github.com/yanet-platform/srv6-usid/internal/topology"
)

// DefaultEtcdPrefix is the key prefix of per-device elections.
const DefaultEtcdPrefix = "/srv6/v1/mastership/"

// AcquireFunc is called when this instance becomes the owner of a device.
type AcquireFunc func(id topology.DeviceID)

// EtcdOracleOption is a function that configures the etcd oracle.
type EtcdOracleOption func(*etcdOptions)

type etcdOptions struct {
	Prefix     string
	SessionTTL time.Duration
	OnAcquire  AcquireFunc
	Log        *zap.SugaredLogger
}

func newEtcdOptions() *etcdOptions {
	return &etcdOptions{
		Prefix:     DefaultEtcdPrefix,
		SessionTTL: 10 * time.Second,
		OnAcquire:  func(topology.DeviceID) {},
		Log:        zap.NewNop().Sugar(),
	}
}

// WithPrefix sets the election key prefix.
func WithPrefix(prefix string) EtcdOracleOption {
	return func(o *etcdOptions) {
		o.Prefix = prefix
	}
}

// WithSessionTTL sets the lease TTL of the election session.
func WithSessionTTL(ttl time.Duration) EtcdOracleOption {
	return func(o *etcdOptions) {
		o.SessionTTL = ttl
	}
}

// WithOnAcquire sets the callback invoked when ownership of a device is
// acquired.
func WithOnAcquire(fn AcquireFunc) EtcdOracleOption {
	return func(o *etcdOptions) {
		o.OnAcquire = fn
	}
}

// WithLog sets the logger.
func WithLog(log *zap.SugaredLogger) EtcdOracleOption {
	return func(o *etcdOptions) {
		o.Log = log
	}
}

// EtcdOracle computes device ownership with one etcd election per device.
//
// All elections share a single lease-backed session, so when this instance
// dies every device it owns is released after the lease TTL. Devices must be
// registered with Track before this instance campaigns for them.
type EtcdOracle struct {
	client *clientv3.Client
	nodeID string
	opts   *etcdOptions

	mu      sync.RWMutex
	owned   map[topology.DeviceID]struct{}
	tracked map[topology.DeviceID]struct{}
	wakeCh  chan struct{}

	log *zap.SugaredLogger
}

// NewEtcdOracle creates a new etcd-backed oracle.
//
// The nodeID is the campaign value, used to identify the current owner.
func NewEtcdOracle(client *clientv3.Client, nodeID string, options ...EtcdOracleOption) *EtcdOracle {
	opts := newEtcdOptions()
	for _, o := range options {
		o(opts)
	}

	return &EtcdOracle{
		client:  client,
		nodeID:  nodeID,
		opts:    opts,
		owned:   map[topology.DeviceID]struct{}{},
		tracked: map[topology.DeviceID]struct{}{},
		wakeCh:  make(chan struct{}, 1),
		log:     opts.Log.With(zap.String("node", nodeID)),
	}
}

// IsLocalOwner implements Oracle.
func (m *EtcdOracle) IsLocalOwner(id topology.DeviceID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.owned[id]
	return ok
}

// Track starts campaigning for the given device.
func (m *EtcdOracle) Track(id topology.DeviceID) {
	m.mu.Lock()
	_, ok := m.tracked[id]
	m.tracked[id] = struct{}{}
	m.mu.Unlock()

	if !ok {
		m.wake()
	}
}

// Untrack stops campaigning for the given device, resigning if it is owned.
func (m *EtcdOracle) Untrack(id topology.DeviceID) {
	m.mu.Lock()
	_, ok := m.tracked[id]
	delete(m.tracked, id)
	m.mu.Unlock()

	if ok {
		m.wake()
	}
}

func (m *EtcdOracle) wake() {
	select {
	case m.wakeCh <- struct{}{}:
	default:
	}
}

// Run campaigns for tracked devices until the given context is canceled.
//
// When the session expires all ownership is dropped and a new session is
// established.
func (m *EtcdOracle) Run(ctx context.Context) error {
	m.log.Infow("starting etcd mastership", zap.String("prefix", m.opts.Prefix))
	defer m.log.Infow("stopped etcd mastership")

	bo := backoff.ExponentialBackOff{
		InitialInterval:     backoff.DefaultInitialInterval,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         m.opts.SessionTTL,
	}
	bo.Reset()

	for {
		err := m.runSession(ctx, bo.Reset)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.log.Warnw("mastership session lost", zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(bo.NextBackOff()):
		}
	}
}

func (m *EtcdOracle) runSession(ctx context.Context, onEstablished func()) error {
	session, err := concurrency.NewSession(
		m.client,
		concurrency.WithTTL(int(m.opts.SessionTTL/time.Second)),
		concurrency.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("failed to create etcd session: %w", err)
	}
	defer session.Close()
	onEstablished()

	m.log.Infow("established etcd session", zap.Int64("lease", int64(session.Lease())))

	wg := sync.WaitGroup{}
	campaigns := map[topology.DeviceID]context.CancelFunc{}
	defer func() {
		for _, cancel := range campaigns {
			cancel()
		}
		wg.Wait()
	}()

	reconcile := func() {
		m.mu.RLock()
		defer m.mu.RUnlock()

		for id, cancel := range campaigns {
			if _, ok := m.tracked[id]; !ok {
				cancel()
				delete(campaigns, id)
			}
		}
		for id := range m.tracked {
			if _, ok := campaigns[id]; ok {
				continue
			}
			campaignCtx, cancel := context.WithCancel(ctx)
			campaigns[id] = cancel
			wg.Add(1)
			go func() {
				defer wg.Done()
				m.campaign(campaignCtx, session, id)
			}()
		}
	}

	reconcile()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-session.Done():
			return fmt.Errorf("session lease %d expired", session.Lease())
		case <-m.wakeCh:
			reconcile()
		}
	}
}

func (m *EtcdOracle) campaign(ctx context.Context, session *concurrency.Session, id topology.DeviceID) {
	log := m.log.With(zap.Stringer("device", id))
	election := concurrency.NewElection(session, m.opts.Prefix+string(id))

	for {
		err := election.Campaign(ctx, m.nodeID)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return
		}
		log.Warnw("failed to campaign for device mastership", zap.Error(err))

		select {
		case <-ctx.Done():
			return
		case <-session.Done():
			return
		case <-time.After(time.Second):
		}
	}

	m.mu.Lock()
	m.owned[id] = struct{}{}
	m.mu.Unlock()
	log.Infow("acquired device mastership")
	m.opts.OnAcquire(id)

	select {
	case <-ctx.Done():
	case <-session.Done():
	}

	m.mu.Lock()
	delete(m.owned, id)
	m.mu.Unlock()

	resignCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := election.Resign(resignCtx); err != nil {
		log.Debugw("failed to resign device mastership", zap.Error(err))
	}
	log.Infow("released device mastership")
}
