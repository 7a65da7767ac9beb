package fabric

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yanet-platform/srv6-usid/internal/flowrule"
	"github.com/yanet-platform/srv6-usid/internal/rules"
	"github.com/yanet-platform/srv6-usid/internal/topology"
)

// SRv6 provides SRv6 micro-segment processing.
//
// It installs the local SIDs of every device when it becomes available and
// manages adjacency SID and transit encapsulation policies on operator
// request.
type SRv6 struct {
	svc   Services
	rules *rules.Builder
	delay time.Duration

	sweepMu sync.Mutex

	subMu sync.Mutex
	sub   topology.Subscription

	log *zap.SugaredLogger
}

// NewSRv6 creates a new SRv6 component.
func NewSRv6(svc Services, app flowrule.AppID, options ...Option) *SRv6 {
	opts := newOptions()
	for _, o := range options {
		o(opts)
	}

	return &SRv6{
		svc:   svc,
		rules: rules.NewBuilder(app),
		delay: opts.InitialSetupDelay,
		log:   opts.Log.Named("srv6"),
	}
}

// Start subscribes the component to topology events.
func (m *SRv6) Start() {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	if m.sub == nil {
		m.sub = m.svc.Topology.Subscribe(m.handleEvent)
		m.log.Infow("started")
	}
}

// Close unsubscribes the component from topology events.
func (m *SRv6) Close() {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	if m.sub != nil {
		m.sub.Close()
		m.sub = nil
		m.log.Infow("stopped")
	}
}

// Run performs the initial sweep after the initial setup delay and then
// blocks until the context is canceled.
func (m *SRv6) Run(ctx context.Context) error {
	if waitInitialSetup(ctx, m.delay) {
		m.SetUpAllDevices(ctx)
	}

	<-ctx.Done()
	return ctx.Err()
}

func (m *SRv6) handleEvent(ev topology.Event) {
	if !ev.Kind.IsDeviceEvent() {
		return
	}
	if !deviceRelevant(ev, m.svc.Oracle, m.svc.Topology) {
		m.log.Debugw("ignoring device event", zap.Stringer("event", ev.Kind), zap.Stringer("device", ev.Device.ID))
		return
	}
	dispatch(m.svc.Dispatcher, m.log, "srv6", ev.Kind, ev.Device.ID, m.SetUpLocalSIDs)
}

// HandleMastershipAcquired resynchronizes a device this instance has just
// become the owner of.
func (m *SRv6) HandleMastershipAcquired(dev topology.DeviceID) {
	if !m.svc.Topology.IsAvailable(dev) {
		return
	}
	m.svc.Dispatcher.Submit(fmt.Sprintf("srv6 mastership %s", dev), func(ctx context.Context) error {
		return m.SetUpLocalSIDs(ctx, dev)
	})
}

// SetUpAllDevices installs the local SIDs of every available, locally
// owned device.
func (m *SRv6) SetUpAllDevices(ctx context.Context) {
	m.sweepMu.Lock()
	defer m.sweepMu.Unlock()

	for _, device := range m.svc.Topology.AvailableDevices() {
		if !m.svc.Oracle.IsLocalOwner(device.ID) {
			continue
		}
		if ctx.Err() != nil {
			return
		}

		m.log.Infow("starting initial set up", zap.Stringer("device", device.ID))
		if err := m.SetUpLocalSIDs(ctx, device.ID); err != nil {
			m.log.Warnw("initial set up failed", zap.Stringer("device", device.ID), zap.Error(err))
		}
	}
}

// SetUpLocalSIDs installs the uN and, if configured, uDX local SIDs of the
// device.
func (m *SRv6) SetUpLocalSIDs(ctx context.Context, dev topology.DeviceID) error {
	cfg, err := m.svc.Resolver.Resolve(dev)
	if err != nil {
		return fmt.Errorf("failed to set up local SIDs: %w", err)
	}

	entries, err := m.rules.LocalSIDs(dev, cfg)
	if err != nil {
		return fmt.Errorf("failed to set up local SIDs: %w", err)
	}

	m.log.Infow("adding local SID entries",
		zap.Stringer("device", dev),
		zap.Stringer("usid", cfg.USID),
		zap.Bool("udx", cfg.HasUDX()),
	)
	return applyPolicy(ctx, m.svc.Table, "local SIDs", entries)
}

// InsertUAPolicy installs an adjacency SID policy on the device.
func (m *SRv6) InsertUAPolicy(
	ctx context.Context,
	dev topology.DeviceID,
	uA netip.Addr,
	nextHop netip.Addr,
	nextHopMAC net.HardwareAddr,
) error {
	if err := checkDevice(m.svc.Topology, dev); err != nil {
		return err
	}

	entries, err := m.rules.UAPair(dev, uA, nextHop, nextHopMAC)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	m.log.Infow("adding uA policy",
		zap.Stringer("device", dev),
		zap.Stringer("ua", uA),
		zap.Stringer("next_hop", nextHop),
		zap.Stringer("next_hop_mac", nextHopMAC),
	)
	return applyPolicy(ctx, m.svc.Table, "uA policy", entries)
}

// InsertTransitEncap installs a transit encapsulation policy steering
// traffic towards the prefix along the segment list.
func (m *SRv6) InsertTransitEncap(
	ctx context.Context,
	dev topology.DeviceID,
	prefix netip.Prefix,
	segments []netip.Addr,
) error {
	if err := checkDevice(m.svc.Topology, dev); err != nil {
		return err
	}

	cfg, err := m.svc.Resolver.Resolve(dev)
	if err != nil {
		return fmt.Errorf("failed to resolve source SID: %w", err)
	}

	entry, err := m.rules.TransitEncap(dev, prefix, cfg.USID, segments)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	m.log.Infow("adding transit encapsulation",
		zap.Stringer("device", dev),
		zap.Stringer("prefix", prefix),
		zap.Int("segments", len(segments)),
	)
	if err := m.svc.Table.Apply(ctx, entry); err != nil {
		return fmt.Errorf("failed to apply transit encapsulation on %s: %w", dev, err)
	}
	return nil
}

// ClearTransitEncap removes all transit encapsulation policies of this
// application from the device.
//
// Returns the number of removed entries.
func (m *SRv6) ClearTransitEncap(ctx context.Context, dev topology.DeviceID) (int, error) {
	if err := checkDevice(m.svc.Topology, dev); err != nil {
		return 0, err
	}

	installed, err := m.svc.Table.Entries(ctx, dev)
	if err != nil {
		return 0, fmt.Errorf("failed to read entries of %s: %w", dev, err)
	}

	entries := []flowrule.Entry{}
	for _, entry := range installed {
		if m.rules.IsTransitEntry(entry) {
			entries = append(entries, entry)
		}
	}
	if len(entries) == 0 {
		return 0, nil
	}

	m.log.Infow("removing transit encapsulations", zap.Stringer("device", dev), zap.Int("count", len(entries)))
	if err := m.svc.Table.Remove(ctx, entries...); err != nil {
		return 0, fmt.Errorf("failed to remove transit encapsulations on %s: %w", dev, err)
	}
	return len(entries), nil
}
