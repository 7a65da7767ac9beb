package fabric

import (
	"context"
	"errors"
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

// Routing provides IPv6 L2/L3 forwarding.
//
// It installs the station filter of every device when it becomes
// available, the L2 next hop entries towards direct neighbors when links
// appear, and IPv6 routes on operator request.
type Routing struct {
	svc   Services
	rules *rules.Builder
	delay time.Duration

	// sweepMu serializes initial sweeps.
	sweepMu sync.Mutex

	subMu sync.Mutex
	sub   topology.Subscription

	log *zap.SugaredLogger
}

// NewRouting creates a new routing component.
func NewRouting(svc Services, app flowrule.AppID, options ...Option) *Routing {
	opts := newOptions()
	for _, o := range options {
		o(opts)
	}

	return &Routing{
		svc:   svc,
		rules: rules.NewBuilder(app),
		delay: opts.InitialSetupDelay,
		log:   opts.Log.Named("routing"),
	}
}

// Start subscribes the component to topology events.
func (m *Routing) Start() {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	if m.sub == nil {
		m.sub = m.svc.Topology.Subscribe(m.handleEvent)
		m.log.Infow("started")
	}
}

// Close unsubscribes the component from topology events.
func (m *Routing) Close() {
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
func (m *Routing) Run(ctx context.Context) error {
	if waitInitialSetup(ctx, m.delay) {
		m.SetUpAllDevices(ctx)
	}

	<-ctx.Done()
	return ctx.Err()
}

func (m *Routing) handleEvent(ev topology.Event) {
	switch {
	case ev.Kind.IsLinkEvent():
		if !linkRelevant(ev, m.svc.Oracle) {
			m.log.Debugw("ignoring link event", zap.Stringer("event", ev.Kind), zap.Stringer("link", ev.Link))
			return
		}
		for _, dev := range ownedEndpoints(ev.Link, m.svc.Oracle) {
			dispatch(m.svc.Dispatcher, m.log, "routing", ev.Kind, dev, m.SetUpL2NextHops)
		}
	case ev.Kind.IsDeviceEvent():
		if !deviceRelevant(ev, m.svc.Oracle, m.svc.Topology) {
			m.log.Debugw("ignoring device event", zap.Stringer("event", ev.Kind), zap.Stringer("device", ev.Device.ID))
			return
		}
		dispatch(m.svc.Dispatcher, m.log, "routing", ev.Kind, ev.Device.ID, m.SetUpStation)
	}
}

// HandleMastershipAcquired resynchronizes a device this instance has just
// become the owner of.
func (m *Routing) HandleMastershipAcquired(dev topology.DeviceID) {
	if !m.svc.Topology.IsAvailable(dev) {
		return
	}
	m.svc.Dispatcher.Submit(fmt.Sprintf("routing mastership %s", dev), func(ctx context.Context) error {
		return m.SetUpDevice(ctx, dev)
	})
}

// SetUpAllDevices sets up every available, locally owned device.
//
// Failures are logged per device and never affect other devices.
func (m *Routing) SetUpAllDevices(ctx context.Context) {
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
		if err := m.SetUpDevice(ctx, device.ID); err != nil {
			m.log.Warnw("initial set up failed", zap.Stringer("device", device.ID), zap.Error(err))
		}
	}
}

// SetUpDevice installs the station filter and the L2 next hops of the
// device.
func (m *Routing) SetUpDevice(ctx context.Context, dev topology.DeviceID) error {
	return errors.Join(
		m.SetUpStation(ctx, dev),
		m.SetUpL2NextHops(ctx, dev),
	)
}

// SetUpStation installs the station filter entry admitting frames
// addressed to the device itself.
func (m *Routing) SetUpStation(ctx context.Context, dev topology.DeviceID) error {
	cfg, err := m.svc.Resolver.Resolve(dev)
	if err != nil {
		return fmt.Errorf("failed to set up station: %w", err)
	}

	entry, err := m.rules.StationFilter(dev, cfg.StationMAC)
	if err != nil {
		return fmt.Errorf("failed to set up station: %w", err)
	}

	m.log.Infow("adding my station entry", zap.Stringer("device", dev), zap.Stringer("mac", cfg.StationMAC))
	if err := m.svc.Table.Apply(ctx, entry); err != nil {
		return fmt.Errorf("failed to apply station entry on %s: %w", dev, err)
	}
	return nil
}

// SetUpL2NextHops installs one L2 next hop entry per egress link of the
// device, pointing the neighbor's station MAC to the local port.
//
// Links towards neighbors without configuration are skipped.
func (m *Routing) SetUpL2NextHops(ctx context.Context, dev topology.DeviceID) error {
	links := m.svc.Topology.EgressLinks(dev)

	var errs []error
	for _, link := range links {
		log := m.log.With(zap.Stringer("device", dev), zap.Stringer("link", link))

		mac, err := m.svc.Resolver.StationMAC(link.Dst.Device)
		if err != nil {
			log.Warnw("skipping L2 next hop", zap.Error(err))
			continue
		}

		entry, err := m.rules.L2NextHop(dev, mac, link.Src.Port)
		if err != nil {
			log.Warnw("skipping L2 next hop", zap.Error(err))
			continue
		}

		log.Debugw("adding L2 next hop entry", zap.Stringer("mac", mac))
		if err := m.svc.Table.Apply(ctx, entry); err != nil {
			errs = append(errs, fmt.Errorf("failed to apply L2 next hop %s on %s: %w", link, dev, err))
		}
	}

	return errors.Join(errs...)
}

// InsertRoute installs an IPv6 route on the device.
func (m *Routing) InsertRoute(ctx context.Context, dev topology.DeviceID, prefix netip.Prefix, nextHopMAC net.HardwareAddr) error {
	if err := checkDevice(m.svc.Topology, dev); err != nil {
		return err
	}

	entry, err := m.rules.Route(dev, prefix, nextHopMAC)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	m.log.Infow("adding route",
		zap.Stringer("device", dev),
		zap.Stringer("prefix", prefix),
		zap.Stringer("next_hop", nextHopMAC),
	)
	if err := m.svc.Table.Apply(ctx, entry); err != nil {
		return fmt.Errorf("failed to apply route on %s: %w", dev, err)
	}
	return nil
}
