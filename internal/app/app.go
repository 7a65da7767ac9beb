// Package app assembles the controller from its configuration.
package app

import (
	"context"
	"fmt"
	"slices"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yanet-platform/srv6-usid/internal/admin"
	"github.com/yanet-platform/srv6-usid/internal/etcdx"
	"github.com/yanet-platform/srv6-usid/internal/executor"
	"github.com/yanet-platform/srv6-usid/internal/fabric"
	"github.com/yanet-platform/srv6-usid/internal/flowrule"
	"github.com/yanet-platform/srv6-usid/internal/mastership"
	"github.com/yanet-platform/srv6-usid/internal/netcfg"
	"github.com/yanet-platform/srv6-usid/internal/p4rt"
	"github.com/yanet-platform/srv6-usid/internal/topology"
)

type options struct {
	Log   *zap.SugaredLogger
	Level *zap.AtomicLevel
	Table flowrule.Table
}

func newOptions() *options {
	return &options{
		Log: zap.NewNop().Sugar(),
	}
}

// AppOption is a function that configures the controller.
type AppOption func(*options)

// WithLog sets the logger.
func WithLog(log *zap.SugaredLogger) AppOption {
	return func(o *options) {
		o.Log = log
	}
}

// WithLogLevel exposes the logging level through the admin API, allowing
// it to be changed at runtime.
func WithLogLevel(level *zap.AtomicLevel) AppOption {
	return func(o *options) {
		o.Level = level
	}
}

// WithTable overrides the flow table selected by the configuration.
func WithTable(table flowrule.Table) AppOption {
	return func(o *options) {
		o.Table = table
	}
}

type runner struct {
	name string
	run  func(ctx context.Context) error
}

// App is the SRv6 uSID fabric controller.
//
// It owns the topology store, the mastership oracle, the configuration
// store and the flow table, and runs both fabric components and the admin
// API on top of them.
type App struct {
	cfg      *Config
	topology *topology.Store
	table    flowrule.Table
	executor *executor.Executor
	routing  *fabric.Routing
	srv6     *fabric.SRv6
	admin    *admin.Server
	runners  []runner
	closers  []func()
	log      *zap.SugaredLogger
}

// NewApp creates the controller using the specified config.
func NewApp(cfg *Config, options ...AppOption) (*App, error) {
	opts := newOptions()
	for _, o := range options {
		o(opts)
	}

	log := opts.Log
	log.Infow("initializing controller ...", zap.String("node", cfg.NodeID))
	log.Debugw("parsed config", zap.Any("config", cfg))

	m := &App{
		cfg:      cfg,
		topology: topology.NewStore(topology.WithLog(log)),
		log:      log,
	}

	ok := false
	defer func() {
		if !ok {
			m.Close()
		}
	}()

	var etcd *clientv3.Client
	if cfg.usesEtcd() {
		client, err := etcdx.Dial(cfg.Etcd, log)
		if err != nil {
			return nil, err
		}
		m.closers = append(m.closers, func() { client.Close() })
		etcd = client
		log.Infow("connected to etcd", zap.Strings("endpoints", cfg.Etcd.Endpoints))
	}

	oracle, err := m.newOracle(etcd)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize mastership: %w", err)
	}

	if err := m.initTopology(etcd); err != nil {
		return nil, fmt.Errorf("failed to initialize topology: %w", err)
	}

	store, err := m.newNetCfgStore(etcd)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize network config: %w", err)
	}

	m.table = opts.Table
	if m.table == nil {
		table, err := m.newTable()
		if err != nil {
			return nil, fmt.Errorf("failed to initialize flow table: %w", err)
		}
		m.table = table
	}

	m.executor = executor.NewExecutor(cfg.Executor, executor.WithLog(log))
	m.runners = append(m.runners, runner{name: "executor", run: m.executor.Run})

	svc := fabric.Services{
		Topology:   m.topology,
		Oracle:     oracle,
		Resolver:   netcfg.NewResolver(store),
		Table:      m.table,
		Dispatcher: m.executor,
	}
	appID := flowrule.AppID(cfg.AppID)
	fabricOpts := []fabric.Option{
		fabric.WithLog(log),
		fabric.WithInitialSetupDelay(cfg.InitialSetupDelay),
	}
	m.routing = fabric.NewRouting(svc, appID, fabricOpts...)
	m.srv6 = fabric.NewSRv6(svc, appID, fabricOpts...)
	m.routing.Start()
	m.closers = append(m.closers, m.routing.Close)
	m.srv6.Start()
	m.closers = append(m.closers, m.srv6.Close)
	m.runners = append(m.runners,
		runner{name: "routing", run: m.routing.Run},
		runner{name: "srv6", run: m.srv6.Run},
	)

	adminOpts := []admin.Option{
		admin.WithStats(m.executor.Stats),
		admin.WithLog(log),
	}
	if opts.Level != nil {
		adminOpts = append(adminOpts, admin.WithLogLevel(opts.Level))
	}
	m.admin = admin.NewServer(cfg.Admin, m.routing, m.srv6, m.table, adminOpts...)
	m.runners = append(m.runners, runner{name: "admin", run: m.admin.Run})

	ok = true
	return m, nil
}

// newOracle creates the mastership oracle.
//
// The etcd oracle campaigns only for devices known to the topology, so it
// follows device additions and removals. Acquired devices are handed to both
// fabric components for resynchronization.
func (m *App) newOracle(etcd *clientv3.Client) (mastership.Oracle, error) {
	cfg := m.cfg.Mastership

	switch cfg.Kind {
	case mastership.KindStatic:
		return mastership.NewStaticOracle(cfg.Owned)
	case mastership.KindEtcd:
		oracle := mastership.NewEtcdOracle(
			etcd,
			m.cfg.NodeID,
			mastership.WithPrefix(cfg.Prefix),
			mastership.WithSessionTTL(cfg.SessionTTL),
			mastership.WithOnAcquire(m.handleMastershipAcquired),
			mastership.WithLog(m.log),
		)
		sub := m.topology.Subscribe(func(ev topology.Event) {
			switch ev.Kind {
			case topology.EventDeviceAdded:
				oracle.Track(ev.Device.ID)
			case topology.EventDeviceRemoved:
				oracle.Untrack(ev.Device.ID)
			}
		})
		m.closers = append(m.closers, sub.Close)
		m.runners = append(m.runners, runner{name: "mastership", run: oracle.Run})
		return oracle, nil
	default:
		return nil, fmt.Errorf("unknown mastership kind %q", cfg.Kind)
	}
}

func (m *App) handleMastershipAcquired(dev topology.DeviceID) {
	m.routing.HandleMastershipAcquired(dev)
	m.srv6.HandleMastershipAcquired(dev)
}

func (m *App) initTopology(etcd *clientv3.Client) error {
	cfg := m.cfg.Topology

	switch cfg.Kind {
	case topology.KindStatic:
		if err := topology.LoadStatic(m.topology, &cfg.Static); err != nil {
			return err
		}
		m.log.Infow("loaded static topology",
			zap.Int("devices", len(cfg.Static.Devices)),
			zap.Int("links", len(cfg.Static.Links)),
		)
		return nil
	case topology.KindEtcd:
		feed := topology.NewEtcdFeed(etcd, cfg.Prefix, m.topology, m.log)
		m.runners = append(m.runners, runner{name: "topology", run: feed.Run})
		return nil
	default:
		return fmt.Errorf("unknown topology kind %q", cfg.Kind)
	}
}

func (m *App) newNetCfgStore(etcd *clientv3.Client) (netcfg.Store, error) {
	cfg := m.cfg.NetCfg

	switch cfg.Kind {
	case netcfg.KindFile:
		store, err := netcfg.NewFileStore(cfg.Path)
		if err != nil {
			return nil, err
		}
		m.log.Infow("loaded network config",
			zap.String("path", cfg.Path),
			zap.Int("devices", len(store.Devices())),
		)
		return store, nil
	case netcfg.KindEtcd:
		store := netcfg.NewEtcdStore(etcd, cfg.Prefix, m.log)
		m.runners = append(m.runners, runner{name: "netcfg", run: store.Run})
		return store, nil
	default:
		return nil, fmt.Errorf("unknown network config kind %q", cfg.Kind)
	}
}

func (m *App) newTable() (flowrule.Table, error) {
	cfg := m.cfg.FlowTable

	switch cfg.Kind {
	case FlowTableMemory:
		m.log.Warnw("using in-memory flow table, devices are not programmed")
		return flowrule.NewMemoryTable(flowrule.WithLog(m.log)), nil
	case FlowTableP4Runtime:
		info, err := p4rt.LoadP4Info(cfg.P4Runtime.P4Info)
		if err != nil {
			return nil, err
		}
		schema, err := p4rt.NewSchema(info)
		if err != nil {
			return nil, err
		}
		table, err := p4rt.NewTable(cfg.P4Runtime, schema, p4rt.WithClientLog(m.log))
		if err != nil {
			return nil, err
		}
		m.runners = append(m.runners, runner{name: "p4runtime", run: table.Run})
		return table, nil
	default:
		return nil, fmt.Errorf("unknown flow table kind %q", cfg.Kind)
	}
}

// Table returns the flow table the controller installs entries into.
func (m *App) Table() flowrule.Table {
	return m.table
}

// Topology returns the topology store.
func (m *App) Topology() *topology.Store {
	return m.topology
}

// Admin returns the admin API server.
func (m *App) Admin() *admin.Server {
	return m.admin
}

// Run runs every controller subsystem until the context is canceled or one
// of them fails.
func (m *App) Run(ctx context.Context) error {
	m.log.Infow("running controller", zap.Int("subsystems", len(m.runners)))

	wg, ctx := errgroup.WithContext(ctx)
	for _, r := range m.runners {
		wg.Go(func() error {
			if err := r.run(ctx); err != nil && ctx.Err() == nil {
				return fmt.Errorf("%s: %w", r.name, err)
			}
			return nil
		})
	}
	return wg.Wait()
}

// Close releases the controller resources in reverse order of acquisition.
func (m *App) Close() {
	for _, fn := range slices.Backward(m.closers) {
		fn()
	}
	m.closers = nil
}
