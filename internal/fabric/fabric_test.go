package fabric

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/yanet-platform/srv6-usid/internal/executor"
	"github.com/yanet-platform/srv6-usid/internal/flowrule"
	"github.com/yanet-platform/srv6-usid/internal/netcfg"
	"github.com/yanet-platform/srv6-usid/internal/pipeline"
	"github.com/yanet-platform/srv6-usid/internal/topology"
)

const testApp = flowrule.AppID("org.onosproject.srv6-usid")

type oracle struct {
	mu    sync.RWMutex
	owned map[topology.DeviceID]bool
}

func (m *oracle) IsLocalOwner(id topology.DeviceID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.owned[id]
}

func (m *oracle) own(ids ...topology.DeviceID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		m.owned[id] = true
	}
}

// inlineDispatcher runs tasks synchronously in the caller goroutine.
type inlineDispatcher struct {
	mu    sync.Mutex
	tasks []string
	errs  []error
}

func (m *inlineDispatcher) Submit(name string, task executor.Task) {
	err := task(context.Background())

	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = append(m.tasks, name)
	if err != nil {
		m.errs = append(m.errs, err)
	}
}

type fixture struct {
	topo       *topology.Store
	config     *netcfg.MemoryStore
	table      *flowrule.MemoryTable
	oracle     *oracle
	dispatcher *inlineDispatcher
	routing    *Routing
	srv6       *SRv6
	logs       *observer.ObservedLogs
}

func newFixture(t *testing.T, tableOptions ...flowrule.MemoryTableOption) *fixture {
	t.Helper()

	core, logs := observer.New(zapcore.DebugLevel)
	log := zap.New(core).Sugar()

	f := &fixture{
		topo:       topology.NewStore(),
		config:     netcfg.NewMemoryStore(nil),
		table:      flowrule.NewMemoryTable(tableOptions...),
		oracle:     &oracle{owned: map[topology.DeviceID]bool{}},
		dispatcher: &inlineDispatcher{},
		logs:       logs,
	}
	svc := Services{
		Topology:   f.topo,
		Oracle:     f.oracle,
		Resolver:   netcfg.NewResolver(f.config),
		Table:      f.table,
		Dispatcher: f.dispatcher,
	}
	f.routing = NewRouting(svc, testApp, WithLog(log), WithInitialSetupDelay(time.Millisecond))
	f.srv6 = NewSRv6(svc, testApp, WithLog(log), WithInitialSetupDelay(time.Millisecond))
	f.routing.Start()
	f.srv6.Start()
	t.Cleanup(func() {
		f.routing.Close()
		f.srv6.Close()
	})

	return f
}

func (m *fixture) applied() []flowrule.Entry {
	entries := []flowrule.Entry{}
	for _, op := range m.table.Ops() {
		if op.Kind == flowrule.OpApply {
			entries = append(entries, op.Entry)
		}
	}
	return entries
}

func (m *fixture) appliedTo(table string) []flowrule.Entry {
	entries := []flowrule.Entry{}
	for _, entry := range m.applied() {
		if entry.Table == table {
			entries = append(entries, entry)
		}
	}
	return entries
}

func mac(s string) net.HardwareAddr {
	v, err := net.ParseMAC(s)
	if err != nil {
		panic(err)
	}
	return v
}

func ip6(s string) []byte {
	a := netip.MustParseAddr(s).As16()
	return a[:]
}

func lpm(t *testing.T, s string, prefixLen int) flowrule.Match {
	t.Helper()

	m, err := flowrule.LPM(pipeline.FieldIPv6Dst, ip6(s), prefixLen)
	require.NoError(t, err)
	return m
}

func connect(src string, dst string) topology.Link {
	s, err := topology.ParseConnectPoint(src)
	if err != nil {
		panic(err)
	}
	d, err := topology.ParseConnectPoint(dst)
	if err != nil {
		panic(err)
	}
	return topology.Link{Src: s, Dst: d}
}

func TestScenarioDeviceAvailable(t *testing.T) {
	f := newFixture(t)
	f.oracle.own("device:d")
	f.config.Put("device:d", netcfg.Object{
		MyStationMAC: "aa:bb:cc:dd:ee:ff",
		UN:           "2001:db8:1::/48",
	})

	f.topo.PutDevice(topology.Device{ID: "device:d", Available: true})

	station := f.appliedTo(pipeline.TableL2Firewall)
	require.Len(t, station, 1)
	require.Equal(t, flowrule.Exact(pipeline.FieldEthDst, []byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}), station[0].Match)
	require.Equal(t, pipeline.ActionNoAction, station[0].Action.ID)

	sids := f.appliedTo(pipeline.TableLocalSID)
	require.Len(t, sids, 2)
	require.Equal(t, lpm(t, "2001:db8:1::", 48), sids[0].Match)
	require.Equal(t, pipeline.ActionUSIDUN, sids[0].Action.ID)
	require.Equal(t, lpm(t, "2001:db8:1::", 64), sids[1].Match)
	require.Equal(t, pipeline.ActionEnd, sids[1].Action.ID)

	require.Len(t, f.applied(), 3)
	require.Empty(t, f.dispatcher.errs)
}

func TestScenarioLinkAdded(t *testing.T) {
	f := newFixture(t)
	f.oracle.own("device:d1")
	f.config.Put("device:d2", netcfg.Object{
		MyStationMAC: "11:22:33:44:55:66",
		UN:           "2001:db8:2::",
	})

	f.topo.PutLink(connect("device:d1/3", "device:d2/1"))

	require.Equal(t, []flowrule.Entry{
		{
			Device: "device:d1",
			Table:  pipeline.TableUnicast,
			Match:  flowrule.Exact(pipeline.FieldEthDst, []byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66}),
			Action: flowrule.Action{
				ID: pipeline.ActionSetOutputPort,
				Params: []flowrule.Param{
					{Name: pipeline.ParamPortNum, Value: []byte{0x00, 0x03}},
				},
			},
			AppID: testApp,
		},
	}, f.applied())
}

func TestScenarioTransitEncap(t *testing.T) {
	f := newFixture(t)
	f.config.Put("device:d", netcfg.Object{
		MyStationMAC: "aa:bb:cc:dd:ee:ff",
		UN:           "2001:db8:1::/48",
	})
	f.topo.PutDevice(topology.Device{ID: "device:d", Available: true})

	s1 := netip.MustParseAddr("fcbb:bb00:2::")
	s2 := netip.MustParseAddr("fcbb:bb00:3::")
	s3 := netip.MustParseAddr("fcbb:bb00:4::")
	err := f.srv6.InsertTransitEncap(context.Background(), "device:d", netip.MustParsePrefix("2001:db8:2::/48"), []netip.Addr{s1, s2, s3})
	require.NoError(t, err)

	entries := f.applied()
	require.Len(t, entries, 1)
	require.Equal(t, pipeline.TableSRv6Encap, entries[0].Table)
	require.Equal(t, lpm(t, "2001:db8:2::", 48), entries[0].Match)
	require.Equal(t, flowrule.Action{
		ID: "IngressPipeImpl.usid_encap_2",
		Params: []flowrule.Param{
			{Name: "src_addr", Value: ip6("2001:db8:1::")},
			{Name: "s1", Value: ip6("fcbb:bb00:2::")},
			{Name: "s2", Value: ip6("fcbb:bb00:3::")},
		},
	}, entries[0].Action)
}

func TestSynthesisIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.config.Put("device:r1", netcfg.Object{MyStationMAC: "00:00:00:00:01:01", UN: "fcbb:bb00:1::", UDX: "fcbb:bb00:1:fd00::"})
	f.config.Put("device:r2", netcfg.Object{MyStationMAC: "00:00:00:00:01:02", UN: "fcbb:bb00:2::"})
	f.config.Put("device:r3", netcfg.Object{MyStationMAC: "00:00:00:00:01:03", UN: "fcbb:bb00:3::"})
	f.topo.PutLink(connect("device:r1/1", "device:r2/1"))
	f.topo.PutLink(connect("device:r1/2", "device:r3/1"))

	require.NoError(t, f.routing.SetUpStation(ctx, "device:r1"))
	require.NoError(t, f.routing.SetUpL2NextHops(ctx, "device:r1"))
	require.NoError(t, f.srv6.SetUpLocalSIDs(ctx, "device:r1"))
	once := f.table.All()
	require.Len(t, once, 1+2+3)

	for range 3 {
		require.NoError(t, f.routing.SetUpStation(ctx, "device:r1"))
		require.NoError(t, f.routing.SetUpL2NextHops(ctx, "device:r1"))
		require.NoError(t, f.srv6.SetUpLocalSIDs(ctx, "device:r1"))
	}
	require.Empty(t, cmp.Diff(once, f.table.All()))
}

func TestOwnershipGating(t *testing.T) {
	f := newFixture(t)
	f.config.Put("device:r1", netcfg.Object{MyStationMAC: "00:00:00:00:01:01", UN: "fcbb:bb00:1::"})
	f.config.Put("device:r2", netcfg.Object{MyStationMAC: "00:00:00:00:01:02", UN: "fcbb:bb00:2::"})

	f.topo.PutDevice(topology.Device{ID: "device:r1", Available: true})
	f.topo.PutDevice(topology.Device{ID: "device:r2", Available: false})
	f.topo.PutDevice(topology.Device{ID: "device:r2", Available: true})
	f.topo.PutLink(connect("device:r1/1", "device:r2/1"))
	f.topo.PutLink(connect("device:r2/1", "device:r1/1"))

	require.Empty(t, f.table.Ops())
	require.Empty(t, f.dispatcher.tasks)

	ctx := context.Background()
	f.routing.SetUpAllDevices(ctx)
	f.srv6.SetUpAllDevices(ctx)
	require.Empty(t, f.table.Ops())
}

func TestLinkEventsForBothEndpoints(t *testing.T) {
	f := newFixture(t)
	f.oracle.own("device:r1", "device:r2")
	f.config.Put("device:r1", netcfg.Object{MyStationMAC: "00:00:00:00:01:01", UN: "fcbb:bb00:1::"})
	f.config.Put("device:r2", netcfg.Object{MyStationMAC: "00:00:00:00:01:02", UN: "fcbb:bb00:2::"})

	f.topo.PutLink(connect("device:r2/4", "device:r1/7"))
	// The destination sets up its own egress links, there are none yet.
	require.Len(t, f.dispatcher.tasks, 2)
	require.Len(t, f.applied(), 1)

	f.topo.PutLink(connect("device:r1/7", "device:r2/4"))
	require.Len(t, f.dispatcher.tasks, 4)

	entries := f.table.All()
	require.Len(t, entries, 2)
	for _, entry := range entries {
		port, ok := entry.Action.Param(pipeline.ParamPortNum)
		require.True(t, ok)
		switch entry.Device {
		case "device:r1":
			require.Equal(t, []byte{0, 7}, port)
			require.Equal(t, []byte{0, 0, 0, 0, 1, 2}, entry.Match.Value)
		case "device:r2":
			require.Equal(t, []byte{0, 4}, port)
			require.Equal(t, []byte{0, 0, 0, 0, 1, 1}, entry.Match.Value)
		default:
			t.Fatalf("unexpected device %s", entry.Device)
		}
	}
}

func TestEventKindGating(t *testing.T) {
	f := newFixture(t)
	f.oracle.own("device:r1", "device:r2")
	f.config.Put("device:r1", netcfg.Object{MyStationMAC: "00:00:00:00:01:01", UN: "fcbb:bb00:1::"})
	f.config.Put("device:r2", netcfg.Object{MyStationMAC: "00:00:00:00:01:02", UN: "fcbb:bb00:2::"})

	// Added while unavailable.
	f.topo.PutDevice(topology.Device{ID: "device:r1", Available: false})
	require.Empty(t, f.table.Ops())

	f.topo.PutDevice(topology.Device{ID: "device:r1", Available: true})
	require.Len(t, f.table.Ops(), 3)
	f.table.Reset()

	// Availability lost.
	f.topo.PutDevice(topology.Device{ID: "device:r1", Available: false})
	require.Empty(t, f.table.Ops())

	link := connect("device:r1/1", "device:r2/1")
	f.topo.PutLink(link)
	f.table.Reset()
	f.dispatcher.tasks = nil

	// Updated and removed links, removed devices.
	f.topo.PutLink(link)
	f.topo.RemoveLink(link)
	f.topo.RemoveDevice("device:r1")
	require.Empty(t, f.table.Ops())
	require.Empty(t, f.dispatcher.tasks)

	// No retraction either.
	require.Len(t, f.table.All(), 4)
}

func TestConfigCompleteness(t *testing.T) {
	ctx := context.Background()

	for name, obj := range map[string]*netcfg.Object{
		"no config": nil,
		"no mac":    {UN: "fcbb:bb00:1::"},
		"no uN":     {MyStationMAC: "00:00:00:00:01:01"},
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			if obj != nil {
				f.config.Put("device:r1", *obj)
			}
			f.topo.PutDevice(topology.Device{ID: "device:r1", Available: true})

			err := f.routing.SetUpStation(ctx, "device:r1")
			require.ErrorIs(t, err, netcfg.ErrConfigMissing)
			err = f.srv6.SetUpLocalSIDs(ctx, "device:r1")
			require.ErrorIs(t, err, netcfg.ErrConfigMissing)
			require.Empty(t, f.table.Ops())

			f.oracle.own("device:r1")
			f.srv6.SetUpAllDevices(ctx)
			require.Empty(t, f.table.Ops())

			failures := f.logs.FilterMessage("initial set up failed").All()
			require.Len(t, failures, 1)
			msg, ok := failures[0].ContextMap()["error"].(string)
			require.True(t, ok)
			require.Contains(t, msg, netcfg.ErrConfigMissing.Error())
		})
	}
}

func TestConfigMissingIsolatesDevices(t *testing.T) {
	f := newFixture(t)
	f.oracle.own("device:r1", "device:r2")
	f.config.Put("device:r2", netcfg.Object{MyStationMAC: "00:00:00:00:01:02", UN: "fcbb:bb00:2::"})
	f.topo.PutDevice(topology.Device{ID: "device:r1", Available: true})
	f.topo.PutDevice(topology.Device{ID: "device:r2", Available: true})
	f.table.Reset()

	f.routing.SetUpAllDevices(context.Background())
	f.srv6.SetUpAllDevices(context.Background())

	for _, entry := range f.applied() {
		require.Equal(t, topology.DeviceID("device:r2"), entry.Device)
	}
	require.Len(t, f.applied(), 3)
}

func TestUDXOptionality(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.topo.PutDevice(topology.Device{ID: "device:r1", Available: true})

	f.config.Put("device:r1", netcfg.Object{MyStationMAC: "00:00:00:00:01:01", UN: "fcbb:bb00:1::"})
	require.NoError(t, f.srv6.SetUpLocalSIDs(ctx, "device:r1"))
	require.Len(t, f.table.Ops(), 2)

	f.table.Reset()
	f.config.Put("device:r1", netcfg.Object{MyStationMAC: "00:00:00:00:01:01", UN: "fcbb:bb00:1::", UDX: "fcbb:bb00:1:fd00::"})
	require.NoError(t, f.srv6.SetUpLocalSIDs(ctx, "device:r1"))
	ops := f.table.Ops()
	require.Len(t, ops, 3)
	require.Equal(t, pipeline.ActionEndDX6, ops[2].Entry.Action.ID)
	require.Equal(t, lpm(t, "fcbb:bb00:1:fd00::", 64), ops[2].Entry.Match)
}

func TestL2NextHopsSkipUnconfiguredNeighbors(t *testing.T) {
	f := newFixture(t)
	f.config.Put("device:r2", netcfg.Object{MyStationMAC: "00:00:00:00:01:02", UN: "fcbb:bb00:2::"})
	f.topo.PutLink(connect("device:r1/1", "device:r2/1"))
	f.topo.PutLink(connect("device:r1/2", "device:r3/1"))

	require.NoError(t, f.routing.SetUpL2NextHops(context.Background(), "device:r1"))
	require.Len(t, f.applied(), 1)
	require.Equal(t, 1, f.logs.FilterMessage("skipping L2 next hop").Len())

	// Zero egress links is valid.
	require.NoError(t, f.routing.SetUpL2NextHops(context.Background(), "device:r9"))
	require.Len(t, f.applied(), 1)
}

func TestInsertRoute(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.topo.PutDevice(topology.Device{ID: "device:r1", Available: true})

	err := f.routing.InsertRoute(ctx, "device:r1", netip.MustParsePrefix("2001:db8:9::/64"), mac("00:00:00:00:00:09"))
	require.NoError(t, err)
	entries := f.appliedTo(pipeline.TableRoutingV6)
	require.Len(t, entries, 1)
	require.Equal(t, lpm(t, "2001:db8:9::", 64), entries[0].Match)

	err = f.routing.InsertRoute(ctx, "device:r9", netip.MustParsePrefix("2001:db8:9::/64"), mac("00:00:00:00:00:09"))
	require.ErrorIs(t, err, ErrDeviceNotFound)

	err = f.routing.InsertRoute(ctx, "device:r1", netip.MustParsePrefix("10.0.0.0/8"), mac("00:00:00:00:00:09"))
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestInsertUAPolicy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.topo.PutDevice(topology.Device{ID: "device:r1", Available: true})

	err := f.srv6.InsertUAPolicy(ctx, "device:r1",
		netip.MustParseAddr("fcbb:bb00:1:fe02::"),
		netip.MustParseAddr("2001:db8:12::2"),
		mac("00:00:00:00:01:02"),
	)
	require.NoError(t, err)
	require.Len(t, f.appliedTo(pipeline.TableLocalSID), 1)
	require.Len(t, f.appliedTo(pipeline.TableXConnect), 1)

	err = f.srv6.InsertUAPolicy(ctx, "device:r9",
		netip.MustParseAddr("fcbb:bb00:1:fe02::"),
		netip.MustParseAddr("2001:db8:12::2"),
		mac("00:00:00:00:01:02"),
	)
	require.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestPartialPolicy(t *testing.T) {
	ctx := context.Background()
	errTransport := errors.New("transport failure")
	f := newFixture(t, flowrule.WithFault(func(e flowrule.Entry) error {
		if e.Table == pipeline.TableXConnect {
			return errTransport
		}
		return nil
	}))
	f.topo.PutDevice(topology.Device{ID: "device:r1", Available: true})

	err := f.srv6.InsertUAPolicy(ctx, "device:r1",
		netip.MustParseAddr("fcbb:bb00:1:fe02::"),
		netip.MustParseAddr("2001:db8:12::2"),
		mac("00:00:00:00:01:02"),
	)
	require.ErrorIs(t, err, ErrPartialPolicy)
	require.ErrorIs(t, err, errTransport)
	// No rollback.
	require.Len(t, f.table.All(), 1)
}

func TestTransportFailureIsNotPartial(t *testing.T) {
	errTransport := errors.New("transport failure")
	f := newFixture(t, flowrule.WithFault(func(flowrule.Entry) error {
		return errTransport
	}))
	f.config.Put("device:r1", netcfg.Object{MyStationMAC: "00:00:00:00:01:01", UN: "fcbb:bb00:1::"})

	err := f.srv6.SetUpLocalSIDs(context.Background(), "device:r1")
	require.ErrorIs(t, err, errTransport)
	require.NotErrorIs(t, err, ErrPartialPolicy)
}

func TestInsertTransitEncapErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.topo.PutDevice(topology.Device{ID: "device:r1", Available: true})
	segments := []netip.Addr{netip.MustParseAddr("fcbb:bb00:2::")}
	prefix := netip.MustParsePrefix("2001:db8:2::/48")

	err := f.srv6.InsertTransitEncap(ctx, "device:r9", prefix, segments)
	require.ErrorIs(t, err, ErrDeviceNotFound)

	err = f.srv6.InsertTransitEncap(ctx, "device:r1", prefix, segments)
	require.ErrorIs(t, err, netcfg.ErrConfigMissing)

	f.config.Put("device:r1", netcfg.Object{MyStationMAC: "00:00:00:00:01:01", UN: "fcbb:bb00:1::"})
	err = f.srv6.InsertTransitEncap(ctx, "device:r1", prefix, nil)
	require.ErrorIs(t, err, ErrInvalidArgument)
	require.Empty(t, f.table.Ops())
}

func TestClearTransitEncap(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.config.Put("device:r1", netcfg.Object{MyStationMAC: "00:00:00:00:01:01", UN: "fcbb:bb00:1::"})
	f.config.Put("device:r2", netcfg.Object{MyStationMAC: "00:00:00:00:01:02", UN: "fcbb:bb00:2::"})
	f.topo.PutDevice(topology.Device{ID: "device:r1", Available: true})
	f.topo.PutDevice(topology.Device{ID: "device:r2", Available: true})

	segments := []netip.Addr{netip.MustParseAddr("fcbb:bb00:2::"), netip.MustParseAddr("fcbb:bb00:3::")}
	for _, p := range []string{"2001:db8:2::/48", "2001:db8:3::/48"} {
		require.NoError(t, f.srv6.InsertTransitEncap(ctx, "device:r1", netip.MustParsePrefix(p), segments))
	}
	require.NoError(t, f.srv6.InsertTransitEncap(ctx, "device:r2", netip.MustParsePrefix("2001:db8:4::/48"), segments))
	require.NoError(t, f.routing.InsertRoute(ctx, "device:r1", netip.MustParsePrefix("2001:db8:9::/64"), mac("00:00:00:00:00:09")))

	// An encapsulation policy of another application survives.
	foreign := flowrule.Entry{
		Device: "device:r1",
		Table:  pipeline.TableSRv6Encap,
		Match:  lpm(t, "2001:db8:5::", 48),
		Action: flowrule.Action{ID: "IngressPipeImpl.usid_encap_0"},
		AppID:  "org.onosproject.other",
	}
	require.NoError(t, f.table.Apply(ctx, foreign))

	removed, err := f.srv6.ClearTransitEncap(ctx, "device:r1")
	require.NoError(t, err)
	require.Equal(t, 2, removed)

	entries, err := f.table.Entries(ctx, "device:r1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, entry := range entries {
		require.False(t, entry.AppID == testApp && entry.Table == pipeline.TableSRv6Encap)
	}

	entries, err = f.table.Entries(ctx, "device:r2")
	require.NoError(t, err)
	require.Len(t, entries, 1)

	removed, err = f.srv6.ClearTransitEncap(ctx, "device:r1")
	require.NoError(t, err)
	require.Zero(t, removed)

	_, err = f.srv6.ClearTransitEncap(ctx, "device:r9")
	require.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestInitialSetupRun(t *testing.T) {
	f := newFixture(t)
	f.config.Put("device:r1", netcfg.Object{MyStationMAC: "00:00:00:00:01:01", UN: "fcbb:bb00:1::"})
	// Devices were discovered before this instance became the owner, so
	// only the sweep can set them up.
	f.topo.PutDevice(topology.Device{ID: "device:r1", Available: true})
	f.oracle.own("device:r1")
	require.Empty(t, f.table.Ops())

	ctx, cancel := context.WithCancel(context.Background())
	wg := sync.WaitGroup{}
	for _, run := range []func(context.Context) error{f.routing.Run, f.srv6.Run} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run(ctx)
		}()
	}

	require.Eventually(t, func() bool {
		return len(f.table.All()) == 3
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	wg.Wait()
}

func TestMastershipAcquired(t *testing.T) {
	f := newFixture(t)
	f.config.Put("device:r1", netcfg.Object{MyStationMAC: "00:00:00:00:01:01", UN: "fcbb:bb00:1::"})
	f.config.Put("device:r2", netcfg.Object{MyStationMAC: "00:00:00:00:01:02", UN: "fcbb:bb00:2::"})
	f.topo.PutDevice(topology.Device{ID: "device:r1", Available: true})
	f.topo.PutDevice(topology.Device{ID: "device:r3", Available: false})
	f.topo.PutLink(connect("device:r1/1", "device:r2/1"))
	require.Empty(t, f.table.Ops())

	f.oracle.own("device:r1", "device:r3")
	f.routing.HandleMastershipAcquired("device:r1")
	f.srv6.HandleMastershipAcquired("device:r1")
	f.routing.HandleMastershipAcquired("device:r3")
	f.srv6.HandleMastershipAcquired("device:r3")

	require.Len(t, f.appliedTo(pipeline.TableL2Firewall), 1)
	require.Len(t, f.appliedTo(pipeline.TableUnicast), 1)
	require.Len(t, f.appliedTo(pipeline.TableLocalSID), 2)
	require.Len(t, f.dispatcher.tasks, 2)
}

func TestCloseUnsubscribes(t *testing.T) {
	f := newFixture(t)
	f.oracle.own("device:r1")
	f.config.Put("device:r1", netcfg.Object{MyStationMAC: "00:00:00:00:01:01", UN: "fcbb:bb00:1::"})

	f.routing.Close()
	f.srv6.Close()
	f.topo.PutDevice(topology.Device{ID: "device:r1", Available: true})
	require.Empty(t, f.table.Ops())
}

func TestEventBurstIsNeverDropped(t *testing.T) {
	topo := topology.NewStore()
	config := netcfg.NewMemoryStore(nil)
	table := flowrule.NewMemoryTable()
	owner := &oracle{owned: map[topology.DeviceID]bool{}}
	ex := executor.NewExecutor(&executor.Config{Workers: 1, QueueSize: 2})

	routing := NewRouting(Services{
		Topology:   topo,
		Oracle:     owner,
		Resolver:   netcfg.NewResolver(config),
		Table:      table,
		Dispatcher: ex,
	}, testApp, WithInitialSetupDelay(time.Hour))
	routing.Start()
	defer routing.Close()

	// The whole burst is admitted before any worker runs.
	devices := []topology.DeviceID{"device:r1", "device:r2", "device:r3", "device:r4", "device:r5"}
	for idx, dev := range devices {
		owner.own(dev)
		config.Put(dev, netcfg.Object{
			MyStationMAC: fmt.Sprintf("00:00:00:00:01:0%d", idx+1),
			UN:           fmt.Sprintf("fcbb:bb00:%d::", idx+1),
		})
		topo.PutDevice(topology.Device{ID: dev, Available: true})
	}
	require.Equal(t, uint64(len(devices)), ex.Stats().Submitted)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ex.Run(ctx)

	require.Eventually(t, func() bool {
		return ex.Stats().Completed == uint64(len(devices))
	}, 5*time.Second, time.Millisecond)

	stations := []topology.DeviceID{}
	for _, entry := range table.All() {
		if entry.Table == pipeline.TableL2Firewall {
			stations = append(stations, entry.Device)
		}
	}
	require.ElementsMatch(t, devices, stations)
}
