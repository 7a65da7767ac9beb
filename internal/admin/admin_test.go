package admin

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/yanet-platform/srv6-usid/internal/executor"
	"github.com/yanet-platform/srv6-usid/internal/fabric"
	"github.com/yanet-platform/srv6-usid/internal/flowrule"
	"github.com/yanet-platform/srv6-usid/internal/mastership"
	"github.com/yanet-platform/srv6-usid/internal/netcfg"
	"github.com/yanet-platform/srv6-usid/internal/pipeline"
	"github.com/yanet-platform/srv6-usid/internal/topology"
)

type harness struct {
	client *Client
	config *netcfg.MemoryStore
	table  *flowrule.MemoryTable
	level  zap.AtomicLevel
	logs   *observer.ObservedLogs
}

func newHarness(t *testing.T, tableOptions ...flowrule.MemoryTableOption) *harness {
	t.Helper()

	core, logs := observer.New(zapcore.InfoLevel)
	log := zap.New(core).Sugar()

	topo := topology.NewStore()
	topo.PutDevice(topology.Device{ID: "device:r1", Available: true})
	topo.PutDevice(topology.Device{ID: "device:r2", Available: true})

	oracle, err := mastership.NewStaticOracle(nil)
	require.NoError(t, err)

	config := netcfg.NewMemoryStore(map[topology.DeviceID]netcfg.Object{
		"device:r1": {MyStationMAC: "00:00:00:00:01:01", UN: "fcbb:bb00:1::"},
	})
	table := flowrule.NewMemoryTable(tableOptions...)
	exec := executor.NewExecutor(executor.DefaultConfig())

	svc := fabric.Services{
		Topology:   topo,
		Oracle:     oracle,
		Resolver:   netcfg.NewResolver(config),
		Table:      table,
		Dispatcher: exec,
	}
	routing := fabric.NewRouting(svc, "org.onosproject.srv6-usid")
	srv6 := fabric.NewSRv6(svc, "org.onosproject.srv6-usid")

	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	server := NewServer(
		DefaultConfig(),
		routing,
		srv6,
		table,
		WithStats(exec.Stats),
		WithLogLevel(&level),
		WithLog(log),
	)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	return &harness{
		client: NewClient(ts.URL, 5*time.Second),
		config: config,
		table:  table,
		level:  level,
		logs:   logs,
	}
}

func statusOf(t *testing.T, err error) int {
	t.Helper()

	apiErr := &APIError{}
	require.True(t, errors.As(err, &apiErr), "%v", err)
	return apiErr.StatusCode
}

func TestInsertRoute(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	err := h.client.InsertRoute(ctx, "device:r1", RouteRequest{
		Prefix:     "2001:db8:9::",
		NextHopMAC: "00:00:00:00:00:09",
	})
	require.NoError(t, err)

	mask := 48
	err = h.client.InsertRoute(ctx, "device:r1", RouteRequest{
		Prefix:     "2001:db8:a::",
		Mask:       &mask,
		NextHopMAC: "00:00:00:00:00:0a",
	})
	require.NoError(t, err)

	entries, err := h.client.Entries(ctx, "device:r1")
	require.NoError(t, err)
	require.Equal(t, []Entry{
		{
			Table:  pipeline.TableRoutingV6,
			Match:  "hdr.ipv6.dst_addr=0x20010db8000900000000000000000000/64",
			Action: "IngressPipeImpl.set_next_hop(next_hop=0x000000000009)",
			AppID:  "org.onosproject.srv6-usid",
		},
		{
			Table:  pipeline.TableRoutingV6,
			Match:  "hdr.ipv6.dst_addr=0x20010db8000a00000000000000000000/48",
			Action: "IngressPipeImpl.set_next_hop(next_hop=0x00000000000a)",
			AppID:  "org.onosproject.srv6-usid",
		},
	}, entries)
}

func TestInsertRouteFailures(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	err := h.client.InsertRoute(ctx, "device:r9", RouteRequest{Prefix: "2001:db8:9::/64", NextHopMAC: "00:00:00:00:00:09"})
	require.Equal(t, 404, statusOf(t, err))
	apiErr := &APIError{}
	require.True(t, errors.As(err, &apiErr))
	require.True(t, apiErr.IsNotFound())

	err = h.client.InsertRoute(ctx, "device:r1", RouteRequest{Prefix: "2001:db8:9::/64", NextHopMAC: "zz"})
	require.Equal(t, 400, statusOf(t, err))

	err = h.client.InsertRoute(ctx, "device:r1", RouteRequest{Prefix: "10.0.0.0/8", NextHopMAC: "00:00:00:00:00:09"})
	require.Equal(t, 400, statusOf(t, err))

	// An explicit mask must not silently lose to the prefix length.
	mask := 48
	err = h.client.InsertRoute(ctx, "device:r1", RouteRequest{Prefix: "2001:db8:9::/64", Mask: &mask, NextHopMAC: "00:00:00:00:00:09"})
	require.Equal(t, 400, statusOf(t, err))
	require.Contains(t, err.Error(), "mask conflicts")

	require.Empty(t, h.table.All())
	require.Equal(t, 4, h.logs.FilterMessage("failed to execute request").Len())
}

func TestInsertUAPolicy(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	err := h.client.InsertUAPolicy(ctx, "device:r1", UARequest{
		Instruction: "fcbb:bb00:1:fe02::",
		NextHop:     "2001:db8:12::2",
		NextHopMAC:  "00:00:00:00:01:02",
	})
	require.NoError(t, err)
	require.Len(t, h.table.All(), 2)

	err = h.client.InsertUAPolicy(ctx, "device:r1", UARequest{
		Instruction: "fcbb:bb00:1:fe02::",
		NextHop:     "10.0.0.1",
		NextHopMAC:  "00:00:00:00:01:02",
	})
	require.Equal(t, 400, statusOf(t, err))
}

func TestPartialPolicyIsBadGateway(t *testing.T) {
	h := newHarness(t, flowrule.WithFault(func(e flowrule.Entry) error {
		if e.Table == pipeline.TableXConnect {
			return fmt.Errorf("transport failure")
		}
		return nil
	}))

	err := h.client.InsertUAPolicy(context.Background(), "device:r1", UARequest{
		Instruction: "fcbb:bb00:1:fe02::",
		NextHop:     "2001:db8:12::2",
		NextHopMAC:  "00:00:00:00:01:02",
	})
	require.Equal(t, 502, statusOf(t, err))
	require.Contains(t, err.Error(), fabric.ErrPartialPolicy.Error())
}

func TestTransitEncap(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	req := EncapRequest{
		Prefix:   "2001:db8:2::/48",
		Segments: []string{"fcbb:bb00:2::", "fcbb:bb00:3::"},
	}
	require.NoError(t, h.client.InsertTransitEncap(ctx, "device:r1", req))

	req.Prefix = "2001:db8:3::1"
	require.NoError(t, h.client.InsertTransitEncap(ctx, "device:r1", req))

	entries, err := h.client.Entries(ctx, "device:r1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "hdr.ipv6.dst_addr=0x20010db8000300000000000000000001/128", entries[1].Match)
	require.Equal(t, "IngressPipeImpl.usid_encap_1", entries[1].Action[:len("IngressPipeImpl.usid_encap_1")])

	// Device without configuration has no source SID.
	err = h.client.InsertTransitEncap(ctx, "device:r2", req)
	require.Equal(t, 409, statusOf(t, err))

	req.Segments = nil
	err = h.client.InsertTransitEncap(ctx, "device:r1", req)
	require.Equal(t, 400, statusOf(t, err))

	removed, err := h.client.ClearTransitEncap(ctx, "device:r1")
	require.NoError(t, err)
	require.Equal(t, 2, removed)

	_, err = h.client.ClearTransitEncap(ctx, "device:r9")
	require.Equal(t, 404, statusOf(t, err))
}

func TestHealth(t *testing.T) {
	h := newHarness(t)

	health, err := h.client.Health(context.Background())
	require.NoError(t, err)
	require.Equal(t, "ok", health.Status)
	require.NotNil(t, health.Executor)
	require.Zero(t, health.Executor.Submitted)

	entries := h.logs.FilterMessage("completed request").All()
	require.Len(t, entries, 1)
	require.Equal(t, "/healthz", entries[0].ContextMap()["path"])
	require.NotEmpty(t, entries[0].ContextMap()["request_id"])
}

func TestLogLevel(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	level, err := h.client.LogLevel(ctx)
	require.NoError(t, err)
	require.Equal(t, "info", level)

	require.NoError(t, h.client.SetLogLevel(ctx, "debug"))
	require.Equal(t, zapcore.DebugLevel, h.level.Level())
	require.Equal(t, 1, h.logs.FilterMessage(`updated log level to "debug"`).Len())

	level, err = h.client.LogLevel(ctx)
	require.NoError(t, err)
	require.Equal(t, "debug", level)

	err = h.client.SetLogLevel(ctx, "verbose")
	require.Equal(t, 400, statusOf(t, err))
	require.Equal(t, zapcore.DebugLevel, h.level.Level())

	require.NoError(t, h.client.SetLogLevel(ctx, "error"))
	require.Equal(t, zapcore.ErrorLevel, h.level.Level())
}

func TestLogLevelIsNotImplementedWithoutLevel(t *testing.T) {
	server := NewServer(DefaultConfig(), nil, nil, nil)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	client := NewClient(ts.URL, 5*time.Second)

	err := client.SetLogLevel(context.Background(), "debug")
	require.Equal(t, 501, statusOf(t, err))

	_, err = client.LogLevel(context.Background())
	require.Equal(t, 501, statusOf(t, err))
}

func TestParsePrefix(t *testing.T) {
	cases := []struct {
		in       string
		mask     int
		expected string
	}{
		{in: "2001:db8::/32", mask: 64, expected: "2001:db8::/32"},
		{in: "2001:db8::", mask: 64, expected: "2001:db8::/64"},
		{in: "2001:db8::1", mask: 128, expected: "2001:db8::1/128"},
		{in: "2001:db8::", mask: 129},
		{in: "2001:db8::/200", mask: 64},
		{in: "nonsense", mask: 64},
	}

	for idx, c := range cases {
		t.Run(fmt.Sprintf("case #%d", idx), func(t *testing.T) {
			prefix, err := parsePrefix(c.in, c.mask)
			if c.expected == "" {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, netip.MustParsePrefix(c.expected), prefix)
		})
	}
}
