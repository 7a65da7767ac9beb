// Package rules builds the table entries of every forwarding behavior.
//
// All builders are pure and deterministic: the same inputs always produce
// the same entries in the same order.
package rules

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"

	"github.com/yanet-platform/srv6-usid/internal/flowrule"
	"github.com/yanet-platform/srv6-usid/internal/netcfg"
	"github.com/yanet-platform/srv6-usid/internal/pipeline"
	"github.com/yanet-platform/srv6-usid/internal/topology"
)

// Builder builds entries owned by a single application.
type Builder struct {
	app flowrule.AppID
}

// NewBuilder creates a builder stamping entries with the given application.
func NewBuilder(app flowrule.AppID) *Builder {
	return &Builder{app: app}
}

func (m *Builder) entry(dev topology.DeviceID, table string, match flowrule.Match, action flowrule.Action) flowrule.Entry {
	return flowrule.Entry{
		Device: dev,
		Table:  table,
		Match:  match,
		Action: action,
		AppID:  m.app,
	}
}

// StationFilter admits frames addressed to the device's own MAC.
func (m *Builder) StationFilter(dev topology.DeviceID, mac net.HardwareAddr) (flowrule.Entry, error) {
	if len(mac) != 6 {
		return flowrule.Entry{}, fmt.Errorf("malformed station MAC %q", mac)
	}

	return m.entry(
		dev,
		pipeline.TableL2Firewall,
		flowrule.Exact(pipeline.FieldEthDst, mac),
		flowrule.Action{ID: pipeline.ActionNoAction},
	), nil
}

// L2NextHop forwards frames addressed to a neighbor out of the given port.
func (m *Builder) L2NextHop(dev topology.DeviceID, nextHopMAC net.HardwareAddr, port uint32) (flowrule.Entry, error) {
	if len(nextHopMAC) != 6 {
		return flowrule.Entry{}, fmt.Errorf("malformed next hop MAC %q", nextHopMAC)
	}
	if port > 0xffff {
		return flowrule.Entry{}, fmt.Errorf("port %d does not fit the egress port parameter", port)
	}

	portNum := make([]byte, pipeline.PortNumBytes)
	binary.BigEndian.PutUint16(portNum, uint16(port))

	return m.entry(
		dev,
		pipeline.TableUnicast,
		flowrule.Exact(pipeline.FieldEthDst, nextHopMAC),
		flowrule.Action{
			ID: pipeline.ActionSetOutputPort,
			Params: []flowrule.Param{
				{Name: pipeline.ParamPortNum, Value: portNum},
			},
		},
	), nil
}

// Route sets the next hop MAC for an IPv6 destination prefix.
func (m *Builder) Route(dev topology.DeviceID, prefix netip.Prefix, nextHopMAC net.HardwareAddr) (flowrule.Entry, error) {
	if len(nextHopMAC) != 6 {
		return flowrule.Entry{}, fmt.Errorf("malformed next hop MAC %q", nextHopMAC)
	}
	match, err := ipv6LPM(pipeline.FieldIPv6Dst, prefix)
	if err != nil {
		return flowrule.Entry{}, err
	}

	return m.entry(
		dev,
		pipeline.TableRoutingV6,
		match,
		flowrule.Action{
			ID: pipeline.ActionSetNextHop,
			Params: []flowrule.Param{
				{Name: pipeline.ParamNextHop, Value: nextHopMAC},
			},
		},
	), nil
}

// LocalSIDs builds the local SID entries of a device.
//
// The entries are, in order: the uN block as a micro-segment node, the uN
// SID as a segment endpoint and, when configured, the uDX SID as an
// endpoint with IPv6 decapsulation.
func (m *Builder) LocalSIDs(dev topology.DeviceID, cfg netcfg.DeviceConfig) ([]flowrule.Entry, error) {
	type sid struct {
		addr      netip.Addr
		prefixLen int
		action    string
	}

	sids := []sid{
		{cfg.USID, pipeline.USIDBlockLen, pipeline.ActionUSIDUN},
		{cfg.USID, pipeline.SIDLen, pipeline.ActionEnd},
	}
	if cfg.HasUDX() {
		sids = append(sids, sid{cfg.UDX, pipeline.SIDLen, pipeline.ActionEndDX6})
	}

	entries := make([]flowrule.Entry, 0, len(sids))
	for _, s := range sids {
		match, err := ipv6LPM(pipeline.FieldIPv6Dst, netip.PrefixFrom(s.addr, s.prefixLen))
		if err != nil {
			return nil, err
		}
		entries = append(entries, m.entry(
			dev,
			pipeline.TableLocalSID,
			match,
			flowrule.Action{ID: s.action},
		))
	}

	return entries, nil
}

// UAPair builds the two entries of an adjacency SID policy.
//
// The first entry rewrites packets hitting the uA instruction towards the
// next hop, the second resolves that next hop to a MAC address. Both
// entries must be installed together.
func (m *Builder) UAPair(
	dev topology.DeviceID,
	uA netip.Addr,
	nextHop netip.Addr,
	nextHopMAC net.HardwareAddr,
) ([]flowrule.Entry, error) {
	if len(nextHopMAC) != 6 {
		return nil, fmt.Errorf("malformed next hop MAC %q", nextHopMAC)
	}
	if !is6(nextHop) {
		return nil, fmt.Errorf("next hop %s is not an IPv6 address", nextHop)
	}

	uaMatch, err := ipv6LPM(pipeline.FieldIPv6Dst, netip.PrefixFrom(uA, pipeline.SIDLen))
	if err != nil {
		return nil, err
	}
	xconnectMatch, err := ipv6LPM(pipeline.FieldUANextHop, netip.PrefixFrom(nextHop, pipeline.SIDLen))
	if err != nil {
		return nil, err
	}

	nh := nextHop.As16()
	return []flowrule.Entry{
		m.entry(
			dev,
			pipeline.TableLocalSID,
			uaMatch,
			flowrule.Action{
				ID: pipeline.ActionUSIDUA,
				Params: []flowrule.Param{
					{Name: pipeline.ParamNextHop, Value: nh[:]},
				},
			},
		),
		m.entry(
			dev,
			pipeline.TableXConnect,
			xconnectMatch,
			flowrule.Action{
				ID: pipeline.ActionXConnect,
				Params: []flowrule.Param{
					{Name: pipeline.ParamNextHop, Value: nextHopMAC},
				},
			},
		),
	}, nil
}

// TransitEncap builds a transit encapsulation entry steering packets
// destined to the prefix along the segment list.
//
// The source SID is the device's own uN. Every segment but the last becomes
// an explicit parameter, the last one is implied by the action variant.
func (m *Builder) TransitEncap(
	dev topology.DeviceID,
	prefix netip.Prefix,
	src netip.Addr,
	segments []netip.Addr,
) (flowrule.Entry, error) {
	actionID, err := pipeline.EncapAction(len(segments))
	if err != nil {
		return flowrule.Entry{}, err
	}
	if !is6(src) {
		return flowrule.Entry{}, fmt.Errorf("source SID %s is not an IPv6 address", src)
	}
	for idx, segment := range segments {
		if !is6(segment) {
			return flowrule.Entry{}, fmt.Errorf("segment #%d %s is not an IPv6 address", idx, segment)
		}
	}

	match, err := ipv6LPM(pipeline.FieldIPv6Dst, prefix)
	if err != nil {
		return flowrule.Entry{}, err
	}

	srcAddr := src.As16()
	params := make([]flowrule.Param, 0, len(segments))
	params = append(params, flowrule.Param{Name: pipeline.ParamSrcAddr, Value: srcAddr[:]})
	for idx, segment := range segments[:len(segments)-1] {
		s := segment.As16()
		params = append(params, flowrule.Param{Name: pipeline.SegmentParam(idx + 1), Value: s[:]})
	}

	return m.entry(
		dev,
		pipeline.TableSRv6Encap,
		match,
		flowrule.Action{ID: actionID, Params: params},
	), nil
}

// IsTransitEntry reports whether the entry is a transit encapsulation
// policy owned by the builder's application.
func (m *Builder) IsTransitEntry(entry flowrule.Entry) bool {
	return entry.AppID == m.app && entry.Table == pipeline.TableSRv6Encap
}

func is6(addr netip.Addr) bool {
	return addr.Is6() && !addr.Is4In6()
}

func ipv6LPM(field string, prefix netip.Prefix) (flowrule.Match, error) {
	if !prefix.IsValid() || !is6(prefix.Addr()) {
		return flowrule.Match{}, fmt.Errorf("%s is not a valid IPv6 prefix", prefix)
	}

	addr := prefix.Addr().As16()
	return flowrule.LPM(field, addr[:], prefix.Bits())
}
