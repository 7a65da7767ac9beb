// Package pipeline names the tables, match fields, actions and action
// parameters of the SRv6 uSID dataplane program.
package pipeline

import (
	"fmt"
)

// Tables.
const (
	TableL2Firewall = "IngressPipeImpl.l2_firewall"
	TableUnicast    = "IngressPipeImpl.unicast"
	TableRoutingV6  = "IngressPipeImpl.routing_v6"
	TableLocalSID   = "IngressPipeImpl.srv6_localsid_table"
	TableXConnect   = "IngressPipeImpl.xconnect_table"
	TableSRv6Encap  = "IngressPipeImpl.srv6_encap"
)

// Match fields.
const (
	FieldEthDst    = "hdr.ethernet.dst_addr"
	FieldIPv6Dst   = "hdr.ipv6.dst_addr"
	FieldUANextHop = "local_metadata.ua_next_hop"
)

// Actions.
const (
	ActionNoAction      = "NoAction"
	ActionSetOutputPort = "IngressPipeImpl.set_output_port"
	ActionSetNextHop    = "IngressPipeImpl.set_next_hop"
	ActionUSIDUN        = "IngressPipeImpl.srv6_usid_un"
	ActionEnd           = "IngressPipeImpl.srv6_end"
	ActionEndDX6        = "IngressPipeImpl.srv6_end_dx6"
	ActionUSIDUA        = "IngressPipeImpl.srv6_usid_ua"
	ActionXConnect      = "IngressPipeImpl.xconnect_act"
)

// Action parameters.
const (
	ParamPortNum = "port_num"
	ParamNextHop = "next_hop"
	ParamSrcAddr = "src_addr"
)

// Prefix lengths of the local SID entries.
const (
	USIDBlockLen = 48
	SIDLen       = 64
)

// PortNumBytes is the width of the egress port parameter.
const PortNumBytes = 2

// MaxSegments is the longest segment list the encapsulation actions support.
const MaxSegments = 4

// encapActions maps a segment list length to the action encapsulating it.
//
// The numeric suffix is the number of explicit segments, the last segment
// of the list is carried implicitly.
var encapActions = [MaxSegments + 1]string{
	1: "IngressPipeImpl.usid_encap_0",
	2: "IngressPipeImpl.usid_encap_1",
	3: "IngressPipeImpl.usid_encap_2",
	4: "IngressPipeImpl.usid_encap_3",
}

// EncapAction returns the encapsulation action for a segment list of the
// given length.
func EncapAction(segments int) (string, error) {
	if segments < 1 || segments > MaxSegments {
		return "", fmt.Errorf("segment list length %d is out of supported range [1, %d]", segments, MaxSegments)
	}
	return encapActions[segments], nil
}

// SegmentParam returns the name of the i-th explicit segment parameter,
// starting from 1.
func SegmentParam(i int) string {
	return fmt.Sprintf("s%d", i)
}
