package admin

import (
	"github.com/yanet-platform/srv6-usid/internal/executor"
	"github.com/yanet-platform/srv6-usid/internal/flowrule"
)

// RouteRequest is the body of a route insertion.
type RouteRequest struct {
	// Prefix is an IPv6 prefix, e.g. "2001:db8:1::/64", or a bare address.
	Prefix string `json:"prefix"`
	// Mask is the prefix length of a bare address, 64 by default. It must
	// be omitted when Prefix carries its own length.
	Mask *int `json:"mask,omitempty"`
	// NextHopMAC is the MAC address of the next hop.
	NextHopMAC string `json:"next_hop_mac"`
}

// UARequest is the body of an adjacency SID policy insertion.
type UARequest struct {
	Instruction string `json:"instruction"`
	NextHop     string `json:"next_hop_ipv6"`
	NextHopMAC  string `json:"next_hop_mac"`
}

// EncapRequest is the body of a transit encapsulation insertion.
type EncapRequest struct {
	// Prefix is the steered destination, a bare address means a /128.
	Prefix   string   `json:"prefix"`
	Segments []string `json:"segments"`
}

// ClearResponse is the result of clearing transit encapsulations.
type ClearResponse struct {
	Removed int `json:"removed"`
}

// Entry is a human-readable table entry.
type Entry struct {
	Table  string `json:"table"`
	Match  string `json:"match"`
	Action string `json:"action"`
	AppID  string `json:"app_id"`
}

func newEntry(e flowrule.Entry) Entry {
	return Entry{
		Table:  e.Table,
		Match:  e.Match.String(),
		Action: e.Action.String(),
		AppID:  string(e.AppID),
	}
}

// Health is the body of the health probe.
type Health struct {
	Status   string          `json:"status"`
	Executor *executor.Stats `json:"executor,omitempty"`
}

// LogLevel is the minimum logging level, one of "debug", "info", "warn" or
// "error".
type LogLevel struct {
	Level string `json:"level"`
}

type errorResponse struct {
	Error string `json:"error"`
}
