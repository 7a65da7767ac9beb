package flowrule

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"

	"github.com/yanet-platform/srv6-usid/internal/topology"
)

// AppID is the identity of the application owning an entry.
type AppID string

// MatchKind is the kind of a match criterion.
type MatchKind int

const (
	// MatchExact matches a fixed-width key exactly.
	MatchExact MatchKind = iota + 1
	// MatchLPM is a longest-prefix match over a key and a prefix length.
	MatchLPM
)

func (m MatchKind) String() string {
	switch m {
	case MatchExact:
		return "exact"
	case MatchLPM:
		return "lpm"
	default:
		return "unknown"
	}
}

// Match is a single-field match criterion.
type Match struct {
	Kind  MatchKind
	Field string
	// Value is the big-endian key.
	//
	// For LPM matches the bits past PrefixLen are always zero.
	Value []byte
	// PrefixLen is meaningful only for LPM matches.
	PrefixLen int
}

// Exact creates an exact match.
func Exact(field string, value []byte) Match {
	return Match{
		Kind:  MatchExact,
		Field: field,
		Value: slices.Clone(value),
	}
}

// LPM creates a longest-prefix match.
//
// The prefix length must be within [0, 8*len(value)]. Host bits of the
// value are cleared.
func LPM(field string, value []byte, prefixLen int) (Match, error) {
	width := 8 * len(value)
	if prefixLen < 0 || prefixLen > width {
		return Match{}, fmt.Errorf("prefix length %d is out of range [0, %d] for %s", prefixLen, width, field)
	}

	masked := slices.Clone(value)
	for idx := range masked {
		bits := prefixLen - 8*idx
		switch {
		case bits >= 8:
		case bits <= 0:
			masked[idx] = 0
		default:
			masked[idx] &= ^byte(0xff >> bits)
		}
	}

	return Match{
		Kind:      MatchLPM,
		Field:     field,
		Value:     masked,
		PrefixLen: prefixLen,
	}, nil
}

// Equal reports whether both matches select the same keys.
func (m Match) Equal(other Match) bool {
	return m.Kind == other.Kind &&
		m.Field == other.Field &&
		m.PrefixLen == other.PrefixLen &&
		bytes.Equal(m.Value, other.Value)
}

func (m Match) String() string {
	if m.Kind == MatchLPM {
		return fmt.Sprintf("%s=0x%x/%d", m.Field, m.Value, m.PrefixLen)
	}
	return fmt.Sprintf("%s=0x%x", m.Field, m.Value)
}

// Param is a named action parameter.
type Param struct {
	Name  string
	Value []byte
}

// Action is an action identifier with its ordered parameters.
type Action struct {
	ID     string
	Params []Param
}

// Param returns the value of the named parameter.
func (m Action) Param(name string) ([]byte, bool) {
	for _, p := range m.Params {
		if p.Name == name {
			return p.Value, true
		}
	}
	return nil, false
}

func (m Action) String() string {
	params := make([]string, 0, len(m.Params))
	for _, p := range m.Params {
		params = append(params, fmt.Sprintf("%s=0x%x", p.Name, p.Value))
	}
	return fmt.Sprintf("%s(%s)", m.ID, strings.Join(params, ", "))
}

// Entry is a match-action table entry installed on a device.
type Entry struct {
	Device topology.DeviceID
	Table  string
	Match  Match
	Action Action
	AppID  AppID
}

// Key identifies an entry slot on a device.
//
// Two entries with the same key replace each other.
type Key struct {
	Device topology.DeviceID
	Table  string
	Match  string
}

// Key returns the entry key.
func (m Entry) Key() Key {
	return Key{
		Device: m.Device,
		Table:  m.Table,
		Match:  fmt.Sprintf("%d|%s|%s|%d", m.Match.Kind, m.Match.Field, hex.EncodeToString(m.Match.Value), m.Match.PrefixLen),
	}
}

// Validate checks that the entry is complete.
func (m Entry) Validate() error {
	switch {
	case m.Device == "":
		return fmt.Errorf("entry has no device")
	case m.Table == "":
		return fmt.Errorf("entry has no table")
	case m.Match.Field == "":
		return fmt.Errorf("entry has no match field")
	case m.Action.ID == "":
		return fmt.Errorf("entry has no action")
	}
	if m.Match.Kind != MatchExact && m.Match.Kind != MatchLPM {
		return fmt.Errorf("entry has unknown match kind %d", m.Match.Kind)
	}
	return nil
}

// Clone returns a deep copy of the entry.
func (m Entry) Clone() Entry {
	out := m
	out.Match.Value = slices.Clone(m.Match.Value)
	if m.Action.Params != nil {
		out.Action.Params = make([]Param, len(m.Action.Params))
		for idx, p := range m.Action.Params {
			out.Action.Params[idx] = Param{Name: p.Name, Value: slices.Clone(p.Value)}
		}
	}
	return out
}

func (m Entry) String() string {
	return fmt.Sprintf("%s %s [%s] -> %s", m.Device, m.Table, m.Match, m.Action)
}

// CompareKeys orders entries by device, table and match.
func CompareKeys(a, b Entry) int {
	ka, kb := a.Key(), b.Key()
	if c := strings.Compare(string(ka.Device), string(kb.Device)); c != 0 {
		return c
	}
	if c := strings.Compare(ka.Table, kb.Table); c != 0 {
		return c
	}
	return strings.Compare(ka.Match, kb.Match)
}
