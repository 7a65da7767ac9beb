package p4rt

import (
	"fmt"
	"math/bits"
	"slices"

	p4v1 "github.com/p4lang/p4runtime/go/p4/v1"

	"github.com/yanet-platform/srv6-usid/internal/flowrule"
	"github.com/yanet-platform/srv6-usid/internal/topology"
)

// Encode translates the entry into a P4Runtime table entry.
//
// Values are sent as canonical bytestrings. The owning application is
// stored in the entry metadata.
func (m *Schema) Encode(entry flowrule.Entry) (*p4v1.TableEntry, error) {
	table, ok := m.tables[entry.Table]
	if !ok {
		return nil, fmt.Errorf("unknown table %q", entry.Table)
	}

	match, err := encodeMatch(table, entry.Match)
	if err != nil {
		return nil, fmt.Errorf("table %s: %w", table.name, err)
	}

	action, err := m.encodeAction(entry.Action)
	if err != nil {
		return nil, fmt.Errorf("table %s: %w", table.name, err)
	}

	return &p4v1.TableEntry{
		TableId: table.id,
		Match:   match,
		Action: &p4v1.TableAction{
			Type: &p4v1.TableAction_Action{Action: action},
		},
		Metadata: []byte(entry.AppID),
	}, nil
}

func encodeMatch(table *tableInfo, match flowrule.Match) ([]*p4v1.FieldMatch, error) {
	field, ok := table.fields[match.Field]
	if !ok {
		return nil, fmt.Errorf("unknown match field %q", match.Field)
	}
	if field.kind != match.Kind {
		return nil, fmt.Errorf("field %s: expected %s match, got %s", field.name, field.kind, match.Kind)
	}

	value := canonical(match.Value)
	if bitLen(value) > field.bitwidth {
		return nil, fmt.Errorf("field %s: value 0x%x does not fit %d bits", field.name, match.Value, field.bitwidth)
	}

	switch match.Kind {
	case flowrule.MatchExact:
		return []*p4v1.FieldMatch{
			{
				FieldId: field.id,
				FieldMatchType: &p4v1.FieldMatch_Exact_{
					Exact: &p4v1.FieldMatch_Exact{Value: value},
				},
			},
		}, nil
	case flowrule.MatchLPM:
		// The prefix length is relative to the declared field width.
		prefixLen := match.PrefixLen - (8*len(match.Value) - field.bitwidth)
		if prefixLen < 0 || prefixLen > field.bitwidth {
			return nil, fmt.Errorf("field %s: prefix length %d is out of range", field.name, match.PrefixLen)
		}
		// A zero-length prefix is a don't care match and must be omitted.
		if prefixLen == 0 {
			return nil, nil
		}
		return []*p4v1.FieldMatch{
			{
				FieldId: field.id,
				FieldMatchType: &p4v1.FieldMatch_Lpm{
					Lpm: &p4v1.FieldMatch_LPM{Value: value, PrefixLen: int32(prefixLen)},
				},
			},
		}, nil
	default:
		return nil, fmt.Errorf("field %s: unsupported match kind %s", field.name, match.Kind)
	}
}

func (m *Schema) encodeAction(action flowrule.Action) (*p4v1.Action, error) {
	info, ok := m.actions[action.ID]
	if !ok {
		return nil, fmt.Errorf("unknown action %q", action.ID)
	}
	if len(action.Params) != len(info.params) {
		return nil, fmt.Errorf("action %s: expected %d params, got %d", info.name, len(info.params), len(action.Params))
	}

	params := make([]*p4v1.Action_Param, 0, len(action.Params))
	for _, p := range action.Params {
		param, ok := info.params[p.Name]
		if !ok {
			return nil, fmt.Errorf("action %s: unknown param %q", info.name, p.Name)
		}

		value := canonical(p.Value)
		if bitLen(value) > param.bitwidth {
			return nil, fmt.Errorf("action %s: param %s: value 0x%x does not fit %d bits", info.name, param.name, p.Value, param.bitwidth)
		}
		params = append(params, &p4v1.Action_Param{ParamId: param.id, Value: value})
	}

	return &p4v1.Action{ActionId: info.id, Params: params}, nil
}

// Decode translates a P4Runtime table entry read from the device.
//
// Values are widened to the declared field widths, so that decoded entries
// have the same keys as the ones built locally.
func (m *Schema) Decode(device topology.DeviceID, te *p4v1.TableEntry) (flowrule.Entry, error) {
	table, ok := m.tablesByID[te.GetTableId()]
	if !ok {
		return flowrule.Entry{}, fmt.Errorf("unknown table ID %d", te.GetTableId())
	}

	match, err := decodeMatch(table, te.GetMatch())
	if err != nil {
		return flowrule.Entry{}, fmt.Errorf("table %s: %w", table.name, err)
	}

	action, err := m.decodeAction(te.GetAction().GetAction())
	if err != nil {
		return flowrule.Entry{}, fmt.Errorf("table %s: %w", table.name, err)
	}

	return flowrule.Entry{
		Device: device,
		Table:  table.name,
		Match:  match,
		Action: action,
		AppID:  flowrule.AppID(te.GetMetadata()),
	}, nil
}

func decodeMatch(table *tableInfo, matches []*p4v1.FieldMatch) (flowrule.Match, error) {
	switch {
	case len(matches) > 1:
		return flowrule.Match{}, fmt.Errorf("multi-field matches are not supported")
	case len(matches) == 0:
		if len(table.order) != 1 || table.order[0].kind != flowrule.MatchLPM {
			return flowrule.Match{}, fmt.Errorf("default entries are not supported")
		}
		field := table.order[0]
		return flowrule.LPM(field.name, make([]byte, byteWidth(field.bitwidth)), 0)
	}

	fm := matches[0]
	field, ok := table.fieldsByID[fm.GetFieldId()]
	if !ok {
		return flowrule.Match{}, fmt.Errorf("unknown match field ID %d", fm.GetFieldId())
	}

	switch {
	case fm.GetExact() != nil:
		value, err := widen(fm.GetExact().GetValue(), field.bitwidth)
		if err != nil {
			return flowrule.Match{}, fmt.Errorf("field %s: %w", field.name, err)
		}
		return flowrule.Exact(field.name, value), nil
	case fm.GetLpm() != nil:
		value, err := widen(fm.GetLpm().GetValue(), field.bitwidth)
		if err != nil {
			return flowrule.Match{}, fmt.Errorf("field %s: %w", field.name, err)
		}
		padding := 8*len(value) - field.bitwidth
		return flowrule.LPM(field.name, value, int(fm.GetLpm().GetPrefixLen())+padding)
	default:
		return flowrule.Match{}, fmt.Errorf("field %s: unsupported match type", field.name)
	}
}

func (m *Schema) decodeAction(action *p4v1.Action) (flowrule.Action, error) {
	if action == nil {
		return flowrule.Action{}, fmt.Errorf("entry has no direct action")
	}
	info, ok := m.actionsByID[action.GetActionId()]
	if !ok {
		return flowrule.Action{}, fmt.Errorf("unknown action ID %d", action.GetActionId())
	}

	values := map[uint32][]byte{}
	for _, p := range action.GetParams() {
		values[p.GetParamId()] = p.GetValue()
	}

	out := flowrule.Action{ID: info.name}
	for _, param := range info.order {
		v, ok := values[param.id]
		if !ok {
			return flowrule.Action{}, fmt.Errorf("action %s: missing param %s", info.name, param.name)
		}
		value, err := widen(v, param.bitwidth)
		if err != nil {
			return flowrule.Action{}, fmt.Errorf("action %s: param %s: %w", info.name, param.name, err)
		}
		out.Params = append(out.Params, flowrule.Param{Name: param.name, Value: value})
	}

	return out, nil
}

// canonical strips leading zero bytes, keeping at least one byte.
func canonical(value []byte) []byte {
	idx := 0
	for idx < len(value)-1 && value[idx] == 0 {
		idx++
	}
	if len(value) == 0 {
		return []byte{0}
	}
	return slices.Clone(value[idx:])
}

// widen left-pads a canonical value to the byte width of the field.
func widen(value []byte, bitwidth int) ([]byte, error) {
	value = canonical(value)
	if bitLen(value) > bitwidth {
		return nil, fmt.Errorf("value 0x%x does not fit %d bits", value, bitwidth)
	}

	width := byteWidth(bitwidth)
	out := make([]byte, width)
	copy(out[width-len(value):], value)
	return out, nil
}

func bitLen(value []byte) int {
	for idx, b := range value {
		if b != 0 {
			return (len(value)-idx-1)*8 + bits.Len8(b)
		}
	}
	return 0
}

func byteWidth(bitwidth int) int {
	return (bitwidth + 7) / 8
}
