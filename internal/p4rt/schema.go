package p4rt

import (
	"fmt"
	"os"

	p4configv1 "github.com/p4lang/p4runtime/go/p4/config/v1"
	"google.golang.org/protobuf/encoding/prototext"

	"github.com/yanet-platform/srv6-usid/internal/flowrule"
)

// Schema indexes the P4Info of a pipeline by name and by ID.
type Schema struct {
	tables      map[string]*tableInfo
	tablesByID  map[uint32]*tableInfo
	actions     map[string]*actionInfo
	actionsByID map[uint32]*actionInfo
}

type tableInfo struct {
	id         uint32
	name       string
	fields     map[string]*fieldInfo
	fieldsByID map[uint32]*fieldInfo
	// order is the declaration order of the match fields.
	order []*fieldInfo
}

type fieldInfo struct {
	id       uint32
	name     string
	bitwidth int
	kind     flowrule.MatchKind
}

type actionInfo struct {
	id         uint32
	name       string
	params     map[string]*paramInfo
	paramsByID map[uint32]*paramInfo
	order      []*paramInfo
}

type paramInfo struct {
	id       uint32
	name     string
	bitwidth int
}

// LoadP4Info reads a P4Info file in protobuf text format.
func LoadP4Info(path string) (*p4configv1.P4Info, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read P4Info: %w", err)
	}

	info := &p4configv1.P4Info{}
	if err := prototext.Unmarshal(buf, info); err != nil {
		return nil, fmt.Errorf("failed to parse P4Info %q: %w", path, err)
	}
	return info, nil
}

// NewSchema indexes the given P4Info.
//
// Only exact and LPM match fields are supported, tables with other match
// kinds are rejected.
func NewSchema(info *p4configv1.P4Info) (*Schema, error) {
	m := &Schema{
		tables:      map[string]*tableInfo{},
		tablesByID:  map[uint32]*tableInfo{},
		actions:     map[string]*actionInfo{},
		actionsByID: map[uint32]*actionInfo{},
	}

	for _, table := range info.GetTables() {
		t := &tableInfo{
			id:         table.GetPreamble().GetId(),
			name:       table.GetPreamble().GetName(),
			fields:     map[string]*fieldInfo{},
			fieldsByID: map[uint32]*fieldInfo{},
		}
		for _, mf := range table.GetMatchFields() {
			f := &fieldInfo{
				id:       mf.GetId(),
				name:     mf.GetName(),
				bitwidth: int(mf.GetBitwidth()),
			}
			switch mf.GetMatchType() {
			case p4configv1.MatchField_EXACT:
				f.kind = flowrule.MatchExact
			case p4configv1.MatchField_LPM:
				f.kind = flowrule.MatchLPM
			default:
				return nil, fmt.Errorf("table %s: field %s: unsupported match type %s", t.name, f.name, mf.GetMatchType())
			}
			t.fields[f.name] = f
			t.fieldsByID[f.id] = f
			t.order = append(t.order, f)
		}

		if err := m.addTable(t, table.GetPreamble().GetAlias()); err != nil {
			return nil, err
		}
	}

	for _, action := range info.GetActions() {
		a := &actionInfo{
			id:         action.GetPreamble().GetId(),
			name:       action.GetPreamble().GetName(),
			params:     map[string]*paramInfo{},
			paramsByID: map[uint32]*paramInfo{},
		}
		for _, param := range action.GetParams() {
			p := &paramInfo{
				id:       param.GetId(),
				name:     param.GetName(),
				bitwidth: int(param.GetBitwidth()),
			}
			a.params[p.name] = p
			a.paramsByID[p.id] = p
			a.order = append(a.order, p)
		}

		if err := m.addAction(a, action.GetPreamble().GetAlias()); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *Schema) addTable(t *tableInfo, alias string) error {
	if _, ok := m.tablesByID[t.id]; ok {
		return fmt.Errorf("duplicate table ID %d", t.id)
	}
	m.tablesByID[t.id] = t
	m.tables[t.name] = t
	if alias != "" && alias != t.name {
		m.tables[alias] = t
	}
	return nil
}

func (m *Schema) addAction(a *actionInfo, alias string) error {
	if _, ok := m.actionsByID[a.id]; ok {
		return fmt.Errorf("duplicate action ID %d", a.id)
	}
	m.actionsByID[a.id] = a
	m.actions[a.name] = a
	if alias != "" && alias != a.name {
		m.actions[alias] = a
	}
	return nil
}

// TableID returns the P4Runtime ID of the named table.
func (m *Schema) TableID(name string) (uint32, bool) {
	t, ok := m.tables[name]
	if !ok {
		return 0, false
	}
	return t.id, true
}

// ActionID returns the P4Runtime ID of the named action.
func (m *Schema) ActionID(name string) (uint32, bool) {
	a, ok := m.actions[name]
	if !ok {
		return 0, false
	}
	return a.id, true
}
