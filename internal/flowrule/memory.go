package flowrule

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/yanet-platform/srv6-usid/internal/topology"
)

var _ Table = (*MemoryTable)(nil)

// OpKind is the kind of a recorded table operation.
type OpKind int

const (
	OpApply OpKind = iota + 1
	OpRemove
)

func (m OpKind) String() string {
	switch m {
	case OpApply:
		return "apply"
	case OpRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// Op is a recorded table operation.
type Op struct {
	Kind  OpKind
	Entry Entry
}

// MemoryTableOption is a function that configures the in-memory table.
type MemoryTableOption func(*memoryOptions)

type memoryOptions struct {
	Fault func(Entry) error
	Log   *zap.SugaredLogger
}

// WithFault sets a hook that may fail individual Apply operations.
func WithFault(fault func(Entry) error) MemoryTableOption {
	return func(o *memoryOptions) {
		o.Fault = fault
	}
}

// WithLog sets the logger.
func WithLog(log *zap.SugaredLogger) MemoryTableOption {
	return func(o *memoryOptions) {
		o.Log = log
	}
}

// MemoryTable is an in-memory flow table.
//
// It keeps the installed entries of every device together with a log of all
// operations, which makes it suitable both as a dry-run dataplane and as a
// test double.
type MemoryTable struct {
	mu      sync.Mutex
	entries map[Key]Entry
	ops     []Op
	fault   func(Entry) error
	log     *zap.SugaredLogger
}

// NewMemoryTable creates an empty in-memory table.
func NewMemoryTable(options ...MemoryTableOption) *MemoryTable {
	opts := &memoryOptions{
		Log: zap.NewNop().Sugar(),
	}
	for _, o := range options {
		o(opts)
	}

	return &MemoryTable{
		entries: map[Key]Entry{},
		fault:   opts.Fault,
		log:     opts.Log,
	}
}

// Apply implements Table.
func (m *MemoryTable) Apply(ctx context.Context, entries ...Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for idx, entry := range entries {
		if err := ctx.Err(); err != nil {
			return m.fail(idx, len(entries), err)
		}
		if err := entry.Validate(); err != nil {
			return m.fail(idx, len(entries), err)
		}
		if m.fault != nil {
			if err := m.fault(entry); err != nil {
				return m.fail(idx, len(entries), err)
			}
		}

		entry = entry.Clone()
		m.entries[entry.Key()] = entry
		m.ops = append(m.ops, Op{Kind: OpApply, Entry: entry})
		m.log.Debugw("applied entry", zap.Stringer("entry", entry))
	}

	return nil
}

func (m *MemoryTable) fail(applied int, total int, err error) error {
	if applied == 0 {
		return err
	}
	return &PartialError{Applied: applied, Total: total, Err: err}
}

// Entries implements Table.
func (m *MemoryTable) Entries(ctx context.Context, device topology.DeviceID) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	entries := []Entry{}
	for key, entry := range m.entries {
		if key.Device == device {
			entries = append(entries, entry.Clone())
		}
	}
	m.mu.Unlock()

	slices.SortFunc(entries, CompareKeys)
	return entries, nil
}

// Remove implements Table.
//
// Removing an entry that is not installed is not an error.
func (m *MemoryTable) Remove(ctx context.Context, entries ...Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, entry := range entries {
		key := entry.Key()
		if _, ok := m.entries[key]; !ok {
			continue
		}
		delete(m.entries, key)
		m.ops = append(m.ops, Op{Kind: OpRemove, Entry: entry.Clone()})
		m.log.Debugw("removed entry", zap.Stringer("entry", entry))
	}

	return nil
}

// All returns all installed entries ordered by key.
func (m *MemoryTable) All() []Entry {
	m.mu.Lock()
	entries := make([]Entry, 0, len(m.entries))
	for _, entry := range m.entries {
		entries = append(entries, entry.Clone())
	}
	m.mu.Unlock()

	slices.SortFunc(entries, CompareKeys)
	return entries
}

// Ops returns a copy of the operation log.
func (m *MemoryTable) Ops() []Op {
	m.mu.Lock()
	defer m.mu.Unlock()

	return slices.Clone(m.ops)
}

// Reset clears the operation log, keeping installed entries.
func (m *MemoryTable) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ops = nil
}

func (m Op) String() string {
	return fmt.Sprintf("%s %s", m.Kind, m.Entry)
}
