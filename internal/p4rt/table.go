package p4rt

import (
	"context"
	"errors"
	"fmt"

	p4v1 "github.com/p4lang/p4runtime/go/p4/v1"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/yanet-platform/srv6-usid/internal/flowrule"
	"github.com/yanet-platform/srv6-usid/internal/topology"
)

var _ flowrule.Table = (*Table)(nil)

// ErrUnknownDevice is returned for devices without a configured P4Runtime
// target.
var ErrUnknownDevice = errors.New("no P4Runtime target for device")

// Table is a flow table backed by P4Runtime targets.
//
// Inserts are idempotent: entries the device reports as already existing
// are re-sent as modifications. Removing entries the device does not have
// is not an error.
type Table struct {
	schema   *Schema
	clients  map[topology.DeviceID]*Client
	rollback bool
	log      *zap.SugaredLogger
}

// NewTable creates a table with one client per configured device.
func NewTable(cfg *Config, schema *Schema, options ...ClientOption) (*Table, error) {
	opts := newClientOptions()
	for _, o := range options {
		o(opts)
	}

	atomicity, err := cfg.atomicity()
	if err != nil {
		return nil, err
	}

	clients := map[topology.DeviceID]*Client{}
	for _, dev := range cfg.Devices {
		client, err := NewClient(dev, cfg, options...)
		if err != nil {
			return nil, fmt.Errorf("failed to create client for %s: %w", dev.ID, err)
		}
		clients[dev.ID] = client
	}

	return &Table{
		schema:   schema,
		clients:  clients,
		rollback: atomicity == p4v1.WriteRequest_ROLLBACK_ON_ERROR,
		log:      opts.Log,
	}, nil
}

// Run runs all device clients until the context is canceled.
func (m *Table) Run(ctx context.Context) error {
	wg, ctx := errgroup.WithContext(ctx)
	for _, client := range m.clients {
		wg.Go(func() error {
			return client.Run(ctx)
		})
	}
	return wg.Wait()
}

// Client returns the client of the given device.
func (m *Table) Client(dev topology.DeviceID) (*Client, bool) {
	client, ok := m.clients[dev]
	return client, ok
}

func (m *Table) client(dev topology.DeviceID) (*Client, error) {
	client, ok := m.clients[dev]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, dev)
	}
	return client, nil
}

// Apply implements flowrule.Table.
//
// Entries of the same device are sent in a single write request.
func (m *Table) Apply(ctx context.Context, entries ...flowrule.Entry) error {
	applied := 0
	for _, group := range groupByDevice(entries) {
		n, err := m.applyDevice(ctx, group)
		applied += n
		if err != nil {
			if applied == 0 {
				return err
			}
			return &flowrule.PartialError{Applied: applied, Total: len(entries), Err: err}
		}
	}
	return nil
}

func (m *Table) applyDevice(ctx context.Context, entries []flowrule.Entry) (int, error) {
	client, err := m.client(entries[0].Device)
	if err != nil {
		return 0, err
	}

	updates := make([]*p4v1.Update, 0, len(entries))
	for _, entry := range entries {
		te, err := m.schema.Encode(entry)
		if err != nil {
			return 0, fmt.Errorf("failed to encode %s: %w", entry, err)
		}
		updates = append(updates, &p4v1.Update{
			Type:   p4v1.Update_INSERT,
			Entity: &p4v1.Entity{Entity: &p4v1.Entity_TableEntry{TableEntry: te}},
		})
	}

	applied, resend, err := m.write(ctx, client, updates, upsert)
	if len(resend) > 0 {
		m.log.Debugw("re-sending updates", zap.Stringer("device", entries[0].Device), zap.Int("count", len(resend)))

		n, _, resendErr := m.write(ctx, client, resend, nil)
		applied += n
		err = errors.Join(err, resendErr)
	}
	return applied, err
}

// resolveFunc resolves an update the device rejected with the given code.
//
// Returns false if the rejection is a real failure. Otherwise returns the
// update to re-send, or nil if the device is already in the desired state.
type resolveFunc func(code codes.Code, update *p4v1.Update) (*p4v1.Update, bool)

// upsert re-sends inserts of existing entries as modifications.
func upsert(code codes.Code, update *p4v1.Update) (*p4v1.Update, bool) {
	if code != codes.AlreadyExists || update.GetType() != p4v1.Update_INSERT {
		return nil, false
	}
	return &p4v1.Update{Type: p4v1.Update_MODIFY, Entity: update.GetEntity()}, true
}

// ignoreMissing treats deletes of absent entries as done.
func ignoreMissing(code codes.Code, update *p4v1.Update) (*p4v1.Update, bool) {
	return nil, code == codes.NotFound && update.GetType() == p4v1.Update_DELETE
}

// write sends the updates and sorts out their outcomes.
//
// Returns the number of applied updates and the updates to re-send.
func (m *Table) write(
	ctx context.Context,
	client *Client,
	updates []*p4v1.Update,
	resolve resolveFunc,
) (int, []*p4v1.Update, error) {
	err := client.Write(ctx, updates)
	if err == nil {
		return len(updates), nil, nil
	}

	outcomes, ok := updateErrors(err, len(updates))
	if !ok {
		return 0, nil, err
	}

	applied := 0
	resend := []*p4v1.Update{}
	errs := []error{}
	for idx, outcome := range outcomes {
		code := codes.Code(outcome.GetCanonicalCode())
		switch {
		case code == codes.OK:
			applied++
			if m.rollback {
				resend = append(resend, updates[idx])
			}
			continue
		case code == codes.Aborted && m.rollback:
			// Rolled back because of another update.
			resend = append(resend, updates[idx])
			continue
		case resolve != nil:
			if next, ok := resolve(code, updates[idx]); ok {
				if next != nil {
					resend = append(resend, next)
				}
				continue
			}
		}
		errs = append(errs, fmt.Errorf("update #%d: %s: %s", idx, code, outcome.GetMessage()))
	}

	if m.rollback {
		// Nothing is applied unless all updates succeeded.
		applied = 0
		if len(errs) > 0 {
			resend = nil
		}
	}
	return applied, resend, errors.Join(errs...)
}

// Entries implements flowrule.Table.
//
// Entries of tables unknown to the pipeline schema are skipped.
func (m *Table) Entries(ctx context.Context, dev topology.DeviceID) ([]flowrule.Entry, error) {
	client, err := m.client(dev)
	if err != nil {
		return nil, err
	}

	tes, err := client.ReadTableEntries(ctx, 0)
	if err != nil {
		return nil, err
	}

	entries := make([]flowrule.Entry, 0, len(tes))
	for _, te := range tes {
		entry, err := m.schema.Decode(dev, te)
		if err != nil {
			m.log.Debugw("skipping table entry", zap.Stringer("device", dev), zap.Error(err))
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Remove implements flowrule.Table.
func (m *Table) Remove(ctx context.Context, entries ...flowrule.Entry) error {
	for _, group := range groupByDevice(entries) {
		if err := m.removeDevice(ctx, group); err != nil {
			return err
		}
	}
	return nil
}

func (m *Table) removeDevice(ctx context.Context, entries []flowrule.Entry) error {
	client, err := m.client(entries[0].Device)
	if err != nil {
		return err
	}

	updates := make([]*p4v1.Update, 0, len(entries))
	for _, entry := range entries {
		te, err := m.schema.Encode(entry)
		if err != nil {
			return fmt.Errorf("failed to encode %s: %w", entry, err)
		}
		updates = append(updates, &p4v1.Update{
			Type:   p4v1.Update_DELETE,
			Entity: &p4v1.Entity{Entity: &p4v1.Entity_TableEntry{TableEntry: te}},
		})
	}

	_, resend, err := m.write(ctx, client, updates, ignoreMissing)
	if len(resend) > 0 {
		_, _, resendErr := m.write(ctx, client, resend, nil)
		err = errors.Join(err, resendErr)
	}
	return err
}

// updateErrors extracts per-update errors from a failed write.
func updateErrors(err error, total int) ([]*p4v1.Error, bool) {
	st, ok := status.FromError(err)
	if !ok || st.Code() != codes.Unknown {
		return nil, false
	}

	outcomes := []*p4v1.Error{}
	for _, detail := range st.Details() {
		if e, ok := detail.(*p4v1.Error); ok {
			outcomes = append(outcomes, e)
		}
	}
	if len(outcomes) != total {
		return nil, false
	}
	return outcomes, true
}

func groupByDevice(entries []flowrule.Entry) [][]flowrule.Entry {
	groups := [][]flowrule.Entry{}
	index := map[topology.DeviceID]int{}
	for _, entry := range entries {
		idx, ok := index[entry.Device]
		if !ok {
			idx = len(groups)
			index[entry.Device] = idx
			groups = append(groups, nil)
		}
		groups[idx] = append(groups[idx], entry)
	}
	return groups
}
