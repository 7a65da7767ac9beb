package flowrule

import (
	"context"
	"errors"
	"fmt"

	"github.com/yanet-platform/srv6-usid/internal/topology"
)

// Table is the flow-table interface of the dataplane.
type Table interface {
	// Apply installs the entries, replacing any entry with the same key.
	//
	// Entries are applied in order. Applying an identical entry again is a
	// no-op at the target. When only some of the entries were applied, the
	// returned error is a *PartialError.
	Apply(ctx context.Context, entries ...Entry) error
	// Entries returns all entries installed on the device.
	Entries(ctx context.Context, device topology.DeviceID) ([]Entry, error)
	// Remove deletes the entries.
	Remove(ctx context.Context, entries ...Entry) error
}

// PartialError reports that a multi-entry Apply failed after some of the
// entries had been installed.
type PartialError struct {
	// Applied is the number of installed entries.
	Applied int
	// Total is the number of entries in the request.
	Total int
	Err   error
}

func (m *PartialError) Error() string {
	return fmt.Sprintf("applied %d of %d entries: %v", m.Applied, m.Total, m.Err)
}

func (m *PartialError) Unwrap() error {
	return m.Err
}

// AppliedCount returns how many entries were installed by a failed Apply.
//
// Errors that are not a *PartialError mean nothing was installed.
func AppliedCount(err error) int {
	var partial *PartialError
	if errors.As(err, &partial) {
		return partial.Applied
	}
	return 0
}
