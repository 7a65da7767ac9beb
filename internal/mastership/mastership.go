package mastership

import (
	"fmt"

	"github.com/gobwas/glob"

	"github.com/yanet-platform/srv6-usid/internal/topology"
)

// Oracle tells whether this controller instance is the current owner
// (master) of a device.
//
// Ownership is computed elsewhere and is read-only from the point of view of
// the callers.
type Oracle interface {
	IsLocalOwner(id topology.DeviceID) bool
}

// StaticOracle owns every device whose ID matches at least one of the
// configured glob patterns.
type StaticOracle struct {
	patterns []glob.Glob
}

// NewStaticOracle compiles the given patterns, e.g. "device:r*".
func NewStaticOracle(patterns []string) (*StaticOracle, error) {
	globs := make([]glob.Glob, 0, len(patterns))
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("failed to compile ownership pattern %q: %w", pattern, err)
		}
		globs = append(globs, g)
	}

	return &StaticOracle{patterns: globs}, nil
}

// IsLocalOwner implements Oracle.
func (m *StaticOracle) IsLocalOwner(id topology.DeviceID) bool {
	for _, g := range m.patterns {
		if g.Match(string(id)) {
			return true
		}
	}
	return false
}
