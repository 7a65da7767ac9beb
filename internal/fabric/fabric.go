// Package fabric synthesizes the forwarding state of every locally owned
// device from the topology and the per-device configuration.
//
// Synthesis is always idempotent: entries are keyed by table and match, and
// re-applying an identical entry is a no-op at the target. Instead of
// remembering what was configured, every trigger simply rebuilds the full
// set of entries for the concern at hand.
package fabric

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/yanet-platform/srv6-usid/internal/executor"
	"github.com/yanet-platform/srv6-usid/internal/flowrule"
	"github.com/yanet-platform/srv6-usid/internal/mastership"
	"github.com/yanet-platform/srv6-usid/internal/netcfg"
	"github.com/yanet-platform/srv6-usid/internal/topology"
)

// DefaultInitialSetupDelay is the delay between Start and the initial
// convergence sweep.
const DefaultInitialSetupDelay = 5 * time.Second

var (
	// ErrDeviceNotFound is returned by operator operations for devices
	// unknown to the topology.
	ErrDeviceNotFound = errors.New("device not found")
	// ErrInvalidArgument is returned by operator operations for malformed
	// input.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrPartialPolicy is returned when a multi-entry policy failed after
	// some of its entries had been installed.
	ErrPartialPolicy = errors.New("partial policy installed")
)

// Dispatcher runs tasks asynchronously.
type Dispatcher interface {
	// Submit enqueues the task without blocking. Every submitted task
	// eventually runs.
	Submit(name string, task executor.Task)
}

// Services are the collaborators shared by the fabric components.
type Services struct {
	Topology   topology.Service
	Oracle     mastership.Oracle
	Resolver   *netcfg.Resolver
	Table      flowrule.Table
	Dispatcher Dispatcher
}

// Option is a function that configures a fabric component.
type Option func(*options)

type options struct {
	Log               *zap.SugaredLogger
	InitialSetupDelay time.Duration
}

func newOptions() *options {
	return &options{
		Log:               zap.NewNop().Sugar(),
		InitialSetupDelay: DefaultInitialSetupDelay,
	}
}

// WithLog sets the logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}

// WithInitialSetupDelay sets the delay before the initial sweep.
func WithInitialSetupDelay(delay time.Duration) Option {
	return func(o *options) {
		o.InitialSetupDelay = delay
	}
}

type setupFunc func(ctx context.Context, dev topology.DeviceID) error

// dispatch submits a synthesis task for the device.
func dispatch(
	d Dispatcher,
	log *zap.SugaredLogger,
	component string,
	kind topology.EventKind,
	dev topology.DeviceID,
	fn setupFunc,
) {
	name := fmt.Sprintf("%s %s %s", component, kind, dev)
	d.Submit(name, func(ctx context.Context) error {
		log.Infow("handling event", zap.Stringer("event", kind), zap.Stringer("device", dev))
		return fn(ctx, dev)
	})
}

// waitInitialSetup sleeps for the initial setup delay.
//
// Returns false if the context was canceled meanwhile.
func waitInitialSetup(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func checkDevice(topo topology.Service, dev topology.DeviceID) error {
	if _, ok := topo.Device(dev); !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, dev)
	}
	return nil
}

// applyPolicy installs all entries of a multi-entry policy in one request.
func applyPolicy(ctx context.Context, table flowrule.Table, policy string, entries []flowrule.Entry) error {
	err := table.Apply(ctx, entries...)
	if err == nil {
		return nil
	}

	if applied := flowrule.AppliedCount(err); applied > 0 {
		return fmt.Errorf("%w: %s: %d of %d entries installed: %w", ErrPartialPolicy, policy, applied, len(entries), err)
	}
	return fmt.Errorf("failed to apply %s: %w", policy, err)
}
