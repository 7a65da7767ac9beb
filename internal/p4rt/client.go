package p4rt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	p4v1 "github.com/p4lang/p4runtime/go/p4/v1"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/yanet-platform/srv6-usid/internal/topology"
)

var (
	// ErrNotConnected is returned when there is no established stream to
	// the device.
	ErrNotConnected = errors.New("device is not connected")
	// ErrNotPrimary is returned when this controller lost primary
	// arbitration for the device.
	ErrNotPrimary = errors.New("controller is not the primary for the device")
)

// ClientOption is a function that configures the P4Runtime client.
type ClientOption func(*clientOptions)

type clientOptions struct {
	DialOptions []grpc.DialOption
	Log         *zap.SugaredLogger
}

func newClientOptions() *clientOptions {
	return &clientOptions{
		Log: zap.NewNop().Sugar(),
	}
}

// WithDialOptions appends gRPC dial options.
func WithDialOptions(options ...grpc.DialOption) ClientOption {
	return func(o *clientOptions) {
		o.DialOptions = append(o.DialOptions, options...)
	}
}

// WithClientLog sets the logger.
func WithClientLog(log *zap.SugaredLogger) ClientOption {
	return func(o *clientOptions) {
		o.Log = log
	}
}

type session struct {
	client  p4v1.P4RuntimeClient
	primary bool
}

// Client is a P4Runtime client of a single device.
//
// It keeps a stream channel open to the device, taking part in primary
// arbitration with the configured election ID, and reconnects with
// exponential backoff when the stream breaks.
type Client struct {
	dev        DeviceConfig
	cfg        *Config
	electionID *p4v1.Uint128
	atomicity  p4v1.WriteRequest_Atomicity
	opts       *clientOptions

	mu   sync.RWMutex
	sess *session
	// readyCh is closed and replaced every time the session changes.
	readyCh chan struct{}

	log *zap.SugaredLogger
}

// NewClient creates a new client for the given device.
func NewClient(dev DeviceConfig, cfg *Config, options ...ClientOption) (*Client, error) {
	atomicity, err := cfg.atomicity()
	if err != nil {
		return nil, err
	}

	opts := newClientOptions()
	for _, o := range options {
		o(opts)
	}

	return &Client{
		dev:        dev,
		cfg:        cfg,
		electionID: &p4v1.Uint128{High: 0, Low: cfg.ElectionID},
		atomicity:  atomicity,
		opts:       opts,
		readyCh:    make(chan struct{}),
		log: opts.Log.With(
			zap.Stringer("device", dev.ID),
			zap.String("endpoint", dev.Endpoint),
		),
	}, nil
}

// Device returns the topology ID of the device.
func (m *Client) Device() topology.DeviceID {
	return m.dev.ID
}

// Run maintains the stream channel until the context is canceled.
func (m *Client) Run(ctx context.Context) error {
	m.log.Infow("starting P4Runtime client", zap.Uint64("device_id", m.dev.DeviceID))
	defer m.log.Infow("stopped P4Runtime client")

	bo := backoff.ExponentialBackOff{
		InitialInterval:     backoff.DefaultInitialInterval,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         m.cfg.MaxReconnectInterval,
	}
	bo.Reset()

	for {
		err := m.runSession(ctx, bo.Reset)
		m.setSession(nil)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.log.Warnw("P4Runtime stream broken", zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(bo.NextBackOff()):
		}
	}
}

func (m *Client) runSession(ctx context.Context, onEstablished func()) error {
	options := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(int(m.cfg.MaxRecvMsgSize.Bytes()))),
	}, m.opts.DialOptions...)

	conn, err := grpc.NewClient(m.dev.Endpoint, options...)
	if err != nil {
		return fmt.Errorf("failed to create gRPC client: %w", err)
	}
	defer conn.Close()

	client := p4v1.NewP4RuntimeClient(conn)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := client.StreamChannel(ctx)
	if err != nil {
		return fmt.Errorf("failed to open stream channel: %w", err)
	}

	arbitration := &p4v1.StreamMessageRequest{
		Update: &p4v1.StreamMessageRequest_Arbitration{
			Arbitration: &p4v1.MasterArbitrationUpdate{
				DeviceId:   m.dev.DeviceID,
				ElectionId: m.electionID,
				Role:       m.role(),
			},
		},
	}
	if err := stream.Send(arbitration); err != nil {
		return fmt.Errorf("failed to send arbitration request: %w", err)
	}

	established := false
	for {
		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("stream closed by the device")
			}
			return fmt.Errorf("failed to receive stream message: %w", err)
		}

		arb := resp.GetArbitration()
		if arb == nil {
			m.log.Debugw("ignoring stream message", zap.Stringer("message", resp))
			continue
		}

		primary := codes.Code(arb.GetStatus().GetCode()) == codes.OK
		m.setSession(&session{client: client, primary: primary})
		if !established {
			established = true
			onEstablished()
		}
		m.log.Infow("received arbitration update",
			zap.Bool("primary", primary),
			zap.Uint64("election_id", arb.GetElectionId().GetLow()),
		)
	}
}

func (m *Client) role() *p4v1.Role {
	if m.cfg.Role == "" {
		return nil
	}
	return &p4v1.Role{Name: m.cfg.Role}
}

func (m *Client) setSession(sess *session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sess == nil && sess == nil {
		return
	}
	m.sess = sess
	close(m.readyCh)
	m.readyCh = make(chan struct{})
}

// WaitPrimary blocks until this controller becomes the primary for the
// device or the context is canceled.
func (m *Client) WaitPrimary(ctx context.Context) error {
	for {
		m.mu.RLock()
		sess, readyCh := m.sess, m.readyCh
		m.mu.RUnlock()

		if sess != nil && sess.primary {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-readyCh:
		}
	}
}

func (m *Client) primaryClient() (p4v1.P4RuntimeClient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	switch {
	case m.sess == nil:
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, m.dev.ID)
	case !m.sess.primary:
		return nil, fmt.Errorf("%w: %s", ErrNotPrimary, m.dev.ID)
	}
	return m.sess.client, nil
}

// Write sends the updates in a single write request.
func (m *Client) Write(ctx context.Context, updates []*p4v1.Update) error {
	client, err := m.primaryClient()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.RequestTimeout)
	defer cancel()

	_, err = client.Write(ctx, &p4v1.WriteRequest{
		DeviceId:   m.dev.DeviceID,
		Role:       m.cfg.Role,
		ElectionId: m.electionID,
		Updates:    updates,
		Atomicity:  m.atomicity,
	})
	return err
}

// ReadTableEntries reads the table entries of the device.
//
// A zero table ID reads entries of all tables.
func (m *Client) ReadTableEntries(ctx context.Context, tableID uint32) ([]*p4v1.TableEntry, error) {
	client, err := m.primaryClient()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.RequestTimeout)
	defer cancel()

	stream, err := client.Read(ctx, &p4v1.ReadRequest{
		DeviceId: m.dev.DeviceID,
		Role:     m.cfg.Role,
		Entities: []*p4v1.Entity{
			{Entity: &p4v1.Entity_TableEntry{TableEntry: &p4v1.TableEntry{TableId: tableID}}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read table entries: %w", err)
	}

	entries := []*p4v1.TableEntry{}
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return entries, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read table entries: %w", err)
		}
		for _, entity := range resp.GetEntities() {
			if te := entity.GetTableEntry(); te != nil {
				entries = append(entries, te)
			}
		}
	}
}
