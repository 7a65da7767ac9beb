package p4rt

import (
	"context"
	"net"
	"sort"
	"strings"
	"sync"
	"testing"

	p4v1 "github.com/p4lang/p4runtime/go/p4/v1"
	rpcstatus "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/proto"
)

// fakeDevice is an in-process P4Runtime target.
type fakeDevice struct {
	p4v1.UnimplementedP4RuntimeServer

	mu        sync.Mutex
	primary   bool
	failTable uint32
	entries   map[string]*p4v1.TableEntry
	writes    []*p4v1.WriteRequest
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		primary: true,
		entries: map[string]*p4v1.TableEntry{},
	}
}

func entryKey(te *p4v1.TableEntry) string {
	buf, err := proto.MarshalOptions{Deterministic: true}.Marshal(&p4v1.TableEntry{
		TableId: te.GetTableId(),
		Match:   te.GetMatch(),
	})
	if err != nil {
		panic(err)
	}
	return string(buf)
}

func (m *fakeDevice) StreamChannel(stream p4v1.P4Runtime_StreamChannelServer) error {
	for {
		req, err := stream.Recv()
		if err != nil {
			return nil
		}
		arb := req.GetArbitration()
		if arb == nil {
			continue
		}

		m.mu.Lock()
		code := codes.AlreadyExists
		if m.primary {
			code = codes.OK
		}
		m.mu.Unlock()

		err = stream.Send(&p4v1.StreamMessageResponse{
			Update: &p4v1.StreamMessageResponse_Arbitration{
				Arbitration: &p4v1.MasterArbitrationUpdate{
					DeviceId:   arb.GetDeviceId(),
					ElectionId: arb.GetElectionId(),
					Status:     &rpcstatus.Status{Code: int32(code)},
				},
			},
		})
		if err != nil {
			return err
		}
	}
}

func (m *fakeDevice) Write(_ context.Context, req *p4v1.WriteRequest) (*p4v1.WriteResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.primary {
		return nil, status.Error(codes.PermissionDenied, "not primary")
	}
	m.writes = append(m.writes, proto.Clone(req).(*p4v1.WriteRequest))

	entries := map[string]*p4v1.TableEntry{}
	for key, te := range m.entries {
		entries[key] = te
	}

	outcomes := make([]codes.Code, len(req.GetUpdates()))
	failed := false
	for idx, update := range req.GetUpdates() {
		te := update.GetEntity().GetTableEntry()
		key := entryKey(te)
		_, exists := entries[key]

		code := codes.OK
		switch {
		case te.GetTableId() == m.failTable:
			code = codes.Internal
		case update.GetType() == p4v1.Update_INSERT && exists:
			code = codes.AlreadyExists
		case update.GetType() == p4v1.Update_INSERT, update.GetType() == p4v1.Update_MODIFY && exists:
			entries[key] = te
		case update.GetType() == p4v1.Update_DELETE && exists:
			delete(entries, key)
		default:
			code = codes.NotFound
		}
		outcomes[idx] = code
		failed = failed || code != codes.OK
	}

	if !failed {
		m.entries = entries
		return &p4v1.WriteResponse{}, nil
	}

	rollback := req.GetAtomicity() == p4v1.WriteRequest_ROLLBACK_ON_ERROR
	if !rollback {
		m.entries = entries
	}

	st := status.New(codes.Unknown, "write failure")
	for _, code := range outcomes {
		if rollback && code == codes.OK {
			code = codes.Aborted
		}
		var err error
		st, err = st.WithDetails(&p4v1.Error{CanonicalCode: int32(code), Message: code.String()})
		if err != nil {
			return nil, err
		}
	}
	return nil, st.Err()
}

func (m *fakeDevice) Read(req *p4v1.ReadRequest, stream p4v1.P4Runtime_ReadServer) error {
	m.mu.Lock()
	tableID := req.GetEntities()[0].GetTableEntry().GetTableId()
	entities := []*p4v1.Entity{}
	for _, te := range m.entries {
		if tableID == 0 || te.GetTableId() == tableID {
			entities = append(entities, &p4v1.Entity{Entity: &p4v1.Entity_TableEntry{TableEntry: te}})
		}
	}
	m.mu.Unlock()

	return stream.Send(&p4v1.ReadResponse{Entities: entities})
}

func (m *fakeDevice) setPrimary(primary bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.primary = primary
}

func (m *fakeDevice) setFailTable(id uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failTable = id
}

func (m *fakeDevice) tableEntries() []*p4v1.TableEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.entries))
	for key := range m.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := make([]*p4v1.TableEntry, 0, len(keys))
	for _, key := range keys {
		out = append(out, m.entries[key])
	}
	return out
}

func (m *fakeDevice) updateTypes() []p4v1.Update_Type {
	m.mu.Lock()
	defer m.mu.Unlock()

	types := []p4v1.Update_Type{}
	for _, req := range m.writes {
		for _, update := range req.GetUpdates() {
			types = append(types, update.GetType())
		}
	}
	return types
}

func (m *fakeDevice) resetWrites() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes = nil
}

// serveFakes serves the devices over in-memory listeners, keyed by endpoint
// host, and returns the dial option routing to them.
func serveFakes(t *testing.T, devices map[string]*fakeDevice) ClientOption {
	t.Helper()

	listeners := map[string]*bufconn.Listener{}
	for host, dev := range devices {
		lis := bufconn.Listen(1 << 20)
		srv := grpc.NewServer()
		p4v1.RegisterP4RuntimeServer(srv, dev)
		go srv.Serve(lis)
		t.Cleanup(srv.Stop)

		listeners[host] = lis
	}

	return WithDialOptions(grpc.WithContextDialer(func(ctx context.Context, addr string) (net.Conn, error) {
		lis, ok := listeners[strings.TrimPrefix(addr, "passthrough:///")]
		if !ok {
			return nil, status.Errorf(codes.Unavailable, "no device at %s", addr)
		}
		return lis.DialContext(ctx)
	}))
}
