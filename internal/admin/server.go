// Package admin exposes the operator operations over HTTP.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/yanet-platform/srv6-usid/internal/executor"
	"github.com/yanet-platform/srv6-usid/internal/fabric"
	"github.com/yanet-platform/srv6-usid/internal/flowrule"
	"github.com/yanet-platform/srv6-usid/internal/netcfg"
	"github.com/yanet-platform/srv6-usid/internal/topology"
)

const (
	defaultRouteMask = 64
	maxBodyBytes     = 1 << 20
)

// Routing installs IPv6 routes.
type Routing interface {
	InsertRoute(ctx context.Context, dev topology.DeviceID, prefix netip.Prefix, nextHopMAC net.HardwareAddr) error
}

// SRv6 manages SRv6 policies.
type SRv6 interface {
	InsertUAPolicy(ctx context.Context, dev topology.DeviceID, uA netip.Addr, nextHop netip.Addr, nextHopMAC net.HardwareAddr) error
	InsertTransitEncap(ctx context.Context, dev topology.DeviceID, prefix netip.Prefix, segments []netip.Addr) error
	ClearTransitEncap(ctx context.Context, dev topology.DeviceID) (int, error)
}

// Option is a function that configures the admin server.
type Option func(*options)

type options struct {
	Stats func() executor.Stats
	Level *zap.AtomicLevel
	Log   *zap.SugaredLogger
}

func newOptions() *options {
	return &options{
		Log: zap.NewNop().Sugar(),
	}
}

// WithStats makes the health probe report executor statistics.
func WithStats(fn func() executor.Stats) Option {
	return func(o *options) {
		o.Stats = fn
	}
}

// WithLogLevel allows changing the logging level at runtime.
func WithLogLevel(level *zap.AtomicLevel) Option {
	return func(o *options) {
		o.Level = level
	}
}

// WithLog sets the logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}

// Server is the admin HTTP API.
type Server struct {
	cfg     *Config
	routing Routing
	srv6    SRv6
	table   flowrule.Table
	stats   func() executor.Stats
	level   *zap.AtomicLevel
	mux     *http.ServeMux
	log     *zap.SugaredLogger
}

// NewServer creates a new admin server.
func NewServer(cfg *Config, routing Routing, srv6 SRv6, table flowrule.Table, options ...Option) *Server {
	opts := newOptions()
	for _, o := range options {
		o(opts)
	}

	m := &Server{
		cfg:     cfg,
		routing: routing,
		srv6:    srv6,
		table:   table,
		stats:   opts.Stats,
		level:   opts.Level,
		mux:     http.NewServeMux(),
		log:     opts.Log.Named("admin"),
	}

	m.mux.HandleFunc("GET /healthz", m.handleHealthz)
	m.mux.HandleFunc("GET /api/v1/logging/level", m.handleGetLogLevel)
	m.mux.HandleFunc("PUT /api/v1/logging/level", m.handleUpdateLogLevel)
	m.mux.HandleFunc("POST /api/v1/devices/{id}/routes", m.handleInsertRoute)
	m.mux.HandleFunc("POST /api/v1/devices/{id}/ua", m.handleInsertUA)
	m.mux.HandleFunc("POST /api/v1/devices/{id}/encap", m.handleInsertEncap)
	m.mux.HandleFunc("DELETE /api/v1/devices/{id}/encap", m.handleClearEncap)
	m.mux.HandleFunc("GET /api/v1/devices/{id}/entries", m.handleEntries)

	return m
}

// Handler returns the HTTP handler with all middleware applied.
func (m *Server) Handler() http.Handler {
	var h http.Handler = m.mux
	h = bodyLimitMiddleware(h)
	h = accessLogMiddleware(h, m.log)
	h = requestIDMiddleware(h)
	h = recoveryMiddleware(h, m.log)
	return h
}

// Run serves the admin API until the given context is canceled.
func (m *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", m.cfg.Endpoint)
	if err != nil {
		return fmt.Errorf("failed to initialize admin listener: %w", err)
	}

	server := &http.Server{Handler: m.Handler()}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), m.cfg.ShutdownTimeout)
		defer cancel()

		m.log.Infow("shutting down admin API", zap.Stringer("addr", listener.Addr()))
		if err := server.Shutdown(shutdownCtx); err != nil {
			m.log.Warnw("failed to shut down admin API", zap.Error(err))
		}
	}()

	m.log.Infow("exposing admin API", zap.Stringer("addr", listener.Addr()))
	if err := server.Serve(listener); err != http.ErrServerClosed {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

func (m *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	health := Health{Status: "ok"}
	if m.stats != nil {
		stats := m.stats()
		health.Executor = &stats
	}
	writeJSON(w, http.StatusOK, health)
}

func (m *Server) handleGetLogLevel(w http.ResponseWriter, _ *http.Request) {
	if m.level == nil {
		writeError(w, http.StatusNotImplemented, "server doesn't support setting log level dynamically")
		return
	}
	writeJSON(w, http.StatusOK, LogLevel{Level: m.level.Level().String()})
}

func (m *Server) handleUpdateLogLevel(w http.ResponseWriter, r *http.Request) {
	if m.level == nil {
		writeError(w, http.StatusNotImplemented, "server doesn't support setting log level dynamically")
		return
	}

	var req LogLevel
	if !decode(w, r, &req) {
		return
	}
	level, err := parseLevel(req.Level)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	m.level.SetLevel(level)
	m.log.Infof("updated log level to %q", level)
	w.WriteHeader(http.StatusNoContent)
}

func (m *Server) handleInsertRoute(w http.ResponseWriter, r *http.Request) {
	var req RouteRequest
	if !decode(w, r, &req) {
		return
	}

	mask := defaultRouteMask
	if req.Mask != nil {
		if strings.Contains(req.Prefix, "/") {
			writeError(w, http.StatusBadRequest, "mask conflicts with the prefix length")
			return
		}
		mask = *req.Mask
	}
	prefix, err := parsePrefix(req.Prefix, mask)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	mac, err := net.ParseMAC(req.NextHopMAC)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	err = m.routing.InsertRoute(r.Context(), deviceID(r), prefix, mac)
	if err != nil {
		writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (m *Server) handleInsertUA(w http.ResponseWriter, r *http.Request) {
	var req UARequest
	if !decode(w, r, &req) {
		return
	}

	uA, err := netip.ParseAddr(req.Instruction)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("malformed uA instruction: %v", err))
		return
	}
	nextHop, err := netip.ParseAddr(req.NextHop)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("malformed next hop: %v", err))
		return
	}
	mac, err := net.ParseMAC(req.NextHopMAC)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	err = m.srv6.InsertUAPolicy(r.Context(), deviceID(r), uA, nextHop, mac)
	if err != nil {
		writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (m *Server) handleInsertEncap(w http.ResponseWriter, r *http.Request) {
	var req EncapRequest
	if !decode(w, r, &req) {
		return
	}

	prefix, err := parsePrefix(req.Prefix, 128)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	segments := make([]netip.Addr, 0, len(req.Segments))
	for _, s := range req.Segments {
		segment, err := netip.ParseAddr(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("malformed segment: %v", err))
			return
		}
		segments = append(segments, segment)
	}

	err = m.srv6.InsertTransitEncap(r.Context(), deviceID(r), prefix, segments)
	if err != nil {
		writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (m *Server) handleClearEncap(w http.ResponseWriter, r *http.Request) {
	removed, err := m.srv6.ClearTransitEncap(r.Context(), deviceID(r))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ClearResponse{Removed: removed})
}

func (m *Server) handleEntries(w http.ResponseWriter, r *http.Request) {
	entries, err := m.table.Entries(r.Context(), deviceID(r))
	if err != nil {
		writeFailure(w, err)
		return
	}

	out := make([]Entry, 0, len(entries))
	for _, entry := range entries {
		out = append(out, newEntry(entry))
	}
	writeJSON(w, http.StatusOK, out)
}

func deviceID(r *http.Request) topology.DeviceID {
	return topology.DeviceID(r.PathValue("id"))
}

// parsePrefix parses an IPv6 prefix, using the mask for bare addresses.
func parsePrefix(s string, mask int) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		prefix, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("malformed prefix: %w", err)
		}
		return prefix, nil
	}

	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("malformed prefix: %w", err)
	}
	prefix := netip.PrefixFrom(addr, mask)
	if !prefix.IsValid() {
		return netip.Prefix{}, fmt.Errorf("prefix length %d is out of range", mask)
	}
	return prefix, nil
}

func parseLevel(s string) (zapcore.Level, error) {
	switch s {
	case "debug":
		return zapcore.DebugLevel, nil
	case "info":
		return zapcore.InfoLevel, nil
	case "warn":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InvalidLevel, fmt.Errorf("unexpected log level %q", s)
	}
}

// statusCode maps operation errors to HTTP status codes.
func statusCode(err error) int {
	switch {
	case errors.Is(err, fabric.ErrDeviceNotFound):
		return http.StatusNotFound
	case errors.Is(err, fabric.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, netcfg.ErrConfigMissing), errors.Is(err, netcfg.ErrConfigInvalid):
		return http.StatusConflict
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}

func writeFailure(w http.ResponseWriter, err error) {
	writeError(w, statusCode(err), err.Error())
}
