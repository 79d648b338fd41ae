// Package ingest implements the TCP ingestion engine for S7-1500
// telemetry: the accept loop, per-connection handlers, the connection
// registry, the watchdog, and the administrative control surface.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/edp-industrial/plc-gateway/internal/frame"
	"github.com/edp-industrial/plc-gateway/internal/metrics"
	"github.com/jonboulle/clockwork"
)

// Server is the acceptor/controller of the ingestion engine.
type Server struct {
	log   *slog.Logger
	cfg   *Config
	clock clockwork.Clock

	registry *registry
	bcast    *Broadcaster

	running atomic.Bool

	mu sync.Mutex
	ln net.Listener

	handlers sync.WaitGroup
}

func New(cfg *Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Server{
		log:      cfg.Logger,
		cfg:      cfg,
		clock:    cfg.Clock,
		registry: newRegistry(cfg.Clock),
		bcast:    NewBroadcaster(cfg.Logger),
	}, nil
}

// Start runs the server in the background and reports its terminal error
// on the returned channel.
func (s *Server) Start(ctx context.Context, cancel context.CancelFunc) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := s.Run(ctx); err != nil {
			errCh <- err
			cancel()
		}
	}()
	return errCh
}

// Run binds the ingestion port and serves until ctx is cancelled or Stop is
// called. Only a bind failure is fatal; per-connection errors terminate
// that connection alone.
func (s *Server) Run(ctx context.Context) error {
	ln := s.cfg.Listener
	if ln == nil {
		var err error
		ln, err = s.bind(ctx)
		if err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.running.Store(true)

	s.log.Info("ingestion engine started",
		"address", ln.Addr().String(),
		"readTimeout", s.cfg.ReadTimeout,
		"inactivityTimeout", s.cfg.InactivityTimeout,
	)
	s.sinkLog("info", "tcp", "TCP server started", ln.Addr().String())

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var aux sync.WaitGroup
	aux.Add(1)
	go func() {
		defer aux.Done()
		s.watchdogLoop(wctx)
	}()
	if s.cfg.DialAddr != "" {
		aux.Add(1)
		go func() {
			defer aux.Done()
			s.dialLoop(wctx)
		}()
	}
	go func() {
		<-wctx.Done()
		if s.running.Load() {
			_ = s.Stop()
		}
	}()

	err := s.acceptLoop(wctx)
	cancel()
	aux.Wait()
	s.handlers.Wait()
	s.registry.close()
	return err
}

func (s *Server) bind(ctx context.Context) (net.Listener, error) {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	var lastErr error
	for attempt := 1; attempt <= bindAttempts; attempt++ {
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			return ln, nil
		}
		lastErr = err
		s.log.Warn("bind failed, retrying", "address", addr, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.clock.After(bindRetryWait):
		}
	}
	return nil, fmt.Errorf("failed to bind %s after %d attempts: %w", addr, bindAttempts, lastErr)
}

func (s *Server) acceptLoop(ctx context.Context) error {
	for s.running.Load() {
		if tl, ok := s.ln.(*net.TCPListener); ok {
			_ = tl.SetDeadline(s.clock.Now().Add(acceptTimeout))
		}
		conn, err := s.ln.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil || !s.running.Load() || isClosedNetErr(err) {
				return nil
			}
			s.log.Warn("accept error", "error", err)
			continue
		}

		ip := remoteIP(conn)
		h, hctx, ok := s.admit(ctx, conn, ip)
		if !ok {
			_ = conn.Close()
			continue
		}

		s.handlers.Add(1)
		go func() {
			defer s.handlers.Done()
			res, n, herr := s.handleConn(hctx, conn, ip, h)
			_ = conn.Close()
			s.finishConn(ip, res, n, herr)
		}()
	}
	return nil
}

// admit applies the admission policy: refuse blacklisted peers, preempt a
// still-registered duplicate, then install the new peer.
func (s *Server) admit(ctx context.Context, conn net.Conn, ip string) (*Health, context.Context, bool) {
	if s.registry.isBlacklisted(ip) {
		metrics.ConnectionsRefused.WithLabelValues("blacklisted").Inc()
		s.log.Warn("refusing blacklisted peer", "ip", ip)
		return nil, nil, false
	}

	if old, oldHd, ok := s.registry.remove(ip); ok {
		oldHd.abort()
		s.log.Warn("preempting duplicate connection", "ip", ip, "connId", old.ConnID)
		s.emit("plc-disconnected", fmt.Sprintf("ip=%s result=preempted", ip))
		s.clock.Sleep(preemptPause)
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}

	hctx, cancel := context.WithCancel(ctx)
	hd := &handle{cancel: cancel, conn: conn}
	h := s.registry.register(ip, hd, s.clock.Now(), true)

	metrics.ConnectionsTotal.Inc()
	metrics.ActiveConnections.Set(float64(s.registry.active.Load()))
	s.log.Info("peer connected", "ip", ip, "connId", h.ConnID)
	s.emit("plc-connected", fmt.Sprintf("ip=%s conn_id=%d", ip, h.ConnID))
	s.sinkLog("info", "plc", "PLC connected", ip)
	return h, hctx, true
}

// finishConn runs the removal policy from the handler's join site. Exactly
// one cleanup path wins per connection; losers return without emitting.
func (s *Server) finishConn(ip string, res connResult, bytes uint64, err error) {
	if _, _, ok := s.registry.remove(ip); !ok {
		return
	}
	metrics.ConnectionExits.WithLabelValues(res.String()).Inc()
	metrics.ActiveConnections.Set(float64(s.registry.active.Load()))

	detail := fmt.Sprintf("ip=%s result=%s bytes=%d", ip, res, bytes)
	if err != nil {
		detail += " error=" + err.Error()
	}
	switch res {
	case resultTimeout:
		s.log.Warn("peer timed out", "ip", ip, "bytes", bytes, "error", err)
		s.emit("tcp-connection-timeout", detail)
		s.sinkLog("warn", "tcp", "PLC connection timeout", detail)
	case resultError:
		s.log.Warn("peer read error", "ip", ip, "bytes", bytes, "error", err)
		s.emit("tcp-connection-error", detail)
		s.sinkLog("error", "tcp", "PLC connection error", detail)
	default:
		s.log.Info("peer disconnected", "ip", ip, "bytes", bytes, "result", res.String())
	}
	s.emit("plc-disconnected", detail)
	s.emitTCPStats()
	s.sinkLog("info", "plc", "PLC disconnected", detail)
}

// Stop clears the running flag, closes the listener, and tears down every
// live peer. Idempotent; the second caller gets ErrNotRunning.
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return ErrNotRunning
	}
	s.mu.Lock()
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.mu.Unlock()

	ips := s.registry.clearLive()
	metrics.ActiveConnections.Set(0)

	s.log.Info("ingestion engine stopped", "dropped", len(ips))
	for _, ip := range ips {
		s.emit("plc-disconnected", fmt.Sprintf("ip=%s result=server-stopped", ip))
	}
	s.emitTCPStats()
	s.sinkLog("info", "tcp", "TCP server stopped", fmt.Sprintf("dropped=%d", len(ips)))
	return nil
}

// Disconnect blacklists ip and aborts its handler if one is live. The
// blacklist insertion persists even when ErrNotConnected is returned.
func (s *Server) Disconnect(ip string) error {
	s.registry.addToBlacklist(ip)

	h, hd, ok := s.registry.remove(ip)
	if !ok {
		return ErrNotConnected
	}
	hd.abort()
	metrics.ActiveConnections.Set(float64(s.registry.active.Load()))

	detail := fmt.Sprintf("ip=%s conn_id=%d", ip, h.ConnID)
	s.log.Info("peer force-disconnected", "ip", ip, "connId", h.ConnID)
	s.emit("plc-force-disconnected", detail)
	s.emit("plc-disconnected", detail)
	s.emitTCPStats()
	s.sinkLog("warn", "plc", "PLC force-disconnected", detail)
	return nil
}

// AllowReconnect removes ip from the blacklist.
func (s *Server) AllowReconnect(ip string) error {
	if !s.registry.removeFromBlacklist(ip) {
		return ErrNotBlacklisted
	}
	s.log.Info("peer allowed to reconnect", "ip", ip)
	s.sinkLog("info", "plc", "PLC reconnect allowed", ip)
	return nil
}

// Subscribe registers ch on the fan-out channel. See Broadcaster.Subscribe.
func (s *Server) Subscribe(ch chan<- frame.Frame) func() {
	return s.bcast.Subscribe(ch)
}

// SubscriberBuffer is the recommended channel capacity for subscribers.
func (s *Server) SubscriberBuffer() int {
	return s.cfg.SubscriberBuffer
}

// ConnectionStats is the aggregate view for the HTTP layer.
type ConnectionStats struct {
	Active       int64  `json:"active"`
	TotalUnique  int    `json:"total_unique"`
	LastDataTime int64  `json:"last_data_time"`
	ServerStatus string `json:"server_status"`
	PLCStatus    string `json:"plc_status"`
}

func (s *Server) Stats() ConnectionStats {
	st := ConnectionStats{
		Active:       s.registry.active.Load(),
		TotalUnique:  s.registry.uniqueCount(),
		LastDataTime: s.registry.lastData.Load(),
		ServerStatus: "stopped",
		PLCStatus:    "disconnected",
	}
	if s.running.Load() {
		st.ServerStatus = "running"
	}
	if st.Active > 0 {
		st.PLCStatus = "connected"
	}
	return st
}

func (s *Server) ConnectedClients() []string {
	return s.registry.connectedClients()
}

func (s *Server) AllKnownPLCs() []PLCInfo {
	return s.registry.knownPLCs()
}

func (s *Server) PLCData(ip string) (*frame.Packet, bool) {
	return s.registry.latestFor(ip)
}

func (s *Server) AllPLCData() map[string]*frame.Packet {
	return s.registry.allLatest()
}

func (s *Server) ConnectionHealth() []HealthInfo {
	return s.registry.healthSnapshots(s.clock.Now())
}

func (s *Server) BytesReceived() map[string]uint64 {
	return s.registry.bytesReceived()
}

func (s *Server) emit(event, detail string) {
	if s.cfg.OnEvent != nil {
		s.cfg.OnEvent(event, detail)
	}
}

func (s *Server) emitTCPStats() {
	s.emit("tcp-stats", fmt.Sprintf("active=%d total=%d unique=%d",
		s.registry.active.Load(), s.registry.total.Load(), s.registry.uniqueCount()))
}

func (s *Server) sinkLog(level, category, message, detail string) {
	if s.cfg.Sink != nil {
		s.cfg.Sink.Log(level, category, message, detail)
	}
}

func remoteIP(conn net.Conn) string {
	addr := conn.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
