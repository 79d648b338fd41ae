package ingest

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/edp-industrial/plc-gateway/internal/frame"
	"github.com/stretchr/testify/require"
)

type sinkCall struct {
	level, category, message, detail string
}

type recordingSink struct {
	ch chan sinkCall
}

func (r *recordingSink) Log(level, category, message, detail string) {
	select {
	case r.ch <- sinkCall{level, category, message, detail}:
	default:
	}
}

func newRunningServer(t *testing.T, mutate ...func(*Config)) (*Server, string) {
	t.Helper()

	ln := newTCPListener(t)
	cfg := &Config{
		Logger:          testLogger(),
		Listener:        ln,
		ReadTimeout:     50 * time.Millisecond,
		MaxReadTimeouts: 100,
	}
	for _, m := range mutate {
		m(cfg)
	}
	s, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := s.Start(ctx, cancel)
	t.Cleanup(func() {
		cancel()
		select {
		case <-errCh:
		case <-time.After(5 * time.Second):
			t.Fatalf("server did not stop")
		}
	})

	require.Eventually(t, s.running.Load, time.Second, 5*time.Millisecond)
	return s, ln.Addr().String()
}

func dialPeer(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitConnected(t *testing.T, s *Server, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(s.ConnectedClients()) == want
	}, 2*time.Second, 5*time.Millisecond)
}

func TestGateway_Ingest_Server_HappyPath(t *testing.T) {
	t.Parallel()

	s, addr := newRunningServer(t)

	frames := make(chan frame.Frame, 16)
	defer s.Subscribe(frames)()

	conn := dialPeer(t, addr)
	for i := byte(1); i <= 5; i++ {
		_, err := conn.Write(testFrame(i))
		require.NoError(t, err)
	}

	for i := byte(1); i <= 5; i++ {
		f := waitFrame(t, frames)
		require.Equal(t, float64(i), f.Variables["Word[0]"])
		require.Contains(t, f.Variables, "Int[64]")
		require.Contains(t, f.Variables, "Real[256]")
	}

	pkt, ok := s.PLCData("127.0.0.1")
	require.True(t, ok)
	require.Equal(t, frame.Size, pkt.Size)
	require.Len(t, s.AllPLCData(), 1)

	st := s.Stats()
	require.Equal(t, int64(1), st.Active)
	require.Equal(t, "running", st.ServerStatus)
	require.Equal(t, "connected", st.PLCStatus)

	_ = conn.Close()
	waitConnected(t, s, 0)

	st = s.Stats()
	require.Equal(t, int64(0), st.Active)
	require.Equal(t, "disconnected", st.PLCStatus)
	require.Equal(t, 1, st.TotalUnique)
}

func TestGateway_Ingest_Server_ReconnectKeepsConnID(t *testing.T) {
	t.Parallel()

	s, addr := newRunningServer(t)

	conn := dialPeer(t, addr)
	waitConnected(t, s, 1)
	health := s.ConnectionHealth()
	require.Len(t, health, 1)
	firstID := health[0].ConnID

	_ = conn.Close()
	waitConnected(t, s, 0)

	_ = dialPeer(t, addr)
	waitConnected(t, s, 1)
	health = s.ConnectionHealth()
	require.Len(t, health, 1)
	require.Equal(t, firstID, health[0].ConnID)
}

func TestGateway_Ingest_Server_DuplicateAdmissionPreempts(t *testing.T) {
	t.Parallel()

	s, addr := newRunningServer(t)

	first := dialPeer(t, addr)
	waitConnected(t, s, 1)

	_ = dialPeer(t, addr)
	require.Eventually(t, func() bool {
		// The old socket is closed out from under the first peer.
		_ = first.SetReadDeadline(time.Now().Add(10 * time.Millisecond))
		buf := make([]byte, 1)
		_, err := first.Read(buf)
		if err == nil {
			return false
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return false
		}
		return true
	}, 2*time.Second, 20*time.Millisecond)

	waitConnected(t, s, 1)
	require.Equal(t, []string{"127.0.0.1"}, s.ConnectedClients())
}

func TestGateway_Ingest_Server_DisconnectBlacklistsAndRefuses(t *testing.T) {
	t.Parallel()

	s, addr := newRunningServer(t)

	_ = dialPeer(t, addr)
	waitConnected(t, s, 1)

	require.NoError(t, s.Disconnect("127.0.0.1"))
	waitConnected(t, s, 0)

	// A blacklisted peer is refused: its socket closes without a health
	// record ever existing.
	refused := dialPeer(t, addr)
	_ = refused.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	_, err := refused.Read(buf)
	require.Error(t, err)
	require.Empty(t, s.ConnectedClients())

	known := s.AllKnownPLCs()
	require.Len(t, known, 1)
	require.Equal(t, "blocked", known[0].Status)
}

func TestGateway_Ingest_Server_AllowReconnectRestoresAdmission(t *testing.T) {
	t.Parallel()

	s, addr := newRunningServer(t)

	_ = dialPeer(t, addr)
	waitConnected(t, s, 1)
	firstID := s.ConnectionHealth()[0].ConnID

	require.NoError(t, s.Disconnect("127.0.0.1"))
	waitConnected(t, s, 0)

	require.NoError(t, s.AllowReconnect("127.0.0.1"))
	_ = dialPeer(t, addr)
	waitConnected(t, s, 1)
	require.Equal(t, firstID, s.ConnectionHealth()[0].ConnID)
}

func TestGateway_Ingest_Server_AdminPreconditions(t *testing.T) {
	t.Parallel()

	s, _ := newRunningServer(t)

	require.ErrorIs(t, s.Disconnect("10.9.9.9"), ErrNotConnected)
	// The blacklist insertion persisted despite the error.
	require.NoError(t, s.AllowReconnect("10.9.9.9"))
	require.ErrorIs(t, s.AllowReconnect("10.9.9.9"), ErrNotBlacklisted)
}

func TestGateway_Ingest_Server_StopIsIdempotent(t *testing.T) {
	t.Parallel()

	s, addr := newRunningServer(t)

	_ = dialPeer(t, addr)
	waitConnected(t, s, 1)

	require.NoError(t, s.Stop())
	require.ErrorIs(t, s.Stop(), ErrNotRunning)
	require.Empty(t, s.ConnectedClients())
	require.Equal(t, "stopped", s.Stats().ServerStatus)
}

func TestGateway_Ingest_Server_SinkReceivesLifecycle(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{ch: make(chan sinkCall, 64)}
	s, addr := newRunningServer(t, func(c *Config) {
		c.Sink = sink
	})

	conn := dialPeer(t, addr)
	waitConnected(t, s, 1)
	_ = conn.Close()
	waitConnected(t, s, 0)

	seen := map[string]bool{}
	deadline := time.After(2 * time.Second)
	for !(seen["PLC connected"] && seen["PLC disconnected"]) {
		select {
		case c := <-sink.ch:
			seen[c.message] = true
		case <-deadline:
			t.Fatalf("missing lifecycle sink calls, saw %v", seen)
		}
	}
}

func TestGateway_Ingest_Server_BytesReceivedAccumulates(t *testing.T) {
	t.Parallel()

	s, addr := newRunningServer(t)

	conn := dialPeer(t, addr)
	_, err := conn.Write(testFrame(1))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return s.BytesReceived()["127.0.0.1"] == uint64(frame.Size)
	}, 2*time.Second, 10*time.Millisecond)
}
