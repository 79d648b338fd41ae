package ingest

import (
	"context"
	"fmt"
	"net"

	"github.com/cenkalti/backoff/v4"
	"github.com/edp-industrial/plc-gateway/internal/metrics"
)

// dialLoop is the active operation mode: the gateway dials the PLC instead
// of accepting from it. Dialed connections run the same handler with
// conn id 0. Backoff doubles from 2 s to a 30 s cap and resets on a
// successful connect.
func (s *Server) dialLoop(ctx context.Context) {
	policy := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(dialBackoffInitial),
		backoff.WithMultiplier(2),
		backoff.WithMaxInterval(dialBackoffMax),
		backoff.WithRandomizationFactor(0),
		backoff.WithMaxElapsedTime(0),
	)

	var failures int
	for {
		if ctx.Err() != nil || !s.running.Load() {
			return
		}

		dialer := net.Dialer{Timeout: s.cfg.DialTimeout}
		conn, err := dialer.DialContext(ctx, "tcp", s.cfg.DialAddr)
		if err != nil {
			failures++
			metrics.DialAttempts.WithLabelValues("error").Inc()
			if failures%5 == 0 {
				s.log.Warn("dial failed", "addr", s.cfg.DialAddr, "failures", failures, "error", err)
			}
			if failures%10 == 0 {
				s.sinkLog("warn", "tcp", "PLC dial failing", fmt.Sprintf("addr=%s failures=%d", s.cfg.DialAddr, failures))
			}
			s.sleepBackoff(ctx, policy)
			continue
		}

		metrics.DialAttempts.WithLabelValues("ok").Inc()
		policy.Reset()
		failures = 0

		ip := remoteIP(conn)
		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.SetNoDelay(true)
		}

		hctx, cancel := context.WithCancel(ctx)
		hd := &handle{cancel: cancel, conn: conn}
		h := s.registry.register(ip, hd, s.clock.Now(), false)
		metrics.ConnectionsTotal.Inc()
		metrics.ActiveConnections.Set(float64(s.registry.active.Load()))
		s.log.Info("dialed PLC", "addr", s.cfg.DialAddr, "ip", ip)
		s.emit("plc-connected", fmt.Sprintf("ip=%s conn_id=0 mode=active", ip))
		s.sinkLog("info", "plc", "PLC connected (active mode)", ip)

		res, n, herr := s.handleConn(hctx, conn, ip, h)
		_ = conn.Close()
		cancel()
		s.finishConn(ip, res, n, herr)

		s.sleepBackoff(ctx, policy)
	}
}

func (s *Server) sleepBackoff(ctx context.Context, policy *backoff.ExponentialBackOff) {
	select {
	case <-ctx.Done():
	case <-s.clock.After(policy.NextBackOff()):
	}
}
