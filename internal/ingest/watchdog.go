package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/edp-industrial/plc-gateway/internal/metrics"
)

// Watchdog tick multiples relative to the 2-second sweep cadence.
const (
	warnEvery       = 15    // ~30 s
	summaryEvery    = 30    // ~60 s
	cacheCheckEvery = 150   // ~5 min
	bytesResetEvery = 43200 // ~24 h
)

// watchdogLoop sweeps the registry on a fixed cadence: reap stalled peers,
// warn about slowing ones, print a summary, observe the cache, and reset
// the daily byte counters. No step holds a long-lived lock.
func (s *Server) watchdogLoop(ctx context.Context) {
	ticker := s.clock.NewTicker(s.cfg.WatchdogInterval)
	defer ticker.Stop()

	var tick uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}
		tick++
		metrics.WatchdogSweeps.Inc()
		now := s.clock.Now()

		s.reapStale(now)

		if tick%warnEvery == 0 {
			s.warnSlow(now)
		}
		if tick%summaryEvery == 0 {
			s.log.Info("watchdog summary",
				"active", s.registry.active.Load(),
				"cache", s.registry.latest.Len(),
				"health", len(s.registry.healthSnapshots(now)),
				"unique", s.registry.uniqueCount(),
			)
		}
		if tick%cacheCheckEvery == 0 {
			metrics.LatestDataCacheSize.Set(float64(s.registry.latest.Len()))
		}
		if tick%bytesResetEvery == 0 {
			s.registry.resetBytes()
			s.log.Info("daily byte counters reset")
		}
	}
}

// reapStale aborts and removes every peer past the inactivity limit.
func (s *Server) reapStale(now time.Time) {
	for _, ip := range s.registry.staleIPs(now, s.cfg.InactivityTimeout) {
		h, hd, ok := s.registry.lookup(ip)
		if !ok || !h.beginRemoval() {
			continue
		}

		age := now.Sub(h.lastDataAt())
		detail := fmt.Sprintf("ip=%s conn_id=%d seconds_since_data=%d", ip, h.ConnID, int64(age.Seconds()))
		s.log.Warn("reaping dead connection", "ip", ip, "connId", h.ConnID, "sinceData", age.Round(time.Second))
		s.emit("tcp-connection-dead", detail)

		s.abortWithTimeout(hd)
		s.registry.completeRemoval(ip)

		metrics.ConnectionsReaped.Inc()
		metrics.ConnectionExits.WithLabelValues("reaped").Inc()
		metrics.ActiveConnections.Set(float64(s.registry.active.Load()))
		s.emit("plc-disconnected", detail)
		s.emitTCPStats()
		s.sinkLog("warn", "tcp", "PLC connection reaped", detail)
	}
}

// abortWithTimeout aborts a handle without letting a wedged close stall the
// sweep.
func (s *Server) abortWithTimeout(hd *handle) {
	if hd == nil {
		return
	}
	done := make(chan struct{})
	go func() {
		hd.abort()
		close(done)
	}()
	select {
	case <-done:
	case <-s.clock.After(abortTimeout):
		s.log.Error("abort did not complete in time")
	}
}

// warnSlow flags live peers whose data age is past half the inactivity
// limit but not yet reapable.
func (s *Server) warnSlow(now time.Time) {
	for _, info := range s.registry.healthSnapshots(now) {
		age := time.Duration(info.SecondsSinceLastData) * time.Second
		if age > s.cfg.InactivityTimeout/2 && age <= s.cfg.InactivityTimeout {
			s.log.Warn("connection slowing", "ip", info.IP, "sinceData", age)
			s.emit("tcp-connection-slow", fmt.Sprintf("ip=%s seconds_since_data=%d", info.IP, info.SecondsSinceLastData))
		}
	}
}
