package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/edp-industrial/plc-gateway/internal/frame"
	"github.com/edp-industrial/plc-gateway/internal/metrics"
)

// connResult is the terminal state of one connection.
type connResult int

const (
	resultNormal connResult = iota
	resultTimeout
	resultError
	resultServerStopped
)

func (r connResult) String() string {
	switch r {
	case resultNormal:
		return "normal"
	case resultTimeout:
		return "timeout"
	case resultError:
		return "error"
	case resultServerStopped:
		return "server-stopped"
	default:
		return "unknown"
	}
}

// handleConn owns one socket end to end: drain bytes, reassemble frames,
// publish them, update health, and report the terminal reason. It never
// writes to the socket; the PLC's TSEND_C block does not await a reply.
func (s *Server) handleConn(ctx context.Context, conn net.Conn, ip string, h *Health) (connResult, uint64, error) {
	buf := make([]byte, s.cfg.ReadBufferSize)
	acc := make([]byte, 0, s.cfg.MaxAccumulator)

	start := s.clock.Now()
	lastValid := start
	var lastAppend time.Time
	var lastStats time.Time
	fragWarned := false

	var totalBytes, frames uint64
	timeouts := 0
	decodeErrs := 0

	for {
		if !s.running.Load() {
			return resultServerStopped, totalBytes, nil
		}
		if ctx.Err() != nil {
			return resultServerStopped, totalBytes, nil
		}

		_ = conn.SetReadDeadline(s.clock.Now().Add(s.cfg.ReadTimeout))
		n, err := conn.Read(buf)
		now := s.clock.Now()

		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				metrics.ReadTimeouts.Inc()
				timeouts++

				if len(acc) > 0 && !lastAppend.IsZero() {
					age := now.Sub(lastAppend)
					switch {
					case age > s.cfg.FragmentClear:
						s.log.Warn("dropping stale partial frame", "ip", ip, "buffered", len(acc), "age", age)
						metrics.FragmentClears.Inc()
						acc = acc[:0]
						lastAppend = time.Time{}
						fragWarned = false
					case age > s.cfg.FragmentWarn && !fragWarned:
						s.log.Warn("partial frame going stale", "ip", ip, "buffered", len(acc), "age", age)
						fragWarned = true
					}
				}

				if timeouts >= s.cfg.MaxReadTimeouts {
					return resultTimeout, totalBytes, fmt.Errorf("%d consecutive read timeouts", timeouts)
				}
				if now.Sub(lastValid) > s.cfg.InactivityTimeout {
					return resultTimeout, totalBytes, fmt.Errorf("no valid frame in %s", now.Sub(lastValid).Round(time.Second))
				}
				continue
			}
			if errors.Is(err, io.EOF) {
				return resultNormal, totalBytes, nil
			}
			if ctx.Err() != nil || !s.running.Load() || isClosedNetErr(err) {
				return resultServerStopped, totalBytes, nil
			}
			h.setError(err.Error())
			return resultError, totalBytes, err
		}
		if n == 0 {
			return resultNormal, totalBytes, nil
		}

		timeouts = 0
		totalBytes += uint64(n)
		metrics.TCPBytes.Add(float64(n))
		s.registry.recordRead(ip, h, n, now)

		if len(acc)+n > s.cfg.MaxAccumulator {
			// Stream is desynchronized; dropping everything buffered (and
			// this read) re-anchors frame alignment on the next read.
			s.log.Warn("accumulator overflow, clearing", "ip", ip, "buffered", len(acc), "incoming", n)
			metrics.AccumulatorOverflows.Inc()
			acc = acc[:0]
			lastAppend = time.Time{}
			fragWarned = false
			continue
		}
		acc = append(acc, buf[:n]...)
		lastAppend = now
		fragWarned = false

		extracted := 0
		for len(acc) >= frame.Size {
			dec, derr := frame.Decode(acc[:frame.Size], now)
			acc = acc[:copy(acc, acc[frame.Size:])]
			if derr != nil {
				metrics.DecodeErrs.Inc()
				if decodeErrs < 3 {
					s.log.Warn("frame decode failed", "ip", ip, "error", derr)
				}
				decodeErrs++
				continue
			}

			frames++
			extracted++
			lastValid = now
			h.markFrame()
			metrics.FramesDecoded.Inc()

			s.registry.setLatest(&frame.Packet{
				IP:        ip,
				Timestamp: now.Unix(),
				Size:      frame.Size,
				Variables: dec.Vars,
			})
			s.bcast.Publish(dec.Frame)
		}

		if now.Sub(lastValid) > s.cfg.InactivityTimeout {
			return resultTimeout, totalBytes, fmt.Errorf("no valid frame in %s", now.Sub(lastValid).Round(time.Second))
		}

		if extracted > 0 && now.Sub(lastStats) >= time.Second {
			lastStats = now
			uptime := now.Sub(start)
			secs := uptime.Seconds()
			if secs > 0 {
				s.emit("plc-data-stats", fmt.Sprintf(
					"ip=%s bytes_per_sec=%.0f packets_per_sec=%.2f avg_frame=%d uptime=%s",
					ip, float64(totalBytes)/secs, float64(frames)/secs,
					totalBytes/max(frames, 1), uptime.Round(time.Second),
				))
			}
		}
	}
}

func isClosedNetErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "bad file descriptor")
}
