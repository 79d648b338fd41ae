package ingest

import (
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/edp-industrial/plc-gateway/internal/frame"
	"github.com/jonboulle/clockwork"
)

const (
	defaultPort             = 8502
	defaultReadTimeout      = 15 * time.Second
	defaultInactivityLimit  = 180 * time.Second
	defaultFragmentWarn     = 30 * time.Second
	defaultFragmentClear    = 90 * time.Second
	defaultMaxAccumulator   = 3 * frame.Size
	defaultReadBufferSize   = 8 * 1024
	defaultMaxReadTimeouts  = 3
	defaultWatchdogInterval = 2 * time.Second
	defaultSubscriberBuffer = 1000
	defaultDialTimeout      = 10 * time.Second

	acceptTimeout = 1 * time.Second
	bindAttempts  = 10
	bindRetryWait = 2 * time.Second
	preemptPause  = 100 * time.Millisecond
	abortTimeout  = 5 * time.Second

	latestDataTTL = 5 * time.Minute

	dialBackoffInitial = 2 * time.Second
	dialBackoffMax     = 30 * time.Second
)

// Sink receives system log entries. The gateway binary points it at the
// embedded log store; the core tolerates a nil or torn-down sink and
// silently skips the call.
type Sink interface {
	Log(level, category, message, detail string)
}

// EventFunc observes lifecycle events (plc-connected, tcp-connection-dead,
// ...). Advisory: only the Frame broadcast and the Sink are contractual.
type EventFunc func(event, detail string)

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	// Listener takes precedence over Port when set.
	Listener net.Listener
	Port     int

	Sink    Sink
	OnEvent EventFunc

	// DialAddr enables active mode: the gateway dials the PLC instead of
	// waiting for it to connect.
	DialAddr    string
	DialTimeout time.Duration

	// Optional with defaults.
	ReadTimeout       time.Duration
	InactivityTimeout time.Duration
	FragmentWarn      time.Duration
	FragmentClear     time.Duration
	MaxAccumulator    int
	ReadBufferSize    int
	MaxReadTimeouts   int
	WatchdogInterval  time.Duration
	SubscriberBuffer  int
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Listener == nil && c.Port == 0 {
		c.Port = defaultPort
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = defaultDialTimeout
	}

	if c.ReadTimeout == 0 {
		c.ReadTimeout = defaultReadTimeout
	}
	if c.ReadTimeout <= 0 {
		return errors.New("read timeout must be > 0")
	}
	if c.InactivityTimeout == 0 {
		c.InactivityTimeout = defaultInactivityLimit
	}
	if c.InactivityTimeout <= 0 {
		return errors.New("inactivity timeout must be > 0")
	}
	if c.FragmentWarn == 0 {
		c.FragmentWarn = defaultFragmentWarn
	}
	if c.FragmentClear == 0 {
		c.FragmentClear = defaultFragmentClear
	}
	if c.FragmentClear < c.FragmentWarn {
		return errors.New("fragment clear must be >= fragment warn")
	}
	if c.MaxAccumulator == 0 {
		c.MaxAccumulator = defaultMaxAccumulator
	}
	if c.MaxAccumulator < frame.Size {
		return errors.New("max accumulator must hold at least one frame")
	}
	if c.ReadBufferSize == 0 {
		c.ReadBufferSize = defaultReadBufferSize
	}
	if c.ReadBufferSize <= 0 {
		return errors.New("read buffer size must be > 0")
	}
	if c.MaxReadTimeouts == 0 {
		c.MaxReadTimeouts = defaultMaxReadTimeouts
	}
	if c.MaxReadTimeouts <= 0 {
		return errors.New("max read timeouts must be > 0")
	}
	if c.WatchdogInterval == 0 {
		c.WatchdogInterval = defaultWatchdogInterval
	}
	if c.WatchdogInterval <= 0 {
		return errors.New("watchdog interval must be > 0")
	}
	if c.SubscriberBuffer == 0 {
		c.SubscriberBuffer = defaultSubscriberBuffer
	}
	if c.SubscriberBuffer <= 0 {
		return errors.New("subscriber buffer must be > 0")
	}
	return nil
}
