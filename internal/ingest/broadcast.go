package ingest

import (
	"log/slog"
	"sync"

	"github.com/edp-industrial/plc-gateway/internal/frame"
	"github.com/edp-industrial/plc-gateway/internal/metrics"
)

// Broadcaster fans decoded frames out to registered subscribers. Sends
// never block: a full subscriber channel drops the frame for that
// subscriber only.
type Broadcaster struct {
	log *slog.Logger

	mu   sync.RWMutex
	subs map[chan<- frame.Frame]struct{}
}

func NewBroadcaster(log *slog.Logger) *Broadcaster {
	return &Broadcaster{
		log:  log,
		subs: make(map[chan<- frame.Frame]struct{}),
	}
}

// Subscribe registers a channel to receive frames. The channel should be
// buffered; an unbuffered channel will drop every frame it is not already
// waiting on. Returns a function to unsubscribe.
func (b *Broadcaster) Subscribe(ch chan<- frame.Frame) func() {
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	n := len(b.subs)
	b.mu.Unlock()
	metrics.Subscribers.Set(float64(n))

	return func() {
		b.mu.Lock()
		delete(b.subs, ch)
		n := len(b.subs)
		b.mu.Unlock()
		metrics.Subscribers.Set(float64(n))
	}
}

// SubscriberCount returns the current number of subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish delivers f to every subscriber without blocking.
func (b *Broadcaster) Publish(f frame.Frame) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subs {
		select {
		case ch <- f:
		default:
			metrics.BroadcastDrops.Inc()
			b.log.Warn("dropping frame for slow subscriber")
		}
	}
}
