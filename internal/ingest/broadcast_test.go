package ingest

import (
	"io"
	"log/slog"
	"testing"

	"github.com/edp-industrial/plc-gateway/internal/frame"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

func TestGateway_Ingest_Broadcast_DeliversToAllSubscribers(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster(testLogger())
	a := make(chan frame.Frame, 1)
	c := make(chan frame.Frame, 1)
	unsubA := b.Subscribe(a)
	defer unsubA()
	unsubC := b.Subscribe(c)
	defer unsubC()
	require.Equal(t, 2, b.SubscriberCount())

	f := frame.Frame{Timestamp: "t", Variables: map[string]float64{"Word[0]": 1}}
	b.Publish(f)

	require.Equal(t, f.Timestamp, (<-a).Timestamp)
	require.Equal(t, f.Timestamp, (<-c).Timestamp)
}

func TestGateway_Ingest_Broadcast_DropsForFullSubscriber(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster(testLogger())
	slow := make(chan frame.Frame, 1)
	fast := make(chan frame.Frame, 2)
	defer b.Subscribe(slow)()
	defer b.Subscribe(fast)()

	b.Publish(frame.Frame{Timestamp: "1"})
	b.Publish(frame.Frame{Timestamp: "2"}) // slow is full, dropped there only

	require.Len(t, fast, 2)
	require.Len(t, slow, 1)
	require.Equal(t, "1", (<-slow).Timestamp)
}

func TestGateway_Ingest_Broadcast_Unsubscribe(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster(testLogger())
	ch := make(chan frame.Frame, 1)
	unsub := b.Subscribe(ch)
	require.Equal(t, 1, b.SubscriberCount())

	unsub()
	require.Equal(t, 0, b.SubscriberCount())

	b.Publish(frame.Frame{Timestamp: "1"})
	require.Empty(t, ch)
}
