package logstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(&Config{
		Logger: slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{})),
		Path:   filepath.Join(t.TempDir(), "gateway.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestGateway_Logstore_WriteAndReadBack(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	s.Log("info", "tcp", "TCP server started", "port=8502")
	s.Log("warn", "plc", "PLC connection timeout", "ip=10.0.0.5")
	s.Log("info", "plc", "PLC connected", "ip=10.0.0.5")

	// Inserts are asynchronous.
	var entries []Entry
	require.Eventually(t, func() bool {
		var err error
		entries, err = s.Recent(context.Background(), 10)
		return err == nil && len(entries) == 3
	}, 5*time.Second, 20*time.Millisecond)

	// Newest first.
	require.Equal(t, "PLC connected", entries[0].Message)
	require.Equal(t, "TCP server started", entries[2].Message)
	require.Equal(t, "tcp", entries[2].Category)
	require.Equal(t, "port=8502", entries[2].Detail)
	require.WithinDuration(t, time.Now().UTC(), entries[0].TS, time.Minute)
}

func TestGateway_Logstore_RecentLimit(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	for i := 0; i < 5; i++ {
		s.Log("info", "tcp", "entry", "")
	}

	require.Eventually(t, func() bool {
		entries, err := s.Recent(context.Background(), 2)
		return err == nil && len(entries) == 2
	}, 5*time.Second, 20*time.Millisecond)
}

func TestGateway_Logstore_CloseDrainsThenDrops(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	s.Log("info", "tcp", "before close", "")
	require.NoError(t, s.Close())

	// A second close and post-close logs are no-ops.
	require.NoError(t, s.Close())
	s.Log("info", "tcp", "after close", "")
}

func TestGateway_Logstore_ConfigValidation(t *testing.T) {
	t.Parallel()

	_, err := New(&Config{Path: "x.db"})
	require.Error(t, err)

	_, err = New(&Config{Logger: slog.Default()})
	require.Error(t, err)
}
