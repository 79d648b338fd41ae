// Package httpapi is the REST/SSE façade over the ingestion engine: JSON
// query endpoints, a live telemetry event stream, video range serving, and
// the static frontend.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"

	"github.com/edp-industrial/plc-gateway/internal/frame"
	"github.com/edp-industrial/plc-gateway/internal/ingest"
	"github.com/edp-industrial/plc-gateway/internal/logstore"
)

// Core is the query and control surface the façade consumes.
type Core interface {
	Stats() ingest.ConnectionStats
	ConnectedClients() []string
	AllKnownPLCs() []ingest.PLCInfo
	PLCData(ip string) (*frame.Packet, bool)
	AllPLCData() map[string]*frame.Packet
	ConnectionHealth() []ingest.HealthInfo
	BytesReceived() map[string]uint64
	Disconnect(ip string) error
	AllowReconnect(ip string) error
	Stop() error
}

// LogReader exposes the persisted system log.
type LogReader interface {
	Recent(ctx context.Context, n int) ([]logstore.Entry, error)
}

type Config struct {
	Logger *slog.Logger
	Core   Core

	// Frames delivers decoded telemetry for the SSE stream.
	Frames *ingest.Broadcaster

	// Optional.
	Logs      LogReader
	VideoDir  string
	StaticDir string

	StreamBuffer int
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Core == nil {
		return errors.New("core is required")
	}
	if c.Frames == nil {
		return errors.New("frame broadcaster is required")
	}
	if c.StreamBuffer == 0 {
		c.StreamBuffer = 1000
	}
	if c.StreamBuffer <= 0 {
		return errors.New("stream buffer must be > 0")
	}
	return nil
}

type Server struct {
	log *slog.Logger
	cfg *Config
}

func New(cfg *Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Server{log: cfg.Logger, cfg: cfg}, nil
}

// Start runs the HTTP server in the background and reports its terminal
// error on the returned channel.
func (s *Server) Start(ctx context.Context, cancel context.CancelFunc, listener net.Listener) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		defer cancel()
		if err := s.Run(ctx, listener); err != nil {
			s.log.Error("http server failed", "error", err)
			errCh <- err
			return
		}
		s.log.Info("http server stopped")
	}()
	return errCh
}

// Run serves until the listener closes or ctx is cancelled.
func (s *Server) Run(ctx context.Context, listener net.Listener) error {
	srv := &http.Server{Handler: s.Handler()}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	s.log.Info("http server listening", "address", listener.Addr().String())
	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/plc/status", s.statusHandler)
	mux.HandleFunc("/api/plc/clients", s.clientsHandler)
	mux.HandleFunc("/api/plc/known", s.knownHandler)
	mux.HandleFunc("/api/plc/data", s.allDataHandler)
	mux.HandleFunc("/api/plc/data/", s.dataHandler)
	mux.HandleFunc("/api/plc/health", s.healthHandler)
	mux.HandleFunc("/api/plc/bytes", s.bytesHandler)
	mux.HandleFunc("/api/plc/stop", s.stopHandler)
	mux.HandleFunc("/api/plc/disconnect/", s.disconnectHandler)
	mux.HandleFunc("/api/plc/reconnect/", s.reconnectHandler)
	mux.HandleFunc("/api/plc/stream", s.streamHandler)
	mux.HandleFunc("/api/logs", s.logsHandler)

	if s.cfg.VideoDir != "" {
		mux.HandleFunc("/videos/", s.videoHandler)
	}
	if s.cfg.StaticDir != "" {
		if _, err := os.Stat(s.cfg.StaticDir); err == nil {
			mux.Handle("/", http.FileServer(http.Dir(s.cfg.StaticDir)))
		}
	}

	return cors(mux)
}

// cors mirrors the permissive policy of the original frontend deployment.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
