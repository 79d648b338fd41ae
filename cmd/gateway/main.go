package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/edp-industrial/plc-gateway/internal/frame"
	"github.com/edp-industrial/plc-gateway/internal/httpapi"
	"github.com/edp-industrial/plc-gateway/internal/ingest"
	"github.com/edp-industrial/plc-gateway/internal/logstore"
	"github.com/edp-industrial/plc-gateway/internal/metrics"

	_ "net/http/pprof"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultTCPPort = 8502
	defaultWebPort = 3001
	defaultDBDir   = "./data"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if cfg.ShowVersion {
		fmt.Printf("version: %s, commit: %s, date: %s\n", version, commit, date)
		return nil
	}

	log := newLogger(cfg.Verbose)

	if cfg.EnablePprof {
		go func() {
			log.Info("starting pprof server", "address", "localhost:6060")
			if err := http.ListenAndServe("localhost:6060", nil); err != nil {
				log.Error("failed to start pprof server", "error", err)
			}
		}()
	}

	if cfg.MetricsAddr != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			listener, err := net.Listen("tcp", cfg.MetricsAddr)
			if err != nil {
				log.Error("failed to start prometheus metrics listener", "error", err)
				os.Exit(1)
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			http.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, nil); err != nil {
				log.Error("failed to serve prometheus metrics", "error", err)
				os.Exit(1)
			}
		}()
	}

	if err := os.MkdirAll(cfg.DBDir, 0o755); err != nil {
		return fmt.Errorf("failed to create db dir %s: %w", cfg.DBDir, err)
	}

	store, err := logstore.New(&logstore.Config{
		Logger: log,
		Path:   filepath.Join(cfg.DBDir, "gateway.db"),
	})
	if err != nil {
		return fmt.Errorf("failed to open log store: %w", err)
	}
	defer func() { _ = store.Close() }()
	store.Log("info", "database", "system started", filepath.Join(cfg.DBDir, "gateway.db"))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	core, err := ingest.New(&ingest.Config{
		Logger:   log,
		Port:     cfg.TCPPort,
		Sink:     store,
		DialAddr: cfg.DialAddr,
		OnEvent: func(event, detail string) {
			log.Debug("event", "name", event, "detail", detail)
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create ingestion engine: %w", err)
	}
	coreErr := core.Start(ctx, cancel)
	store.Log("info", "tcp", "TCP server starting", strconv.Itoa(cfg.TCPPort))

	// Forward decoded frames from the core onto the web-facing bus that
	// SSE clients subscribe to.
	webBus := ingest.NewBroadcaster(log)
	frames := make(chan frame.Frame, core.SubscriberBuffer())
	unsubscribe := core.Subscribe(frames)
	defer unsubscribe()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case f := <-frames:
				webBus.Publish(f)
			}
		}
	}()

	web, err := httpapi.New(&httpapi.Config{
		Logger:    log,
		Core:      core,
		Frames:    webBus,
		Logs:      store,
		VideoDir:  cfg.VideoDir,
		StaticDir: cfg.StaticDir,
	})
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	webListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.WebPort))
	if err != nil {
		return fmt.Errorf("failed to listen on web port %d: %w", cfg.WebPort, err)
	}
	webErr := web.Start(ctx, cancel, webListener)

	select {
	case <-ctx.Done():
		log.Info("context cancelled, shutting down")
		return nil
	case err := <-coreErr:
		return err
	case err := <-webErr:
		return err
	}
}

type Config struct {
	ShowVersion bool
	Verbose     bool
	EnablePprof bool
	MetricsAddr string

	TCPPort int
	WebPort int
	DBDir   string

	DialAddr  string
	VideoDir  string
	StaticDir string
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", key, v, err)
	}
	return i, nil
}

func loadConfig() (Config, error) {
	var cfg Config

	tcpPort, err := getenvInt("TCP_PORT", defaultTCPPort)
	if err != nil {
		return Config{}, err
	}
	webPort, err := getenvInt("WEB_PORT", defaultWebPort)
	if err != nil {
		return Config{}, err
	}

	flag.BoolVar(&cfg.ShowVersion, "version", false, "show version and exit")
	flag.BoolVar(&cfg.Verbose, "verbose", false, "verbose mode - show debug logs")
	flag.BoolVar(&cfg.EnablePprof, "enable-pprof", false, "enable pprof server")

	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", getenv("METRICS_ADDR", ""), "address to listen on for prometheus metrics (env: METRICS_ADDR)")
	flag.IntVar(&cfg.TCPPort, "tcp-port", tcpPort, "PLC ingestion port (env: TCP_PORT)")
	flag.IntVar(&cfg.WebPort, "web-port", webPort, "HTTP API port (env: WEB_PORT)")
	flag.StringVar(&cfg.DBDir, "db-dir", getenv("DB_DIR", defaultDBDir), "directory for the system database (env: DB_DIR)")
	flag.StringVar(&cfg.DialAddr, "plc-dial-addr", getenv("PLC_DIAL_ADDR", ""), "dial the PLC at host:port instead of listening (env: PLC_DIAL_ADDR)")
	flag.StringVar(&cfg.VideoDir, "video-dir", getenv("VIDEO_DIR", ""), "directory of video files to serve (env: VIDEO_DIR)")
	flag.StringVar(&cfg.StaticDir, "static-dir", getenv("STATIC_DIR", ""), "directory of the frontend build to serve (env: STATIC_DIR)")

	flag.Parse()
	return cfg, nil
}

func newLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				t := a.Value.Time().UTC()
				a.Value = slog.StringValue(formatRFC3339Millis(t))
			}
			if s, ok := a.Value.Any().(string); ok && s == "" {
				return slog.Attr{}
			}
			return a
		},
	}))
}

func formatRFC3339Millis(t time.Time) string {
	t = t.UTC()
	base := t.Format("2006-01-02T15:04:05")
	ms := t.Nanosecond() / 1_000_000
	return fmt.Sprintf("%s.%03dZ", base, ms)
}
