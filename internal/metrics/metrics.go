package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "plc_gateway_build_info",
		Help: "Build information of the PLC gateway",
	}, []string{"version", "commit", "date"})

	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "plc_gateway_active_connections", Help: "PLC connections currently live.",
	})
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plc_gateway_connections_total", Help: "Total accepted PLC connections.",
	})
	ConnectionsRefused = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plc_gateway_connections_refused_total", Help: "Accepts refused.",
	}, []string{"reason"})
	ConnectionExits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plc_gateway_connection_exits_total", Help: "Connection terminal states.",
	}, []string{"result"})

	TCPBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plc_gateway_tcp_bytes_total", Help: "Total bytes read from PLC peers.",
	})
	FramesDecoded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plc_gateway_frames_decoded_total", Help: "Telemetry frames decoded.",
	})
	DecodeErrs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plc_gateway_decode_errors_total", Help: "Frame decode errors.",
	})
	ReadTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plc_gateway_read_timeouts_total", Help: "Socket read timeouts.",
	})
	AccumulatorOverflows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plc_gateway_accumulator_overflows_total", Help: "Per-connection accumulator clears on overflow.",
	})
	FragmentClears = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plc_gateway_fragment_clears_total", Help: "Stale partial frames dropped.",
	})

	ConnectionsReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plc_gateway_connections_reaped_total", Help: "Connections reaped by the watchdog.",
	})
	WatchdogSweeps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plc_gateway_watchdog_sweeps_total", Help: "Watchdog sweep ticks.",
	})
	LatestDataCacheSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "plc_gateway_latest_data_cache_size", Help: "Entries in the last-packet cache.",
	})

	Subscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "plc_gateway_subscribers", Help: "Fan-out channel subscribers.",
	})
	BroadcastDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plc_gateway_broadcast_drops_total", Help: "Frames dropped for lagging subscribers.",
	})

	DialAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plc_gateway_dial_attempts_total", Help: "Active-mode dial attempts.",
	}, []string{"result"})

	LogWriteErrs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plc_gateway_log_write_errors_total", Help: "System log insert failures.",
	})
)
