// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	ScannerIterations prometheus.Counter
	ScannerSkips      prometheus.Counter
	LiveDetections    prometheus.Counter
	SessionRecreates  prometheus.Counter
	WorkersSpawned    prometheus.Counter
	WorkerRestarts    *prometheus.CounterVec // label: reason
	ChatIngested      prometheus.Counter
	UpcomingFound     prometheus.Counter
	ExtractFailures   prometheus.Counter
	OTPAttempts       *prometheus.CounterVec // label: result

	// Histograms (seconds)
	RelayDuration    prometheus.Observer
	LoginDuration    prometheus.Observer
	ScanStepDuration prometheus.Observer

	// Gauges
	RunningRelays prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		ScannerIterations = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_scanner_iterations_total", Help: "Rotation scanner iterations"})
		ScannerSkips = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_scanner_skips_total", Help: "Channels skipped because a relay is already running"})
		LiveDetections = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_live_detections_total", Help: "Live broadcasts detected by the scanner"})
		SessionRecreates = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_scanner_session_recreates_total", Help: "Scanner browser sessions discarded and recreated"})
		WorkersSpawned = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_workers_spawned_total", Help: "Stream workers spawned"})
		WorkerRestarts = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_worker_restarts_total", Help: "Stream worker restarts by reason"}, []string{"reason"})
		ChatIngested = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_chat_messages_ingested_total", Help: "Chat messages pushed to stream queues"})
		UpcomingFound = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_upcoming_streams_found_total", Help: "Upcoming streams extracted from chat"})
		ExtractFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_extract_failures_total", Help: "Chat messages whose schedule extraction failed"})
		OTPAttempts = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_otp_attempts_total", Help: "Verification code polls by result"}, []string{"result"})
		RelayDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "relay_session_duration_seconds", Help: "Duration of a relay from start to teardown", Buckets: []float64{60, 300, 900, 1800, 3600, 7200, 14400}})
		LoginDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "relay_login_duration_seconds", Help: "Time to obtain an authenticated session", Buckets: []float64{5, 15, 30, 60, 120, 300}})
		ScanStepDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "relay_scan_step_duration_seconds", Help: "Duration of one scanner iteration", Buckets: prometheus.DefBuckets})
		RunningRelays = promauto.NewGauge(prometheus.GaugeOpts{Name: "relay_running", Help: "Relays currently running in this process"})
	})
}

// IncRestart counts a worker restart for reason.
func IncRestart(reason string) {
	if WorkerRestarts != nil {
		WorkerRestarts.WithLabelValues(reason).Inc()
	}
}

// IncOTP counts a verification code poll.
func IncOTP(result string) {
	if OTPAttempts != nil {
		OTPAttempts.WithLabelValues(result).Inc()
	}
}

// Inc increments c if it has been registered.
func Inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// AddRunning adjusts the running relay gauge.
func AddRunning(delta float64) {
	if RunningRelays != nil {
		RunningRelays.Add(delta)
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context carrying the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
