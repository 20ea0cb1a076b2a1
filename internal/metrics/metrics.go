// Package metrics exposes the prometheus collectors for a fdbus endpoint,
// grounded on _examples/adred-codev-ws_poc/ws/metrics.go's
// NewCounter/NewGauge/NewHistogramVec shape, retargeted from WebSocket
// connection counters to bus session/request/broadcast/cache counters
// (spec §8's observable behaviors).
package metrics

import (
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/process"
)

// Collectors holds every prometheus metric this module emits. Endpoint
// code takes an optional *Collectors and skips recording when it is nil,
// so instrumentation is opt-in.
type Collectors struct {
	SessionsTotal  prometheus.Counter
	SessionsActive prometheus.Gauge
	SessionsDead   *prometheus.CounterVec // reason

	RequestsTotal    prometheus.Counter
	RequestsTimedOut prometheus.Counter
	RequestDuration  prometheus.Histogram

	BroadcastsTotal     prometheus.Counter
	BroadcastsSuppressed prometheus.Counter // cache said "unchanged", no dispatch
	SubscribersCurrent  prometheus.Gauge

	WorkerQueueDepth *prometheus.GaugeVec // worker name

	WatchdogBarks prometheus.Counter

	ProcessRSSBytes   prometheus.Gauge
	ProcessGoroutines prometheus.Gauge
}

// New registers a fresh set of collectors against reg.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		SessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fdbus_sessions_total",
			Help: "Total sessions established (accepted or connected).",
		}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fdbus_sessions_active",
			Help: "Current number of live sessions.",
		}),
		SessionsDead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fdbus_sessions_dead_total",
			Help: "Sessions that transitioned to Dead, by final status.",
		}, []string{"reason"}),
		RequestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fdbus_requests_total",
			Help: "Total Request/SidebandRequest messages dispatched to a handler.",
		}),
		RequestsTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fdbus_requests_timed_out_total",
			Help: "Total pending requests completed by timeout rather than reply.",
		}),
		RequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fdbus_request_duration_seconds",
			Help:    "Time from Invoke/InvokeAsync to reply completion.",
			Buckets: prometheus.DefBuckets,
		}),
		BroadcastsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fdbus_broadcasts_total",
			Help: "Total broadcast fan-out operations performed.",
		}),
		BroadcastsSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fdbus_broadcasts_suppressed_total",
			Help: "Publishes suppressed by the event cache's unchanged-payload rule.",
		}),
		SubscribersCurrent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fdbus_subscribers_current",
			Help: "Current number of (session, object, code, topic) subscription entries.",
		}),
		WorkerQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fdbus_worker_queue_depth",
			Help: "Current queued job count per worker.",
		}, []string{"worker"}),
		WatchdogBarks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fdbus_watchdog_barks_total",
			Help: "Total watchdog bark events (missed liveness feeds past threshold).",
		}),
		ProcessRSSBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fdbus_process_rss_bytes",
			Help: "Resident set size of this process, sampled periodically.",
		}),
		ProcessGoroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fdbus_process_goroutines",
			Help: "Current goroutine count, sampled periodically.",
		}),
	}

	reg.MustRegister(
		c.SessionsTotal, c.SessionsActive, c.SessionsDead,
		c.RequestsTotal, c.RequestsTimedOut, c.RequestDuration,
		c.BroadcastsTotal, c.BroadcastsSuppressed, c.SubscribersCurrent,
		c.WorkerQueueDepth, c.WatchdogBarks,
		c.ProcessRSSBytes, c.ProcessGoroutines,
	)
	return c
}

// StartProcessSampler launches a goroutine that periodically samples this
// process's RSS and goroutine count into ProcessRSSBytes/ProcessGoroutines,
// grounded on
// _examples/adred-codev-ws_poc/ws/internal/single/core/monitoring_collectors.go's
// collectMetrics ticker (gopsutil process.MemoryInfo, sampled every few
// seconds rather than per-request). The goroutine exits when stop is closed.
func (c *Collectors) StartProcessSampler(interval time.Duration, stop <-chan struct{}) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if info, err := proc.MemoryInfo(); err == nil {
					c.ProcessRSSBytes.Set(float64(info.RSS))
				}
				c.ProcessGoroutines.Set(float64(runtime.NumGoroutine()))
			}
		}
	}()
}

// Handler returns the HTTP handler to mount at the metrics scrape path.
func Handler() http.Handler {
	return promhttp.Handler()
}
