package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "muezzin_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "muezzin_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	cacheReads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "muezzin_cache_reads_total",
			Help: "Snapshot cache reads by result (hit, miss, stale_hit)",
		},
		[]string{"result"},
	)

	storeFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "muezzin_store_fetches_total",
			Help: "Remote store reads by outcome",
		},
		[]string{"outcome"},
	)

	storeOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "muezzin_store_online",
			Help: "Whether the remote store is currently reachable",
		},
	)

	schedulerPasses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "muezzin_scheduler_passes_total",
			Help: "Completed notification scheduling passes",
		},
	)

	triggersArmed = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "muezzin_triggers_armed",
			Help: "Triggers committed by the latest scheduling pass",
		},
	)

	triggerArmFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "muezzin_trigger_arm_failures_total",
			Help: "Triggers the alarm facility refused to arm",
		},
	)

	triggersFired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "muezzin_triggers_fired_total",
			Help: "Local alerts fired by trigger kind",
		},
		[]string{"kind"},
	)

	importsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "muezzin_timetable_imports_total",
			Help: "Timetable imports by outcome",
		},
		[]string{"outcome"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordCacheRead records a snapshot cache read result
func RecordCacheRead(result string) {
	cacheReads.WithLabelValues(result).Inc()
}

// RecordStoreFetch records the outcome of a remote store read
func RecordStoreFetch(outcome string) {
	storeFetches.WithLabelValues(outcome).Inc()
}

// SetStoreOnline records store reachability
func SetStoreOnline(online bool) {
	if online {
		storeOnline.Set(1)
	} else {
		storeOnline.Set(0)
	}
}

// RecordSchedulerPass records one completed scheduling pass
func RecordSchedulerPass(armed, failures int) {
	schedulerPasses.Inc()
	triggersArmed.Set(float64(armed))
	triggerArmFailures.Add(float64(failures))
}

// RecordTriggerFired records a local alert going off
func RecordTriggerFired(kind string) {
	triggersFired.WithLabelValues(kind).Inc()
}

// RecordImport records a timetable import attempt
func RecordImport(outcome string) {
	importsTotal.WithLabelValues(outcome).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
