package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Ledger metrics.
var (
	mutationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tally_ledger_mutations_total",
			Help: "Ledger mutations by operation and outcome code.",
		},
		[]string{"op", "result"},
	)

	balanceAmount = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tally_balance_amount",
			Help: "Last committed balance, by kind (capital, current).",
		},
		[]string{"kind"},
	)

	engineClamps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tally_engine_clamps_total",
			Help: "Negative balance results floored at zero. Any increase indicates a bug.",
		},
		[]string{"field"},
	)

	engineInconsistent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tally_engine_inconsistent_total",
		Help: "Deposits and refunds committed on top of a balance that breaks 0 <= current <= capital.",
	})

	balanceDrift = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tally_balance_drift",
		Help: "Absolute drift between cached and recomputed balance at last reconciliation.",
	})

	eventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tally_events_published_total",
			Help: "Ledger change events by sink and outcome.",
		},
		[]string{"sink", "result"},
	)

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tally_ready",
		Help: "1 when the readiness probe last succeeded.",
	})
)

var initOnce sync.Once

// Init registers metrics in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			mutationsTotal, balanceAmount, engineClamps, engineInconsistent, balanceDrift, eventsPublished, ready,
		)
	})
}

// Handler serves the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func ObserveMutation(op, result string) {
	mutationsTotal.WithLabelValues(op, result).Inc()
}

func SetBalance(capital, current float64) {
	balanceAmount.WithLabelValues("capital").Set(capital)
	balanceAmount.WithLabelValues("current").Set(current)
}

func EngineClamp(field string) {
	engineClamps.WithLabelValues(field).Inc()
}

func EngineInconsistent() {
	engineInconsistent.Inc()
}

func SetDrift(v float64) {
	balanceDrift.Set(v)
}

func EventPublished(sink string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	eventsPublished.WithLabelValues(sink, result).Inc()
}

func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

// Instrument measures request rate, latency and in-flight count.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath replaces record ids with ":id" to keep label cardinality bounded.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	if len(parts) == 3 && parts[0] == "api" && (parts[1] == "deposits" || parts[1] == "expenses") && parts[2] != "bulk-delete" {
		return "/api/" + parts[1] + "/:id"
	}
	return raw
}

// statusWriter records the response code.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps Server-Sent Events working through the wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
