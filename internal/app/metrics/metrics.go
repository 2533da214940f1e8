package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "menudeck",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "menudeck",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "menudeck",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	ledgerMutations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "menudeck",
			Subsystem: "ledger",
			Name:      "transactions_total",
			Help:      "Total number of committed ledger transactions.",
		},
		[]string{"reason", "direction"},
	)

	ledgerRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "menudeck",
			Subsystem: "ledger",
			Name:      "rejected_debits_total",
			Help:      "Debits rejected before commit.",
		},
		[]string{"cause"},
	)

	provisioningOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "menudeck",
			Subsystem: "provisioning",
			Name:      "restaurants_total",
			Help:      "Restaurant provisioning attempts by outcome.",
		},
		[]string{"outcome"},
	)

	reconcilerDrift = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "menudeck",
			Subsystem: "ledger",
			Name:      "reconciler_drift_agents",
			Help:      "Agents whose cached balance disagreed with the ledger sum on the last sweep.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		ledgerMutations,
		ledgerRejections,
		provisioningOutcomes,
		reconcilerDrift,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordLedgerTransaction records one committed ledger write.
func RecordLedgerTransaction(reason string, amount int64) {
	direction := "credit"
	if amount < 0 {
		direction = "debit"
	}
	ledgerMutations.WithLabelValues(reason, direction).Inc()
}

// RecordRejectedDebit counts a debit refused before commit.
func RecordRejectedDebit(cause string) {
	ledgerRejections.WithLabelValues(cause).Inc()
}

// RecordProvisioning records the outcome of a provisioning attempt.
func RecordProvisioning(outcome string) {
	provisioningOutcomes.WithLabelValues(outcome).Inc()
}

// SetReconcilerDrift publishes the drift count from the latest sweep.
func SetReconcilerDrift(agents int) {
	reconcilerDrift.Set(float64(agents))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// canonicalPath collapses entity IDs out of paths so label cardinality stays
// bounded.
func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	switch parts[0] {
	case "agents", "token-requests", "restaurants":
		if len(parts) == 1 {
			return "/" + parts[0]
		}
		if len(parts) == 2 {
			return "/" + parts[0] + "/:id"
		}
		return "/" + parts[0] + "/:id/" + parts[2]
	case "admin":
		if len(parts) >= 3 {
			return "/admin/" + parts[1] + "/:id"
		}
		return "/" + strings.Join(parts, "/")
	default:
		return "/" + parts[0]
	}
}
