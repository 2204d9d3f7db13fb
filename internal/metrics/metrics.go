// Package metrics exposes Prometheus collectors for the treasury service.
package metrics

import (
	"math/big"
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
			Namespace: "treasury",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "treasury",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "treasury",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	deposits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "treasury",
			Subsystem: "ledger",
			Name:      "deposits_total",
			Help:      "Total number of credit deposits accepted.",
		},
	)

	disbursements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "treasury",
			Subsystem: "engine",
			Name:      "disbursements_total",
			Help:      "Total number of disbursement attempts by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	confirmationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "treasury",
			Subsystem: "engine",
			Name:      "confirmation_duration_seconds",
			Help:      "Time from broadcast to confirmation.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 8), // 1s to ~2m
		},
	)

	pendingAttempts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "treasury",
			Subsystem: "engine",
			Name:      "pending_attempts",
			Help:      "Attempts awaiting reconciliation after a confirmation timeout.",
		},
	)

	ledgerUsers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "treasury",
			Subsystem: "ledger",
			Name:      "users",
			Help:      "Number of user entries in the credit ledger.",
		},
	)

	ledgerCredits = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "treasury",
			Subsystem: "ledger",
			Name:      "credits_wei",
			Help:      "Aggregate visible credits across all users, in wei.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		deposits,
		disbursements,
		confirmationDuration,
		pendingAttempts,
		ledgerUsers,
		ledgerCredits,
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

// RecordDeposit counts an accepted credit deposit.
func RecordDeposit() {
	deposits.Inc()
}

// RecordDisbursement counts a disbursement attempt outcome.
func RecordDisbursement(kind, outcome string) {
	disbursements.WithLabelValues(kind, outcome).Inc()
}

// ObserveConfirmation records the broadcast-to-confirmation latency.
func ObserveConfirmation(d time.Duration) {
	if d <= 0 {
		d = time.Millisecond
	}
	confirmationDuration.Observe(d.Seconds())
}

// SetPendingAttempts updates the reconciliation backlog gauge.
func SetPendingAttempts(n int) {
	pendingAttempts.Set(float64(n))
}

// SetLedgerStats updates the ledger gauges.
func SetLedgerStats(users int, credits *big.Int) {
	ledgerUsers.Set(float64(users))
	if credits != nil {
		f, _ := new(big.Float).SetInt(credits).Float64()
		ledgerCredits.Set(f)
	}
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

func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	parts := strings.Split(trimmed, "/")
	if parts[0] != "api" || len(parts) == 1 {
		return "/" + parts[0]
	}
	if len(parts) == 2 {
		return "/api/" + parts[1]
	}
	// Collapse path parameters: /api/credits/{user}, /api/admin/pending/{tx}/resolve.
	switch parts[1] {
	case "credits":
		return "/api/credits/:user"
	case "admin":
		if len(parts) >= 4 && parts[2] == "pending" {
			return "/api/admin/pending/:tx"
		}
		return "/api/admin/" + parts[2]
	}
	return "/api/" + parts[1]
}
