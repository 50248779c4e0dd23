package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Access gate metrics
	AccessChecksTotal *prometheus.CounterVec

	// Lifecycle metrics
	ReconcileTotal          *prometheus.CounterVec
	ReconcileConflictsTotal prometheus.Counter
	DemotionsTotal          prometheus.Counter
	RestoresTotal           prometheus.Counter
	RestoreFallbacksTotal   *prometheus.CounterVec

	// Login throttle metrics
	LoginLockoutsTotal prometheus.Counter
	LoginFailuresTotal prometheus.Counter

	// Trial sweep metrics
	SweepCandidatesTotal prometheus.Counter
	SweepPurgesTotal     prometheus.Counter
	SweepFailuresTotal   prometheus.Counter

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vecino_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vecino_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		AccessChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vecino_access_checks_total",
				Help: "Total number of community access checks by result",
			},
			[]string{"result"},
		),
		ReconcileTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vecino_subscription_reconcile_total",
				Help: "Total number of subscription reconciliations by outcome",
			},
			[]string{"outcome"},
		),
		ReconcileConflictsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "vecino_subscription_reconcile_conflicts_total",
				Help: "Total number of retried reconciliation conflicts",
			},
		),
		DemotionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "vecino_role_demotions_total",
				Help: "Total number of roles demoted to the floor role",
			},
		),
		RestoresTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "vecino_role_restores_total",
				Help: "Total number of roles restored after reactivation",
			},
		),
		RestoreFallbacksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vecino_role_restore_fallbacks_total",
				Help: "Total number of restores without a snapshot entry, by assigned role",
			},
			[]string{"role"},
		),
		LoginLockoutsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "vecino_login_lockouts_total",
				Help: "Total number of IP lockouts triggered",
			},
		),
		LoginFailuresTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "vecino_login_failures_total",
				Help: "Total number of failed login attempts",
			},
		),
		SweepCandidatesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "vecino_trial_sweep_candidates_total",
				Help: "Total number of trial subscriptions considered for purge",
			},
		),
		SweepPurgesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "vecino_trial_sweep_purges_total",
				Help: "Total number of trial data purges performed",
			},
		),
		SweepFailuresTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "vecino_trial_sweep_failures_total",
				Help: "Total number of failed trial data purges",
			},
		),
		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "vecino_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "vecino_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.AccessChecksTotal,
		m.ReconcileTotal,
		m.ReconcileConflictsTotal,
		m.DemotionsTotal,
		m.RestoresTotal,
		m.RestoreFallbacksTotal,
		m.LoginLockoutsTotal,
		m.LoginFailuresTotal,
		m.SweepCandidatesTotal,
		m.SweepPurgesTotal,
		m.SweepFailuresTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
	)

	return m
}

// Handler returns an HTTP handler exposing the registry
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// HTTPMiddleware records request count and duration per route
func (m *Metrics) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		m.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(rec.status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
