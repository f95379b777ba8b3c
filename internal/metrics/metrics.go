package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "agentrunner"

// Runs groups the run lifecycle metrics shared by the launcher, the executor and the reconciler
type Runs struct {
	Launched          prometheus.Counter
	Started           prometheus.Counter
	Finished          *prometheus.CounterVec
	StoreWriteRetries prometheus.Counter
	Orphaned          prometheus.Counter
	Reconciled        prometheus.Counter
	Duration          *prometheus.HistogramVec
}

func NewRuns() *Runs {
	return &Runs{
		Launched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_launched_total",
			Help:      "Runs created by the launcher",
		}),
		Started: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Runs picked up by an executor",
		}),
		Finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_finished_total",
			Help:      "Runs that reached a terminal state, by status and error code",
		}, []string{"status", "error_code"}),
		StoreWriteRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_write_retries_total",
			Help:      "Run record writes that were retried after a transient failure",
		}),
		Orphaned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_orphaned_total",
			Help:      "Runs left non-terminal because even the forced failure could not be written",
		}),
		Reconciled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_reconciled_total",
			Help:      "Stale runs failed by the reconciler",
		}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Time from pickup to terminal state",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 180, 300, 600, 1200, 1800},
		}, []string{"status"}),
	}
}

func (r *Runs) Register(registry prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		r.Launched, r.Started, r.Finished, r.StoreWriteRetries, r.Orphaned, r.Reconciled, r.Duration,
	} {
		if err := registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// ObserveFinished records a run that ended with status after running for elapsed
func (r *Runs) ObserveFinished(status, errorCode string, elapsed time.Duration) {
	r.Finished.WithLabelValues(status, errorCode).Inc()
	r.Duration.WithLabelValues(status).Observe(elapsed.Seconds())
}

// HTTP holds the request metrics of the API
type HTTP struct {
	duration *prometheus.HistogramVec
	requests *prometheus.CounterVec
}

func NewHTTP() *HTTP {
	return &HTTP{
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route", "status_class"},
		),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status_class"},
		),
	}
}

func (h *HTTP) Register(registry prometheus.Registerer) error {
	if err := registry.Register(h.duration); err != nil {
		return err
	}
	return registry.Register(h.requests)
}

// Middleware records one observation per request, labelled with the chi route pattern
func (h *HTTP) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		statusClass := strconv.Itoa(status/100) + "xx"

		h.duration.WithLabelValues(r.Method, route, statusClass).Observe(time.Since(start).Seconds())
		h.requests.WithLabelValues(r.Method, route, statusClass).Inc()
	})
}

// NewRegistry creates a registry with the process and Go runtime collectors already registered
func NewRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	return registry
}

// Handler exposes the registry in the Prometheus text format
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}
