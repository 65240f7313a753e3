package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	ProviderCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_calls_total",
			Help: "Total number of enhancement provider calls by outcome",
		},
		[]string{"outcome"},
	)
	ProviderCallDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "provider_call_duration_seconds",
			Help:    "Enhancement provider call duration in seconds",
			Buckets: []float64{1, 2, 5, 10, 20, 40, 80, 160, 320},
		},
	)

	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		},
		[]string{"tier"},
	)
	JobsClaimedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_claimed_total",
			Help: "Total number of job claims by kind (fresh or reclaim)",
		},
		[]string{"kind"},
	)
	JobsProcessing = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobs_processing",
			Help: "Number of jobs currently held under a lease by this process",
		},
	)
	JobsCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of jobs completed successfully",
		},
	)
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of jobs finalized as failed",
		},
		[]string{"reason"},
	)
	JobsSweptTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_swept_total",
			Help: "Total number of exhausted jobs finalized by the sweeper",
		},
	)

	CreditsReservedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "credits_reserved_total",
			Help: "Total credits reserved at job creation",
		},
	)
	CreditsRefundedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "credits_refunded_total",
			Help: "Total credits refunded for failed jobs",
		},
	)
	CreditsGrantedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credits_granted_total",
			Help: "Total credits granted through billing webhook events",
		},
		[]string{"product"},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(ProviderCallsTotal)
	prometheus.MustRegister(ProviderCallDuration)
	prometheus.MustRegister(JobsEnqueuedTotal)
	prometheus.MustRegister(JobsClaimedTotal)
	prometheus.MustRegister(JobsProcessing)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(JobsSweptTotal)
	prometheus.MustRegister(CreditsReservedTotal)
	prometheus.MustRegister(CreditsRefundedTotal)
	prometheus.MustRegister(CreditsGrantedTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(dur)
	})
}

func EnqueueJob(tier string, cost int64) {
	JobsEnqueuedTotal.WithLabelValues(tier).Inc()
	CreditsReservedTotal.Add(float64(cost))
}

func ClaimJob(reclaim bool) {
	kind := "fresh"
	if reclaim {
		kind = "reclaim"
	}
	JobsClaimedTotal.WithLabelValues(kind).Inc()
	JobsProcessing.Inc()
}

func CompleteJob() {
	JobsProcessing.Dec()
	JobsCompletedTotal.Inc()
}

func FailJob(reason string, refunded int64) {
	JobsProcessing.Dec()
	JobsFailedTotal.WithLabelValues(reason).Inc()
	if refunded > 0 {
		CreditsRefundedTotal.Add(float64(refunded))
	}
}

// ObserveProviderCall records one provider round trip.
func ObserveProviderCall(outcome string, dur time.Duration) {
	ProviderCallsTotal.WithLabelValues(outcome).Inc()
	ProviderCallDuration.Observe(dur.Seconds())
}
