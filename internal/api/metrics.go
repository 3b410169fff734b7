package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "passvault_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "route", "status"})

	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "passvault_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	loginsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "passvault_logins_total",
		Help: "Login attempts by outcome.",
	}, []string{"outcome"})

	activeSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "passvault_active_sessions",
		Help: "Number of sessions that are not revoked.",
	})

	rateLimitedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "passvault_rate_limited_total",
		Help: "Requests rejected by the per-IP rate limiter.",
	})
)

func init() {
	prometheus.MustRegister(requestsTotal, requestDuration, loginsTotal, activeSessions, rateLimitedTotal)
}

// MetricsHandler returns the Prometheus metrics HTTP handler.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// metricsMiddleware records request metrics labelled by route pattern, so
// item IDs and jtis do not explode label cardinality.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rr := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rr, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		requestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rr.statusCode)).Inc()
		requestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// CollectSessionMetrics refreshes the active session gauge every interval
// until ctx is done.
func CollectSessionMetrics(ctx context.Context, src HealthChecker, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		n, err := src.CountActiveSessions(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("counting active sessions")
		} else {
			activeSessions.Set(float64(n))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
