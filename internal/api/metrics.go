package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	apiRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "qgate_http_requests_total",
		Help: "HTTP requests by method, route and status code.",
	}, []string{"method", "route", "status"})

	apiLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "qgate_http_request_duration_seconds",
		Help:    "Latency of non-streaming HTTP requests.",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}, []string{"method", "route"})

	apiInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "qgate_http_in_flight_requests",
		Help: "Requests currently being served.",
	})

	apiThrottled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "qgate_http_throttled_total",
		Help: "Requests refused by the per-client throttle.",
	})

	eventStreams = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "qgate_event_streams",
		Help: "Open job event streams.",
	})
)

func init() {
	prometheus.MustRegister(apiRequests, apiLatency, apiInFlight, apiThrottled, eventStreams)
}

// metricsMiddleware counts every request by its chi route pattern so job ids
// never become label values. Event streams are counted but kept out of the
// latency histogram.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiInFlight.Inc()
		defer apiInFlight.Dec()

		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		apiRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		if ww.Header().Get("Content-Type") != "text/event-stream" {
			apiLatency.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		}
	})
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}
