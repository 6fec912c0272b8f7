package middlewares

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "petshop"

var routeLabels = []string{"method", "path", "status"}

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by route and status code.",
	}, routeLabels)

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency by route and status code.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, routeLabels)

	orderOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "order_operations_total",
		Help:      "Order API operations by outcome.",
	}, []string{"operation", "status"})

	paymentEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "payment_events_total",
		Help:      "Payment settlements seen, by source (webhook, confirm, reconcile) and outcome.",
	}, []string{"source", "outcome"})

	idempotentReplays = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "idempotent_replays_total",
		Help:      "Checkout requests answered from the idempotency store.",
	})

	rateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "rate_limited_requests_total",
		Help:      "Requests rejected by the per-IP rate limiter.",
	}, []string{"path"})
)

// PrometheusMiddleware records request count and latency per route
// template, so /api/orders/1 and /api/orders/2 share a series.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		labels := prometheus.Labels{
			"method": c.Request.Method,
			"path":   route,
			"status": strconv.Itoa(c.Writer.Status()),
		}
		httpRequestsTotal.With(labels).Inc()
		httpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}

func RecordOrderOperation(operation string, success bool) {
	outcome := "success"
	if !success {
		outcome = "error"
	}
	orderOperations.WithLabelValues(operation, outcome).Inc()
}

func RecordPaymentEvent(source, outcome string) {
	paymentEvents.WithLabelValues(source, outcome).Inc()
}
