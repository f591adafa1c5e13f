package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Request metrics
	chatRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatiq_chat_requests_total",
		Help: "Total number of chat requests received",
	}, []string{"identity"})

	resolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatiq_resolutions_total",
		Help: "Total number of resolved answers by source",
	}, []string{"source", "status"})

	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chatiq_pipeline_stage_duration_seconds",
		Help:    "Duration of pipeline stages",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})

	// Upstream completion metrics
	upstreamRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chatiq_upstream_request_duration_seconds",
		Help:    "Duration of upstream completion requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"model", "status"})

	// Cache metrics
	cacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatiq_semantic_cache_hits_total",
		Help: "Total number of semantic cache hits",
	}, []string{"path"}) // exact | similarity

	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatiq_semantic_cache_misses_total",
		Help: "Total number of semantic cache misses",
	})

	// Quota metrics
	quotaRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatiq_quota_rejections_total",
		Help: "Total number of requests rejected by quota",
	}, []string{"plan"})

	// Rate limit metrics
	rateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatiq_rate_limit_exceeded_total",
		Help: "Total number of rate limit exceeded events",
	}, []string{"scope"})

	// Moderation metrics
	moderationBlocked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatiq_moderation_blocked_total",
		Help: "Total number of messages blocked by moderation",
	})

	// Active streams gauge
	activeStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatiq_active_streams",
		Help: "Number of completion streams currently open",
	})
)

// Metrics provides methods to record metrics
type Metrics struct{}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordChatRequest records a received chat request
func (m *Metrics) RecordChatRequest(identity string) {
	chatRequests.WithLabelValues(identity).Inc()
}

// RecordResolution records how an answer was produced
func (m *Metrics) RecordResolution(source, status string) {
	resolutions.WithLabelValues(source, status).Inc()
}

// RecordStage records the duration of one pipeline stage
func (m *Metrics) RecordStage(stage string, duration time.Duration) {
	stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordUpstreamRequest records an upstream completion call
func (m *Metrics) RecordUpstreamRequest(model, status string, duration time.Duration) {
	upstreamRequestDuration.WithLabelValues(model, status).Observe(duration.Seconds())
}

// RecordCacheHit records a semantic cache hit via the given path
func (m *Metrics) RecordCacheHit(path string) {
	cacheHits.WithLabelValues(path).Inc()
}

// RecordCacheMiss records a semantic cache miss
func (m *Metrics) RecordCacheMiss() {
	cacheMisses.Inc()
}

// RecordQuotaRejection records a request rejected by quota
func (m *Metrics) RecordQuotaRejection(plan string) {
	quotaRejections.WithLabelValues(plan).Inc()
}

// RecordRateLimitExceeded records a rate limit exceeded event
func (m *Metrics) RecordRateLimitExceeded(scope string) {
	rateLimitExceeded.WithLabelValues(scope).Inc()
}

// RecordModerationBlocked records a message blocked by moderation
func (m *Metrics) RecordModerationBlocked() {
	moderationBlocked.Inc()
}

// StreamOpened marks a completion stream as open
func (m *Metrics) StreamOpened() {
	activeStreams.Inc()
}

// StreamClosed marks a completion stream as closed
func (m *Metrics) StreamClosed() {
	activeStreams.Dec()
}

// StartMetricsServer starts the metrics HTTP server
func StartMetricsServer(port int, path string) error {
	router := mux.NewRouter()
	router.Handle(path, promhttp.Handler())

	// Health check endpoint
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	addr := fmt.Sprintf(":%d", port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return server.ListenAndServe()
}
