package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	registry           *prometheus.Registry
	registryOnce       sync.Once
	defaultMetricsPath = "/metrics"
	metricsEnabled     = true

	// Stream gateway metrics
	StreamSessionsActive  prometheus.Gauge
	StreamSessionsTotal   *prometheus.CounterVec
	StreamFramesReceived  *prometheus.CounterVec
	StreamAudioBytes      *prometheus.CounterVec
	StreamSessionDuration prometheus.Histogram

	// Speech bridge metrics
	BridgeConnectsTotal  *prometheus.CounterVec
	BridgeEventsTotal    *prometheus.CounterVec
	BridgeToolCallsTotal *prometheus.CounterVec
	BridgeBargeInsTotal  prometheus.Counter

	// Webhook metrics
	WebhookRequestsTotal   *prometheus.CounterVec
	WebhookDuplicateEvents prometheus.Counter
	WebhookStaleEvents     prometheus.Counter
	WebhookProcessingTime  *prometheus.HistogramVec

	// Persistence metrics
	DBOperationsTotal *prometheus.CounterVec
	DBOperationTime   *prometheus.HistogramVec

	// Recording metrics
	RecordingResolutionsTotal *prometheus.CounterVec
	RecordingUploadsTotal     *prometheus.CounterVec
	RecordingUploadBytes      prometheus.Counter

	// Retrieval metrics
	RetrievalRequestsTotal *prometheus.CounterVec
	RetrievalLatency       prometheus.Histogram

	// AMQP metrics
	AMQPPublishedMessages *prometheus.CounterVec
	AMQPConnectionErrors  prometheus.Counter
	AMQPReconnectAttempts prometheus.Counter
	AMQPConnectionStatus  prometheus.Gauge

	// Rate limit metrics
	RateLimitRejections *prometheus.CounterVec
)

// Init initializes all metrics and registers them with Prometheus
func Init(logger *logrus.Logger) {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()

		StreamSessionsActive = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "callbridge_stream_sessions_active",
				Help: "Number of live voice sessions",
			},
		)

		StreamSessionsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callbridge_stream_sessions_total",
				Help: "Total voice sessions handled, by outcome",
			},
			[]string{"outcome"},
		)

		StreamFramesReceived = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callbridge_stream_frames_received_total",
				Help: "Total media-stream frames received, by type",
			},
			[]string{"type"},
		)

		StreamAudioBytes = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callbridge_stream_audio_bytes_total",
				Help: "Total audio payload bytes relayed, by direction",
			},
			[]string{"direction"},
		)

		StreamSessionDuration = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "callbridge_stream_session_duration_seconds",
				Help:    "Duration of voice sessions",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68m
			},
		)

		BridgeConnectsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callbridge_bridge_connects_total",
				Help: "Speech bridge connection attempts, by status",
			},
			[]string{"status"},
		)

		BridgeEventsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callbridge_bridge_events_total",
				Help: "Speech bridge events received, by type",
			},
			[]string{"type"},
		)

		BridgeToolCallsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callbridge_bridge_tool_calls_total",
				Help: "Tool calls dispatched by the speech bridge, by tool and status",
			},
			[]string{"tool", "status"},
		)

		BridgeBargeInsTotal = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "callbridge_bridge_barge_ins_total",
				Help: "Times caller speech interrupted assistant playback",
			},
		)

		WebhookRequestsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callbridge_webhook_requests_total",
				Help: "Webhook deliveries received, by event type and result",
			},
			[]string{"event_type", "result"},
		)

		WebhookDuplicateEvents = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "callbridge_webhook_duplicate_events_total",
				Help: "Webhook deliveries dropped as duplicates",
			},
		)

		WebhookStaleEvents = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "callbridge_webhook_stale_events_total",
				Help: "Webhook deliveries rejected outside the replay window",
			},
		)

		WebhookProcessingTime = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "callbridge_webhook_processing_seconds",
				Help:    "Time spent reconciling a webhook delivery",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
			},
			[]string{"event_type"},
		)

		DBOperationsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callbridge_db_operations_total",
				Help: "Database operations, by operation and status",
			},
			[]string{"operation", "status"},
		)

		DBOperationTime = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "callbridge_db_operation_seconds",
				Help:    "Database operation latency",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
			},
			[]string{"operation"},
		)

		RecordingResolutionsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callbridge_recording_resolutions_total",
				Help: "Recording URL resolutions, by strategy and status",
			},
			[]string{"strategy", "status"},
		)

		RecordingUploadsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callbridge_recording_uploads_total",
				Help: "Recording uploads to durable storage, by status",
			},
			[]string{"status"},
		)

		RecordingUploadBytes = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "callbridge_recording_upload_bytes_total",
				Help: "Total recording bytes uploaded to durable storage",
			},
		)

		RetrievalRequestsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callbridge_retrieval_requests_total",
				Help: "Context retrieval requests, by status",
			},
			[]string{"status"},
		)

		RetrievalLatency = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "callbridge_retrieval_latency_seconds",
				Help:    "Context retrieval latency",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 8),
			},
		)

		AMQPPublishedMessages = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callbridge_amqp_published_messages_total",
				Help: "AMQP messages published, by routing key and status",
			},
			[]string{"routing_key", "status"},
		)

		AMQPConnectionErrors = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "callbridge_amqp_connection_errors_total",
				Help: "AMQP connection errors",
			},
		)

		AMQPReconnectAttempts = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "callbridge_amqp_reconnect_attempts_total",
				Help: "AMQP reconnection attempts",
			},
		)

		AMQPConnectionStatus = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "callbridge_amqp_connection_status",
				Help: "AMQP connection status (1 connected, 0 disconnected)",
			},
		)

		RateLimitRejections = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callbridge_rate_limit_rejections_total",
				Help: "Requests rejected by the rate limiter, by endpoint",
			},
			[]string{"endpoint"},
		)

		registry.MustRegister(
			StreamSessionsActive,
			StreamSessionsTotal,
			StreamFramesReceived,
			StreamAudioBytes,
			StreamSessionDuration,

			BridgeConnectsTotal,
			BridgeEventsTotal,
			BridgeToolCallsTotal,
			BridgeBargeInsTotal,

			WebhookRequestsTotal,
			WebhookDuplicateEvents,
			WebhookStaleEvents,
			WebhookProcessingTime,

			DBOperationsTotal,
			DBOperationTime,

			RecordingResolutionsTotal,
			RecordingUploadsTotal,
			RecordingUploadBytes,

			RetrievalRequestsTotal,
			RetrievalLatency,

			AMQPPublishedMessages,
			AMQPConnectionErrors,
			AMQPReconnectAttempts,
			AMQPConnectionStatus,

			RateLimitRejections,
		)

		logger.Info("Prometheus metrics initialized")
	})
}

// GetRegistry returns the prometheus registry
func GetRegistry() *prometheus.Registry {
	return registry
}

// SetMetricsPath sets the HTTP path for the metrics endpoint
func SetMetricsPath(path string) {
	defaultMetricsPath = path
}

// IsMetricsEnabled returns whether metrics are enabled
func IsMetricsEnabled() bool {
	return metricsEnabled
}

// RegisterHandler registers the metrics HTTP handler
func RegisterHandler(mux *http.ServeMux) {
	if metricsEnabled {
		handler := promhttp.HandlerFor(
			registry,
			promhttp.HandlerOpts{
				EnableOpenMetrics: true,
				Registry:          registry,
			},
		)
		mux.Handle(defaultMetricsPath, handler)
	}
}

// StartMetrics initializes the metrics service
func StartMetrics(logger *logrus.Logger, enabled bool) {
	if !enabled {
		metricsEnabled = false
		logger.Info("Metrics collection is disabled")
		return
	}

	Init(logger)
	metricsEnabled = true
	logger.WithField("metrics_path", defaultMetricsPath).Info("Metrics endpoint initialized")
}

// RecordWebhookRequest records a webhook delivery outcome
func RecordWebhookRequest(eventType, result string) {
	if metricsEnabled && WebhookRequestsTotal != nil {
		WebhookRequestsTotal.WithLabelValues(eventType, result).Inc()
	}
}

// ObserveWebhookProcessing returns a completion func that records elapsed time
func ObserveWebhookProcessing(eventType string) func() {
	if !metricsEnabled || WebhookProcessingTime == nil {
		return func() {}
	}
	start := time.Now()
	return func() {
		WebhookProcessingTime.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}
}

// RecordDBOperation records a database operation and its latency
func RecordDBOperation(operation string, err error, elapsed time.Duration) {
	if !metricsEnabled || DBOperationsTotal == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	DBOperationsTotal.WithLabelValues(operation, status).Inc()
	DBOperationTime.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// RecordBridgeEvent records a speech bridge event by type
func RecordBridgeEvent(eventType string) {
	if metricsEnabled && BridgeEventsTotal != nil {
		BridgeEventsTotal.WithLabelValues(eventType).Inc()
	}
}

// RecordToolCall records a dispatched tool call
func RecordToolCall(tool, status string) {
	if metricsEnabled && BridgeToolCallsTotal != nil {
		BridgeToolCallsTotal.WithLabelValues(tool, status).Inc()
	}
}

// RecordAMQPPublish records a publish attempt
func RecordAMQPPublish(routingKey, status string) {
	if metricsEnabled && AMQPPublishedMessages != nil {
		AMQPPublishedMessages.WithLabelValues(routingKey, status).Inc()
	}
}

// SetAMQPConnectionStatus updates the connection gauge
func SetAMQPConnectionStatus(connected bool) {
	if !metricsEnabled || AMQPConnectionStatus == nil {
		return
	}
	if connected {
		AMQPConnectionStatus.Set(1)
	} else {
		AMQPConnectionStatus.Set(0)
	}
}

// RecordRecordingResolution records a recording URL resolution attempt
func RecordRecordingResolution(strategy, status string) {
	if metricsEnabled && RecordingResolutionsTotal != nil {
		RecordingResolutionsTotal.WithLabelValues(strategy, status).Inc()
	}
}

// RecordRateLimitRejection records a request rejected by the limiter
func RecordRateLimitRejection(endpoint string) {
	if metricsEnabled && RateLimitRejections != nil {
		RateLimitRejections.WithLabelValues(endpoint).Inc()
	}
}
