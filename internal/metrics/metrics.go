package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP метрики
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "segmenter_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "segmenter_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	// MQTT метрики
	MQTTMessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "segmenter_mqtt_messages_received_total",
			Help: "Total number of position reports received over MQTT",
		},
		[]string{"result"},
	)

	MQTTParseErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "segmenter_mqtt_parse_errors_total",
			Help: "Total number of MQTT payloads that could not be parsed",
		},
	)

	MQTTConnectionStatus = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "segmenter_mqtt_connection_status",
			Help: "MQTT connection status (1 = connected, 0 = disconnected)",
		},
	)

	// Redis метрики
	RedisOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "segmenter_redis_operation_duration_seconds",
			Help:    "Duration of Redis operations in seconds",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		},
		[]string{"operation"},
	)

	RedisOperationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "segmenter_redis_operation_errors_total",
			Help: "Total number of Redis operation errors",
		},
		[]string{"operation"},
	)

	// MySQL метрики
	MySQLBatchSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "segmenter_mysql_batch_size",
			Help:    "Size of MySQL batch operations",
			Buckets: []float64{1, 10, 50, 100, 500, 1000, 5000},
		},
		[]string{"table"},
	)

	MySQLBatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "segmenter_mysql_batch_duration_seconds",
			Help:    "Duration of MySQL batch operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"table"},
	)

	MySQLQueueSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "segmenter_mysql_queue_size",
			Help: "Current size of the MySQL write queue",
		},
		[]string{"table"},
	)

	MySQLWriteErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "segmenter_mysql_write_errors_total",
			Help: "Total number of MySQL write errors",
		},
		[]string{"table"},
	)

	MySQLBatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "segmenter_mysql_batches_total",
			Help: "Total number of MySQL batches processed",
		},
		[]string{"table", "status"},
	)

	MySQLRecordsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "segmenter_mysql_records_processed_total",
			Help: "Total number of records written to MySQL",
		},
		[]string{"table"},
	)

	// Состояние приложения
	AppInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "segmenter_app_info",
			Help: "Application information",
		},
		[]string{"version", "command"},
	)

	MySQLConnectionStatus = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "segmenter_mysql_connection_status",
			Help: "MySQL connection status (1 = connected, 0 = disconnected)",
		},
	)

	RedisConnectionStatus = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "segmenter_redis_connection_status",
			Help: "Redis connection status (1 = connected, 0 = disconnected)",
		},
	)
)
