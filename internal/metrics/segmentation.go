package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesProcessed сообщения, прошедшие через сегментатор
	MessagesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "segmenter_messages_processed_total",
		Help: "Total number of messages assigned to a segment",
	})

	// MalformedMessages сообщения, исключенные из сегментации
	MalformedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "segmenter_malformed_messages_total",
		Help: "Number of messages excluded as malformed",
	}, []string{"stage"})

	// SegmentsOpened новые сегменты
	SegmentsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "segmenter_segments_opened_total",
		Help: "Number of segments opened",
	})

	// SegmentsClosed закрытые сегменты
	SegmentsClosed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "segmenter_segments_closed_total",
		Help: "Number of segments closed",
	})

	// SegmentSplits разбиения по сработавшему предикату
	SegmentSplits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "segmenter_segment_splits_total",
		Help: "Number of segment splits by predicate",
	}, []string{"predicate"})

	// MessageFlags отмеченные сообщения по типу отметки
	MessageFlags = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "segmenter_message_flags_total",
		Help: "Number of flagged messages by flag",
	}, []string{"flag"})

	// SeedLoads загрузки seed по результату: found, absent, anomaly, error
	SeedLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "segmenter_seed_loads_total",
		Help: "Number of seed loads by result",
	}, []string{"result"})

	// SeedsSaved сохраненные seed
	SeedsSaved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "segmenter_seeds_saved_total",
		Help: "Number of seeds persisted for the next run",
	})

	// SeedAnomalies отклоненные seed
	SeedAnomalies = promauto.NewCounter(prometheus.CounterOpts{
		Name: "segmenter_seed_anomalies_total",
		Help: "Number of seeds rejected as inconsistent with the run window",
	})

	// IdentifierDuration время обработки одного идентификатора
	IdentifierDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "segmenter_identifier_duration_seconds",
		Help:    "Time to load, segment and persist one identifier",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	// RunDuration длительность запуска
	RunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "segmenter_run_duration_seconds",
		Help:    "Duration of a full segmentation run",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
	})

	// RunsTotal запуски по статусу
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "segmenter_runs_total",
		Help: "Number of segmentation runs by status",
	}, []string{"status"})

	// LastRunTimestamp время завершения последнего успешного запуска
	LastRunTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "segmenter_last_success_timestamp_seconds",
		Help: "Unix time of the last successful run",
	})
)
