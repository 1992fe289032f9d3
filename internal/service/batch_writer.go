package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/flybeeper/segment-pipeline/internal/metrics"
	"github.com/flybeeper/segment-pipeline/internal/models"
	"github.com/flybeeper/segment-pipeline/pkg/utils"
)

// ErrQueueFull очередь батчера переполнена
var ErrQueueFull = errors.New("message queue is full")

// ErrWriterStopped батчер остановлен
var ErrWriterStopped = errors.New("batch writer is shutting down")

// MessageWriter пакетная запись сырых сообщений
type MessageWriter interface {
	SaveMessagesBatch(ctx context.Context, msgs []models.Message) error
}

// BatchWriter асинхронный writer для батчевого сохранения принятых
// сообщений (MQTT ingest) в таблицу messages
type BatchWriter struct {
	repo   MessageWriter
	logger *utils.Logger
	config *BatchConfig

	messageChan chan models.Message
	flushChan   chan chan error
	buffer      []models.Message

	// Контроль жизненного цикла
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once

	metrics *BatchMetrics
}

// BatchConfig конфигурация батчера
type BatchConfig struct {
	BatchSize     int           `json:"batch_size"`     // Размер батча
	FlushInterval time.Duration `json:"flush_interval"` // Интервал принудительного flush
	ChannelBuffer int           `json:"channel_buffer"` // Размер буфера канала
	MaxRetries    int           `json:"max_retries"`    // Максимум повторов
	RetryDelay    time.Duration `json:"retry_delay"`    // Задержка между повторами
}

// BatchMetrics метрики производительности
type BatchMetrics struct {
	mu sync.RWMutex

	Queued    int64 `json:"queued"`
	Batched   int64 `json:"batched"`
	Processed int64 `json:"processed"`
	Errors    int64 `json:"errors"`
	Dropped   int64 `json:"dropped"`

	QueueDepth        int64         `json:"queue_depth"`
	LastFlushDuration time.Duration `json:"last_flush_duration"`
	LastBatchSize     int           `json:"last_batch_size"`
}

// DefaultBatchConfig возвращает конфигурацию по умолчанию
func DefaultBatchConfig() *BatchConfig {
	return &BatchConfig{
		BatchSize:     500,
		FlushInterval: 5 * time.Second,
		ChannelBuffer: 10000,
		MaxRetries:    3,
		RetryDelay:    100 * time.Millisecond,
	}
}

// NewBatchWriter создает BatchWriter и запускает worker
func NewBatchWriter(repo MessageWriter, logger *utils.Logger, config *BatchConfig) *BatchWriter {
	if config == nil {
		config = DefaultBatchConfig()
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchConfig().BatchSize
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = DefaultBatchConfig().FlushInterval
	}

	ctx, cancel := context.WithCancel(context.Background())

	bw := &BatchWriter{
		repo:        repo,
		logger:      logger,
		config:      config,
		ctx:         ctx,
		cancel:      cancel,
		messageChan: make(chan models.Message, config.ChannelBuffer),
		flushChan:   make(chan chan error),
		buffer:      make([]models.Message, 0, config.BatchSize),
		metrics:     &BatchMetrics{},
	}

	bw.wg.Add(1)
	go bw.worker()

	bw.logger.WithField("batch_size", config.BatchSize).
		WithField("flush_interval", config.FlushInterval).
		Info("Started MySQL batch writer")

	return bw
}

// QueueMessage добавляет сообщение в очередь, не блокируясь
func (bw *BatchWriter) QueueMessage(msg models.Message) error {
	if bw.ctx.Err() != nil {
		return ErrWriterStopped
	}
	select {
	case bw.messageChan <- msg:
		bw.metrics.mu.Lock()
		bw.metrics.Queued++
		bw.metrics.mu.Unlock()
		metrics.MySQLQueueSize.WithLabelValues("messages").Set(float64(len(bw.messageChan)))
		return nil
	case <-bw.ctx.Done():
		return ErrWriterStopped
	default:
		bw.metrics.mu.Lock()
		bw.metrics.Dropped++
		bw.metrics.mu.Unlock()
		return ErrQueueFull
	}
}

func (bw *BatchWriter) worker() {
	defer bw.wg.Done()

	ticker := time.NewTicker(bw.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-bw.messageChan:
			bw.buffer = append(bw.buffer, msg)
			if len(bw.buffer) >= bw.config.BatchSize {
				bw.flush(bw.ctx)
			}

		case done := <-bw.flushChan:
			bw.drain()
			done <- bw.flush(bw.ctx)

		case <-ticker.C:
			if len(bw.buffer) > 0 {
				bw.flush(bw.ctx)
			}

		case <-bw.ctx.Done():
			// Финальный flush: дочитываем очередь, контекст уже отменен
			bw.drain()
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			bw.flush(ctx)
			cancel()
			return
		}
	}
}

// drain переносит все, что уже в канале, в буфер
func (bw *BatchWriter) drain() {
	for {
		select {
		case msg := <-bw.messageChan:
			bw.buffer = append(bw.buffer, msg)
		default:
			return
		}
	}
}

// flush сохраняет буфер батчами по BatchSize
func (bw *BatchWriter) flush(ctx context.Context) error {
	var firstErr error
	for lo := 0; lo < len(bw.buffer); lo += bw.config.BatchSize {
		hi := min(lo+bw.config.BatchSize, len(bw.buffer))
		batch := make([]models.Message, hi-lo)
		copy(batch, bw.buffer[lo:hi])

		if err := bw.flushBatch(ctx, batch); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	bw.buffer = bw.buffer[:0]
	metrics.MySQLQueueSize.WithLabelValues("messages").Set(float64(len(bw.messageChan)))
	return firstErr
}

func (bw *BatchWriter) flushBatch(ctx context.Context, batch []models.Message) error {
	start := time.Now()

	err := bw.retryOperation(ctx, func() error {
		return bw.repo.SaveMessagesBatch(ctx, batch)
	})

	duration := time.Since(start)

	bw.metrics.mu.Lock()
	if err != nil {
		bw.metrics.Errors += int64(len(batch))
		bw.logger.WithField("batch_size", len(batch)).
			WithField("duration", duration).
			WithField("error", err).
			Error("Failed to flush messages batch")
	} else {
		bw.metrics.Batched++
		bw.metrics.Processed += int64(len(batch))
		bw.logger.WithField("batch_size", len(batch)).
			WithField("duration", duration).
			Debug("Flushed messages batch to MySQL")
	}
	bw.metrics.LastFlushDuration = duration
	bw.metrics.LastBatchSize = len(batch)
	bw.metrics.mu.Unlock()

	return err
}

// retryOperation выполняет операцию с повторами
func (bw *BatchWriter) retryOperation(ctx context.Context, operation func() error) error {
	var lastErr error

	for attempt := 0; attempt <= bw.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(bw.config.RetryDelay * time.Duration(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = operation()
		if lastErr == nil {
			return nil
		}

		bw.logger.WithField("attempt", attempt+1).
			WithField("max_retries", bw.config.MaxRetries).
			WithField("error", lastErr).
			Warn("MySQL batch operation failed, retrying")
	}

	return fmt.Errorf("operation failed after %d retries: %w", bw.config.MaxRetries, lastErr)
}

// GetMetrics возвращает копию метрик
func (bw *BatchWriter) GetMetrics() BatchMetrics {
	bw.metrics.mu.RLock()
	defer bw.metrics.mu.RUnlock()

	return BatchMetrics{
		Queued:            bw.metrics.Queued,
		Batched:           bw.metrics.Batched,
		Processed:         bw.metrics.Processed,
		Errors:            bw.metrics.Errors,
		Dropped:           bw.metrics.Dropped,
		QueueDepth:        int64(len(bw.messageChan)),
		LastFlushDuration: bw.metrics.LastFlushDuration,
		LastBatchSize:     bw.metrics.LastBatchSize,
	}
}

// Flush принудительно сохраняет все принятые сообщения
func (bw *BatchWriter) Flush(ctx context.Context) error {
	done := make(chan error, 1)
	select {
	case bw.flushChan <- done:
	case <-bw.ctx.Done():
		return ErrWriterStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop останавливает BatchWriter и дожидается финального flush
func (bw *BatchWriter) Stop() error {
	bw.stopOnce.Do(func() {
		bw.logger.Info("Stopping MySQL batch writer...")
		bw.cancel()
		bw.wg.Wait()
		bw.logger.Info("MySQL batch writer stopped")
	})
	return nil
}
