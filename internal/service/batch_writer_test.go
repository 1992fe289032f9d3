package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flybeeper/segment-pipeline/internal/models"
	"github.com/flybeeper/segment-pipeline/pkg/utils"
)

// fakeMessageWriter запоминает батчи, первые failures вызовов возвращают ошибку
type fakeMessageWriter struct {
	mu       sync.Mutex
	batches  [][]models.Message
	failures int
	calls    int
}

func (f *fakeMessageWriter) SaveMessagesBatch(ctx context.Context, msgs []models.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return errors.New("connection reset")
	}
	f.batches = append(f.batches, msgs)
	return nil
}

func (f *fakeMessageWriter) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

func testBatchConfig() *BatchConfig {
	return &BatchConfig{
		BatchSize:     3,
		FlushInterval: time.Hour,
		ChannelBuffer: 100,
		MaxRetries:    2,
		RetryDelay:    time.Millisecond,
	}
}

func TestBatchWriter_FlushesBySize(t *testing.T) {
	repo := &fakeMessageWriter{}
	bw := NewBatchWriter(repo, utils.NewNopLogger(), testBatchConfig())
	defer bw.Stop()

	for i := 0; i < 7; i++ {
		require.NoError(t, bw.QueueMessage(message("100", day1.Start.Add(time.Duration(i)*time.Minute), int64(i))))
	}
	require.NoError(t, bw.Flush(context.Background()))

	assert.Equal(t, 7, repo.total())
	m := bw.GetMetrics()
	assert.Equal(t, int64(7), m.Queued)
	assert.Equal(t, int64(7), m.Processed)
	assert.Equal(t, int64(3), m.Batched)
}

func TestBatchWriter_RetriesFailedBatch(t *testing.T) {
	repo := &fakeMessageWriter{failures: 2}
	bw := NewBatchWriter(repo, utils.NewNopLogger(), testBatchConfig())
	defer bw.Stop()

	require.NoError(t, bw.QueueMessage(message("100", day1.Start, 0)))
	require.NoError(t, bw.Flush(context.Background()))

	assert.Equal(t, 1, repo.total())
	assert.Equal(t, 3, repo.calls)
}

func TestBatchWriter_GivesUpAfterRetries(t *testing.T) {
	repo := &fakeMessageWriter{failures: 10}
	bw := NewBatchWriter(repo, utils.NewNopLogger(), testBatchConfig())
	defer bw.Stop()

	require.NoError(t, bw.QueueMessage(message("100", day1.Start, 0)))
	assert.Error(t, bw.Flush(context.Background()))
	assert.Equal(t, int64(1), bw.GetMetrics().Errors)
}

func TestBatchWriter_StopFlushesRemaining(t *testing.T) {
	repo := &fakeMessageWriter{}
	bw := NewBatchWriter(repo, utils.NewNopLogger(), testBatchConfig())

	require.NoError(t, bw.QueueMessage(message("100", day1.Start, 0)))
	require.NoError(t, bw.QueueMessage(message("200", day1.Start, 1)))
	require.NoError(t, bw.Stop())
	require.NoError(t, bw.Stop())

	assert.Equal(t, 2, repo.total())
	assert.ErrorIs(t, bw.QueueMessage(message("100", day1.Start, 2)), ErrWriterStopped)
	assert.ErrorIs(t, bw.Flush(context.Background()), ErrWriterStopped)
}

func TestBatchWriter_QueueFull(t *testing.T) {
	cfg := testBatchConfig()
	cfg.ChannelBuffer = 0
	bw := NewBatchWriter(&fakeMessageWriter{}, utils.NewNopLogger(), cfg)
	defer bw.Stop()

	// без буфера канал принимает только если worker ждет; повторяем до отказа
	var err error
	for i := 0; i < 1000 && err == nil; i++ {
		err = bw.QueueMessage(message("100", day1.Start, int64(i)))
	}
	if err != nil {
		assert.ErrorIs(t, err, ErrQueueFull)
		assert.Positive(t, bw.GetMetrics().Dropped)
	}
}
