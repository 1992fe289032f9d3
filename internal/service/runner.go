package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/flybeeper/segment-pipeline/internal/identity"
	"github.com/flybeeper/segment-pipeline/internal/metrics"
	"github.com/flybeeper/segment-pipeline/internal/models"
	"github.com/flybeeper/segment-pipeline/internal/repository"
	"github.com/flybeeper/segment-pipeline/internal/segmenter"
	"github.com/flybeeper/segment-pipeline/internal/stream"
	"github.com/flybeeper/segment-pipeline/pkg/utils"
)

// DefaultWorkers размер пула идентификаторов по умолчанию
const DefaultWorkers = 16

// RunRecorder журнал запусков
type RunRecorder interface {
	SaveRun(ctx context.Context, report *models.RunReport) error
}

// Runner собирает пакетный запуск: источник, нормализация, группировка по
// идентификатору, параллельная сегментация, приемник и хранилище seed.
type Runner struct {
	source    MessageSource
	sink      Sink
	seeds     repository.SeedStore
	segmenter *segmenter.Segmenter
	recorder  RunRecorder
	logger    *utils.Logger
	workers   int
	now       func() time.Time
}

// RunnerOption настройка Runner
type RunnerOption func(*Runner)

// WithWorkers задает число параллельно обрабатываемых идентификаторов
func WithWorkers(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.workers = n
		}
	}
}

// WithRunRecorder сохраняет итог каждого запуска
func WithRunRecorder(rec RunRecorder) RunnerOption {
	return func(r *Runner) {
		r.recorder = rec
	}
}

// NewRunner создает Runner
func NewRunner(source MessageSource, sink Sink, seeds repository.SeedStore, seg *segmenter.Segmenter, logger *utils.Logger, opts ...RunnerOption) *Runner {
	r := &Runner{
		source:    source,
		sink:      sink,
		seeds:     seeds,
		segmenter: seg,
		logger:    logger,
		workers:   DefaultWorkers,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// runState счетчики запуска, общие для воркеров
type runState struct {
	mu     sync.Mutex
	report *models.RunReport
}

func (s *runState) add(fn func(r *models.RunReport)) {
	s.mu.Lock()
	fn(s.report)
	s.mu.Unlock()
}

// Run обрабатывает окно. Seed читаются на границе window.Start и пишутся на
// window.End, поэтому повторный запуск того же окна дает тот же результат.
// Для идентификатора, не завершенного до отмены контекста, ничего не
// сохраняется.
func (r *Runner) Run(ctx context.Context, window Window) (*models.RunReport, error) {
	runID := uuid.NewString()
	ctx = context.WithValue(ctx, utils.RunIDKey, runID)
	logger := r.logger.WithContext(ctx)

	report := &models.RunReport{
		RunID:       runID,
		WindowStart: window.Start,
		WindowEnd:   window.End,
		StartedAt:   r.now().UTC(),
	}
	state := &runState{report: report}

	logger.WithFields(map[string]interface{}{
		"window":  window.String(),
		"source":  r.source.Name(),
		"workers": r.workers,
	}).Info("Segmentation run started")

	err := r.run(ctx, window, state, logger)

	report.FinishedAt = r.now().UTC()
	switch {
	case err == nil:
		report.Status = models.RunSucceeded
		metrics.LastRunTimestamp.Set(float64(report.FinishedAt.Unix()))
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		report.Status = models.RunCancelled
		report.Error = err.Error()
	default:
		report.Status = models.RunFailed
		report.Error = err.Error()
	}
	metrics.RunsTotal.WithLabelValues(string(report.Status)).Inc()
	metrics.RunDuration.Observe(report.Duration().Seconds())

	if r.recorder != nil {
		// журнал пишется и после отмены
		recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		if recErr := r.recorder.SaveRun(recCtx, report); recErr != nil {
			logger.WithError(recErr).Warn("Failed to record run")
		}
		cancel()
	}

	fields := map[string]interface{}{
		"status":          report.Status,
		"identifiers":     report.Identifiers,
		"messages":        report.Messages,
		"malformed":       report.Malformed,
		"segments":        report.Segments,
		"segments_opened": report.SegmentsOpened,
		"seeds_saved":     report.SeedsSaved,
		"seed_anomalies":  report.SeedAnomalies,
		"duration":        report.Duration().String(),
	}
	if err != nil {
		logger.WithFields(fields).WithError(err).Error("Segmentation run failed")
		return report, err
	}
	logger.WithFields(fields).Info("Segmentation run finished")
	return report, nil
}

func (r *Runner) run(ctx context.Context, window Window, state *runState, logger *utils.Logger) error {
	batch, err := r.source.Read(ctx, window)
	if err != nil {
		return fmt.Errorf("failed to read source: %w", err)
	}

	malformed := append([]models.MalformedRecord(nil), batch.Malformed...)
	metrics.MalformedMessages.WithLabelValues("decode").Add(float64(len(batch.Malformed)))

	valid := batch.Messages[:0:0]
	for _, m := range batch.Messages {
		if err := m.Validate(); err != nil {
			malformed = append(malformed, models.NewMalformedRecord(err, ""))
			metrics.MalformedMessages.WithLabelValues("validate").Inc()
			continue
		}
		valid = append(valid, m)
	}
	state.report.Malformed = len(malformed)

	if len(malformed) > 0 {
		logger.WithField("count", len(malformed)).Warn("Malformed messages excluded")
		if err := r.sink.WriteMalformed(ctx, state.report.RunID, malformed); err != nil {
			return fmt.Errorf("failed to write malformed messages: %w", err)
		}
	}

	identity.NormalizeAll(valid)
	streams := stream.Build(valid)

	// идентификаторы без сообщений в окне, но с открытым сегментом
	pending, err := r.seeds.SeedIdentifiers(ctx, window.Start)
	if err != nil {
		return fmt.Errorf("failed to list seeds: %w", err)
	}

	ids := streams.Identifiers()
	for _, id := range pending {
		if streams.Get(id) == nil {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	state.report.Identifiers = len(ids)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)

	for _, id := range ids {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			var msgs []models.Message
			if s := streams.Get(id); s != nil {
				msgs = s.Messages()
			}
			return r.processIdentifier(gctx, window, id, msgs, state, logger)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	// отмена между последним воркером и Wait
	return ctx.Err()
}

// processIdentifier один идентификатор: seed, проход, приемник, seed следующей границы
func (r *Runner) processIdentifier(ctx context.Context, window Window, id string, msgs []models.Message,
	state *runState, logger *utils.Logger) error {
	start := time.Now()
	defer func() {
		metrics.IdentifierDuration.Observe(time.Since(start).Seconds())
	}()

	// нечитаемый seed не останавливает запуск: идентификатор начинается заново
	seed, loadErr := r.seeds.LoadSeed(ctx, window.Start, id)
	switch {
	case errors.Is(loadErr, segmenter.ErrSeedAnomaly):
		metrics.SeedLoads.WithLabelValues("anomaly").Inc()
		logger.WithField("ssvid", id).WithError(loadErr).Warn("Seed anomaly, starting fresh")
		seed = nil
	case loadErr != nil:
		metrics.SeedLoads.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to load seed for %s: %w", id, loadErr)
	case seed != nil:
		metrics.SeedLoads.WithLabelValues("found").Inc()
	default:
		metrics.SeedLoads.WithLabelValues("absent").Inc()
	}

	result := r.segmenter.Segment(segmenter.Input{
		Identifier:  id,
		Messages:    msgs,
		Seed:        seed,
		WindowStart: window.Start,
		WindowEnd:   window.End,
	})
	if loadErr != nil {
		result.Anomalies = append([]error{loadErr}, result.Anomalies...)
		result.Stats.SeedAnomalies++
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	if err := r.sink.Write(ctx, window, result); err != nil {
		return fmt.Errorf("failed to write results for %s: %w", id, err)
	}

	if result.Seed != nil {
		if err := r.seeds.SaveSeed(ctx, window.End, result.Seed); err != nil {
			return fmt.Errorf("failed to save seed for %s: %w", id, err)
		}
		metrics.SeedsSaved.Inc()
	} else if err := r.seeds.DeleteSeed(ctx, window.End, id); err != nil {
		// seed от прежнего запуска окна больше не действителен
		return fmt.Errorf("failed to clear seed for %s: %w", id, err)
	}

	recordResultMetrics(result)
	state.add(func(rep *models.RunReport) {
		rep.Messages += len(result.Messages)
		rep.Segments += len(result.Segments)
		rep.SegmentsOpened += result.Stats.SegmentsOpened
		rep.SegmentsClosed += result.Stats.SegmentsClosed
		rep.SeedAnomalies += result.Stats.SeedAnomalies
		rep.OutOfOrder += result.Stats.OutOfOrder
		rep.Flagged += result.Stats.IdentityFlagged
		if seed != nil {
			rep.SeedsLoaded++
		}
		if result.Seed != nil {
			rep.SeedsSaved++
			if len(msgs) == 0 {
				rep.SeedsCarried++
			}
		}
	})
	return nil
}

func recordResultMetrics(result *segmenter.Result) {
	metrics.MessagesProcessed.Add(float64(len(result.Messages)))
	metrics.SegmentsOpened.Add(float64(result.Stats.SegmentsOpened))
	metrics.SegmentsClosed.Add(float64(result.Stats.SegmentsClosed))
	metrics.SeedAnomalies.Add(float64(result.Stats.SeedAnomalies))
	for predicate, n := range result.Stats.Splits {
		metrics.SegmentSplits.WithLabelValues(string(predicate)).Add(float64(n))
	}
	if result.Stats.IdentityFlagged > 0 {
		metrics.MessageFlags.WithLabelValues(string(models.FlagIdentityConflict)).Add(float64(result.Stats.IdentityFlagged))
	}
	if result.Stats.OutOfOrder > 0 {
		metrics.MessageFlags.WithLabelValues(string(models.FlagOutOfOrder)).Add(float64(result.Stats.OutOfOrder))
	}
}
