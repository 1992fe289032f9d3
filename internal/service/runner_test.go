package service

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flybeeper/segment-pipeline/internal/models"
	"github.com/flybeeper/segment-pipeline/internal/repository"
	"github.com/flybeeper/segment-pipeline/internal/segmenter"
	"github.com/flybeeper/segment-pipeline/pkg/utils"
)

// memorySink собирает результаты в памяти
type memorySink struct {
	mu        sync.Mutex
	results   map[string]*segmenter.Result
	malformed []models.MalformedRecord
}

func newMemorySink() *memorySink {
	return &memorySink{results: make(map[string]*segmenter.Result)}
}

func (s *memorySink) Write(ctx context.Context, window Window, result *segmenter.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[result.Identifier] = result
	return nil
}

func (s *memorySink) WriteMalformed(ctx context.Context, runID string, records []models.MalformedRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.malformed = append(s.malformed, records...)
	return nil
}

func (s *memorySink) Close() error { return nil }

func (s *memorySink) segIDs(identifier string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[identifier]
	if !ok {
		return nil
	}
	ids := make([]string, len(r.Messages))
	for i, m := range r.Messages {
		ids[i] = m.SegID
	}
	return ids
}

// recorder запоминает итог запуска
type recorder struct {
	reports []*models.RunReport
}

func (r *recorder) SaveRun(ctx context.Context, report *models.RunReport) error {
	r.reports = append(r.reports, report)
	return nil
}

func runnerParams() segmenter.Params {
	return segmenter.Params{
		MaxTimeGap:                  segmenter.Duration{Duration: 2 * time.Hour},
		MaxImpliedSpeed:             30,
		IdentitySimilarityThreshold: 0.8,
	}
}

func newTestRunner(t *testing.T, msgs []models.Message, sink Sink, seeds repository.SeedStore, opts ...RunnerOption) *Runner {
	t.Helper()
	seg, err := segmenter.New(runnerParams())
	require.NoError(t, err)
	return NewRunner(NewStaticSource(msgs), sink, seeds, seg, utils.NewNopLogger(), opts...)
}

func message(id string, ts time.Time, ordinal int64) models.Message {
	return models.Message{Identifier: id, Timestamp: ts, Ordinal: ordinal}
}

var day2 = day1.Next()

func TestRunner_ContinuityAcrossRuns(t *testing.T) {
	ctx := context.Background()
	seeds := repository.NewMemorySeedStore()

	msgs := []models.Message{
		message("100", day1.Start.Add(23*time.Hour), 0),
		message("100", day1.Start.Add(23*time.Hour+30*time.Minute), 1),
		message("100", day2.Start.Add(10*time.Minute), 2),
		message("100", day2.Start.Add(20*time.Minute), 3),
	}

	sink1 := newMemorySink()
	report, err := newTestRunner(t, msgs, sink1, seeds).Run(ctx, day1)
	require.NoError(t, err)
	assert.Equal(t, models.RunSucceeded, report.Status)
	assert.Equal(t, 2, report.Messages)
	assert.Equal(t, 1, report.SeedsSaved)
	assert.NotEmpty(t, report.RunID)

	segID := "100-2017-01-01T23:00:00.000000Z"
	assert.Equal(t, []string{segID, segID}, sink1.segIDs("100"))

	seed, err := seeds.LoadSeed(ctx, day1.End, "100")
	require.NoError(t, err)
	require.NotNil(t, seed)
	assert.Equal(t, segID, seed.SegID)

	// следующий день продолжает тот же сегмент
	sink2 := newMemorySink()
	report, err = newTestRunner(t, msgs, sink2, seeds).Run(ctx, day2)
	require.NoError(t, err)
	assert.Equal(t, 1, report.SeedsLoaded)
	assert.Equal(t, 0, report.SegmentsOpened)
	assert.Equal(t, []string{segID, segID}, sink2.segIDs("100"))
	require.Len(t, sink2.results["100"].Segments, 1)
	assert.Equal(t, int64(4), sink2.results["100"].Segments[0].MessageCount)
}

func TestRunner_IdempotentRerun(t *testing.T) {
	ctx := context.Background()
	seeds := repository.NewMemorySeedStore()

	msgs := []models.Message{
		message("100", day1.Start.Add(22*time.Hour), 0),
		message("200", day1.Start.Add(23*time.Hour), 1),
		message("100", day2.Start.Add(time.Hour), 2),
		message("100", day2.Start.Add(6*time.Hour), 3),
		message("200", day2.Start.Add(30*time.Minute), 4),
	}

	_, err := newTestRunner(t, msgs, newMemorySink(), seeds).Run(ctx, day1)
	require.NoError(t, err)

	first := newMemorySink()
	_, err = newTestRunner(t, msgs, first, seeds, WithWorkers(4)).Run(ctx, day2)
	require.NoError(t, err)
	firstSeeds, err := seeds.ListSeeds(ctx, day2.End)
	require.NoError(t, err)

	second := newMemorySink()
	_, err = newTestRunner(t, msgs, second, seeds, WithWorkers(1)).Run(ctx, day2)
	require.NoError(t, err)
	secondSeeds, err := seeds.ListSeeds(ctx, day2.End)
	require.NoError(t, err)

	for _, id := range []string{"100", "200"} {
		assert.Equal(t, first.segIDs(id), second.segIDs(id), id)
		assert.Equal(t, first.results[id].Segments, second.results[id].Segments, id)
	}
	assert.Equal(t, firstSeeds, secondSeeds)
}

func TestRunner_CarriedSeeds(t *testing.T) {
	ctx := context.Background()
	seeds := repository.NewMemorySeedStore()

	open := func(id string, last time.Time) *models.SegmentSeed {
		return &models.SegmentSeed{
			Version:        models.SeedVersion,
			SegID:          id + "-" + last.Format(segmenter.SegIDTimeLayout),
			Identifier:     id,
			FirstTimestamp: last,
			LastTimestamp:  last,
			MessageCount:   1,
		}
	}
	require.NoError(t, seeds.SaveSeed(ctx, day2.Start, open("300", day1.Start.Add(23*time.Hour+59*time.Minute))))
	// seed прежнего запуска этого окна, новый результат его не подтверждает
	require.NoError(t, seeds.SaveSeed(ctx, day2.End, open("300", day2.Start.Add(time.Hour))))

	sink := newMemorySink()
	report, err := newTestRunner(t, nil, sink, seeds).Run(ctx, day2)
	require.NoError(t, err)

	// сообщений нет весь день, разрыв превышен: сегмент закрыт
	assert.Equal(t, 1, report.Identifiers)
	assert.Equal(t, 0, report.SeedsSaved)
	require.Contains(t, sink.results, "300")
	require.Len(t, sink.results["300"].Segments, 1)
	assert.Equal(t, models.SegmentClosed, sink.results["300"].Segments[0].State)

	seed, err := seeds.LoadSeed(ctx, day2.End, "300")
	require.NoError(t, err)
	assert.Nil(t, seed)
}

func TestRunner_CarriedSeedWithinGap(t *testing.T) {
	ctx := context.Background()
	seeds := repository.NewMemorySeedStore()
	last := day1.Start.Add(23 * time.Hour)
	require.NoError(t, seeds.SaveSeed(ctx, day1.End, &models.SegmentSeed{
		Version:        models.SeedVersion,
		SegID:          "400-2017-01-01T23:00:00.000000Z",
		Identifier:     "400",
		FirstTimestamp: last,
		LastTimestamp:  last,
		MessageCount:   1,
	}))

	seg, err := segmenter.New(segmenter.Params{
		MaxTimeGap:                  segmenter.Duration{Duration: 72 * time.Hour},
		MaxImpliedSpeed:             30,
		IdentitySimilarityThreshold: 0.8,
	})
	require.NoError(t, err)

	report, err := NewRunner(NewStaticSource(nil), newMemorySink(), seeds, seg, utils.NewNopLogger()).Run(ctx, day2)
	require.NoError(t, err)
	assert.Equal(t, 1, report.SeedsCarried)

	seed, err := seeds.LoadSeed(ctx, day2.End, "400")
	require.NoError(t, err)
	require.NotNil(t, seed)
	assert.Equal(t, "400-2017-01-01T23:00:00.000000Z", seed.SegID)
}

func TestRunner_MalformedMessages(t *testing.T) {
	msgs := []models.Message{
		message("100", day1.Start.Add(time.Hour), 0),
		message("", day1.Start.Add(time.Hour), 1),
		{Identifier: "200", Ordinal: 2},
	}

	sink := newMemorySink()
	rec := &recorder{}
	report, err := newTestRunner(t, msgs, sink, repository.NewMemorySeedStore(), WithRunRecorder(rec)).Run(context.Background(), day1)
	require.NoError(t, err)

	assert.Equal(t, 2, report.Malformed)
	assert.Equal(t, 1, report.Messages)
	require.Len(t, sink.malformed, 2)
	assert.Equal(t, int64(1), sink.malformed[0].Ordinal)
	assert.Equal(t, "missing ssvid", sink.malformed[0].Reason)
	assert.Equal(t, "missing timestamp", sink.malformed[1].Reason)
	assert.NotContains(t, sink.results, "200")

	require.Len(t, rec.reports, 1)
	assert.Equal(t, models.RunSucceeded, rec.reports[0].Status)
}

// cancellingStore отменяет контекст при загрузке seed заданного идентификатора
type cancellingStore struct {
	*repository.MemorySeedStore
	trigger string
	cancel  context.CancelFunc
}

func (s *cancellingStore) LoadSeed(ctx context.Context, boundary time.Time, identifier string) (*models.SegmentSeed, error) {
	if identifier == s.trigger {
		s.cancel()
		return nil, nil
	}
	return s.MemorySeedStore.LoadSeed(ctx, boundary, identifier)
}

func TestRunner_CancellationPersistsNothingForUnfinishedIdentifier(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := &cancellingStore{MemorySeedStore: repository.NewMemorySeedStore(), trigger: "300", cancel: cancel}
	msgs := []models.Message{
		message("100", day1.Start.Add(time.Hour), 0),
		message("200", day1.Start.Add(time.Hour), 1),
		message("300", day1.Start.Add(time.Hour), 2),
		message("400", day1.Start.Add(time.Hour), 3),
	}

	sink := newMemorySink()
	rec := &recorder{}
	report, err := newTestRunner(t, msgs, sink, store, WithWorkers(1), WithRunRecorder(rec)).Run(ctx, day1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, models.RunCancelled, report.Status)
	require.Len(t, rec.reports, 1)

	assert.Contains(t, sink.results, "100")
	assert.Contains(t, sink.results, "200")
	assert.NotContains(t, sink.results, "300")
	assert.NotContains(t, sink.results, "400")

	assert.Equal(t, 2, store.Len(day1.End))
	seed, err := store.MemorySeedStore.LoadSeed(context.Background(), day1.End, "300")
	require.NoError(t, err)
	assert.Nil(t, seed)
}

func TestRunner_UndecodableSeedStartsFresh(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemorySeedStore()
	store.PutRaw(day1.Start, "100", []byte("{not json"))
	// seed без сообщений в окне
	store.PutRaw(day1.Start, "300", []byte("{not json"))

	msgs := []models.Message{
		message("100", day1.Start.Add(time.Hour), 0),
		message("200", day1.Start.Add(time.Hour), 1),
	}

	sink := newMemorySink()
	report, err := newTestRunner(t, msgs, sink, store).Run(ctx, day1)
	require.NoError(t, err)
	assert.Equal(t, models.RunSucceeded, report.Status)
	assert.Equal(t, 3, report.Identifiers)
	assert.Equal(t, 2, report.SeedAnomalies)
	assert.Equal(t, 0, report.SeedsLoaded)
	assert.Equal(t, 2, report.SeedsSaved)

	assert.Equal(t, []string{"100-2017-01-01T01:00:00.000000Z"}, sink.segIDs("100"))
	require.Len(t, sink.results["100"].Anomalies, 1)
	assert.ErrorIs(t, sink.results["100"].Anomalies[0], segmenter.ErrSeedAnomaly)
	assert.Equal(t, []string{"200-2017-01-01T01:00:00.000000Z"}, sink.segIDs("200"))

	require.Contains(t, sink.results, "300")
	assert.Empty(t, sink.results["300"].Segments)
	assert.Equal(t, 1, sink.results["300"].Stats.SeedAnomalies)

	ids, err := store.SeedIdentifiers(ctx, day1.End)
	require.NoError(t, err)
	assert.Equal(t, []string{"100", "200"}, ids)
}

func TestRunner_CancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	store := repository.NewMemorySeedStore()
	report, err := newTestRunner(t, []models.Message{message("100", day1.Start, 0)}, newMemorySink(), store).Run(ctx, day1)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, models.RunCancelled, report.Status)
	assert.Equal(t, 0, store.Len(day1.End))
}

func readJSONL(t *testing.T, path string) []map[string]interface{} {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []map[string]interface{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec map[string]interface{}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		out = append(out, rec)
	}
	require.NoError(t, scanner.Err())
	return out
}

func TestRunner_JSONLEndToEnd(t *testing.T) {
	input := writeLines(t, "input.jsonl",
		`{"ssvid": 100, "timestamp": "2017-01-01T00:00:00Z", "lat": 0, "lon": 0, "shipname": " sea  star ", "imo": "9074729"}`,
		`{"ssvid": 100, "timestamp": "2017-01-01T01:00:00Z", "lat": 0, "lon": 0.1, "shipname": "SEA STAR"}`,
		// разрыв больше двух часов: новый сегмент
		`{"ssvid": 100, "timestamp": "2017-01-01T05:00:00Z", "lat": 0, "lon": 0.2}`,
		`{"ssvid": 200, "timestamp": "2017-01-01T02:00:00Z", "destination": "ROTTERDAM"}`,
		`{"timestamp": "2017-01-01T02:00:00Z"}`,
		`{broken`,
	)
	prefix := t.TempDir() + "/out"

	src, err := NewJSONLSource([]string{input}, utils.NewNopLogger())
	require.NoError(t, err)
	sink, err := NewJSONLSink(prefix, utils.NewNopLogger())
	require.NoError(t, err)
	seg, err := segmenter.New(runnerParams())
	require.NoError(t, err)

	report, err := NewRunner(src, sink, repository.NewMemorySeedStore(), seg, utils.NewNopLogger()).Run(context.Background(), day1)
	require.NoError(t, err)
	require.NoError(t, sink.Close())
	assert.Equal(t, 4, report.Messages)
	assert.Equal(t, 2, report.Malformed)

	mPath, sPath, bPath := JSONLPaths(prefix)

	messages := readJSONL(t, mPath)
	require.Len(t, messages, 4)
	byID := map[string][]map[string]interface{}{}
	for _, m := range messages {
		id := m["ssvid"].(string)
		byID[id] = append(byID[id], m)
	}
	require.Len(t, byID["100"], 3)
	assert.Equal(t, "100-2017-01-01T00:00:00.000000Z", byID["100"][0]["seg_id"])
	assert.Equal(t, "100-2017-01-01T00:00:00.000000Z", byID["100"][1]["seg_id"])
	assert.Equal(t, "100-2017-01-01T05:00:00.000000Z", byID["100"][2]["seg_id"])
	assert.Equal(t, "SEA STAR", byID["100"][0]["n_shipname"])
	assert.Equal(t, float64(9074729), byID["100"][0]["n_imo"])
	assert.Nil(t, byID["100"][2]["n_shipname"])
	assert.Equal(t, "ROTTERDAM", byID["200"][0]["destination"])

	segments := readJSONL(t, sPath)
	require.Len(t, segments, 3)
	states := map[string]string{}
	for _, s := range segments {
		states[s["seg_id"].(string)] = s["state"].(string)
	}
	assert.Equal(t, "CLOSED", states["100-2017-01-01T00:00:00.000000Z"])
	assert.Equal(t, "OPEN", states["100-2017-01-01T05:00:00.000000Z"])

	malformed := readJSONL(t, bPath)
	require.Len(t, malformed, 2)
	reasons := []string{malformed[0]["reason"].(string), malformed[1]["reason"].(string)}
	sort.Strings(reasons)
	assert.Equal(t, "missing ssvid", reasons[1])
}
