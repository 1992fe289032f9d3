package service

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/flybeeper/segment-pipeline/internal/models"
	"github.com/flybeeper/segment-pipeline/internal/repository"
	"github.com/flybeeper/segment-pipeline/internal/segmenter"
	"github.com/flybeeper/segment-pipeline/pkg/pool"
	"github.com/flybeeper/segment-pipeline/pkg/utils"
)

// Sink приемник результатов сегментации. Write вызывается один раз на
// идентификатор после завершения его прохода и может вызываться параллельно.
type Sink interface {
	Write(ctx context.Context, window Window, result *segmenter.Result) error
	WriteMalformed(ctx context.Context, runID string, records []models.MalformedRecord) error
	Close() error
}

// JSONLSink пишет три файла JSON Lines:
//
//	<prefix>-messages.jsonl   аннотированные сообщения
//	<prefix>-segments.jsonl   сводки сегментов
//	<prefix>-malformed.jsonl  отклоненные сообщения
//
// Файлы пересоздаются при открытии, поэтому повторный запуск окна
// перезаписывает результат. Записи одного идентификатора идут подряд.
type JSONLSink struct {
	mu        sync.Mutex
	messages  *os.File
	segments  *os.File
	malformed *os.File
	logger    *utils.Logger
}

// JSONLPaths пути файлов приемника для префикса
func JSONLPaths(prefix string) (messages, segments, malformed string) {
	return prefix + "-messages.jsonl", prefix + "-segments.jsonl", prefix + "-malformed.jsonl"
}

// NewJSONLSink создает файлы приемника
func NewJSONLSink(prefix string, logger *utils.Logger) (*JSONLSink, error) {
	if prefix == "" {
		return nil, fmt.Errorf("jsonl sink: empty output prefix")
	}
	mPath, sPath, bPath := JSONLPaths(prefix)

	sink := &JSONLSink{logger: logger}
	var err error
	if sink.messages, err = os.Create(mPath); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", mPath, err)
	}
	if sink.segments, err = os.Create(sPath); err != nil {
		sink.messages.Close()
		return nil, fmt.Errorf("failed to create %s: %w", sPath, err)
	}
	if sink.malformed, err = os.Create(bPath); err != nil {
		sink.messages.Close()
		sink.segments.Close()
		return nil, fmt.Errorf("failed to create %s: %w", bPath, err)
	}
	return sink, nil
}

// Write сериализует результат идентификатора и дописывает его одним блоком
func (s *JSONLSink) Write(ctx context.Context, window Window, result *segmenter.Result) error {
	msgBuf := pool.GetBuffer()
	defer pool.PutBuffer(msgBuf)
	segBuf := pool.GetBuffer()
	defer pool.PutBuffer(segBuf)

	for i := range result.Messages {
		line, err := models.EncodeAnnotated(&result.Messages[i])
		if err != nil {
			return fmt.Errorf("failed to encode message of %s: %w", result.Identifier, err)
		}
		msgBuf.Write(line)
		msgBuf.WriteByte('\n')
	}

	enc := json.NewEncoder(segBuf)
	for i := range result.Segments {
		if err := enc.Encode(newSegmentRecord(&result.Segments[i])); err != nil {
			return fmt.Errorf("failed to encode segment %s: %w", result.Segments[i].SegID, err)
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.messages.Write(msgBuf.Bytes()); err != nil {
		return fmt.Errorf("failed to write messages: %w", err)
	}
	if _, err := s.segments.Write(segBuf.Bytes()); err != nil {
		return fmt.Errorf("failed to write segments: %w", err)
	}
	return nil
}

// WriteMalformed дописывает отклоненные сообщения
func (s *JSONLSink) WriteMalformed(ctx context.Context, runID string, records []models.MalformedRecord) error {
	if len(records) == 0 {
		return nil
	}
	buf := pool.GetBuffer()
	defer pool.PutBuffer(buf)

	enc := json.NewEncoder(buf)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("failed to encode malformed record: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.malformed.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write malformed records: %w", err)
	}
	return nil
}

// Close закрывает файлы
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for _, f := range []*os.File{s.messages, s.segments, s.malformed} {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// segmentRecord запись сегмента в выходе
type segmentRecord struct {
	models.Segment
	LastGeohash string `json:"last_geohash,omitempty"`
}

func newSegmentRecord(seg *models.Segment) segmentRecord {
	return segmentRecord{Segment: *seg, LastGeohash: seg.LastGeohash()}
}

// MySQLSink пишет результаты в MySQL. Сообщения идентификатора в окне
// заменяются целиком, сводки сегментов обновляются по seg_id.
type MySQLSink struct {
	repo repository.SegmentRepository
}

func NewMySQLSink(repo repository.SegmentRepository) *MySQLSink {
	return &MySQLSink{repo: repo}
}

func (s *MySQLSink) Write(ctx context.Context, window Window, result *segmenter.Result) error {
	if err := s.repo.ReplaceSegmentedMessages(ctx, result.Identifier, window.Start, window.End, result.Messages); err != nil {
		return err
	}
	return s.repo.UpsertSegments(ctx, result.Segments)
}

func (s *MySQLSink) WriteMalformed(ctx context.Context, runID string, records []models.MalformedRecord) error {
	return s.repo.SaveMalformed(ctx, runID, records)
}

// Close соединение принадлежит репозиторию и закрывается им
func (s *MySQLSink) Close() error {
	return nil
}
