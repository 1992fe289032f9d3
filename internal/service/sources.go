package service

import (
	"bufio"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/flybeeper/segment-pipeline/internal/models"
	"github.com/flybeeper/segment-pipeline/internal/repository"
	"github.com/flybeeper/segment-pipeline/pkg/pool"
	"github.com/flybeeper/segment-pipeline/pkg/utils"
)

// Максимальная длина строки JSONL
const maxLineSize = 4 * 1024 * 1024

// MessageSource конечный набор сообщений окна запуска
type MessageSource interface {
	// Read возвращает сообщения окна. Нечитаемые записи попадают в
	// MessageBatch.Malformed, а не в ошибку.
	Read(ctx context.Context, window Window) (*models.MessageBatch, error)
	Name() string
}

// JSONLSource читает сообщения из файлов JSON Lines (по одному объекту на
// строку, поддерживаются .gz). Ordinal сквозной по всем файлам.
type JSONLSource struct {
	paths  []string
	logger *utils.Logger
}

// NewJSONLSource создает источник. paths может содержать несколько путей
// через запятую.
func NewJSONLSource(paths []string, logger *utils.Logger) (*JSONLSource, error) {
	var clean []string
	for _, p := range paths {
		for _, part := range strings.Split(p, ",") {
			if part = strings.TrimSpace(part); part != "" {
				clean = append(clean, part)
			}
		}
	}
	if len(clean) == 0 {
		return nil, fmt.Errorf("jsonl source: no input files")
	}
	return &JSONLSource{paths: clean, logger: logger}, nil
}

func (s *JSONLSource) Name() string {
	return "jsonl"
}

// Read читает все файлы по порядку
func (s *JSONLSource) Read(ctx context.Context, window Window) (*models.MessageBatch, error) {
	batch := &models.MessageBatch{}
	var ordinal int64
	skipped := 0

	for _, path := range s.paths {
		n, err := s.readFile(ctx, path, window, batch, &ordinal)
		if err != nil {
			return nil, err
		}
		skipped += n
	}

	s.logger.WithFields(map[string]interface{}{
		"files":          len(s.paths),
		"messages":       len(batch.Messages),
		"malformed":      len(batch.Malformed),
		"outside_window": skipped,
	}).Info("JSONL source read")

	return batch, nil
}

func (s *JSONLSource) readFile(ctx context.Context, path string, window Window, batch *models.MessageBatch, ordinal *int64) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return 0, fmt.Errorf("failed to open gzip %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}

	buf := pool.GetByteSlice()
	defer pool.PutByteSlice(buf)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(buf, maxLineSize)

	skipped := 0
	for scanner.Scan() {
		if *ordinal%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return skipped, err
			}
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		ord := *ordinal
		*ordinal++

		msg, err := models.DecodeMessage([]byte(line), ord)
		if err != nil {
			batch.Malformed = append(batch.Malformed, models.NewMalformedRecord(err, line))
			continue
		}
		// сообщения без времени не фильтруются, их отбракует валидация
		if !msg.Timestamp.IsZero() && !window.Contains(msg.Timestamp) {
			skipped++
			continue
		}
		batch.Messages = append(batch.Messages, msg)
	}
	if err := scanner.Err(); err != nil {
		return skipped, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return skipped, nil
}

// MySQLSource читает сообщения окна из таблицы messages
type MySQLSource struct {
	repo repository.SegmentRepository
}

func NewMySQLSource(repo repository.SegmentRepository) *MySQLSource {
	return &MySQLSource{repo: repo}
}

func (s *MySQLSource) Name() string {
	return "mysql"
}

func (s *MySQLSource) Read(ctx context.Context, window Window) (*models.MessageBatch, error) {
	msgs, err := s.repo.LoadMessages(ctx, window.Start, window.End)
	if err != nil {
		return nil, fmt.Errorf("mysql source: %w", err)
	}
	return &models.MessageBatch{Messages: msgs}, nil
}

// StaticSource источник поверх готового набора сообщений
type StaticSource struct {
	messages []models.Message
}

func NewStaticSource(messages []models.Message) *StaticSource {
	return &StaticSource{messages: messages}
}

func (s *StaticSource) Name() string {
	return "static"
}

func (s *StaticSource) Read(ctx context.Context, window Window) (*models.MessageBatch, error) {
	batch := &models.MessageBatch{}
	for _, m := range s.messages {
		if m.Timestamp.IsZero() || window.Contains(m.Timestamp) {
			batch.Messages = append(batch.Messages, m)
		}
	}
	return batch, nil
}

// MultiSource объединяет несколько источников. Ordinal переназначается
// сквозным, чтобы порядок поступления оставался однозначным.
type MultiSource struct {
	sources []MessageSource
}

func NewMultiSource(sources ...MessageSource) *MultiSource {
	return &MultiSource{sources: sources}
}

func (s *MultiSource) Name() string {
	names := make([]string, len(s.sources))
	for i, src := range s.sources {
		names[i] = src.Name()
	}
	return "multi(" + strings.Join(names, ",") + ")"
}

func (s *MultiSource) Read(ctx context.Context, window Window) (*models.MessageBatch, error) {
	out := &models.MessageBatch{}
	var offset int64

	for _, src := range s.sources {
		batch, err := src.Read(ctx, window)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", src.Name(), err)
		}

		var maxOrdinal int64 = -1
		for _, m := range batch.Messages {
			if m.Ordinal > maxOrdinal {
				maxOrdinal = m.Ordinal
			}
			m.Ordinal += offset
			out.Messages = append(out.Messages, m)
		}
		for _, rec := range batch.Malformed {
			if rec.Ordinal > maxOrdinal {
				maxOrdinal = rec.Ordinal
			}
			rec.Ordinal += offset
			out.Malformed = append(out.Malformed, rec)
		}
		offset += maxOrdinal + 1
	}
	return out, nil
}
