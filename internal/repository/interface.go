package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flybeeper/segment-pipeline/internal/models"
	"github.com/flybeeper/segment-pipeline/internal/segmenter"
)

// ErrNotFound запись не найдена
var ErrNotFound = errors.New("not found")

// SeedDecodeError сохраненный seed не читается. Для запуска это аномалия
// seed: идентификатор начинается заново, запуск продолжается.
type SeedDecodeError struct {
	Identifier string
	Boundary   time.Time
	Err        error
}

func (e *SeedDecodeError) Error() string {
	return fmt.Sprintf("failed to decode seed for %s at %s: %v",
		e.Identifier, e.Boundary.UTC().Format(time.RFC3339), e.Err)
}

func (e *SeedDecodeError) Unwrap() []error {
	return []error{segmenter.ErrSeedAnomaly, e.Err}
}

// SeedStore хранилище seed открытых сегментов между запусками. Seed
// адресуется границей запуска и идентификатором: seed, записанный в конце
// запуска N, читается запуском N+1, повторный запуск N+1 видит тот же seed.
type SeedStore interface {
	// LoadSeed возвращает nil, nil если seed нет
	LoadSeed(ctx context.Context, boundary time.Time, identifier string) (*models.SegmentSeed, error)
	// SaveSeed перезаписывает seed идентификатора на границе
	SaveSeed(ctx context.Context, boundary time.Time, seed *models.SegmentSeed) error
	// DeleteSeed удаляет seed, отсутствие seed не ошибка
	DeleteSeed(ctx context.Context, boundary time.Time, identifier string) error
	// ListSeeds все читаемые seed границы в порядке идентификаторов
	ListSeeds(ctx context.Context, boundary time.Time) ([]*models.SegmentSeed, error)
	// SeedIdentifiers идентификаторы всех seed границы, включая нечитаемые
	SeedIdentifiers(ctx context.Context, boundary time.Time) ([]string, error)
	// LatestBoundary последняя граница, на которой сохранялись seed
	LatestBoundary(ctx context.Context) (time.Time, error)
}

// SegmentRepository хранилище сообщений, результатов сегментации и журнала запусков
type SegmentRepository interface {
	Ping(ctx context.Context) error
	Close() error

	// Сырые сообщения
	LoadMessages(ctx context.Context, start, end time.Time) ([]models.Message, error)
	SaveMessagesBatch(ctx context.Context, msgs []models.Message) error

	// Результаты
	ReplaceSegmentedMessages(ctx context.Context, identifier string, start, end time.Time, msgs []models.AnnotatedMessage) error
	UpsertSegments(ctx context.Context, segments []models.Segment) error
	SaveMalformed(ctx context.Context, runID string, records []models.MalformedRecord) error
	SaveRun(ctx context.Context, report *models.RunReport) error

	// Запросы API
	GetSegments(ctx context.Context, identifier string, limit int) ([]models.Segment, error)
	GetSegment(ctx context.Context, segID string) (*models.Segment, error)
	GetStats(ctx context.Context) (map[string]interface{}, error)
}

// Ensure implementations
var _ SeedStore = (*RedisSeedStore)(nil)
var _ SeedStore = (*MemorySeedStore)(nil)
var _ SegmentRepository = (*MySQLRepository)(nil)
