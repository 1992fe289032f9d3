package service

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/flybeeper/segment-pipeline/internal/models"
)

// mockRepository мок repository.SegmentRepository
type mockRepository struct {
	mock.Mock
}

func (m *mockRepository) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockRepository) Close() error {
	return m.Called().Error(0)
}

func (m *mockRepository) LoadMessages(ctx context.Context, start, end time.Time) ([]models.Message, error) {
	args := m.Called(ctx, start, end)
	msgs, _ := args.Get(0).([]models.Message)
	return msgs, args.Error(1)
}

func (m *mockRepository) SaveMessagesBatch(ctx context.Context, msgs []models.Message) error {
	return m.Called(ctx, msgs).Error(0)
}

func (m *mockRepository) ReplaceSegmentedMessages(ctx context.Context, identifier string, start, end time.Time, msgs []models.AnnotatedMessage) error {
	return m.Called(ctx, identifier, start, end, msgs).Error(0)
}

func (m *mockRepository) UpsertSegments(ctx context.Context, segments []models.Segment) error {
	return m.Called(ctx, segments).Error(0)
}

func (m *mockRepository) SaveMalformed(ctx context.Context, runID string, records []models.MalformedRecord) error {
	return m.Called(ctx, runID, records).Error(0)
}

func (m *mockRepository) SaveRun(ctx context.Context, report *models.RunReport) error {
	return m.Called(ctx, report).Error(0)
}

func (m *mockRepository) GetSegments(ctx context.Context, identifier string, limit int) ([]models.Segment, error) {
	args := m.Called(ctx, identifier, limit)
	segs, _ := args.Get(0).([]models.Segment)
	return segs, args.Error(1)
}

func (m *mockRepository) GetSegment(ctx context.Context, segID string) (*models.Segment, error) {
	args := m.Called(ctx, segID)
	seg, _ := args.Get(0).(*models.Segment)
	return seg, args.Error(1)
}

func (m *mockRepository) GetStats(ctx context.Context) (map[string]interface{}, error) {
	args := m.Called(ctx)
	stats, _ := args.Get(0).(map[string]interface{})
	return stats, args.Error(1)
}
