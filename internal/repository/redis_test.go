package repository

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/flybeeper/segment-pipeline/internal/config"
	"github.com/flybeeper/segment-pipeline/internal/models"
	"github.com/flybeeper/segment-pipeline/internal/segmenter"
	"github.com/flybeeper/segment-pipeline/pkg/utils"
)

// RedisSeedStoreTestSuite тестовый набор для Redis хранилища seed
type RedisSeedStoreTestSuite struct {
	suite.Suite
	store  *RedisSeedStore
	client *redis.Client
	ctx    context.Context
}

// SetupSuite запускается один раз перед всеми тестами
func (s *RedisSeedStoreTestSuite) SetupSuite() {
	s.ctx = context.Background()

	cfg := &config.RedisConfig{
		URL:          "redis://localhost:6379",
		DB:           15, // Используем DB 15 для тестов
		PoolSize:     10,
		MinIdleConns: 1,
		KeyPrefix:    "segmenter-test",
		SeedTTL:      time.Hour,
	}

	var err error
	s.store, err = NewRedisSeedStore(cfg, utils.NewLogger("info", "text"))
	require.NoError(s.T(), err)
	s.client = s.store.Client()

	if err := s.store.Ping(s.ctx); err != nil {
		s.T().Skip("Redis not available for testing: " + err.Error())
	}
}

// SetupTest очищает тестовую базу перед каждым тестом
func (s *RedisSeedStoreTestSuite) SetupTest() {
	require.NoError(s.T(), s.client.FlushDB(s.ctx).Err())
}

// TearDownSuite очищает тестовую базу и закрывает соединение
func (s *RedisSeedStoreTestSuite) TearDownSuite() {
	if s.client != nil {
		s.client.FlushDB(s.ctx)
		s.client.Close()
	}
}

func testSeed(id string, last time.Time) *models.SegmentSeed {
	return &models.SegmentSeed{
		Version:        models.SeedVersion,
		SegID:          id + "-" + last.Format(time.RFC3339),
		Identifier:     id,
		FirstTimestamp: last.Add(-time.Hour),
		LastTimestamp:  last,
		MessageCount:   10,
		LastPosition: &models.PositionFix{
			GeoPoint:  models.GeoPoint{Latitude: 46.0, Longitude: 8.0},
			Timestamp: last,
		},
	}
}

func (s *RedisSeedStoreTestSuite) TestSaveAndLoad() {
	boundary := time.Date(2017, 1, 2, 0, 0, 0, 0, time.UTC)
	seed := testSeed("100", boundary.Add(-time.Minute))

	require.NoError(s.T(), s.store.SaveSeed(s.ctx, boundary, seed))

	loaded, err := s.store.LoadSeed(s.ctx, boundary, "100")
	require.NoError(s.T(), err)
	require.NotNil(s.T(), loaded)
	assert.Equal(s.T(), seed.SegID, loaded.SegID)
	assert.True(s.T(), seed.LastTimestamp.Equal(loaded.LastTimestamp))
	assert.Equal(s.T(), int64(10), loaded.MessageCount)

	// другая граница не видит seed
	other, err := s.store.LoadSeed(s.ctx, boundary.Add(24*time.Hour), "100")
	require.NoError(s.T(), err)
	assert.Nil(s.T(), other)

	ttl, err := s.client.TTL(s.ctx, s.store.seedKey(boundary, "100")).Result()
	require.NoError(s.T(), err)
	assert.Greater(s.T(), ttl, time.Duration(0))
}

func (s *RedisSeedStoreTestSuite) TestSaveOverwrites() {
	boundary := time.Date(2017, 1, 2, 0, 0, 0, 0, time.UTC)
	require.NoError(s.T(), s.store.SaveSeed(s.ctx, boundary, testSeed("100", boundary.Add(-time.Hour))))

	newer := testSeed("100", boundary.Add(-time.Minute))
	require.NoError(s.T(), s.store.SaveSeed(s.ctx, boundary, newer))

	seeds, err := s.store.ListSeeds(s.ctx, boundary)
	require.NoError(s.T(), err)
	require.Len(s.T(), seeds, 1)
	assert.Equal(s.T(), newer.SegID, seeds[0].SegID)
}

func (s *RedisSeedStoreTestSuite) TestDeleteSeed() {
	boundary := time.Date(2017, 1, 2, 0, 0, 0, 0, time.UTC)
	require.NoError(s.T(), s.store.SaveSeed(s.ctx, boundary, testSeed("100", boundary.Add(-time.Hour))))
	require.NoError(s.T(), s.store.DeleteSeed(s.ctx, boundary, "100"))
	// повторное удаление не ошибка
	require.NoError(s.T(), s.store.DeleteSeed(s.ctx, boundary, "100"))

	loaded, err := s.store.LoadSeed(s.ctx, boundary, "100")
	require.NoError(s.T(), err)
	assert.Nil(s.T(), loaded)

	seeds, err := s.store.ListSeeds(s.ctx, boundary)
	require.NoError(s.T(), err)
	assert.Empty(s.T(), seeds)
}

func (s *RedisSeedStoreTestSuite) TestListSeedsSorted() {
	boundary := time.Date(2017, 1, 2, 0, 0, 0, 0, time.UTC)
	for _, id := range []string{"300", "100", "200"} {
		require.NoError(s.T(), s.store.SaveSeed(s.ctx, boundary, testSeed(id, boundary.Add(-time.Minute))))
	}

	seeds, err := s.store.ListSeeds(s.ctx, boundary)
	require.NoError(s.T(), err)
	require.Len(s.T(), seeds, 3)
	assert.Equal(s.T(), "100", seeds[0].Identifier)
	assert.Equal(s.T(), "300", seeds[2].Identifier)

	latest, err := s.store.LatestBoundary(s.ctx)
	require.NoError(s.T(), err)
	assert.True(s.T(), boundary.Equal(latest))
}

func (s *RedisSeedStoreTestSuite) TestSeedsInRadius() {
	boundary := time.Date(2017, 1, 2, 0, 0, 0, 0, time.UTC)
	near := testSeed("100", boundary.Add(-time.Minute))
	far := testSeed("200", boundary.Add(-time.Minute))
	far.LastPosition.GeoPoint = models.GeoPoint{Latitude: -30, Longitude: 150}

	require.NoError(s.T(), s.store.SaveSeed(s.ctx, boundary, near))
	require.NoError(s.T(), s.store.SaveSeed(s.ctx, boundary, far))

	seeds, err := s.store.SeedsInRadius(s.ctx, boundary, models.GeoPoint{Latitude: 46.01, Longitude: 8.01}, 10)
	require.NoError(s.T(), err)
	require.Len(s.T(), seeds, 1)
	assert.Equal(s.T(), "100", seeds[0].Identifier)
}

func (s *RedisSeedStoreTestSuite) TestOverwriteWithoutPositionDropsGeoEntry() {
	boundary := time.Date(2017, 1, 2, 0, 0, 0, 0, time.UTC)
	center := models.GeoPoint{Latitude: 46.01, Longitude: 8.01}
	require.NoError(s.T(), s.store.SaveSeed(s.ctx, boundary, testSeed("100", boundary.Add(-time.Hour))))

	seeds, err := s.store.SeedsInRadius(s.ctx, boundary, center, 10)
	require.NoError(s.T(), err)
	require.Len(s.T(), seeds, 1)

	noFix := testSeed("100", boundary.Add(-time.Minute))
	noFix.LastPosition = nil
	require.NoError(s.T(), s.store.SaveSeed(s.ctx, boundary, noFix))

	seeds, err = s.store.SeedsInRadius(s.ctx, boundary, center, 10)
	require.NoError(s.T(), err)
	assert.Empty(s.T(), seeds)

	loaded, err := s.store.LoadSeed(s.ctx, boundary, "100")
	require.NoError(s.T(), err)
	require.NotNil(s.T(), loaded)
	assert.Nil(s.T(), loaded.LastPosition)
}

func (s *RedisSeedStoreTestSuite) TestUndecodableSeed() {
	boundary := time.Date(2017, 1, 2, 0, 0, 0, 0, time.UTC)
	require.NoError(s.T(), s.store.SaveSeed(s.ctx, boundary, testSeed("100", boundary.Add(-time.Minute))))
	require.NoError(s.T(), s.client.Set(s.ctx, s.store.seedKey(boundary, "200"), "{not json", time.Hour).Err())
	require.NoError(s.T(), s.client.SAdd(s.ctx, s.store.indexKey(boundary), "200").Err())

	_, err := s.store.LoadSeed(s.ctx, boundary, "200")
	require.Error(s.T(), err)
	assert.ErrorIs(s.T(), err, segmenter.ErrSeedAnomaly)
	var decodeErr *SeedDecodeError
	require.ErrorAs(s.T(), err, &decodeErr)
	assert.Equal(s.T(), "200", decodeErr.Identifier)

	seeds, err := s.store.ListSeeds(s.ctx, boundary)
	require.NoError(s.T(), err)
	require.Len(s.T(), seeds, 1)
	assert.Equal(s.T(), "100", seeds[0].Identifier)

	ids, err := s.store.SeedIdentifiers(s.ctx, boundary)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), []string{"100", "200"}, ids)
}

func (s *RedisSeedStoreTestSuite) TestRejectsInvalidSeed() {
	err := s.store.SaveSeed(s.ctx, time.Now(), &models.SegmentSeed{Version: 99})
	assert.Error(s.T(), err)
	assert.Error(s.T(), s.store.SaveSeed(s.ctx, time.Now(), nil))
}

func (s *RedisSeedStoreTestSuite) TestLatestBoundaryEmpty() {
	_, err := s.store.LatestBoundary(s.ctx)
	assert.ErrorIs(s.T(), err, ErrNotFound)
}

func TestRedisSeedStoreSuite(t *testing.T) {
	suite.Run(t, new(RedisSeedStoreTestSuite))
}

func TestNewRedisSeedStore_Validation(t *testing.T) {
	_, err := NewRedisSeedStore(nil, utils.NewNopLogger())
	assert.Error(t, err)

	_, err = NewRedisSeedStore(&config.RedisConfig{URL: "redis://localhost:6379"}, nil)
	assert.Error(t, err)

	_, err = NewRedisSeedStore(&config.RedisConfig{URL: "://bad"}, utils.NewNopLogger())
	assert.Error(t, err)
}

func TestRedisSeedStore_Keys(t *testing.T) {
	store := NewRedisSeedStoreWithClient(nil, "", time.Hour, utils.NewNopLogger())
	boundary := time.Date(2017, 1, 2, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, "segmenter:seeds:20170102T000000Z:100", store.seedKey(boundary, "100"))
	assert.Equal(t, "segmenter:seeds:20170102T000000Z:index", store.indexKey(boundary))
	assert.Equal(t, "segmenter:seeds:20170102T000000Z:geo", store.geoKey(boundary))
	assert.Equal(t, "segmenter:seeds:boundaries", store.boundariesKey())
}

func TestGeoIndexable(t *testing.T) {
	assert.True(t, geoIndexable(models.GeoPoint{Latitude: 46, Longitude: 8}))
	assert.False(t, geoIndexable(models.GeoPoint{Latitude: 89, Longitude: 8}))
	assert.False(t, geoIndexable(models.GeoPoint{Latitude: 10, Longitude: 200}))
}
