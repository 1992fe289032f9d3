package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flybeeper/segment-pipeline/internal/config"
	"github.com/flybeeper/segment-pipeline/internal/metrics"
	"github.com/flybeeper/segment-pipeline/internal/models"
	"github.com/flybeeper/segment-pipeline/pkg/utils"
)

const (
	// BoundaryLayout формат границы в ключах
	BoundaryLayout = "20060102T150405Z"

	// Redis GEO ограничения по широте
	maxGeoLatitude = 85.05112878

	// MaxNearbySeeds максимум результатов поиска по радиусу
	MaxNearbySeeds = 1000
)

// RedisSeedStore хранит seed в Redis:
//
//	{prefix}:seeds:{boundary}:{ssvid}   JSON seed
//	{prefix}:seeds:{boundary}:index     SET идентификаторов
//	{prefix}:seeds:{boundary}:geo       GEO индекс последних позиций
//	{prefix}:seeds:boundaries           ZSET границ по времени
type RedisSeedStore struct {
	client *redis.Client
	logger *utils.Logger
	prefix string
	ttl    time.Duration
}

// NewRedisSeedStore создает хранилище по конфигурации
func NewRedisSeedStore(cfg *config.RedisConfig, logger *utils.Logger) (*RedisSeedStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis config cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	if cfg.Password != "" {
		opt.Password = cfg.Password
	}
	opt.DB = cfg.DB
	opt.PoolSize = cfg.PoolSize
	opt.MinIdleConns = cfg.MinIdleConns
	opt.ConnMaxIdleTime = 30 * time.Minute
	opt.DialTimeout = 10 * time.Second
	opt.ReadTimeout = 3 * time.Second
	opt.WriteTimeout = 3 * time.Second

	return NewRedisSeedStoreWithClient(redis.NewClient(opt), cfg.KeyPrefix, cfg.SeedTTL, logger), nil
}

// NewRedisSeedStoreWithClient создает хранилище поверх готового клиента
func NewRedisSeedStoreWithClient(client *redis.Client, prefix string, ttl time.Duration, logger *utils.Logger) *RedisSeedStore {
	if prefix == "" {
		prefix = "segmenter"
	}
	return &RedisSeedStore{client: client, logger: logger, prefix: prefix, ttl: ttl}
}

// Ping проверяет соединение с Redis
func (r *RedisSeedStore) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		metrics.RedisConnectionStatus.Set(0)
		return fmt.Errorf("redis ping failed: %w", err)
	}
	metrics.RedisConnectionStatus.Set(1)
	return nil
}

// Close закрывает соединение с Redis
func (r *RedisSeedStore) Close() error {
	return r.client.Close()
}

// Client возвращает Redis клиент
func (r *RedisSeedStore) Client() *redis.Client {
	return r.client
}

func (r *RedisSeedStore) boundaryKey(boundary time.Time) string {
	return fmt.Sprintf("%s:seeds:%s", r.prefix, boundary.UTC().Format(BoundaryLayout))
}

func (r *RedisSeedStore) seedKey(boundary time.Time, identifier string) string {
	return r.boundaryKey(boundary) + ":" + identifier
}

func (r *RedisSeedStore) indexKey(boundary time.Time) string {
	return r.boundaryKey(boundary) + ":index"
}

func (r *RedisSeedStore) geoKey(boundary time.Time) string {
	return r.boundaryKey(boundary) + ":geo"
}

func (r *RedisSeedStore) boundariesKey() string {
	return r.prefix + ":seeds:boundaries"
}

// LoadSeed читает seed идентификатора
func (r *RedisSeedStore) LoadSeed(ctx context.Context, boundary time.Time, identifier string) (*models.SegmentSeed, error) {
	start := time.Now()
	defer func() {
		metrics.RedisOperationDuration.WithLabelValues("load_seed").Observe(time.Since(start).Seconds())
	}()

	data, err := r.client.Get(ctx, r.seedKey(boundary, identifier)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		metrics.RedisOperationErrors.WithLabelValues("load_seed").Inc()
		return nil, fmt.Errorf("failed to load seed for %s: %w", identifier, err)
	}

	var seed models.SegmentSeed
	if err := json.Unmarshal(data, &seed); err != nil {
		return nil, &SeedDecodeError{Identifier: identifier, Boundary: boundary, Err: err}
	}
	return &seed, nil
}

// SaveSeed сохраняет seed одной транзакцией: значение, индекс и GEO позицию
func (r *RedisSeedStore) SaveSeed(ctx context.Context, boundary time.Time, seed *models.SegmentSeed) error {
	if seed == nil {
		return fmt.Errorf("seed cannot be nil")
	}
	if err := seed.Validate(); err != nil {
		return fmt.Errorf("refusing to save invalid seed: %w", err)
	}

	data, err := json.Marshal(seed)
	if err != nil {
		return fmt.Errorf("failed to encode seed: %w", err)
	}

	start := time.Now()
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.seedKey(boundary, seed.Identifier), data, r.ttl)
		pipe.SAdd(ctx, r.indexKey(boundary), seed.Identifier)
		pipe.ZAdd(ctx, r.boundariesKey(), redis.Z{
			Score:  float64(boundary.Unix()),
			Member: boundary.UTC().Format(BoundaryLayout),
		})

		if pos := seed.LastPosition; pos != nil && geoIndexable(pos.GeoPoint) {
			pipe.GeoAdd(ctx, r.geoKey(boundary), &redis.GeoLocation{
				Name:      seed.Identifier,
				Longitude: pos.Longitude,
				Latitude:  pos.Latitude,
			})
			if r.ttl > 0 {
				pipe.Expire(ctx, r.geoKey(boundary), r.ttl)
			}
		} else {
			pipe.ZRem(ctx, r.geoKey(boundary), seed.Identifier)
		}
		if r.ttl > 0 {
			pipe.Expire(ctx, r.indexKey(boundary), r.ttl)
		}
		return nil
	})
	metrics.RedisOperationDuration.WithLabelValues("save_seed").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.RedisOperationErrors.WithLabelValues("save_seed").Inc()
		return fmt.Errorf("failed to save seed for %s: %w", seed.Identifier, err)
	}
	return nil
}

// DeleteSeed удаляет seed вместе с записями индексов
func (r *RedisSeedStore) DeleteSeed(ctx context.Context, boundary time.Time, identifier string) error {
	start := time.Now()
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.seedKey(boundary, identifier))
		pipe.SRem(ctx, r.indexKey(boundary), identifier)
		pipe.ZRem(ctx, r.geoKey(boundary), identifier)
		return nil
	})
	metrics.RedisOperationDuration.WithLabelValues("delete_seed").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.RedisOperationErrors.WithLabelValues("delete_seed").Inc()
		return fmt.Errorf("failed to delete seed for %s: %w", identifier, err)
	}
	return nil
}

// ListSeeds возвращает все seed границы, упорядоченные по идентификатору
func (r *RedisSeedStore) ListSeeds(ctx context.Context, boundary time.Time) ([]*models.SegmentSeed, error) {
	start := time.Now()
	defer func() {
		metrics.RedisOperationDuration.WithLabelValues("list_seeds").Observe(time.Since(start).Seconds())
	}()

	ids, err := r.SeedIdentifiers(ctx, boundary)
	if err != nil {
		metrics.RedisOperationErrors.WithLabelValues("list_seeds").Inc()
		return nil, err
	}
	return r.getSeeds(ctx, boundary, ids)
}

// SeedIdentifiers идентификаторы из индекса границы по возрастанию
func (r *RedisSeedStore) SeedIdentifiers(ctx context.Context, boundary time.Time) ([]string, error) {
	ids, err := r.client.SMembers(ctx, r.indexKey(boundary)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to list seeds: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// getSeeds читает seed батчем. Отсутствующие (истекшие) и нечитаемые
// пропускаются, нечитаемые считаются аномалиями.
func (r *RedisSeedStore) getSeeds(ctx context.Context, boundary time.Time, ids []string) ([]*models.SegmentSeed, error) {
	if len(ids) == 0 {
		return []*models.SegmentSeed{}, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, r.seedKey(boundary, id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to get seeds: %w", err)
	}

	seeds := make([]*models.SegmentSeed, 0, len(ids))
	for i, cmd := range cmds {
		data, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get seed %s: %w", ids[i], err)
		}
		var seed models.SegmentSeed
		if err := json.Unmarshal(data, &seed); err != nil {
			metrics.SeedAnomalies.Inc()
			r.logger.WithField("ssvid", ids[i]).
				WithError(&SeedDecodeError{Identifier: ids[i], Boundary: boundary, Err: err}).
				Warn("Skipping undecodable seed")
			continue
		}
		seeds = append(seeds, &seed)
	}
	return seeds, nil
}

// LatestBoundary последняя граница с сохраненными seed
func (r *RedisSeedStore) LatestBoundary(ctx context.Context) (time.Time, error) {
	res, err := r.client.ZRevRangeWithScores(ctx, r.boundariesKey(), 0, 0).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return time.Time{}, fmt.Errorf("failed to get latest boundary: %w", err)
	}
	if len(res) == 0 {
		return time.Time{}, ErrNotFound
	}
	return time.Unix(int64(res[0].Score), 0).UTC(), nil
}

// SeedsInRadius seed, последняя позиция которых в радиусе от центра
func (r *RedisSeedStore) SeedsInRadius(ctx context.Context, boundary time.Time, center models.GeoPoint, radiusKM float64) ([]*models.SegmentSeed, error) {
	start := time.Now()
	defer func() {
		metrics.RedisOperationDuration.WithLabelValues("seeds_radius").Observe(time.Since(start).Seconds())
	}()

	locations, err := r.client.GeoRadius(ctx, r.geoKey(boundary), center.Longitude, center.Latitude, &redis.GeoRadiusQuery{
		Radius: radiusKM,
		Unit:   "km",
		Count:  MaxNearbySeeds,
		Sort:   "ASC",
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		metrics.RedisOperationErrors.WithLabelValues("seeds_radius").Inc()
		return nil, fmt.Errorf("failed to search seeds in radius: %w", err)
	}

	ids := make([]string, len(locations))
	for i, loc := range locations {
		ids[i] = loc.Name
	}
	seeds, err := r.getSeeds(ctx, boundary, ids)
	if err != nil {
		return nil, err
	}

	r.logger.WithFields(map[string]interface{}{
		"center_lat": center.Latitude,
		"center_lon": center.Longitude,
		"radius_km":  radiusKM,
		"found":      len(seeds),
	}).Debug("Retrieved seeds in radius")

	return seeds, nil
}

// GetStats возвращает статистику Redis
func (r *RedisSeedStore) GetStats(ctx context.Context) (map[string]interface{}, error) {
	pipe := r.client.Pipeline()
	boundariesCmd := pipe.ZCard(ctx, r.boundariesKey())
	infoCmd := pipe.Info(ctx, "memory")
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to get Redis stats: %w", err)
	}

	stats := map[string]interface{}{
		"boundaries":  boundariesCmd.Val(),
		"memory_info": infoCmd.Val(),
	}
	if latest, err := r.LatestBoundary(ctx); err == nil {
		count, _ := r.client.SCard(ctx, r.indexKey(latest)).Result()
		stats["latest_boundary"] = latest.Format(time.RFC3339)
		stats["latest_seeds"] = count
	}
	return stats, nil
}

func geoIndexable(p models.GeoPoint) bool {
	return p.Validate() == nil && p.Latitude >= -maxGeoLatitude && p.Latitude <= maxGeoLatitude
}
