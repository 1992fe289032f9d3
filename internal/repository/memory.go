package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/flybeeper/segment-pipeline/internal/models"
)

// MemorySeedStore хранит seed в памяти процесса. Значения хранятся в JSON,
// поэтому вызывающий код не может изменить сохраненный seed.
type MemorySeedStore struct {
	mu    sync.RWMutex
	seeds map[int64]map[string][]byte
}

// NewMemorySeedStore создает пустое хранилище
func NewMemorySeedStore() *MemorySeedStore {
	return &MemorySeedStore{seeds: make(map[int64]map[string][]byte)}
}

func (m *MemorySeedStore) LoadSeed(ctx context.Context, boundary time.Time, identifier string) (*models.SegmentSeed, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	data, ok := m.seeds[boundary.Unix()][identifier]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	var seed models.SegmentSeed
	if err := json.Unmarshal(data, &seed); err != nil {
		return nil, &SeedDecodeError{Identifier: identifier, Boundary: boundary, Err: err}
	}
	return &seed, nil
}

func (m *MemorySeedStore) SaveSeed(ctx context.Context, boundary time.Time, seed *models.SegmentSeed) error {
	if err := ctx.Err(); err != nil {
		return err
	}
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

	m.mu.Lock()
	defer m.mu.Unlock()
	byID, ok := m.seeds[boundary.Unix()]
	if !ok {
		byID = make(map[string][]byte)
		m.seeds[boundary.Unix()] = byID
	}
	byID[seed.Identifier] = data
	return nil
}

func (m *MemorySeedStore) DeleteSeed(ctx context.Context, boundary time.Time, identifier string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if byID, ok := m.seeds[boundary.Unix()]; ok {
		delete(byID, identifier)
	}
	return nil
}

// ListSeeds нечитаемые seed пропускает
func (m *MemorySeedStore) ListSeeds(ctx context.Context, boundary time.Time) ([]*models.SegmentSeed, error) {
	ids, err := m.SeedIdentifiers(ctx, boundary)
	if err != nil {
		return nil, err
	}

	seeds := make([]*models.SegmentSeed, 0, len(ids))
	for _, id := range ids {
		seed, err := m.LoadSeed(ctx, boundary, id)
		var decodeErr *SeedDecodeError
		if errors.As(err, &decodeErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if seed != nil {
			seeds = append(seeds, seed)
		}
	}
	return seeds, nil
}

func (m *MemorySeedStore) SeedIdentifiers(ctx context.Context, boundary time.Time) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	byID := m.seeds[boundary.Unix()]
	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	return ids, nil
}

func (m *MemorySeedStore) LatestBoundary(ctx context.Context) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest int64
	found := false
	for b := range m.seeds {
		if !found || b > latest {
			latest, found = b, true
		}
	}
	if !found {
		return time.Time{}, ErrNotFound
	}
	return time.Unix(latest, 0).UTC(), nil
}

// PutRaw записывает значение seed как есть, без проверки
func (m *MemorySeedStore) PutRaw(boundary time.Time, identifier string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byID, ok := m.seeds[boundary.Unix()]
	if !ok {
		byID = make(map[string][]byte)
		m.seeds[boundary.Unix()] = byID
	}
	byID[identifier] = append([]byte(nil), data...)
}

// Len количество seed на границе
func (m *MemorySeedStore) Len(boundary time.Time) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.seeds[boundary.Unix()])
}
