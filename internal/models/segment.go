package models

import (
	"fmt"
	"time"
)

// SegmentState состояние сегмента на границе обработки
type SegmentState string

const (
	SegmentOpen   SegmentState = "OPEN"
	SegmentClosed SegmentState = "CLOSED"
)

// SeedVersion текущая версия формата SegmentSeed
const SeedVersion = 1

// Segment непрерывный рейс одного идентификатора
type Segment struct {
	SegID          string           `json:"seg_id"`
	Identifier     string           `json:"ssvid"`
	FirstTimestamp time.Time        `json:"first_timestamp"`
	LastTimestamp  time.Time        `json:"last_timestamp"`
	MessageCount   int64            `json:"message_count"`
	FlaggedCount   int64            `json:"flagged_count"`
	LastPosition   *PositionFix     `json:"last_position,omitempty"`
	Identity       IdentityEvidence `json:"identity"`
	State          SegmentState     `json:"state"`
}

// SegmentSeed минимальный снимок открытого сегмента для следующего запуска
type SegmentSeed struct {
	Version        int              `json:"version"`
	SegID          string           `json:"seg_id"`
	Identifier     string           `json:"ssvid"`
	FirstTimestamp time.Time        `json:"first_timestamp"`
	LastTimestamp  time.Time        `json:"last_timestamp"`
	MessageCount   int64            `json:"message_count"`
	FlaggedCount   int64            `json:"flagged_count"`
	LastPosition   *PositionFix     `json:"last_position,omitempty"`
	Identity       IdentityEvidence `json:"identity"`
}

// Contains проверяет, попадает ли время в границы сегмента
func (s *Segment) Contains(t time.Time) bool {
	return !t.Before(s.FirstTimestamp) && !t.After(s.LastTimestamp)
}

// Widen расширяет границы сегмента до t
func (s *Segment) Widen(t time.Time) {
	if t.Before(s.FirstTimestamp) {
		s.FirstTimestamp = t
	}
	if t.After(s.LastTimestamp) {
		s.LastTimestamp = t
	}
}

// LastGeohash geohash последней известной позиции или пустая строка
func (s *Segment) LastGeohash() string {
	if s.LastPosition == nil {
		return ""
	}
	return s.LastPosition.Geohash(LastGeohashPrecision)
}

// Clone возвращает независимую копию сегмента
func (s *Segment) Clone() Segment {
	c := *s
	c.Identity = s.Identity.Clone()
	if s.LastPosition != nil {
		pos := *s.LastPosition
		c.LastPosition = &pos
	}
	return c
}

// Seed строит SegmentSeed из открытого сегмента
func (s *Segment) Seed() *SegmentSeed {
	c := s.Clone()
	return &SegmentSeed{
		Version:        SeedVersion,
		SegID:          c.SegID,
		Identifier:     c.Identifier,
		FirstTimestamp: c.FirstTimestamp,
		LastTimestamp:  c.LastTimestamp,
		MessageCount:   c.MessageCount,
		FlaggedCount:   c.FlaggedCount,
		LastPosition:   c.LastPosition,
		Identity:       c.Identity,
	}
}

// SegmentFromSeed восстанавливает открытый сегмент из seed
func SegmentFromSeed(seed *SegmentSeed) *Segment {
	seg := &Segment{
		SegID:          seed.SegID,
		Identifier:     seed.Identifier,
		FirstTimestamp: seed.FirstTimestamp,
		LastTimestamp:  seed.LastTimestamp,
		MessageCount:   seed.MessageCount,
		FlaggedCount:   seed.FlaggedCount,
		Identity:       seed.Identity.Clone(),
		State:          SegmentOpen,
	}
	if seed.LastPosition != nil {
		pos := *seed.LastPosition
		seg.LastPosition = &pos
	}
	if seg.FirstTimestamp.IsZero() {
		seg.FirstTimestamp = seg.LastTimestamp
	}
	return seg
}

// Validate проверяет структуру seed
func (s *SegmentSeed) Validate() error {
	if s.Version != SeedVersion {
		return fmt.Errorf("unsupported seed version %d", s.Version)
	}
	if s.SegID == "" {
		return fmt.Errorf("seed seg_id is empty")
	}
	if s.Identifier == "" {
		return fmt.Errorf("seed ssvid is empty")
	}
	if s.LastTimestamp.IsZero() {
		return fmt.Errorf("seed last_timestamp is empty")
	}
	if !s.FirstTimestamp.IsZero() && s.FirstTimestamp.After(s.LastTimestamp) {
		return fmt.Errorf("seed first_timestamp %s after last_timestamp %s", s.FirstTimestamp, s.LastTimestamp)
	}
	return nil
}
