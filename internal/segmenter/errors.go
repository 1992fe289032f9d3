package segmenter

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrConfiguration неверный или отсутствующий параметр, запуск невозможен
	ErrConfiguration = errors.New("configuration error")

	// ErrSeedAnomaly seed не согласуется с окном запуска и не используется
	ErrSeedAnomaly = errors.New("seed anomaly")
)

// ConfigurationError ошибка конкретного параметра
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid parameter %s: %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Unwrap() error {
	return ErrConfiguration
}

// SeedAnomalyError описывает отклоненный seed
type SeedAnomalyError struct {
	Identifier    string
	SegID         string
	LastTimestamp time.Time
	Reason        string
}

func (e *SeedAnomalyError) Error() string {
	return fmt.Sprintf("seed anomaly for ssvid %s (seg %s, last %s): %s",
		e.Identifier, e.SegID, e.LastTimestamp.UTC().Format(time.RFC3339), e.Reason)
}

func (e *SeedAnomalyError) Unwrap() error {
	return ErrSeedAnomaly
}
