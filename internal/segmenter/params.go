package segmenter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

// ConflictPolicy поведение при конфликте идентичности
type ConflictPolicy string

const (
	PolicySplit ConflictPolicy = "split"
	PolicyFlag  ConflictPolicy = "flag"
)

// PredicateName имя предиката разбиения
type PredicateName string

const (
	PredicateReorder      PredicateName = "reorder"
	PredicateTimeGap      PredicateName = "time_gap"
	PredicateImpliedSpeed PredicateName = "implied_speed"
	PredicateIdentity     PredicateName = "identity"
)

// DefaultPredicateOrder порядок проверки предикатов по умолчанию
var DefaultPredicateOrder = []PredicateName{
	PredicateReorder,
	PredicateTimeGap,
	PredicateImpliedSpeed,
	PredicateIdentity,
}

// Duration длительность в JSON: строка вида "24h" или число секунд
type Duration struct {
	time.Duration
}

// UnmarshalJSON реализует json.Unmarshaler
func (d *Duration) UnmarshalJSON(data []byte) error {
	var seconds float64
	if err := json.Unmarshal(data, &seconds); err == nil {
		d.Duration = time.Duration(seconds * float64(time.Second))
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string or a number of seconds")
	}
	v, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalJSON реализует json.Marshaler
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

// Params набор параметров сегментатора
type Params struct {
	// MaxTimeGap разрыв во времени, после которого начинается новый сегмент
	MaxTimeGap Duration `json:"max_time_gap"`

	// MaxImpliedSpeed максимальная скорость между позициями, узлы
	MaxImpliedSpeed float64 `json:"max_implied_speed"`

	IdentityConflictPolicy ConflictPolicy `json:"identity_conflict_policy,omitempty"`

	// ReorderTolerance допустимое опоздание сообщения относительно предыдущего
	ReorderTolerance Duration `json:"reorder_tolerance"`

	// IdentitySimilarityThreshold минимальная похожесть полей идентичности, (0, 1]
	IdentitySimilarityThreshold float64 `json:"identity_similarity_threshold"`

	PredicateOrder []PredicateName `json:"predicate_order,omitempty"`

	// IdentityFrequencyOverride сколько раз значение должно повториться, чтобы
	// перекрыть более новое. 0 отключает правило.
	IdentityFrequencyOverride int `json:"identity_frequency_override"`
}

// DecodeParams строго разбирает JSON параметров: неизвестные ключи - ошибка
func DecodeParams(r io.Reader) (Params, error) {
	var p Params
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return Params{}, &ConfigurationError{Field: "params", Reason: err.Error()}
	}
	if dec.More() {
		return Params{}, &ConfigurationError{Field: "params", Reason: "unexpected data after parameters object"}
	}
	return p, nil
}

// ParseParams то же, что DecodeParams, для готового буфера
func ParseParams(data []byte) (Params, error) {
	return DecodeParams(bytes.NewReader(data))
}

// WithDefaults заполняет необязательные параметры
func (p Params) WithDefaults() Params {
	if p.IdentityConflictPolicy == "" {
		p.IdentityConflictPolicy = PolicySplit
	}
	if len(p.PredicateOrder) == 0 {
		p.PredicateOrder = append([]PredicateName(nil), DefaultPredicateOrder...)
	}
	return p
}

// Validate проверяет параметры после применения значений по умолчанию
func (p Params) Validate() error {
	if p.MaxTimeGap.Duration <= 0 {
		return &ConfigurationError{Field: "max_time_gap", Reason: "required and must be positive"}
	}
	if p.MaxImpliedSpeed <= 0 {
		return &ConfigurationError{Field: "max_implied_speed", Reason: "required and must be positive"}
	}
	switch p.IdentityConflictPolicy {
	case PolicySplit, PolicyFlag:
	default:
		return &ConfigurationError{Field: "identity_conflict_policy", Reason: fmt.Sprintf("unknown policy %q", p.IdentityConflictPolicy)}
	}
	if p.ReorderTolerance.Duration < 0 {
		return &ConfigurationError{Field: "reorder_tolerance", Reason: "must not be negative"}
	}
	if p.IdentitySimilarityThreshold <= 0 || p.IdentitySimilarityThreshold > 1 {
		return &ConfigurationError{Field: "identity_similarity_threshold", Reason: "required, must be in (0, 1]"}
	}
	if p.IdentityFrequencyOverride < 0 {
		return &ConfigurationError{Field: "identity_frequency_override", Reason: "must not be negative"}
	}

	seen := make(map[PredicateName]bool, len(p.PredicateOrder))
	for _, name := range p.PredicateOrder {
		switch name {
		case PredicateReorder, PredicateTimeGap, PredicateImpliedSpeed, PredicateIdentity:
		default:
			return &ConfigurationError{Field: "predicate_order", Reason: fmt.Sprintf("unknown predicate %q", name)}
		}
		if seen[name] {
			return &ConfigurationError{Field: "predicate_order", Reason: fmt.Sprintf("duplicate predicate %q", name)}
		}
		seen[name] = true
	}
	if len(seen) != len(DefaultPredicateOrder) {
		return &ConfigurationError{Field: "predicate_order", Reason: "must list every predicate exactly once"}
	}
	return nil
}
