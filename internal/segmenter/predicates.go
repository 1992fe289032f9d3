package segmenter

import (
	"fmt"
	"math"
	"time"

	"github.com/flybeeper/segment-pipeline/internal/models"
)

// Decision результат проверки сообщения против текущего сегмента
type Decision int

const (
	DecisionExtend Decision = iota // предикат не сработал
	DecisionSplit                  // закрыть сегмент и открыть новый
	DecisionFlag                   // оставить в сегменте с отметкой о конфликте
	DecisionReject                 // сообщение опоздало сильнее допуска
)

func (d Decision) String() string {
	switch d {
	case DecisionExtend:
		return "extend"
	case DecisionSplit:
		return "split"
	case DecisionFlag:
		return "flag"
	case DecisionReject:
		return "reject"
	}
	return fmt.Sprintf("decision(%d)", int(d))
}

// Check данные для проверки одного сообщения
type Check struct {
	// PrevTimestamp время последнего принятого сообщения сегмента
	PrevTimestamp time.Time
	// LastFix последняя известная позиция сегмента
	LastFix *models.PositionFix
	// Evidence текущая идентичность сегмента
	Evidence models.NormalizedIdentity

	Message  *models.Message
	Position *models.GeoPoint
	Identity models.NormalizedIdentity
}

// Elapsed время от последнего принятого сообщения, может быть отрицательным
func (c *Check) Elapsed() time.Duration {
	return c.Message.Timestamp.Sub(c.PrevTimestamp)
}

// Predicate правило разбиения сегмента
type Predicate interface {
	// Evaluate возвращает DecisionExtend, если правило не сработало
	Evaluate(c *Check) Decision

	// Name возвращает имя предиката
	Name() PredicateName

	// Description возвращает описание предиката
	Description() string
}

// ReorderPredicate отклоняет сообщения, опоздавшие больше допуска
type ReorderPredicate struct {
	tolerance time.Duration
}

func NewReorderPredicate(tolerance time.Duration) *ReorderPredicate {
	return &ReorderPredicate{tolerance: tolerance}
}

func (p *ReorderPredicate) Evaluate(c *Check) Decision {
	if c.Elapsed() < -p.tolerance {
		return DecisionReject
	}
	return DecisionExtend
}

func (p *ReorderPredicate) Name() PredicateName { return PredicateReorder }

func (p *ReorderPredicate) Description() string {
	return fmt.Sprintf("out of order by more than %s", p.tolerance)
}

// TimeGapPredicate разбивает по разрыву во времени
type TimeGapPredicate struct {
	maxGap time.Duration
}

func NewTimeGapPredicate(maxGap time.Duration) *TimeGapPredicate {
	return &TimeGapPredicate{maxGap: maxGap}
}

func (p *TimeGapPredicate) Evaluate(c *Check) Decision {
	if c.Elapsed() > p.maxGap {
		return DecisionSplit
	}
	return DecisionExtend
}

func (p *TimeGapPredicate) Name() PredicateName { return PredicateTimeGap }

func (p *TimeGapPredicate) Description() string {
	return fmt.Sprintf("time gap longer than %s", p.maxGap)
}

// minSpeedInterval нижняя граница интервала при расчете скорости, чтобы
// сообщения с одинаковым временем не давали деления на ноль
const minSpeedInterval = time.Second

// ImpliedSpeedPredicate разбивает, если переход от последней позиции требует
// скорости выше допустимой
type ImpliedSpeedPredicate struct {
	maxKnots float64
}

func NewImpliedSpeedPredicate(maxKnots float64) *ImpliedSpeedPredicate {
	return &ImpliedSpeedPredicate{maxKnots: maxKnots}
}

func (p *ImpliedSpeedPredicate) Evaluate(c *Check) Decision {
	if c.LastFix == nil || c.Position == nil {
		return DecisionExtend
	}
	if ImpliedSpeed(*c.LastFix, *c.Position, c.Message.Timestamp) > p.maxKnots {
		return DecisionSplit
	}
	return DecisionExtend
}

func (p *ImpliedSpeedPredicate) Name() PredicateName { return PredicateImpliedSpeed }

func (p *ImpliedSpeedPredicate) Description() string {
	return fmt.Sprintf("implied speed above %.1f knots", p.maxKnots)
}

// ImpliedSpeed скорость в узлах, необходимая для перехода от fix к point к моменту at
func ImpliedSpeed(fix models.PositionFix, point models.GeoPoint, at time.Time) float64 {
	dist := fix.DistanceNM(point)
	if dist == 0 {
		return 0
	}
	dt := at.Sub(fix.Timestamp)
	if dt < 0 {
		dt = -dt
	}
	if dt < minSpeedInterval {
		dt = minSpeedInterval
	}
	speed := dist / dt.Hours()
	if math.IsNaN(speed) {
		return 0
	}
	return speed
}

// IdentityPredicate срабатывает, когда идентичность расходится при малом
// разрыве во времени. Итог зависит от политики: разбиение или отметка.
type IdentityPredicate struct {
	maxGap    time.Duration
	threshold float64
	policy    ConflictPolicy
}

func NewIdentityPredicate(maxGap time.Duration, threshold float64, policy ConflictPolicy) *IdentityPredicate {
	return &IdentityPredicate{maxGap: maxGap, threshold: threshold, policy: policy}
}

func (p *IdentityPredicate) Evaluate(c *Check) Decision {
	if c.Elapsed() > p.maxGap {
		return DecisionExtend
	}
	score, ok := IdentitySimilarity(c.Evidence, c.Identity)
	if !ok || score >= p.threshold {
		return DecisionExtend
	}
	if p.policy == PolicyFlag {
		return DecisionFlag
	}
	return DecisionSplit
}

func (p *IdentityPredicate) Name() PredicateName { return PredicateIdentity }

func (p *IdentityPredicate) Description() string {
	return fmt.Sprintf("identity similarity below %.2f (%s)", p.threshold, p.policy)
}

// buildPredicates создает предикаты в заданном порядке
func buildPredicates(p Params) []Predicate {
	out := make([]Predicate, 0, len(p.PredicateOrder))
	for _, name := range p.PredicateOrder {
		switch name {
		case PredicateReorder:
			out = append(out, NewReorderPredicate(p.ReorderTolerance.Duration))
		case PredicateTimeGap:
			out = append(out, NewTimeGapPredicate(p.MaxTimeGap.Duration))
		case PredicateImpliedSpeed:
			out = append(out, NewImpliedSpeedPredicate(p.MaxImpliedSpeed))
		case PredicateIdentity:
			out = append(out, NewIdentityPredicate(p.MaxTimeGap.Duration, p.IdentitySimilarityThreshold, p.IdentityConflictPolicy))
		}
	}
	return out
}
