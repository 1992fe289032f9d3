package segmenter

import (
	"fmt"
	"time"

	"github.com/flybeeper/segment-pipeline/internal/identity"
	"github.com/flybeeper/segment-pipeline/internal/models"
	"github.com/flybeeper/segment-pipeline/pkg/utils"
)

// Input данные одного идентификатора за запуск
type Input struct {
	Identifier string
	// Messages упорядочены по времени, см. stream.Build
	Messages []models.Message
	// Seed открытый сегмент предыдущего запуска или nil
	Seed *models.SegmentSeed
	// WindowStart и WindowEnd границы окна запуска, нулевые значения не проверяются
	WindowStart time.Time
	WindowEnd   time.Time
}

// Stats счетчики одного прохода
type Stats struct {
	Messages        int
	SegmentsOpened  int
	SegmentsClosed  int
	Extended        int
	Splits          map[PredicateName]int
	IdentityFlagged int
	OutOfOrder      int
	SeedContinued   bool
	SeedAnomalies   int
}

// Result результат сегментации одного идентификатора
type Result struct {
	Identifier string
	// Messages все входные сообщения в порядке прохода, каждое ровно один раз
	Messages []models.AnnotatedMessage
	// Segments по одной записи на каждый затронутый сегмент в порядке открытия
	Segments []models.Segment
	// Seed открытый сегмент на границе запуска или nil
	Seed *models.SegmentSeed
	// Anomalies предупреждения по seed (ErrSeedAnomaly)
	Anomalies []error
	Stats     Stats
}

// Segmenter конечный автомат сегментации. Безопасен для параллельного
// использования: состояние прохода живет только внутри Segment.
type Segmenter struct {
	params     Params
	predicates []Predicate
	logger     *utils.Logger
}

// Option настройка Segmenter
type Option func(*Segmenter)

// WithLogger задает логгер
func WithLogger(logger *utils.Logger) Option {
	return func(s *Segmenter) {
		s.logger = logger
	}
}

// WithPredicates заменяет набор предикатов, порядок сохраняется
func WithPredicates(predicates ...Predicate) Option {
	return func(s *Segmenter) {
		s.predicates = predicates
	}
}

// New проверяет параметры и создает сегментатор
func New(params Params, opts ...Option) (*Segmenter, error) {
	params = params.WithDefaults()
	if err := params.Validate(); err != nil {
		return nil, err
	}

	s := &Segmenter{
		params:     params,
		predicates: buildPredicates(params),
		logger:     utils.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Params параметры с примененными значениями по умолчанию
func (s *Segmenter) Params() Params {
	return s.params
}

// Predicates предикаты в порядке проверки
func (s *Segmenter) Predicates() []Predicate {
	return s.predicates
}

// scan состояние одного прохода
type scan struct {
	s        *Segmenter
	result   *Result
	ids      *segIDAllocator
	segments []*models.Segment
	// current активный сегмент, nil в состоянии NO_ACTIVE_SEGMENT
	current *models.Segment
	prev    time.Time
}

// Segment выполняет один проход слева направо по сообщениям идентификатора
func (s *Segmenter) Segment(in Input) *Result {
	result := &Result{
		Identifier: in.Identifier,
		Messages:   make([]models.AnnotatedMessage, 0, len(in.Messages)),
		Stats:      Stats{Messages: len(in.Messages), Splits: make(map[PredicateName]int)},
	}

	var reserved string
	if in.Seed != nil {
		reserved = in.Seed.SegID
	}
	sc := &scan{s: s, result: result, ids: newSegIDAllocator(in.Identifier, reserved)}

	sc.applySeed(in)

	for i := range in.Messages {
		sc.process(&in.Messages[i])
	}

	if sc.current != nil && len(in.Messages) == 0 && !in.WindowEnd.IsZero() &&
		in.WindowEnd.Sub(sc.current.LastTimestamp) > s.params.MaxTimeGap.Duration {
		// без новых сообщений дольше разрыва: сегмент закрывается
		sc.close()
	}

	for _, seg := range sc.segments {
		result.Segments = append(result.Segments, seg.Clone())
	}
	if sc.current != nil {
		result.Seed = sc.current.Seed()
	}

	s.logger.WithFields(map[string]interface{}{
		"ssvid":           in.Identifier,
		"messages":        result.Stats.Messages,
		"segments":        len(result.Segments),
		"segments_opened": result.Stats.SegmentsOpened,
		"out_of_order":    result.Stats.OutOfOrder,
		"flagged":         result.Stats.IdentityFlagged,
	}).Debug("Identifier segmented")

	return result
}

// applySeed продолжает сегмент предыдущего запуска, если seed согласован с окном
func (sc *scan) applySeed(in Input) {
	seed := in.Seed
	if seed == nil {
		return
	}

	anomaly := func(reason string) *SeedAnomalyError {
		err := &SeedAnomalyError{Identifier: in.Identifier, SegID: seed.SegID, LastTimestamp: seed.LastTimestamp, Reason: reason}
		sc.result.Anomalies = append(sc.result.Anomalies, err)
		sc.result.Stats.SeedAnomalies++
		sc.s.logger.WithField("ssvid", in.Identifier).WithError(err).Warn("Seed anomaly, starting fresh")
		return err
	}

	if err := seed.Validate(); err != nil {
		anomaly(err.Error())
		return
	}
	if seed.Identifier != in.Identifier {
		anomaly(fmt.Sprintf("seed belongs to ssvid %s", seed.Identifier))
		return
	}

	var reason string
	switch {
	case !in.WindowStart.IsZero() && !seed.LastTimestamp.Before(in.WindowStart):
		reason = fmt.Sprintf("last_timestamp not before window start %s", in.WindowStart.UTC().Format(time.RFC3339))
	case len(in.Messages) > 0 && !seed.LastTimestamp.Before(in.Messages[0].Timestamp):
		reason = "last_timestamp not before first message"
	}

	seg := models.SegmentFromSeed(seed)
	sc.segments = append(sc.segments, seg)

	if reason != "" {
		anomaly(reason)
		// сегмент seed не теряется: он выводится закрытым
		seg.State = models.SegmentClosed
		sc.result.Stats.SegmentsClosed++
		return
	}

	sc.current = seg
	sc.prev = seg.LastTimestamp
	sc.result.Stats.SeedContinued = true
}

func (sc *scan) process(m *models.Message) {
	norm := sc.identityOf(m)
	pos := m.Position()

	if sc.current == nil {
		sc.open(m, pos, norm)
		return
	}

	check := &Check{
		PrevTimestamp: sc.prev,
		LastFix:       sc.current.LastPosition,
		Evidence:      sc.current.Identity.Current(),
		Message:       m,
		Position:      pos,
		Identity:      norm,
	}

	decision, fired := DecisionExtend, PredicateName("")
	for _, p := range sc.s.predicates {
		if d := p.Evaluate(check); d != DecisionExtend {
			decision, fired = d, p.Name()
			break
		}
	}

	switch decision {
	case DecisionExtend:
		sc.result.Stats.Extended++
		sc.extend(m, pos, norm, true)
	case DecisionFlag:
		sc.result.Stats.IdentityFlagged++
		sc.current.FlaggedCount++
		sc.extend(m, pos, norm, false, models.FlagIdentityConflict)
	case DecisionSplit:
		sc.result.Stats.Splits[fired]++
		sc.s.logger.WithFields(map[string]interface{}{
			"ssvid":     m.Identifier,
			"seg_id":    sc.current.SegID,
			"predicate": string(fired),
			"elapsed":   check.Elapsed().String(),
		}).Debug("Segment split")
		sc.close()
		sc.open(m, pos, norm)
	case DecisionReject:
		sc.result.Stats.OutOfOrder++
		sc.assignOutOfOrder(m, norm)
	}
}

func (sc *scan) identityOf(m *models.Message) models.NormalizedIdentity {
	if m.Normalized != nil {
		return *m.Normalized
	}
	return identity.Normalize(m.Raw())
}

func (sc *scan) open(m *models.Message, pos *models.GeoPoint, norm models.NormalizedIdentity) {
	seg := &models.Segment{
		SegID:          sc.ids.next(m.Timestamp),
		Identifier:     m.Identifier,
		FirstTimestamp: m.Timestamp,
		LastTimestamp:  m.Timestamp,
		State:          models.SegmentOpen,
	}
	sc.segments = append(sc.segments, seg)
	sc.current = seg
	sc.result.Stats.SegmentsOpened++
	sc.extend(m, pos, norm, true)
}

// extend добавляет сообщение в текущий сегмент. Опоздание в пределах допуска
// расширяет границы, но не сдвигает prev назад.
func (sc *scan) extend(m *models.Message, pos *models.GeoPoint, norm models.NormalizedIdentity, observe bool, flags ...models.MessageFlag) {
	seg := sc.current
	seg.MessageCount++
	seg.Widen(m.Timestamp)
	if m.Timestamp.After(sc.prev) || sc.prev.IsZero() {
		sc.prev = m.Timestamp
	}
	if pos != nil && (seg.LastPosition == nil || !m.Timestamp.Before(seg.LastPosition.Timestamp)) {
		seg.LastPosition = &models.PositionFix{GeoPoint: *pos, Timestamp: m.Timestamp}
	}
	if observe {
		seg.Identity.Observe(norm, sc.s.params.IdentityFrequencyOverride)
	}
	sc.emit(m, seg.SegID, norm, flags...)
}

func (sc *scan) close() {
	sc.current.State = models.SegmentClosed
	sc.current = nil
	sc.prev = time.Time{}
	sc.result.Stats.SegmentsClosed++
}

// assignOutOfOrder относит опоздавшее сообщение к сегменту этого прохода,
// который содержит его время, иначе к ближайшему по границам. Новый сегмент
// не открывается.
func (sc *scan) assignOutOfOrder(m *models.Message, norm models.NormalizedIdentity) {
	var best *models.Segment
	var bestDist time.Duration
	for _, seg := range sc.segments {
		if seg.Contains(m.Timestamp) {
			best = seg
			break
		}
		d := distanceToBounds(seg, m.Timestamp)
		if best == nil || d < bestDist {
			best, bestDist = seg, d
		}
	}

	best.Widen(m.Timestamp)
	best.MessageCount++
	best.FlaggedCount++
	sc.emit(m, best.SegID, norm, models.FlagOutOfOrder)

	sc.s.logger.WithFields(map[string]interface{}{
		"ssvid":  m.Identifier,
		"seg_id": best.SegID,
		"ts":     m.Timestamp,
	}).Debug("Out of order message assigned")
}

func distanceToBounds(seg *models.Segment, t time.Time) time.Duration {
	if t.Before(seg.FirstTimestamp) {
		return seg.FirstTimestamp.Sub(t)
	}
	return t.Sub(seg.LastTimestamp)
}

func (sc *scan) emit(m *models.Message, segID string, norm models.NormalizedIdentity, flags ...models.MessageFlag) {
	a := models.AnnotatedMessage{Message: *m, SegID: segID, Identity: norm}
	if len(flags) > 0 {
		a.Flags = append([]models.MessageFlag(nil), flags...)
	}
	sc.result.Messages = append(sc.result.Messages, a)
}
