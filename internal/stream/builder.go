package stream

import (
	"iter"
	"slices"
	"sort"
	"sync"

	"github.com/flybeeper/segment-pipeline/internal/models"
)

// Stream сообщения одного идентификатора. Упорядочивание выполняется
// лениво при первом обращении и только один раз.
type Stream struct {
	identifier string
	messages   []models.Message
	once       sync.Once
}

// Identifier идентификатор потока
func (s *Stream) Identifier() string {
	return s.identifier
}

// Len количество сообщений в потоке
func (s *Stream) Len() int {
	return len(s.messages)
}

// Messages возвращает сообщения, упорядоченные по времени, при равном
// времени - по порядку поступления. Дубликаты сохраняются.
func (s *Stream) Messages() []models.Message {
	s.once.Do(func() {
		slices.SortStableFunc(s.messages, compareMessages)
	})
	return s.messages
}

func compareMessages(a, b models.Message) int {
	if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
		return c
	}
	switch {
	case a.Ordinal < b.Ordinal:
		return -1
	case a.Ordinal > b.Ordinal:
		return 1
	}
	return 0
}

// Streams сгруппированные по идентификатору сообщения
type Streams struct {
	byID        map[string]*Stream
	identifiers []string
}

// Build группирует сообщения по идентификатору. Входной срез не изменяется.
func Build(msgs []models.Message) *Streams {
	byID := make(map[string]*Stream)
	for _, m := range msgs {
		s, ok := byID[m.Identifier]
		if !ok {
			s = &Stream{identifier: m.Identifier}
			byID[m.Identifier] = s
		}
		s.messages = append(s.messages, m)
	}

	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return &Streams{byID: byID, identifiers: ids}
}

// Identifiers отсортированный список идентификаторов
func (s *Streams) Identifiers() []string {
	return s.identifiers
}

// Get возвращает поток идентификатора или nil
func (s *Streams) Get(identifier string) *Stream {
	return s.byID[identifier]
}

// Len количество идентификаторов
func (s *Streams) Len() int {
	return len(s.identifiers)
}

// All перебирает потоки в порядке идентификаторов
func (s *Streams) All() iter.Seq2[string, *Stream] {
	return func(yield func(string, *Stream) bool) {
		for _, id := range s.identifiers {
			if !yield(id, s.byID[id]) {
				return
			}
		}
	}
}
