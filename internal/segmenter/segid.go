package segmenter

import (
	"fmt"
	"time"
)

// SegIDTimeLayout формат времени в seg_id
const SegIDTimeLayout = "2006-01-02T15:04:05.000000Z"

// SegID детерминированный идентификатор сегмента по идентификатору судна и
// времени первого сообщения
func SegID(identifier string, first time.Time) string {
	return identifier + "-" + first.UTC().Format(SegIDTimeLayout)
}

// segIDAllocator выдает уникальные в пределах одного прохода seg_id.
// Повтор базового id получает суффикс -1, -2, ...
type segIDAllocator struct {
	identifier string
	used       map[string]int
}

func newSegIDAllocator(identifier string, reserved ...string) *segIDAllocator {
	a := &segIDAllocator{identifier: identifier, used: make(map[string]int)}
	for _, id := range reserved {
		if id != "" {
			a.used[id]++
		}
	}
	return a
}

func (a *segIDAllocator) next(first time.Time) string {
	base := SegID(a.identifier, first)
	n := a.used[base]
	a.used[base]++
	if n == 0 {
		return base
	}
	return fmt.Sprintf("%s-%d", base, n)
}
