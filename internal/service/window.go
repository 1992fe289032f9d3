package service

import (
	"fmt"
	"strings"
	"time"
)

// DateLayout формат дат в диапазоне запуска
const DateLayout = "2006-01-02"

// Window полуинтервал [Start, End) запуска в UTC
type Window struct {
	Start time.Time
	End   time.Time
}

// ParseDateRange разбирает "YYYY-MM-DD,YYYY-MM-DD" (обе даты включительно)
// или одну дату. End окна - полночь дня после последней даты.
func ParseDateRange(value string) (Window, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return Window{}, fmt.Errorf("empty date range")
	}

	parts := strings.Split(value, ",")
	if len(parts) > 2 {
		return Window{}, fmt.Errorf("date range %q: expected START,END", value)
	}

	start, err := time.ParseInLocation(DateLayout, strings.TrimSpace(parts[0]), time.UTC)
	if err != nil {
		return Window{}, fmt.Errorf("date range start: %w", err)
	}
	last := start
	if len(parts) == 2 {
		last, err = time.ParseInLocation(DateLayout, strings.TrimSpace(parts[1]), time.UTC)
		if err != nil {
			return Window{}, fmt.Errorf("date range end: %w", err)
		}
	}
	if last.Before(start) {
		return Window{}, fmt.Errorf("date range %q: end before start", value)
	}

	return Window{Start: start, End: last.AddDate(0, 0, 1)}, nil
}

// Contains проверяет попадание времени в окно
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Days число дней в окне
func (w Window) Days() int {
	return int(w.End.Sub(w.Start).Hours() / 24)
}

// Next окно той же длины сразу после текущего
func (w Window) Next() Window {
	return Window{Start: w.End, End: w.End.Add(w.End.Sub(w.Start))}
}

func (w Window) String() string {
	return fmt.Sprintf("%s..%s", w.Start.Format(DateLayout), w.End.AddDate(0, 0, -1).Format(DateLayout))
}
