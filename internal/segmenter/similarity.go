package segmenter

import (
	"unicode/utf8"

	"github.com/agnivade/levenshtein"

	"github.com/flybeeper/segment-pipeline/internal/models"
)

// Similarity похожесть двух строк по расстоянию Левенштейна: 1 - dist/maxLen.
// Сравнение по рунам, одинаковые строки дают 1.
func Similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	maxLen := max(utf8.RuneCountInString(a), utf8.RuneCountInString(b))
	if maxLen == 0 {
		return 1
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(maxLen)
}

// IdentitySimilarity минимальная похожесть по полям, заданным в обеих
// идентичностях. ok=false, если общих полей нет.
func IdentitySimilarity(a, b models.NormalizedIdentity) (score float64, ok bool) {
	score = 1
	if a.Shipname != nil && b.Shipname != nil {
		score = min(score, Similarity(*a.Shipname, *b.Shipname))
		ok = true
	}
	if a.Callsign != nil && b.Callsign != nil {
		score = min(score, Similarity(*a.Callsign, *b.Callsign))
		ok = true
	}
	if a.IMO != nil && b.IMO != nil {
		if *a.IMO != *b.IMO {
			score = 0
		}
		ok = true
	}
	return score, ok
}
