package identity

import (
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/flybeeper/segment-pipeline/internal/models"
)

// IMODigits длина номера IMO
const IMODigits = 7

// Normalize канонизирует сырые поля идентичности. Функция чистая и тотальная:
// пустые и нечитаемые значения превращаются в отсутствующие.
func Normalize(raw models.RawIdentity) models.NormalizedIdentity {
	return models.NormalizedIdentity{
		Shipname: NormalizeText(raw.Shipname),
		Callsign: NormalizeText(raw.Callsign),
		IMO:      NormalizeIMO(raw.IMO),
	}
}

// NormalizeAll заполняет Message.Normalized для всех сообщений
func NormalizeAll(msgs []models.Message) {
	for i := range msgs {
		n := Normalize(msgs[i].Raw())
		msgs[i].Normalized = &n
	}
}

// NormalizeText приводит имя или позывной к каноничному виду: NFKC,
// верхний регистр, без непечатаемых символов, пробелы схлопнуты.
func NormalizeText(s *string) *string {
	if s == nil {
		return nil
	}

	folded := norm.NFKC.String(*s)

	var b strings.Builder
	b.Grow(len(folded))
	space := false
	for _, r := range folded {
		switch {
		case unicode.IsSpace(r):
			space = b.Len() > 0
			continue
		case !unicode.IsPrint(r):
			continue
		}
		if space {
			b.WriteByte(' ')
			space = false
		}
		b.WriteRune(unicode.ToUpper(r))
	}

	if b.Len() == 0 {
		return nil
	}
	out := b.String()
	return &out
}

// NormalizeIMO возвращает номер IMO, если после обрезки пробелов это ровно
// IMODigits цифр и не ноль
func NormalizeIMO(s *string) *int64 {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	// числовые источники иногда отдают "9074729.0"
	v = strings.TrimSuffix(v, ".0")
	if len(v) != IMODigits {
		return nil
	}
	for _, r := range v {
		if r < '0' || r > '9' {
			return nil
		}
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n == 0 {
		return nil
	}
	return &n
}
