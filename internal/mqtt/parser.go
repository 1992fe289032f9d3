package mqtt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/flybeeper/segment-pipeline/internal/models"
	"github.com/flybeeper/segment-pipeline/pkg/utils"
)

// Максимум сообщений в одном payload
const maxMessagesPerPayload = 10000

// Report распарсенный payload одного MQTT сообщения
type Report struct {
	Topic     string                   `json:"topic"`
	Source    string                   `json:"source"` // Источник из топика: ais/{source}/positions
	Messages  []models.Message         `json:"messages"`
	Malformed []models.MalformedRecord `json:"malformed,omitempty"`
}

// Parser парсер JSON сообщений о позициях судов
type Parser struct {
	logger  *utils.Logger
	ordinal atomic.Int64
}

// NewParser создает новый парсер
func NewParser(logger *utils.Logger) *Parser {
	return &Parser{
		logger: logger,
	}
}

// Parse парсит MQTT сообщение. Payload - JSON объект сообщения или массив
// объектов. Нечитаемые элементы массива и сообщения без ssvid/timestamp
// попадают в Report.Malformed, ошибка возвращается только для payload
// целиком.
func (p *Parser) Parse(topic string, payload []byte) (*Report, error) {
	// Извлекаем источник из топика: ais/{source}/positions
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != "ais" || parts[2] != "positions" || parts[1] == "" {
		return nil, fmt.Errorf("invalid topic format: %s", topic)
	}

	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty payload")
	}

	var items []json.RawMessage
	switch trimmed[0] {
	case '[':
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, fmt.Errorf("invalid payload array: %w", err)
		}
	case '{':
		items = []json.RawMessage{trimmed}
	default:
		return nil, fmt.Errorf("payload is not a JSON object or array")
	}
	if len(items) > maxMessagesPerPayload {
		return nil, fmt.Errorf("payload has %d messages, max %d", len(items), maxMessagesPerPayload)
	}

	report := &Report{Topic: topic, Source: parts[1]}
	sourceRaw, _ := json.Marshal(report.Source)

	for _, item := range items {
		ordinal := p.ordinal.Add(1) - 1

		msg, err := models.DecodeMessage(item, ordinal)
		if err == nil {
			err = msg.Validate()
		}
		if err != nil {
			report.Malformed = append(report.Malformed, models.NewMalformedRecord(err, string(item)))
			continue
		}

		if _, ok := msg.Extra["source"]; !ok {
			if msg.Extra == nil {
				msg.Extra = make(map[string]json.RawMessage, 1)
			}
			msg.Extra["source"] = sourceRaw
		}
		report.Messages = append(report.Messages, msg)
	}

	if len(report.Malformed) > 0 {
		p.logger.WithFields(map[string]interface{}{
			"topic":     topic,
			"malformed": len(report.Malformed),
			"accepted":  len(report.Messages),
		}).Debug("Payload contained malformed messages")
	}

	return report, nil
}
