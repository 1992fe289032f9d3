package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Поддерживаемые строковые форматы времени источников
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999 UTC",
	"2006-01-02 15:04:05.999999",
	"2006-01-02T15:04:05.999999",
}

var knownMessageKeys = map[string]bool{
	"ssvid": true, "mmsi": true, "timestamp": true,
	"lat": true, "lon": true, "speed": true, "course": true,
	"shipname": true, "callsign": true, "imo": true,
	// поля выхода, при повторной обработке выхода их не переносим
	"seg_id": true, "n_shipname": true, "n_callsign": true, "n_imo": true, "flags": true,
}

// DecodeMessage разбирает JSON объект сообщения. Идентификатор может быть числом
// или строкой, время - строкой или числом секунд Unix. Отсутствие обязательных
// полей здесь не проверяется, см. Message.Validate.
func DecodeMessage(data []byte, ordinal int64) (Message, error) {
	msg := Message{Ordinal: ordinal}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return msg, &MalformedError{Ordinal: ordinal, Reason: fmt.Sprintf("invalid json: %v", err)}
	}

	malformed := func(field string, err error) error {
		return &MalformedError{Ordinal: ordinal, Identifier: msg.Identifier, Reason: fmt.Sprintf("field %s: %v", field, err)}
	}

	idRaw, ok := fields["ssvid"]
	if !ok {
		idRaw = fields["mmsi"]
	}
	if id, err := flexString(idRaw); err != nil {
		return msg, malformed("ssvid", err)
	} else if id != nil {
		msg.Identifier = strings.TrimSpace(*id)
	}

	ts, err := parseTimestamp(fields["timestamp"])
	if err != nil {
		return msg, malformed("timestamp", err)
	}
	msg.Timestamp = ts

	for name, dst := range map[string]**float64{
		"lat": &msg.Lat, "lon": &msg.Lon, "speed": &msg.Speed, "course": &msg.Course,
	} {
		v, err := flexFloat(fields[name])
		if err != nil {
			return msg, malformed(name, err)
		}
		*dst = v
	}

	for name, dst := range map[string]**string{
		"shipname": &msg.Shipname, "callsign": &msg.Callsign, "imo": &msg.IMO,
	} {
		v, err := flexString(fields[name])
		if err != nil {
			return msg, malformed(name, err)
		}
		*dst = v
	}

	for key, raw := range fields {
		if knownMessageKeys[key] {
			continue
		}
		if msg.Extra == nil {
			msg.Extra = make(map[string]json.RawMessage)
		}
		msg.Extra[key] = raw
	}

	return msg, nil
}

// EncodeAnnotated сериализует сообщение в плоскую запись выхода: поля входа
// плюс seg_id, n_shipname, n_callsign, n_imo.
func EncodeAnnotated(a *AnnotatedMessage) ([]byte, error) {
	out := make(map[string]interface{}, len(a.Extra)+14)
	for k, v := range a.Extra {
		out[k] = v
	}

	out["ssvid"] = a.Identifier
	out["timestamp"] = a.Timestamp.UTC().Format(time.RFC3339Nano)
	setIfPresent(out, "lat", a.Lat)
	setIfPresent(out, "lon", a.Lon)
	setIfPresent(out, "speed", a.Speed)
	setIfPresent(out, "course", a.Course)
	setIfPresent(out, "shipname", a.Shipname)
	setIfPresent(out, "callsign", a.Callsign)
	setIfPresent(out, "imo", a.IMO)

	out["seg_id"] = a.SegID
	out["n_shipname"] = a.Identity.Shipname
	out["n_callsign"] = a.Identity.Callsign
	out["n_imo"] = a.Identity.IMO
	if len(a.Flags) > 0 {
		out["flags"] = a.Flags
	}

	return json.Marshal(out)
}

func setIfPresent[T any](out map[string]interface{}, key string, v *T) {
	if v != nil {
		out[key] = *v
	}
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// flexString принимает строку или число
func flexString(raw json.RawMessage) (*string, error) {
	if isNull(raw) {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return &s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, fmt.Errorf("expected string or number")
	}
	str := n.String()
	return &str, nil
}

// flexFloat принимает число или числовую строку
func flexFloat(raw json.RawMessage) (*float64, error) {
	if isNull(raw) {
		return nil, nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return &f, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("expected number")
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("expected number, got %q", s)
	}
	return &f, nil
}

func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	if isNull(raw) {
		return time.Time{}, nil
	}

	var seconds float64
	if err := json.Unmarshal(raw, &seconds); err == nil {
		if math.IsNaN(seconds) || math.IsInf(seconds, 0) {
			return time.Time{}, fmt.Errorf("invalid unix timestamp")
		}
		return TimeFromUnixSeconds(seconds), nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return time.Time{}, fmt.Errorf("expected string or number")
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// TimeFromUnixSeconds переводит дробные секунды Unix во время с точностью до микросекунд
func TimeFromUnixSeconds(seconds float64) time.Time {
	micros := int64(math.Round(seconds * 1e6))
	return time.UnixMicro(micros).UTC()
}
