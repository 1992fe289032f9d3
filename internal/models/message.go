package models

import (
	"encoding/json"
	"time"
)

// Message одно сообщение о позиции/идентичности судна
type Message struct {
	Identifier string    `json:"ssvid"`
	Timestamp  time.Time `json:"timestamp"`

	Lat    *float64 `json:"lat,omitempty"`
	Lon    *float64 `json:"lon,omitempty"`
	Speed  *float64 `json:"speed,omitempty"`
	Course *float64 `json:"course,omitempty"`

	// Сырые поля идентичности в том виде, в котором пришли
	Shipname *string `json:"shipname,omitempty"`
	Callsign *string `json:"callsign,omitempty"`
	IMO      *string `json:"imo,omitempty"`

	// Ordinal порядок поступления, используется для стабильной сортировки
	Ordinal int64 `json:"-"`

	// Extra поля источника, которые передаются в выход без изменений
	Extra map[string]json.RawMessage `json:"-"`

	// Normalized заполняется нормализатором идентичности
	Normalized *NormalizedIdentity `json:"-"`
}

// RawIdentity сырые поля идентичности сообщения
type RawIdentity struct {
	Shipname *string
	Callsign *string
	IMO      *string
}

// NormalizedIdentity канонизированные поля идентичности
type NormalizedIdentity struct {
	Shipname *string `json:"n_shipname"`
	Callsign *string `json:"n_callsign"`
	IMO      *int64  `json:"n_imo"`
}

// IsEmpty true, если ни одно поле не задано
func (n NormalizedIdentity) IsEmpty() bool {
	return n.Shipname == nil && n.Callsign == nil && n.IMO == nil
}

// Raw возвращает сырые поля идентичности
func (m *Message) Raw() RawIdentity {
	return RawIdentity{Shipname: m.Shipname, Callsign: m.Callsign, IMO: m.IMO}
}

// Position возвращает позицию, если обе координаты заданы и корректны
func (m *Message) Position() *GeoPoint {
	if m.Lat == nil || m.Lon == nil {
		return nil
	}
	p := GeoPoint{Latitude: *m.Lat, Longitude: *m.Lon}
	if p.Validate() != nil {
		return nil
	}
	return &p
}

// Validate проверяет обязательные поля (identifier, timestamp)
func (m *Message) Validate() error {
	if m.Identifier == "" {
		return &MalformedError{Ordinal: m.Ordinal, Reason: "missing ssvid"}
	}
	if m.Timestamp.IsZero() {
		return &MalformedError{Ordinal: m.Ordinal, Identifier: m.Identifier, Reason: "missing timestamp"}
	}
	return nil
}

// MessageFlag отметка о решении сегментатора по сообщению
type MessageFlag string

const (
	FlagIdentityConflict MessageFlag = "identity_conflict"
	FlagOutOfOrder       MessageFlag = "out_of_order"
)

// AnnotatedMessage сообщение с назначенным сегментом и нормализованной идентичностью
type AnnotatedMessage struct {
	Message
	SegID    string             `json:"seg_id"`
	Identity NormalizedIdentity `json:"identity"`
	Flags    []MessageFlag      `json:"flags,omitempty"`
}

// HasFlag проверяет наличие отметки
func (a *AnnotatedMessage) HasFlag(flag MessageFlag) bool {
	for _, f := range a.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// MessageBatch результат чтения источника
type MessageBatch struct {
	Messages  []Message
	Malformed []MalformedRecord
}
