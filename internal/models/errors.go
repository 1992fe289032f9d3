package models

import (
	"errors"
	"fmt"
)

// ErrMalformedMessage сообщение без обязательных полей или нечитаемое
var ErrMalformedMessage = errors.New("malformed message")

// MalformedError описывает отклоненное сообщение
type MalformedError struct {
	Ordinal    int64
	Identifier string
	Reason     string
}

func (e *MalformedError) Error() string {
	if e.Identifier != "" {
		return fmt.Sprintf("malformed message #%d (ssvid %s): %s", e.Ordinal, e.Identifier, e.Reason)
	}
	return fmt.Sprintf("malformed message #%d: %s", e.Ordinal, e.Reason)
}

// Unwrap позволяет errors.Is(err, ErrMalformedMessage)
func (e *MalformedError) Unwrap() error {
	return ErrMalformedMessage
}

// MalformedRecord запись для побочного выхода с отклоненными сообщениями
type MalformedRecord struct {
	Ordinal    int64  `json:"ordinal"`
	Identifier string `json:"ssvid,omitempty"`
	Reason     string `json:"reason"`
	Raw        string `json:"raw,omitempty"`
}

// NewMalformedRecord строит запись из ошибки валидации
func NewMalformedRecord(err error, raw string) MalformedRecord {
	var me *MalformedError
	if errors.As(err, &me) {
		return MalformedRecord{Ordinal: me.Ordinal, Identifier: me.Identifier, Reason: me.Reason, Raw: raw}
	}
	return MalformedRecord{Reason: err.Error(), Raw: raw}
}
