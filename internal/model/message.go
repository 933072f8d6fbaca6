package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message discriminators carried on the push channel.
const (
	TypeEMA        = "ema_data"
	TypeConnection = "connection"
	TypeError      = "error"
	TypePong       = "pong"
	TypeStatus     = "status"
)

// EMAMessage is the indicator snapshot pushed after each index tick and
// on every tail poll. Nil EMA fields mean "not enough samples".
type EMAMessage struct {
	DataType    string   `json:"dataType"`
	LongEMA     *float64 `json:"longEma"`
	ShortEMA    *float64 `json:"shortEma"`
	LongPeriod  int      `json:"longPeriod"`
	ShortPeriod int      `json:"shortPeriod"`
	TotalTicks  int      `json:"totalTicks"`
	Timestamp   string   `json:"timestamp"`
}

// Empty reports whether neither EMA could be computed.
func (m EMAMessage) Empty() bool {
	return m.LongEMA == nil && m.ShortEMA == nil
}

// Encode serializes the message.
func (m EMAMessage) Encode() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode ema message: %w", err)
	}
	return b, nil
}

// ControlMessage is a connection-scoped reply (ack, pong, error, status).
type ControlMessage struct {
	Type     string `json:"type"`
	Status   string `json:"status,omitempty"`
	Message  string `json:"message,omitempty"`
	ClientID string `json:"clientId,omitempty"`
	ServerTS int64  `json:"serverTs,omitempty"`
	Data     any    `json:"data,omitempty"`
}

// Encode serializes the message.
func (m ControlMessage) Encode() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s message: %w", m.Type, err)
	}
	return b, nil
}

// NewErrorMessage builds an error reply.
func NewErrorMessage(msg string) ControlMessage {
	return ControlMessage{Type: TypeError, Message: msg, ServerTS: time.Now().UnixMilli()}
}
