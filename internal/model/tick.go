package model

import (
	"encoding/json"
	"fmt"
	"math"
)

// DataType tags a tick as an index observation or an option leg.
type DataType string

const (
	IndexTick  DataType = "indextick"
	OptionTick DataType = "optiontick"
)

// Valid reports whether d is one of the two known tick variants.
func (d DataType) Valid() bool {
	return d == IndexTick || d == OptionTick
}

// ParseDataType converts a query/config value into a DataType.
func ParseDataType(s string) (DataType, error) {
	d := DataType(s)
	if !d.Valid() {
		return "", fmt.Errorf("unknown data type %q", s)
	}
	return d, nil
}

// Beginning is the watermark used to read a series from its first tick.
const Beginning int64 = math.MinInt64

// Tick is one market data observation read from the tick store.
// FeedTime (unix seconds) is the ordering key.
// JSON field names follow the feed's short keys (ft, lp, ...).
type Tick struct {
	FeedTime        int64   `json:"ft"`
	InstrumentToken int64   `json:"token"`
	Exchange        string  `json:"e"`
	LastPrice       float64 `json:"lp"`
	PriceChange     float64 `json:"pc"`
	RecordTime      string  `json:"rt"`
	TradingSymbol   string  `json:"ts"`
	SourceID        string  `json:"_id,omitempty"`
}

// TaggedTick is a Tick plus its dataType discriminator. It is the shape
// stored in the history cache and sent to subscribers.
type TaggedTick struct {
	Tick
	DataType DataType `json:"dataType"`
}

// Tag returns the tick tagged with d.
func (t Tick) Tag(d DataType) TaggedTick {
	return TaggedTick{Tick: t, DataType: d}
}

// Encode serializes the tagged tick. Non-finite prices fail to encode.
func (t TaggedTick) Encode() ([]byte, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encode tick ft=%d token=%d: %w", t.FeedTime, t.InstrumentToken, err)
	}
	return b, nil
}

// DecodeTaggedTick parses a cache entry or tick message.
func DecodeTaggedTick(data []byte) (TaggedTick, error) {
	var t TaggedTick
	if err := json.Unmarshal(data, &t); err != nil {
		return TaggedTick{}, fmt.Errorf("decode tick: %w", err)
	}
	return t, nil
}
