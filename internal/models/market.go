// Package models provides the data structures shared across the engine:
// instruments, candles, quotes, orders, fills, positions and setups.
package models

import "time"

// CandleInterval is the aggregation bucket used throughout the engine.
const CandleInterval = 5 * time.Minute

// Candle is a single OHLCV bar for one time bucket.
type Candle struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// BucketStart returns the 5-minute bucket a tick timestamp falls into,
// rounded down.
func BucketStart(ts time.Time) time.Time {
	return ts.Truncate(CandleInterval)
}

// Quote is the latest top-of-book snapshot for a symbol.
type Quote struct {
	Symbol    string    `json:"symbol"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Last      float64   `json:"last"`
	Volume    float64   `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}

// Tick is a single trade print from the market-data feed.
type Tick struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Size      float64   `json:"size"`
	Timestamp time.Time `json:"timestamp"`
}

// OpeningRange is the high/low of the first N minutes of a session.
// Once IsComplete is true the value never changes and may be cached or
// persisted as-is.
type OpeningRange struct {
	High       float64   `json:"high"`
	Low        float64   `json:"low"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
	IsComplete bool      `json:"is_complete"`
}
