// Package marketdata maintains the live market state the engine evaluates
// against: a reconnecting wire client, tick-to-candle aggregation with
// bounded per-symbol buffers, streaming indicators and the opening-range
// cache.
package marketdata

import (
	"fmt"
	"log"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/mercerlabs/futures-engine/internal/models"
)

// MaxCandles bounds every per-symbol candle buffer.
const MaxCandles = 200

// CandleCloseHandler observes candles promoted into the buffer.
type CandleCloseHandler func(symbol string, candle models.Candle)

// Aggregator owns the candle, quote and opening-range caches. It is written
// by the wire-message handler and read by the engine; every read returns a
// snapshot copy.
type Aggregator struct {
	mu      sync.RWMutex
	buffers map[string][]models.Candle
	current map[string]*models.Candle
	quotes  map[string]models.Quote

	// Completed opening ranges are immutable; entries expire on their own.
	orCache *gocache.Cache

	closeMu       sync.RWMutex
	closeHandlers []CandleCloseHandler

	logger *log.Logger
	now    func() time.Time
}

// NewAggregator creates an empty aggregator.
func NewAggregator(logger *log.Logger) *Aggregator {
	if logger == nil {
		logger = log.Default()
	}
	return &Aggregator{
		buffers: make(map[string][]models.Candle),
		current: make(map[string]*models.Candle),
		quotes:  make(map[string]models.Quote),
		orCache: gocache.New(12*time.Hour, 30*time.Minute),
		logger:  logger,
		now:     time.Now,
	}
}

// OnCandleClose registers a handler invoked after a candle is promoted to
// the buffer. Handlers run on the wire-reader goroutine and must be quick.
func (a *Aggregator) OnCandleClose(h CandleCloseHandler) {
	a.closeMu.Lock()
	defer a.closeMu.Unlock()
	a.closeHandlers = append(a.closeHandlers, h)
}

// HandleTick aggregates one trade print into the symbol's current candle,
// promoting the candle to the buffer on a bucket rollover.
func (a *Aggregator) HandleTick(t models.Tick) {
	if t.Symbol == "" {
		a.logger.Printf("marketdata: dropping tick with empty symbol")
		return
	}

	bucket := models.BucketStart(t.Timestamp)

	var closed *models.Candle
	a.mu.Lock()
	cur := a.current[t.Symbol]
	if cur != nil && !cur.Timestamp.Equal(bucket) {
		done := *cur
		a.pushLocked(t.Symbol, done)
		closed = &done
		cur = nil
	}
	if cur == nil {
		a.current[t.Symbol] = &models.Candle{
			Timestamp: bucket,
			Open:      t.Price,
			High:      t.Price,
			Low:       t.Price,
			Close:     t.Price,
			Volume:    t.Size,
		}
	} else {
		if t.Price > cur.High {
			cur.High = t.Price
		}
		if t.Price < cur.Low {
			cur.Low = t.Price
		}
		cur.Close = t.Price
		cur.Volume += t.Size
	}
	a.mu.Unlock()

	if closed != nil {
		a.closeMu.RLock()
		handlers := a.closeHandlers
		a.closeMu.RUnlock()
		for _, h := range handlers {
			h(t.Symbol, *closed)
		}
	}
}

// pushLocked appends a closed candle, evicting the oldest over capacity.
// Caller holds a.mu.
func (a *Aggregator) pushLocked(symbol string, c models.Candle) {
	buf := append(a.buffers[symbol], c)
	if len(buf) > MaxCandles {
		buf = buf[len(buf)-MaxCandles:]
	}
	a.buffers[symbol] = buf
}

// HandleQuote updates the latest-quote cache.
func (a *Aggregator) HandleQuote(q models.Quote) {
	if q.Symbol == "" {
		return
	}
	a.mu.Lock()
	a.quotes[q.Symbol] = q
	a.mu.Unlock()
}

// Candles returns a copy of the symbol's closed candles, oldest first.
func (a *Aggregator) Candles(symbol string) []models.Candle {
	a.mu.RLock()
	defer a.mu.RUnlock()
	buf := a.buffers[symbol]
	out := make([]models.Candle, len(buf))
	copy(out, buf)
	return out
}

// CurrentCandle returns a copy of the open (unclosed) candle, if any.
func (a *Aggregator) CurrentCandle(symbol string) (models.Candle, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	cur := a.current[symbol]
	if cur == nil {
		return models.Candle{}, false
	}
	return *cur, true
}

// LatestQuote returns the most recent quote for the symbol.
func (a *Aggregator) LatestQuote(symbol string) (models.Quote, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	q, ok := a.quotes[symbol]
	return q, ok
}

// MergeHistorical merges backfilled bars with live candles that accumulated
// meanwhile. Historical bars not newer than the oldest live bar boundary are
// kept ahead of live bars; duplicates of live buckets and anything older
// than the live window are dropped, and the result is capped at MaxCandles
// newest bars.
func (a *Aggregator) MergeHistorical(symbol string, bars []models.Candle) {
	if symbol == "" || len(bars) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	live := a.buffers[symbol]
	merged := make([]models.Candle, 0, len(bars)+len(live))
	if len(live) == 0 {
		merged = append(merged, bars...)
	} else {
		oldestLive := live[0].Timestamp
		for _, b := range bars {
			if b.Timestamp.Before(oldestLive) {
				merged = append(merged, b)
			}
		}
		merged = append(merged, live...)
	}
	if len(merged) > MaxCandles {
		merged = merged[len(merged)-MaxCandles:]
	}
	a.buffers[symbol] = merged
}

// openingRangeKey builds the cache key for a (symbol, window) pair.
func openingRangeKey(symbol string, startMinute, endMinute int) string {
	return fmt.Sprintf("%s|%02d:%02d-%02d:%02d",
		symbol, startMinute/60, startMinute%60, endMinute/60, endMinute%60)
}

// OpeningRange derives the opening range for the window [start, end) in loc,
// measured in minutes of day. Complete ranges are cached until expiry.
func (a *Aggregator) OpeningRange(symbol string, startMinute, endMinute int, loc *time.Location) *models.OpeningRange {
	if symbol == "" || loc == nil || endMinute <= startMinute {
		return nil
	}

	key := openingRangeKey(symbol, startMinute, endMinute)
	if v, ok := a.orCache.Get(key); ok {
		or := v.(models.OpeningRange)
		return &or
	}

	now := a.now().In(loc)
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	start := dayStart.Add(time.Duration(startMinute) * time.Minute)
	end := dayStart.Add(time.Duration(endMinute) * time.Minute)

	or := models.OpeningRange{StartTime: start, EndTime: end}
	found := false
	a.mu.RLock()
	for _, c := range a.buffers[symbol] {
		ts := c.Timestamp
		if ts.Before(start) || !ts.Before(end) {
			continue
		}
		if !found {
			or.High = c.High
			or.Low = c.Low
			found = true
			continue
		}
		if c.High > or.High {
			or.High = c.High
		}
		if c.Low < or.Low {
			or.Low = c.Low
		}
	}
	a.mu.RUnlock()

	if !found {
		return nil
	}
	or.IsComplete = !a.now().Before(end)
	if or.IsComplete {
		a.orCache.Set(key, or, time.Until(end.Add(24*time.Hour)))
	}
	return &or
}

// SetOpeningRange installs a previously persisted complete range, used when
// restoring intraday state after a restart.
func (a *Aggregator) SetOpeningRange(symbol string, startMinute, endMinute int, or models.OpeningRange) {
	if !or.IsComplete {
		return
	}
	key := openingRangeKey(symbol, startMinute, endMinute)
	a.orCache.Set(key, or, gocache.DefaultExpiration)
}

// Symbols returns every symbol with any cached state.
func (a *Aggregator) Symbols() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	seen := make(map[string]bool)
	for s := range a.buffers {
		seen[s] = true
	}
	for s := range a.current {
		seen[s] = true
	}
	for s := range a.quotes {
		seen[s] = true
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	return out
}
