package marketdata

import (
	"math"

	"github.com/mercerlabs/futures-engine/internal/models"
)

// EMA returns the exponential moving average of closes for the symbol, or
// nil when fewer than period candles exist. The first value seeds from the
// simple average of the first period closes.
func (a *Aggregator) EMA(symbol string, period int) *float64 {
	if symbol == "" || period < 1 {
		a.logger.Printf("marketdata: invalid EMA input symbol=%q period=%d", symbol, period)
		return nil
	}
	candles := a.Candles(symbol)
	if len(candles) < period {
		return nil
	}

	var sum float64
	for _, c := range candles[:period] {
		sum += c.Close
	}
	ema := sum / float64(period)

	multiplier := 2.0 / float64(period+1)
	for _, c := range candles[period:] {
		ema = (c.Close-ema)*multiplier + ema
	}
	return &ema
}

// RSI returns the Wilder-smoothed relative strength index, or nil when
// fewer than period+1 candles exist. Returns 100 when the average loss is
// zero.
func (a *Aggregator) RSI(symbol string, period int) *float64 {
	if symbol == "" || period < 2 {
		a.logger.Printf("marketdata: invalid RSI input symbol=%q period=%d", symbol, period)
		return nil
	}
	candles := a.Candles(symbol)
	if len(candles) < period+1 {
		return nil
	}

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		diff := candles[i].Close - candles[i-1].Close
		if diff > 0 {
			avgGain += diff
		} else {
			avgLoss -= diff
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	for i := period + 1; i < len(candles); i++ {
		diff := candles[i].Close - candles[i-1].Close
		gain, loss := 0.0, 0.0
		if diff > 0 {
			gain = diff
		} else {
			loss = -diff
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	if avgLoss == 0 {
		out := 100.0
		return &out
	}
	rs := avgGain / avgLoss
	out := 100 - 100/(1+rs)
	return &out
}

// ATR returns the Wilder-smoothed average true range, or nil when fewer
// than period+1 candles exist.
func (a *Aggregator) ATR(symbol string, period int) *float64 {
	if symbol == "" || period < 1 {
		a.logger.Printf("marketdata: invalid ATR input symbol=%q period=%d", symbol, period)
		return nil
	}
	candles := a.Candles(symbol)
	if len(candles) < period+1 {
		return nil
	}

	trs := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		trs = append(trs, trueRange(candles[i], candles[i-1]))
	}

	var atr float64
	for _, tr := range trs[:period] {
		atr += tr
	}
	atr /= float64(period)

	for _, tr := range trs[period:] {
		atr = (atr*float64(period-1) + tr) / float64(period)
	}
	return &atr
}

func trueRange(cur, prev models.Candle) float64 {
	hl := cur.High - cur.Low
	hc := math.Abs(cur.High - prev.Close)
	lc := math.Abs(cur.Low - prev.Close)
	return math.Max(hl, math.Max(hc, lc))
}

// VWAP returns the volume-weighted average price over today's candles
// (typical price weighted by volume), or nil when no volume has traded yet.
func (a *Aggregator) VWAP(symbol string) *float64 {
	if symbol == "" {
		a.logger.Printf("marketdata: invalid VWAP input: empty symbol")
		return nil
	}
	candles := a.Candles(symbol)
	if len(candles) == 0 {
		return nil
	}

	// "Today" is the calendar day of the newest candle.
	last := candles[len(candles)-1].Timestamp
	y, m, d := last.Date()

	var pvSum, volSum float64
	for _, c := range candles {
		cy, cm, cd := c.Timestamp.Date()
		if cy != y || cm != m || cd != d {
			continue
		}
		typical := (c.High + c.Low + c.Close) / 3
		pvSum += typical * c.Volume
		volSum += c.Volume
	}
	if volSum == 0 {
		return nil
	}
	out := pvSum / volSum
	return &out
}
