// Package rules defines the canonical strategy rules schema and compiles
// validated rules into executable strategies.
//
// CanonicalRules is a tagged sum over the supported trading patterns: the
// Pattern field is the discriminator and exactly one entry payload is set.
// Validation is the only boundary between rule authoring and execution; any
// record that reaches the compiler has passed Validate and downstream code
// never reinterprets text fields.
package rules

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/mercerlabs/futures-engine/internal/models"
)

// Pattern is the strategy pattern discriminator.
type Pattern string

// Supported patterns.
const (
	PatternOpeningRangeBreakout Pattern = "opening_range_breakout"
	PatternEMAPullback          Pattern = "ema_pullback"
	PatternBreakout             Pattern = "breakout"
)

// TradeDirection restricts which side of the market a strategy may enter.
type TradeDirection string

// Trade directions.
const (
	TradeLong  TradeDirection = "long"
	TradeShort TradeDirection = "short"
	TradeBoth  TradeDirection = "both"
)

// InstrumentSpec pins the contract constants a strategy trades with.
type InstrumentSpec struct {
	Symbol       models.Symbol `json:"symbol" validate:"required"`
	ContractSize float64       `json:"contractSize" validate:"gt=0"`
	TickSize     float64       `json:"tickSize" validate:"gt=0"`
	TickValue    float64       `json:"tickValue" validate:"gt=0"`
}

// StopLossSpec selects how the protective stop is derived.
type StopLossSpec struct {
	Type  string  `json:"type" validate:"required,oneof=fixed_ticks structure atr_multiple opposite_range"`
	Value float64 `json:"value" validate:"gte=0"`
}

// TakeProfitSpec selects how the profit target is derived.
type TakeProfitSpec struct {
	Type  string  `json:"type" validate:"required,oneof=rr_ratio fixed_ticks opposite_range structure"`
	Value float64 `json:"value" validate:"gt=0"`
}

// ExitSpec groups stop and target derivation.
type ExitSpec struct {
	StopLoss   StopLossSpec   `json:"stopLoss" validate:"required"`
	TakeProfit TakeProfitSpec `json:"takeProfit" validate:"required"`
}

// RiskSpec controls position sizing. RiskPercent is in percent units
// (1 means 1% of the account), not a fraction.
type RiskSpec struct {
	PositionSizing string  `json:"positionSizing" validate:"required,oneof=risk_percent fixed_contracts"`
	RiskPercent    float64 `json:"riskPercent" validate:"gte=0.1,lte=5"`
	MaxContracts   int     `json:"maxContracts" validate:"gte=1,lte=20"`
}

// TimeSpec restricts when a strategy may trade.
type TimeSpec struct {
	Session     string `json:"session" validate:"required,oneof=ny london asia all custom"`
	CustomStart string `json:"customStart,omitempty"`
	CustomEnd   string `json:"customEnd,omitempty"`
	Timezone    string `json:"timezone,omitempty"`
}

// ORBEntry parameterizes the opening-range-breakout pattern.
type ORBEntry struct {
	PeriodMinutes int    `json:"periodMinutes" validate:"gte=5,lte=120"`
	EntryOn       string `json:"entryOn" validate:"required,oneof=break_high break_low both"`
}

// RSIFilter is the optional RSI sub-condition on the EMA-pullback pattern.
type RSIFilter struct {
	Period    int     `json:"period" validate:"gte=2,lte=50"`
	Threshold float64 `json:"threshold" validate:"gte=0,lte=100"`
	Direction string  `json:"direction" validate:"required,oneof=above below"`
}

// EMAPullbackEntry parameterizes the EMA-pullback pattern.
type EMAPullbackEntry struct {
	EMAPeriod            int        `json:"emaPeriod" validate:"gte=5,lte=200"`
	PullbackConfirmation string     `json:"pullbackConfirmation" validate:"required,oneof=touch close_above bounce"`
	RSI                  *RSIFilter `json:"rsi,omitempty"`
}

// BreakoutEntry parameterizes the breakout pattern.
type BreakoutEntry struct {
	LookbackPeriod int    `json:"lookbackPeriod" validate:"gte=5,lte=100"`
	LevelType      string `json:"levelType" validate:"required,oneof=resistance support both"`
	Confirmation   string `json:"confirmation" validate:"required,oneof=close volume none"`
}

// DefaultBreakoutLookback is applied when a breakout record omits the
// lookback period.
const DefaultBreakoutLookback = 20

// CanonicalRules is a validated, pattern-discriminated rules record.
// Exactly one of ORB, EMAPullback and Breakout is non-nil, matching Pattern.
type CanonicalRules struct {
	Version    int            `json:"version"`
	Pattern    Pattern        `json:"pattern" validate:"required,oneof=opening_range_breakout ema_pullback breakout"`
	Direction  TradeDirection `json:"direction" validate:"required,oneof=long short both"`
	Instrument InstrumentSpec `json:"instrument" validate:"required"`
	Exit       ExitSpec       `json:"exit" validate:"required"`
	Risk       RiskSpec       `json:"risk" validate:"required"`
	Time       TimeSpec       `json:"time" validate:"required"`

	ORB         *ORBEntry         `json:"-" validate:"omitempty"`
	EMAPullback *EMAPullbackEntry `json:"-" validate:"omitempty"`
	Breakout    *BreakoutEntry    `json:"-" validate:"omitempty"`
}

// ValidationError reports every schema violation found in a rules record.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "invalid canonical rules: " + strings.Join(e.Issues, "; ")
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// canonicalEnvelope is the wire shape: the common sub-records plus an
// untyped entry payload resolved by the pattern discriminator.
type canonicalEnvelope struct {
	Version    int             `json:"version"`
	Pattern    Pattern         `json:"pattern"`
	Direction  TradeDirection  `json:"direction"`
	Instrument InstrumentSpec  `json:"instrument"`
	Exit       ExitSpec        `json:"exit"`
	Risk       RiskSpec        `json:"risk"`
	Time       TimeSpec        `json:"time"`
	Entry      json.RawMessage `json:"entry"`
}

// Parse decodes and validates a canonical rules record. It never returns a
// partial or untagged record: on any violation the result is nil and a
// *ValidationError (or decode error) is returned.
func Parse(data []byte) (*CanonicalRules, error) {
	var env canonicalEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding canonical rules: %w", err)
	}

	r := &CanonicalRules{
		Version:    env.Version,
		Pattern:    env.Pattern,
		Direction:  env.Direction,
		Instrument: env.Instrument,
		Exit:       env.Exit,
		Risk:       env.Risk,
		Time:       env.Time,
	}
	if r.Direction == "" {
		r.Direction = TradeBoth
	}

	if len(env.Entry) > 0 {
		switch env.Pattern {
		case PatternOpeningRangeBreakout:
			var e ORBEntry
			if err := json.Unmarshal(env.Entry, &e); err != nil {
				return nil, fmt.Errorf("decoding %s entry: %w", env.Pattern, err)
			}
			r.ORB = &e
		case PatternEMAPullback:
			var e EMAPullbackEntry
			if err := json.Unmarshal(env.Entry, &e); err != nil {
				return nil, fmt.Errorf("decoding %s entry: %w", env.Pattern, err)
			}
			r.EMAPullback = &e
		case PatternBreakout:
			var e BreakoutEntry
			if err := json.Unmarshal(env.Entry, &e); err != nil {
				return nil, fmt.Errorf("decoding %s entry: %w", env.Pattern, err)
			}
			if e.LookbackPeriod == 0 {
				e.LookbackPeriod = DefaultBreakoutLookback
			}
			r.Breakout = &e
		}
	}

	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Validate runs strict schema validation: required fields, enumerated
// ranges, and discriminator/payload consistency.
func (r *CanonicalRules) Validate() error {
	var issues []string

	if err := validate.Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if ok := asValidationErrors(err, &verrs); ok {
			for _, fe := range verrs {
				issues = append(issues, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
		} else {
			issues = append(issues, err.Error())
		}
	}

	if !models.IsSupportedSymbol(r.Instrument.Symbol) {
		issues = append(issues, fmt.Sprintf("instrument.symbol: unsupported symbol %q", r.Instrument.Symbol))
	}

	switch r.Pattern {
	case PatternOpeningRangeBreakout:
		if r.ORB == nil {
			issues = append(issues, "entry: opening_range_breakout requires an ORB entry payload")
		} else if err := validate.Struct(r.ORB); err != nil {
			issues = append(issues, "entry: "+err.Error())
		}
		if r.EMAPullback != nil || r.Breakout != nil {
			issues = append(issues, "entry: payload does not match pattern discriminator")
		}
	case PatternEMAPullback:
		if r.EMAPullback == nil {
			issues = append(issues, "entry: ema_pullback requires an EMA pullback entry payload")
		} else {
			if err := validate.Struct(r.EMAPullback); err != nil {
				issues = append(issues, "entry: "+err.Error())
			}
			if r.EMAPullback.RSI != nil {
				if err := validate.Struct(r.EMAPullback.RSI); err != nil {
					issues = append(issues, "entry.rsi: "+err.Error())
				}
			}
		}
		if r.ORB != nil || r.Breakout != nil {
			issues = append(issues, "entry: payload does not match pattern discriminator")
		}
	case PatternBreakout:
		if r.Breakout == nil {
			issues = append(issues, "entry: breakout requires a breakout entry payload")
		} else if err := validate.Struct(r.Breakout); err != nil {
			issues = append(issues, "entry: "+err.Error())
		}
		if r.ORB != nil || r.EMAPullback != nil {
			issues = append(issues, "entry: payload does not match pattern discriminator")
		}
	}

	if r.Time.Session == "custom" {
		if _, err := parseHHMM(r.Time.CustomStart); err != nil {
			issues = append(issues, fmt.Sprintf("time.customStart: %v", err))
		}
		if _, err := parseHHMM(r.Time.CustomEnd); err != nil {
			issues = append(issues, fmt.Sprintf("time.customEnd: %v", err))
		}
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

func asValidationErrors(err error, target *validator.ValidationErrors) bool {
	verrs, ok := err.(validator.ValidationErrors)
	if ok {
		*target = verrs
	}
	return ok
}
