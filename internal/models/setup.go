package models

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// SignalType distinguishes entry signals from exit signals.
type SignalType string

// Signal types.
const (
	SignalEntry SignalType = "entry"
	SignalExit  SignalType = "exit"
)

// SetupStatus is the lifecycle state of a detected setup.
type SetupStatus string

// Setup lifecycle states.
const (
	SetupPending          SetupStatus = "pending"
	SetupAwaitingApproval SetupStatus = "awaiting_approval"
	SetupApproved         SetupStatus = "approved"
	SetupRejected         SetupStatus = "rejected"
	SetupAlerted          SetupStatus = "alerted"
	SetupExecuted         SetupStatus = "executed"
	SetupFailed           SetupStatus = "failed"
)

// SetupTransition defines a valid setup status transition.
type SetupTransition struct {
	From SetupStatus
	To   SetupStatus
}

// ValidSetupTransitions is the setup status transition table.
var ValidSetupTransitions = []SetupTransition{
	{SetupPending, SetupAwaitingApproval},
	{SetupPending, SetupAlerted},
	{SetupPending, SetupExecuted},
	{SetupPending, SetupFailed},
	{SetupAwaitingApproval, SetupApproved},
	{SetupAwaitingApproval, SetupRejected},
	{SetupApproved, SetupExecuted},
	{SetupApproved, SetupFailed},
}

// CanTransitionSetup reports whether from -> to is a legal status change.
func CanTransitionSetup(from, to SetupStatus) bool {
	if from == to {
		return true
	}
	for _, t := range ValidSetupTransitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}

// SetupDetection is a concrete, actionable entry candidate produced by a
// strategy evaluation. ID is deterministic apart from the trailing nonce.
type SetupDetection struct {
	ID            string              `json:"id"`
	StrategyID    string              `json:"strategy_id"`
	Instrument    Symbol              `json:"instrument"`
	SignalType    SignalType          `json:"signal_type"`
	Direction     Direction           `json:"direction"`
	Price         float64             `json:"price"`
	Timestamp     time.Time           `json:"timestamp"`
	ConditionsMet []string            `json:"conditions_met"`
	Indicators    map[string]*float64 `json:"indicators"`
	Status        SetupStatus         `json:"status"`

	OrderID string `json:"order_id,omitempty"`
	Error   string `json:"error,omitempty"`

	EntryPrice       float64 `json:"entry_price,omitempty"`
	StopPrice        float64 `json:"stop_price,omitempty"`
	TargetPrice      float64 `json:"target_price,omitempty"`
	ContractQuantity int     `json:"contract_quantity,omitempty"`
	Confidence       float64 `json:"confidence,omitempty"`
	Reason           string  `json:"reason,omitempty"`
}

// NewSetupID builds the canonical setup id:
//
//	{strategyId}-{iso8601Timestamp}-{direction}-{6-hex-nonce}
//
// The nonce is the only source of sub-millisecond uniqueness. Consumers may
// split on "-" from the right.
func NewSetupID(strategyID string, ts time.Time, direction Direction) string {
	return fmt.Sprintf("%s-%s-%s-%s",
		strategyID, ts.UTC().Format(time.RFC3339), direction, newNonce())
}

// SetupIDNonce extracts the trailing nonce from a setup id.
func SetupIDNonce(id string) string {
	i := strings.LastIndex(id, "-")
	if i < 0 {
		return ""
	}
	return id[i+1:]
}

func newNonce() string {
	var b [3]byte
	if _, err := rand.Read(b[:]); err != nil {
		// Timestamp fallback keeps ids well-formed if the entropy pool fails.
		return fmt.Sprintf("%06x", time.Now().UnixNano()&0xffffff)
	}
	return hex.EncodeToString(b[:])
}
