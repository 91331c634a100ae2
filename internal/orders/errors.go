package orders

import (
	"fmt"

	"github.com/mercerlabs/futures-engine/internal/safety"
)

// RecoveryAction tells the caller how to proceed after an execution failure.
type RecoveryAction string

// Recovery actions.
const (
	RecoveryRetry         RecoveryAction = "retry"
	RecoverySkip          RecoveryAction = "skip"
	RecoveryAlert         RecoveryAction = "alert"
	RecoveryEmergencyStop RecoveryAction = "emergency_stop"
)

// SafetyLimitError blocks an order before submission. The order row is never
// created.
type SafetyLimitError struct {
	Violation safety.Violation
}

func (e *SafetyLimitError) Error() string {
	return fmt.Sprintf("safety limit %s: %s", e.Violation.Rule, e.Violation.Message)
}

// ExecutionError is a failed order submission. The order row is marked
// Rejected before the error surfaces.
type ExecutionError struct {
	OrderID        string
	RecoveryAction RecoveryAction
	Err            error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("order %s execution failed (%s): %v", e.OrderID, e.RecoveryAction, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
