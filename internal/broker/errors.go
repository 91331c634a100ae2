package broker

import "fmt"

// APIError is a failed broker RPC. Retryable is true only for server-side
// failures; 4xx responses indicate a request the caller must not repeat
// unchanged.
type APIError struct {
	Code       string
	HTTPStatus int
	Message    string
	Retryable  bool
}

// NewAPIError builds an APIError, deriving Retryable from the HTTP status.
func NewAPIError(code string, httpStatus int, message string) *APIError {
	return &APIError{
		Code:       code,
		HTTPStatus: httpStatus,
		Message:    message,
		Retryable:  httpStatus >= 500,
	}
}

func (e *APIError) Error() string {
	if e.HTTPStatus > 0 {
		return fmt.Sprintf("broker api error %s (http %d): %s", e.Code, e.HTTPStatus, e.Message)
	}
	return fmt.Sprintf("broker api error %s: %s", e.Code, e.Message)
}
