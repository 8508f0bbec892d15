package matrix

import (
	goerrors "errors"
	"fmt"
	"time"
)

// MatrixError is the error body every homeserver endpoint returns on failure.
type MatrixError struct {
	Code       string `json:"errcode"`
	Message    string `json:"error"`
	StatusCode int    `json:"-"`

	// RetryAfterMS comes with M_LIMIT_EXCEEDED.
	RetryAfterMS int64 `json:"retry_after_ms,omitempty"`
}

func (e *MatrixError) Error() string {
	return fmt.Sprintf("matrix: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

const (
	ErrCodeForbidden     = "M_FORBIDDEN"
	ErrCodeUnknownToken  = "M_UNKNOWN_TOKEN"
	ErrCodeLimitExceeded = "M_LIMIT_EXCEEDED"
	ErrCodeUnknown       = "M_UNKNOWN"
)

// IsMatrixError reports whether err carries a MatrixError with the given code.
func IsMatrixError(err error, code string) bool {
	var matrixErr *MatrixError
	if goerrors.As(err, &matrixErr) {
		return matrixErr.Code == code
	}
	return false
}

// retryAfter is the wait a rate-limited homeserver asked for, if any.
func retryAfter(err error) (time.Duration, bool) {
	var matrixErr *MatrixError
	if !goerrors.As(err, &matrixErr) || matrixErr.Code != ErrCodeLimitExceeded || matrixErr.RetryAfterMS <= 0 {
		return 0, false
	}
	return time.Duration(matrixErr.RetryAfterMS) * time.Millisecond, true
}
