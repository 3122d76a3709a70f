package types

import "errors"

// Error is the typed error every package surfaces at its boundary. Code is one
// of the snake_case constants below and doubles as the reason token carried
// into RedemptionResult reasons.
type Error struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// NewError builds a typed error with the given code.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// CodeOf returns the code of a typed error, or "" for any other error.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err is a typed error with the given code.
func IsCode(err error, code string) bool {
	return CodeOf(err) == code
}

// MessageOf returns the message of a typed error without its code prefix,
// falling back to Error() for any other error.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Message != "" {
			return e.Message
		}
		return e.Code
	}
	return err.Error()
}

const (
	// -----------------------------
	// CHALLENGE DECODING
	// -----------------------------
	ErrDecode = "decode_error"

	// -----------------------------
	// POLICY REJECTIONS
	// -----------------------------
	ErrExpired    = "expired"
	ErrOverBudget = "over_budget"
	ErrPolicyFit  = "policy_fit"

	// -----------------------------
	// SETTLEMENT
	// -----------------------------
	ErrSubmissionFailed = "submission_failed"
	ErrTimedOut         = "timed_out"
	ErrUnknownOutcome   = "unknown_outcome"

	// -----------------------------
	// REDEMPTION
	// -----------------------------
	ErrNotYetConfirmed  = "not_yet_confirmed"
	ErrInvalidReference = "invalid_reference"
	ErrServerError      = "server_error"

	// -----------------------------
	// TRANSPORT / CONFIGURATION
	// -----------------------------
	ErrRequestFailed      = "request_failed"
	ErrCancelled          = "cancelled"
	ErrUnsupportedNetwork = "unsupported_network"
	ErrUnsupportedAsset   = "unsupported_asset"
	ErrConfig             = "config_error"
)
