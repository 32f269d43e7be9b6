package server

import (
	"context"
)

// RequestValidator vets subscription requests before they are issued.
// Implementations can check account status, rate limits, entitlements, etc.
type RequestValidator interface {
	// ValidateIssue is called before each issuance. Return nil to allow it.
	// A *ValidationError is returned to the client as 403.
	ValidateIssue(ctx context.Context, req SubscriptionRequest) error
}

// ValidationError represents a validation failure with structured info.
type ValidationError struct {
	Code    string `json:"code"`    // Machine-readable error code (e.g., "ACCOUNT_SUSPENDED")
	Message string `json:"message"` // Human-readable message
}

func (e *ValidationError) Error() string {
	return e.Message
}

func NewValidationError(code, message string) *ValidationError {
	return &ValidationError{Code: code, Message: message}
}
