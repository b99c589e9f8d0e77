package llm

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies provider failures for retry policy.
type ErrorKind string

const (
	ErrRateLimited           ErrorKind = "rate_limited"
	ErrOverloaded            ErrorKind = "overloaded"
	ErrGateway               ErrorKind = "gateway"
	ErrTimeout               ErrorKind = "timeout"
	ErrAuth                  ErrorKind = "auth"
	ErrUnsupportedAttachment ErrorKind = "unsupported_attachment"
	ErrAmbiguous             ErrorKind = "ambiguous"
	ErrTerminal              ErrorKind = "terminal"
)

// ProviderError wraps a provider failure with its retry classification.
type ProviderError struct {
	Kind ErrorKind
	Err  error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error (%s): %v", e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Retriable reports whether the failure is transient.
func (e *ProviderError) Retriable() bool {
	switch e.Kind {
	case ErrRateLimited, ErrOverloaded, ErrGateway, ErrTimeout:
		return true
	}
	return false
}

// NewProviderError wraps err with an explicit kind.
func NewProviderError(kind ErrorKind, err error) *ProviderError {
	return &ProviderError{Kind: kind, Err: err}
}

// Classify maps an arbitrary provider error to a ProviderError. Already
// classified errors pass through unchanged.
func Classify(err error) *ProviderError {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "429"):
		return &ProviderError{Kind: ErrRateLimited, Err: err}
	case strings.Contains(msg, "overloaded") || strings.Contains(msg, "capacity"):
		return &ProviderError{Kind: ErrOverloaded, Err: err}
	case strings.Contains(msg, "502") || strings.Contains(msg, "503") ||
		strings.Contains(msg, "bad gateway") || strings.Contains(msg, "service unavailable"):
		return &ProviderError{Kind: ErrGateway, Err: err}
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return &ProviderError{Kind: ErrTimeout, Err: err}
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "401") ||
		strings.Contains(msg, "invalid api key"):
		return &ProviderError{Kind: ErrAuth, Err: err}
	case strings.Contains(msg, "unsupported file") || strings.Contains(msg, "unsupported media") ||
		strings.Contains(msg, "invalid file type"):
		return &ProviderError{Kind: ErrUnsupportedAttachment, Err: err}
	}
	return &ProviderError{Kind: ErrTerminal, Err: err}
}
