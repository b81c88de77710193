package domain

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrNotFound          = errors.New("event not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

func InvalidTransition(from, to Status) error {
	return errors.Wrap(ErrInvalidTransition, fmt.Sprintf("%s -> %s", from, to))
}

// FailureKind classifies a provider attempt outcome. The retry manager
// only ever looks at this, never at provider error codes.
type FailureKind int

const (
	FailureTransient FailureKind = iota // network, rate limit: retryable
	FailurePermanent                    // bad recipient/template: straight to DLQ
)

// ProviderError is a failed delivery attempt as reported by a channel
// provider.
type ProviderError struct {
	Kind    FailureKind
	Code    string
	Message string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error %s: %s", e.Code, e.Message)
}

// ProviderResult is a successful delivery attempt.
type ProviderResult struct {
	ProviderCode string
	Cost         float64
}
