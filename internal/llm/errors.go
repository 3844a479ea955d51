package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sashabaranov/go-openai"
)

// Kind classifies a generation failure.
type Kind string

const (
	KindAuth       Kind = "auth"
	KindRateLimit  Kind = "rate_limit"
	KindBadRequest Kind = "bad_request"
	KindServer     Kind = "server"
	KindNetwork    Kind = "network"
	KindEmpty      Kind = "empty"
	KindUnexpected Kind = "unexpected"
)

var (
	// ErrUnauthorized marks credential failures. They are never retried.
	ErrUnauthorized = errors.New("generation: unauthorized")
	// ErrRateLimited marks throttling by the backend.
	ErrRateLimited = errors.New("generation: rate limited")
	// ErrNoChoices is returned when the backend answered without content.
	ErrNoChoices = errors.New("generation: no choices returned")
)

// Error is a classified failure from the generation backend.
type Error struct {
	Kind       Kind
	StatusCode int
	Message    string
	Cause      error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("generation %s (status %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("generation %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.Kind == KindAuth
	case ErrRateLimited:
		return e.Kind == KindRateLimit
	}
	return false
}

// Fatal reports whether retrying can never help.
func (e *Error) Fatal() bool {
	return e.Kind == KindAuth
}

// Retryable reports whether the same request may succeed later.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindRateLimit, KindServer, KindNetwork, KindEmpty, KindUnexpected:
		return true
	}
	return false
}

// classify maps a go-openai error onto a Kind. Errors caused by the caller's
// context pass through unchanged; client timeouts count as network failures.
func classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return err
	}

	status := 0
	msg := err.Error()
	apiErr := &openai.APIError{}
	reqErr := &openai.RequestError{}
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
		msg = apiErr.Message
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}

	kind := KindNetwork
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = KindAuth
	case status == http.StatusTooManyRequests:
		kind = KindRateLimit
	case status == http.StatusBadRequest:
		kind = KindBadRequest
	case status >= 500:
		kind = KindServer
	case status != 0:
		kind = KindUnexpected
	}
	return &Error{Kind: kind, StatusCode: status, Message: msg, Cause: err}
}
