package agent

import (
	"fmt"

	"github.com/chadiek/career-interview/internal/interview"
)

const (
	defaultErrorContext = "Something went wrong on my end."
	terminalMessage     = "I'm having trouble processing your request. Please try refreshing the page or check your internet connection."
)

// ErrorInfo is the user-visible state of the last failed turn.
type ErrorInfo struct {
	Message    string `json:"message"`
	RetryCount int    `json:"retryCount"`
	MaxRetries int    `json:"maxRetries"`
	Terminal   bool   `json:"terminal"`
}

// errorMessage composes what is spoken after a failed turn on step.
func errorMessage(step interview.Step, retryCount, maxRetries int) string {
	if retryCount >= maxRetries {
		return terminalMessage
	}
	prefix := step.ErrorMessage
	if prefix == "" {
		prefix = defaultErrorContext
	}
	return fmt.Sprintf("%s I encountered an issue. Let me try again... (Attempt %d/%d)", prefix, retryCount, maxRetries)
}
