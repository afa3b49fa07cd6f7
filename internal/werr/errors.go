// Package werr provides structured error types for the warden supervisor.
package werr

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for common failure modes.
var (
	ErrTimeout      = errors.New("operation timed out")
	ErrRateLimit    = errors.New("rate limit exceeded")
	ErrNotFound     = errors.New("resource not found")
	ErrCorruptState = errors.New("corrupt persisted state")
	ErrUnavailable  = errors.New("service unavailable")
)

// ChannelError represents a failure from the notification channel.
type ChannelError struct {
	Channel    string
	StatusCode int
	Message    string
	Err        error
}

func (e *ChannelError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s channel error (status %d): %s: %v", e.Channel, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("%s channel error (status %d): %s", e.Channel, e.StatusCode, e.Message)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// NewChannelError creates a new channel error.
func NewChannelError(channel string, statusCode int, message string) *ChannelError {
	return &ChannelError{Channel: channel, StatusCode: statusCode, Message: message}
}

// RateLimitError is a transient channel error carrying the wait the channel
// asked for before the next send.
type RateLimitError struct {
	Channel    string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s rate limited, retry after %s", e.Channel, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimit }

// ManagerError is a non-zero result from the external process manager.
// Error() carries the manager's output verbatim so callers can surface it.
type ManagerError struct {
	Command string
	Output  string
	Err     error
}

func (e *ManagerError) Error() string {
	if e.Output != "" {
		return e.Output
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Command, e.Err)
	}
	return fmt.Sprintf("%s failed", e.Command)
}

func (e *ManagerError) Unwrap() error { return e.Err }

// IsTransient returns true if the error is likely transient and worth retrying.
func IsTransient(err error) bool {
	var chErr *ChannelError
	if errors.As(err, &chErr) {
		switch chErr.StatusCode {
		case 429, 500, 502, 503, 504:
			return true
		}
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrRateLimit) || errors.Is(err, ErrUnavailable)
}

// RetryAfter extracts the suggested wait from a rate-limit error, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}
