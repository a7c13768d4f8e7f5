// Package rerrors defines the typed error taxonomy used across the query
// core so callers can distinguish fatal construction errors from localized,
// per-call degradations.
package rerrors

import (
	"context"
	"errors"
	"fmt"
)

// ConfigError indicates an invalid engine configuration (bad proportions,
// missing vector store, unknown encoding name). Fatal at engine construction.
type ConfigError struct {
	Msg string
	Err error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config error: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("config error: %s", e.Msg)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// NewConfigError builds a ConfigError with no underlying cause.
func NewConfigError(msg string) *ConfigError { return &ConfigError{Msg: msg} }

// DataError indicates a missing required column or an embedding-dimension
// mismatch. Fatal at engine construction.
type DataError struct {
	Msg string
	Err error
}

func (e *DataError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("data error: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("data error: %s", e.Msg)
}

func (e *DataError) Unwrap() error { return e.Err }

func NewDataError(msg string) *DataError { return &DataError{Msg: msg} }

// RetrievalError wraps a vector-store failure that survived the underlying
// client's own retry policy.
type RetrievalError struct {
	Err error
}

func (e *RetrievalError) Error() string { return fmt.Sprintf("retrieval error: %v", e.Err) }
func (e *RetrievalError) Unwrap() error { return e.Err }

func NewRetrievalError(err error) *RetrievalError { return &RetrievalError{Err: err} }

// LLMError wraps a non-retryable chat-model failure.
type LLMError struct {
	Phase string // e.g. "map", "reduce", "local", "primer", "followup"
	Err   error
}

func (e *LLMError) Error() string { return fmt.Sprintf("llm error (%s): %v", e.Phase, e.Err) }
func (e *LLMError) Unwrap() error { return e.Err }

func NewLLMError(phase string, err error) *LLMError { return &LLMError{Phase: phase, Err: err} }

// ParseError wraps malformed-JSON responses from the chat model.
type ParseError struct {
	Phase string
	Err   error
}

func (e *ParseError) Error() string { return fmt.Sprintf("parse error (%s): %v", e.Phase, e.Err) }
func (e *ParseError) Unwrap() error { return e.Err }

func NewParseError(phase string, err error) *ParseError { return &ParseError{Phase: phase, Err: err} }

// Cancelled indicates the query's deadline/context was cancelled. No
// partial result is returned alongside it.
type Cancelled struct {
	Err error
}

func (e *Cancelled) Error() string { return fmt.Sprintf("cancelled: %v", e.Err) }
func (e *Cancelled) Unwrap() error { return e.Err }

func NewCancelled(err error) *Cancelled { return &Cancelled{Err: err} }

// IsCancelled reports whether err represents context cancellation/deadline
// exceeded, either directly or already wrapped as a *Cancelled.
func IsCancelled(err error) bool {
	if err == nil {
		return false
	}
	var c *Cancelled
	if errors.As(err, &c) {
		return true
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
