// Package llm provides the single-shot text completion used by the triage
// oracle and by gateway execution mode.
package llm

import (
	"context"
	"errors"
	"strings"
)

// CompletionRequest is one system+user exchange. SessionKey and AgentID are
// routing hints for the OpenClaw gateway; other providers ignore them.
type CompletionRequest struct {
	Model      string
	System     string
	Prompt     string
	SessionKey string
	AgentID    string
}

// Completer returns the assistant's reply text.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, req CompletionRequest) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	return f(ctx, req)
}

// ErrorClass categorizes completion errors.
type ErrorClass string

const (
	ErrorClassAuth            ErrorClass = "AUTH"
	ErrorClassRateLimit       ErrorClass = "RATE_LIMIT"
	ErrorClassTimeout         ErrorClass = "TIMEOUT"
	ErrorClassBilling         ErrorClass = "BILLING"
	ErrorClassContextOverflow ErrorClass = "CONTEXT_OVERFLOW"
	ErrorClassUnavailable     ErrorClass = "UNAVAILABLE"
	ErrorClassUnknown         ErrorClass = "UNKNOWN"
)

// ClassifyError inspects err for known provider failure patterns and returns
// the most specific class that matches.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassTimeout
	}
	msg := strings.ToLower(err.Error())

	switch {
	case containsAny(msg, "401", "unauthorized", "invalid key", "invalid api key", "forbidden", "403", "missing gateway token"):
		return ErrorClassAuth
	case containsAny(msg, "429", "rate limit", "rate_limit", "quota", "too many requests"):
		return ErrorClassRateLimit
	case containsAny(msg, "deadline exceeded", "timeout", "timed out"):
		return ErrorClassTimeout
	case containsAny(msg, "billing", "payment", "insufficient funds"):
		return ErrorClassBilling
	case containsAny(msg, "context_length", "context length", "token limit", "max tokens", "maximum context", "context window"):
		return ErrorClassContextOverflow
	case containsAny(msg, "connection refused", "econnrefused", "no such host", "502", "503", "504", "bad gateway", "service unavailable"):
		return ErrorClassUnavailable
	}
	return ErrorClassUnknown
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

// TimeoutError makes sure the error text names the timeout, so callers that
// store only the message still record why the call failed.
func TimeoutError(op string, err error) error {
	if err == nil {
		return nil
	}
	if ClassifyError(err) != ErrorClassTimeout {
		return err
	}
	if strings.Contains(strings.ToLower(err.Error()), "timeout") {
		return err
	}
	return &timeoutError{op: op, err: err}
}

type timeoutError struct {
	op  string
	err error
}

func (e *timeoutError) Error() string { return e.op + " timeout: " + e.err.Error() }
func (e *timeoutError) Unwrap() error { return e.err }
