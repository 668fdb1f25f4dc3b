// Package errs defines the typed error variants used across the
// orchestrator and the retry/backoff helpers built on top of them.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// OrchError is the base shape for orchestrator-domain errors that carry
// free-form context beyond a message.
type OrchError struct {
	Message string
	Context map[string]any
}

func (e *OrchError) Error() string {
	if len(e.Context) == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s %v", e.Message, e.Context)
}

// AgentCrashError reports a child agent process exiting abnormally.
type AgentCrashError struct {
	AgentID  string
	TicketID string
	ExitCode int
}

func (e *AgentCrashError) Error() string {
	return fmt.Sprintf("agent %s crashed (ticket %s, exit code %d)", e.AgentID, e.TicketID, e.ExitCode)
}

// NetworkError wraps a transport-class failure and records whether the
// caller considers it safe to retry.
type NetworkError struct {
	Message   string
	Retryable bool
}

func (e *NetworkError) Error() string { return e.Message }

// MalformedOutputError is a warning raised when an agent exits without
// ever producing a recognized completion or blocked frame.
type MalformedOutputError struct {
	AgentID string
	Preview string
}

func (e *MalformedOutputError) Error() string {
	return fmt.Sprintf("agent %s produced malformed output: %s", e.AgentID, e.Preview)
}

// PlanParseError reports a plan file that failed to parse.
type PlanParseError struct {
	PlanPath string
	Line     int
	Message  string
}

func (e *PlanParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d: %s", e.PlanPath, e.Line, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.PlanPath, e.Message)
}

// TicketNotFoundError reports a reference to an unknown ticket id.
type TicketNotFoundError struct {
	TicketID string
}

func (e *TicketNotFoundError) Error() string {
	return fmt.Sprintf("ticket not found: %s", e.TicketID)
}

// TicketNotReadyError reports an assignment attempt against a ticket that
// is still blocked by incomplete dependencies.
type TicketNotReadyError struct {
	TicketID string
	Blockers []string
}

func (e *TicketNotReadyError) Error() string {
	return fmt.Sprintf("ticket %s not ready, blocked by %s", e.TicketID, strings.Join(e.Blockers, ", "))
}

// ConcurrencyError reports that the agent pool is at capacity.
type ConcurrencyError struct {
	Message string
}

func (e *ConcurrencyError) Error() string {
	if e.Message == "" {
		return "max concurrency"
	}
	return e.Message
}

// TransitionError reports an attempted status transition outside the
// pipeline's valid-transition table.
type TransitionError struct {
	From        string
	To          string
	ValidTargets []string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s (valid targets: %s)",
		e.From, e.To, strings.Join(e.ValidTargets, ", "))
}

// retryableSubstrings are matched case-insensitively against an error's
// message when the error is not one of the explicitly retryable types.
var retryableSubstrings = []string{
	"timeout", "econnreset", "econnrefused", "enotfound",
	"429", "500", "502", "503", "504",
	"socket hang up", "connection reset", "temporarily unavailable",
}

// IsRetryable reports whether err should be retried by WithRetry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return netErr.Retryable
	}
	var crashErr *AgentCrashError
	if errors.As(err, &crashErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, substr := range retryableSubstrings {
		if strings.Contains(msg, substr) {
			return true
		}
	}
	return false
}
