// Package pipeline implements the ticket status state machine: a pure,
// stateless transition table and the next/previous-status rules used to
// advance a ticket through review and QA stages.
package pipeline

import "github.com/quietloop/planloop/errs"

// Status is a ticket's position in the pipeline.
type Status string

const (
	StatusTodo       Status = "Todo"
	StatusInProgress Status = "InProgress"
	StatusReview     Status = "Review"
	StatusQA         Status = "QA"
	StatusDone       Status = "Done"
	StatusFailed     Status = "Failed"
)

// Mode is the automation mode for a review/QA stage.
type Mode string

const (
	ModeAutomatic Mode = "automatic"
	ModeApproval  Mode = "approval"
	ModeManual    Mode = "manual"
)

// AutomationConfig controls whether InProgress advances through an
// automated Review/QA stage or goes straight to the next stage.
type AutomationConfig struct {
	ReviewMode Mode
	QAMode     Mode
}

// transitions is the valid-transition matrix from §4.4. Order within each
// slice only matters for error-message presentation.
var transitions = map[Status][]Status{
	StatusTodo:       {StatusInProgress},
	StatusInProgress: {StatusReview, StatusQA, StatusDone, StatusFailed},
	StatusReview:     {StatusQA, StatusDone, StatusTodo},
	StatusQA:         {StatusDone, StatusTodo},
	StatusDone:       {},
	StatusFailed:     {StatusTodo},
}

// displayOrder orders statuses for listing: Failed first (demands
// attention), then the forward pipeline order.
var displayOrder = map[Status]int{
	StatusFailed:     0,
	StatusTodo:       1,
	StatusInProgress: 2,
	StatusReview:     3,
	StatusQA:         4,
	StatusDone:       5,
}

// DisplayRank returns this status's sort key for display ordering; lower
// sorts first.
func DisplayRank(s Status) int {
	rank, ok := displayOrder[s]
	if !ok {
		return len(displayOrder)
	}
	return rank
}

// IsValidTransition reports whether from -> to is permitted by the
// transition table.
func IsValidTransition(from, to Status) bool {
	for _, target := range transitions[from] {
		if target == to {
			return true
		}
	}
	return false
}

// AssertValidTransition returns a *errs.TransitionError naming the
// permitted targets when from -> to is not allowed; nil otherwise.
func AssertValidTransition(from, to Status) error {
	if IsValidTransition(from, to) {
		return nil
	}
	valid := make([]string, 0, len(transitions[from]))
	for _, t := range transitions[from] {
		valid = append(valid, string(t))
	}
	return &errs.TransitionError{From: string(from), To: string(to), ValidTargets: valid}
}

// NextStatus chooses the forward target from current given the
// automation config for the Review and QA stages. Failed yields Todo (a
// retry). It returns ("", false) for Done, which has no forward target,
// and for any other status it does not advance (such as Todo).
func NextStatus(current Status, cfg AutomationConfig) (Status, bool) {
	switch current {
	case StatusInProgress:
		if cfg.ReviewMode != ModeManual {
			return StatusReview, true
		}
		if cfg.QAMode != ModeManual {
			return StatusQA, true
		}
		return StatusDone, true
	case StatusReview:
		if cfg.QAMode != ModeManual {
			return StatusQA, true
		}
		return StatusDone, true
	case StatusQA:
		return StatusDone, true
	case StatusFailed:
		return StatusTodo, true
	case StatusDone:
		return "", false
	default:
		return "", false
	}
}

// PreviousStatus returns the status a ticket reverts to when rejected or
// retried, if any.
func PreviousStatus(current Status) (Status, bool) {
	switch current {
	case StatusReview, StatusQA, StatusFailed:
		return StatusTodo, true
	default:
		return "", false
	}
}
