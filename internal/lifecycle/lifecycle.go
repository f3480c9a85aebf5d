// Package lifecycle defines the task status machine. Every status change
// anywhere in the system goes through Ensure, so the transition table here
// is the single source of truth.
package lifecycle

import (
	"errors"
	"fmt"

	"taskline/internal/domain"
)

var ErrInvalidTransition = errors.New("invalid status transition")

// TransitionError reports a rejected status change.
type TransitionError struct {
	From string
	To   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid status transition %s -> %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

var transitions = map[string][]string{
	domain.StatusDraft:      {domain.StatusPending},
	domain.StatusPending:    {domain.StatusBlocked, domain.StatusInProgress, domain.StatusStale},
	domain.StatusBlocked:    {domain.StatusPending},
	domain.StatusInProgress: {domain.StatusValidating, domain.StatusStale},
	domain.StatusValidating: {domain.StatusCompleted, domain.StatusFailed},
	domain.StatusFailed:     {domain.StatusPending},
	domain.StatusStale:      {domain.StatusPending},
}

// Terminal reports whether status admits no further transitions.
func Terminal(status string) bool {
	return status == domain.StatusCompleted || status == domain.StatusCancelled
}

// Known reports whether status is part of the machine at all.
func Known(status string) bool {
	if Terminal(status) {
		return true
	}
	_, ok := transitions[status]
	return ok
}

// Ensure returns nil when from -> to is an allowed transition. Any
// non-terminal status may move to cancelled.
func Ensure(from, to string) error {
	if !Known(from) || !Known(to) {
		return &TransitionError{From: from, To: to}
	}
	if from == to {
		return &TransitionError{From: from, To: to}
	}
	if to == domain.StatusCancelled && !Terminal(from) {
		return nil
	}
	for _, next := range transitions[from] {
		if next == to {
			return nil
		}
	}
	return &TransitionError{From: from, To: to}
}

// Next lists the statuses reachable from the given status.
func Next(from string) []string {
	if Terminal(from) {
		return nil
	}
	out := append([]string(nil), transitions[from]...)
	out = append(out, domain.StatusCancelled)
	return out
}
