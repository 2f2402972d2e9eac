// Package queue persists operations that could not reach the backend so they
// can be replayed, in order, once it is reachable again.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Status is the replay state of a queued action
type Status string

const (
	// StatusPending is waiting for the next drain pass
	StatusPending Status = "pending"
	// StatusSyncing is being replayed right now
	StatusSyncing Status = "syncing"
	// StatusFailed was rejected by the backend on its last replay
	StatusFailed Status = "failed"
	// StatusSynced was accepted by the backend
	StatusSynced Status = "synced"
)

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSyncing, StatusFailed, StatusSynced:
		return true
	}
	return false
}

// ParseStatus parses a status name
func ParseStatus(s string) (Status, error) {
	status := Status(s)
	if !status.Valid() {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return status, nil
}

var (
	// ErrNotFound is returned when no action has the given id
	ErrNotFound = errors.New("queued action not found")
	// ErrInvalidTransition is returned when a status change is not allowed
	ErrInvalidTransition = errors.New("invalid status transition")
)

// PersistenceError wraps a failure of the local store
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("queue %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// IsPersistence reports whether err is a store failure
func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

// QueuedAction is one deferred backend operation
type QueuedAction struct {
	ID            string          `json:"id"`
	OperationName string          `json:"operation_name"`
	Payload       json.RawMessage `json:"payload"`
	Status        Status          `json:"status"`
	AttemptCount  int             `json:"attempt_count"`
	LastError     string          `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Age returns how long the action has been queued
func (a *QueuedAction) Age(now time.Time) time.Duration {
	return now.Sub(a.CreatedAt)
}

// Filter narrows List results. Zero value lists everything.
type Filter struct {
	Statuses      []Status
	OperationName string
	Limit         int
}

// Replayable selects actions a drain pass should pick up
func Replayable() Filter {
	return Filter{Statuses: []Status{StatusPending, StatusFailed}}
}

// Counts is the queue depth per status, used for badges
type Counts struct {
	Pending int `json:"pending"`
	Syncing int `json:"syncing"`
	Failed  int `json:"failed"`
}

// Outstanding is everything not yet accepted by the backend
func (c Counts) Outstanding() int {
	return c.Pending + c.Syncing + c.Failed
}

// transitions lists the statuses each target may be entered from
var transitions = map[Status][]Status{
	StatusSyncing: {StatusPending, StatusFailed},
	StatusSynced:  {StatusSyncing},
	StatusFailed:  {StatusSyncing},
	StatusPending: {StatusSyncing, StatusFailed},
}

func canTransition(from, to Status) bool {
	for _, s := range transitions[to] {
		if s == from {
			return true
		}
	}
	return false
}
