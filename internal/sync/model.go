// Package sync drains the action queue against the backend once it is
// reachable again, one pass at a time and strictly in enqueue order.
package sync

import (
	"time"

	"github.com/tildaslashalef/innkeep/internal/queue"
)

// SyncType records what started a drain pass
type SyncType string

const (
	// SyncTypeManual is a pass requested by a user or command
	SyncTypeManual SyncType = "manual"
	// SyncTypeReconnect is a pass started by the connectivity monitor
	SyncTypeReconnect SyncType = "reconnect"
)

// SyncErrorType represents the type of error that occurred during a replay
type SyncErrorType string

const (
	// SyncErrorTypeNetwork represents a network error
	SyncErrorTypeNetwork SyncErrorType = "network"
	// SyncErrorTypeAuth represents an authentication error
	SyncErrorTypeAuth SyncErrorType = "auth"
	// SyncErrorTypeServer represents a server error
	SyncErrorTypeServer SyncErrorType = "server"
	// SyncErrorTypeClient represents a client error
	SyncErrorTypeClient SyncErrorType = "client"
	// SyncErrorTypeUnknown represents an unknown error
	SyncErrorTypeUnknown SyncErrorType = "unknown"
)

// SyncLog is the accounting record of one replay attempt
type SyncLog struct {
	ID            string        `json:"id"`
	ActionID      string        `json:"action_id"`
	OperationName string        `json:"operation_name"`
	SyncType      SyncType      `json:"sync_type"`
	Success       bool          `json:"success"`
	ErrorType     SyncErrorType `json:"error_type,omitempty"`
	ErrorMessage  string        `json:"error_message,omitempty"`
	AttemptCount  int           `json:"attempt_count"`
	QueuedAt      time.Time     `json:"queued_at"`
	StartedAt     time.Time     `json:"started_at"`
	CompletedAt   time.Time     `json:"completed_at"`
}

// NewSyncLog starts a log entry for a replay of action
func NewSyncLog(syncType SyncType, action *queue.QueuedAction, startedAt time.Time) *SyncLog {
	return &SyncLog{
		ActionID:      action.ID,
		OperationName: action.OperationName,
		SyncType:      syncType,
		AttemptCount:  action.AttemptCount + 1,
		QueuedAt:      action.CreatedAt,
		StartedAt:     startedAt,
		CompletedAt:   startedAt,
	}
}

// MarkSuccessful marks the replay as accepted
func (l *SyncLog) MarkSuccessful(at time.Time) {
	l.Success = true
	l.CompletedAt = at
}

// MarkFailed marks the replay as failed
func (l *SyncLog) MarkFailed(errorType SyncErrorType, errorMessage string, at time.Time) {
	l.Success = false
	l.ErrorType = errorType
	l.ErrorMessage = errorMessage
	l.CompletedAt = at
}

// FailedAction names one action a pass could not sync
type FailedAction struct {
	ID            string `json:"id"`
	OperationName string `json:"operation_name"`
	Error         string `json:"error"`
}

// SyncResult summarizes one drain pass
type SyncResult struct {
	SyncType SyncType `json:"sync_type"`
	// Success counts actions the backend accepted
	Success int `json:"success"`
	// Failed counts actions the backend rejected
	Failed int `json:"failed"`
	// Interrupted is set when the pass stopped early on a connectivity failure
	Interrupted bool `json:"interrupted"`
	// Remaining counts actions the pass did not reach
	Remaining int            `json:"remaining"`
	Failures  []FailedAction `json:"failures,omitempty"`
	Duration  time.Duration  `json:"duration"`
	// Err is the connectivity error that interrupted the pass, if any
	Err error `json:"-"`
}
