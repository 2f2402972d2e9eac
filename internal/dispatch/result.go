package dispatch

import (
	"encoding/json"

	"github.com/tildaslashalef/innkeep/internal/queue"
)

// Outcome names of a Result, as used in logs and metrics
const (
	OutcomeCompleted = "completed"
	OutcomeQueued    = "queued"
	OutcomeRejected  = "rejected"
)

// Result is what Invoke returns: exactly one of Completed, Queued or Rejected
type Result interface {
	Outcome() string
	sealed()
}

// Completed means the backend accepted the operation
type Completed struct {
	Data json.RawMessage
}

// Queued means the operation was persisted for replay
type Queued struct {
	Action *queue.QueuedAction
}

// Rejected means the operation failed and was not queued
type Rejected struct {
	Err error
}

func (Completed) Outcome() string { return OutcomeCompleted }
func (Queued) Outcome() string    { return OutcomeQueued }
func (Rejected) Outcome() string  { return OutcomeRejected }

func (Completed) sealed() {}
func (Queued) sealed()    {}
func (Rejected) sealed()  {}

// Error returns the rejection error, or nil for any other result
func Error(r Result) error {
	if rej, ok := r.(Rejected); ok {
		return rej.Err
	}
	return nil
}
