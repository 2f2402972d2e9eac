// Package dispatch is the one entry point feature code uses to call a backend
// operation that has to work whether or not the desk is connected.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tildaslashalef/innkeep/internal/backend"
	"github.com/tildaslashalef/innkeep/internal/connectivity"
	"github.com/tildaslashalef/innkeep/internal/desktop"
	"github.com/tildaslashalef/innkeep/internal/loggy"
	"github.com/tildaslashalef/innkeep/internal/queue"
)

// ErrEmptyOperation is returned for an Invoke without an operation name
var ErrEmptyOperation = errors.New("operation name is required")

// Connectivity is the part of the monitor the dispatcher reads and feeds
type Connectivity interface {
	State() connectivity.State
	ReportSuccess()
	ReportFailure(err error)
}

// Enqueuer persists deferred operations
type Enqueuer interface {
	Enqueue(ctx context.Context, operationName string, payload json.RawMessage) (*queue.QueuedAction, error)
}

// Observer is told about every Invoke
type Observer interface {
	ObserveInvoke(operation, outcome string, elapsed time.Duration)
}

// Dispatcher decides per call whether to run an operation now, queue it, or
// reject it
type Dispatcher struct {
	env     *desktop.Environment
	invoker backend.Invoker
	monitor Connectivity
	queue   Enqueuer
	logger  *loggy.Logger

	mu       sync.RWMutex
	observer Observer
	onQueued []func(*queue.QueuedAction)
}

// New creates a dispatcher
func New(env *desktop.Environment, invoker backend.Invoker, monitor Connectivity, store Enqueuer, logger *loggy.Logger) *Dispatcher {
	return &Dispatcher{
		env:     env,
		invoker: invoker,
		monitor: monitor,
		queue:   store,
		logger:  logger,
	}
}

// SetObserver installs an observer for invoke outcomes
func (d *Dispatcher) SetObserver(o Observer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observer = o
}

// OnQueued registers fn to run after each successful enqueue
func (d *Dispatcher) OnQueued(fn func(*queue.QueuedAction)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onQueued = append(d.onQueued, fn)
}

// Invoke marshals payload to JSON and dispatches it. A json.RawMessage or
// []byte payload is sent as is.
func (d *Dispatcher) Invoke(ctx context.Context, operation string, payload any) Result {
	raw, err := marshalPayload(payload)
	if err != nil {
		return d.finish(operation, time.Now(), Rejected{Err: err})
	}
	return d.InvokeRaw(ctx, operation, raw)
}

// InvokeRaw dispatches an already encoded payload
func (d *Dispatcher) InvokeRaw(ctx context.Context, operation string, payload json.RawMessage) Result {
	start := time.Now()
	logger := d.logger.With("operation", operation)
	if id := loggy.GetRequestID(ctx); id != "" {
		logger = logger.With("request_id", id)
	}

	if operation == "" {
		return d.finish(operation, start, Rejected{Err: ErrEmptyOperation})
	}

	if !d.env.IsDesktop() {
		data, err := d.invoker.Invoke(ctx, operation, payload)
		if err != nil {
			return d.finish(operation, start, Rejected{Err: err})
		}
		return d.finish(operation, start, Completed{Data: data})
	}

	if state := d.monitor.State(); state.EffectivelyOnline() {
		data, err := d.invoker.Invoke(ctx, operation, payload)
		if err == nil {
			d.monitor.ReportSuccess()
			return d.finish(operation, start, Completed{Data: data})
		}

		if backend.Classify(err) != backend.KindConnectivity {
			logger.Debug("Operation rejected", "error", err, "kind", backend.Classify(err).String())
			return d.finish(operation, start, Rejected{Err: err})
		}

		logger.Info("Backend unreachable, queueing operation", "error", err)
		d.monitor.ReportFailure(err)
	} else {
		logger.Debug("Offline, queueing operation", "state", state.String())
	}

	action, err := d.queue.Enqueue(ctx, operation, payload)
	if err != nil {
		logger.Error("Failed to queue operation", "error", err)
		return d.finish(operation, start, Rejected{Err: err})
	}

	d.mu.RLock()
	hooks := append([]func(*queue.QueuedAction){}, d.onQueued...)
	d.mu.RUnlock()
	for _, fn := range hooks {
		fn(action)
	}

	return d.finish(operation, start, Queued{Action: action})
}

func (d *Dispatcher) finish(operation string, start time.Time, r Result) Result {
	d.mu.RLock()
	o := d.observer
	d.mu.RUnlock()
	if o != nil {
		o.ObserveInvoke(operation, r.Outcome(), time.Since(start))
	}
	return r
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		if !json.Valid(p) {
			return nil, fmt.Errorf("payload is not valid JSON")
		}
		return p, nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshalling payload: %w", err)
	}
	return raw, nil
}
