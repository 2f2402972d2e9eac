package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/tildaslashalef/innkeep/internal/backend"
	"github.com/tildaslashalef/innkeep/internal/config"
	"github.com/tildaslashalef/innkeep/internal/connectivity"
	"github.com/tildaslashalef/innkeep/internal/loggy"
	"github.com/tildaslashalef/innkeep/internal/queue"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

var (
	// ErrAlreadyStarted is returned by Start when the service is running
	ErrAlreadyStarted = errors.New("sync service already started")
	// ErrQueueOwned is returned when another process is draining the queue
	ErrQueueOwned = errors.New("queue is being drained by another process")
)

const (
	drainKey        = "drain"
	defaultLeaseTTL = 30 * time.Second
)

// Replay outcomes reported to the observer
const (
	ReplaySynced      = "synced"
	ReplayFailed      = "failed"
	ReplayInterrupted = "interrupted"
	ReplaySkipped     = "skipped"
)

// Monitor is the part of the connectivity monitor the service reacts to
type Monitor interface {
	State() connectivity.State
	Subscribe(fn connectivity.Listener) func()
	ReportSuccess()
	ReportFailure(err error)
}

// Lease is the claim on draining the queue shared by every process that
// opens the same database
type Lease interface {
	Acquire(ctx context.Context, ttl time.Duration) (bool, error)
	Release(ctx context.Context) error
}

// Observer is told about every replay and every finished pass
type Observer interface {
	ObserveReplay(operation, outcome string)
	ObservePass(result *SyncResult)
}

// CountsListener receives queue depth after it may have changed
type CountsListener func(queue.Counts)

type countsSubscription struct {
	id uint64
	fn CountsListener
}

// Service replays queued actions against the backend
type Service struct {
	store   queue.Store
	repo    Repository
	invoker backend.Invoker
	monitor Monitor
	cfg     config.SyncConfig
	limiter *rate.Limiter
	logger  *loggy.Logger
	now     func() time.Time

	group singleflight.Group
	// held by the running pass and by takeover recovery
	drainMu gosync.Mutex

	leaseMu        gosync.Mutex
	lease          Lease
	held           bool
	recoverPending bool

	mu             gosync.RWMutex
	observer       Observer
	countListeners []countsSubscription
	nextID         uint64
	notifyMu       gosync.Mutex

	lifeMu      gosync.Mutex
	cancel      context.CancelFunc
	unsubscribe func()
	wasOnline   bool
	wg          gosync.WaitGroup
	// passes run under base rather than a caller's context; Close cancels it
	base    context.Context
	halt    context.CancelFunc
	running chan struct{}
}

// NewService creates a sync service. monitor may be nil for one-shot use,
// in which case Start is unavailable.
func NewService(store queue.Store, repo Repository, invoker backend.Invoker, monitor Monitor, cfg config.SyncConfig, logger *loggy.Logger) *Service {
	s := &Service{
		store:   store,
		repo:    repo,
		invoker: invoker,
		monitor: monitor,
		cfg:     cfg,
		limiter: newLimiter(cfg.RequestsPerMinute, cfg.BurstLimit),
		logger:  logger,
		now:     time.Now,
	}
	s.base, s.halt = context.WithCancel(context.Background())
	return s
}

// helper function to create a rate limiter from RPM and Burst
func newLimiter(rpm, burst int) *rate.Limiter {
	if burst <= 0 {
		burst = 1
	}
	if rpm <= 0 {
		return rate.NewLimiter(rate.Inf, burst)
	}
	return rate.NewLimiter(rate.Limit(float64(rpm)/60.0), burst)
}

// SetObserver installs an observer for replays and passes
func (s *Service) SetObserver(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = o
}

// SetLease installs the cross-process drain lease. Without one the service
// assumes it is the only process using the database.
func (s *Service) SetLease(l Lease) {
	s.leaseMu.Lock()
	defer s.leaseMu.Unlock()
	s.lease = l
}

func (s *Service) leaseTTL() time.Duration {
	if s.cfg.LeaseTTL > 0 {
		return s.cfg.LeaseTTL
	}
	return defaultLeaseTTL
}

// own claims or renews the drain lease. Gaining it marks whatever the
// previous owner left syncing for recovery.
func (s *Service) own(ctx context.Context) (bool, error) {
	s.leaseMu.Lock()
	lease := s.lease
	s.leaseMu.Unlock()
	if lease == nil {
		return true, nil
	}

	ok, err := lease.Acquire(ctx, s.leaseTTL())
	if err != nil {
		return false, fmt.Errorf("acquiring drain lease: %w", err)
	}

	s.leaseMu.Lock()
	defer s.leaseMu.Unlock()
	if !ok {
		if s.held {
			s.logger.Warn("Lost the drain lease to another process")
		}
		s.held = false
		return false, nil
	}
	if !s.held {
		s.held = true
		s.recoverPending = true
		s.logger.Debug("Acquired the drain lease")
	}
	return true, nil
}

// owns reports whether this process may drain right now
func (s *Service) owns() bool {
	s.leaseMu.Lock()
	defer s.leaseMu.Unlock()
	return s.lease == nil || s.held
}

func (s *Service) releaseLease() {
	s.leaseMu.Lock()
	lease, held := s.lease, s.held
	s.held = false
	s.recoverPending = false
	s.leaseMu.Unlock()

	if lease == nil || !held {
		return
	}
	if err := lease.Release(context.Background()); err != nil {
		s.logger.Warn("Failed to release drain lease", "error", err)
	}
}

// recoverLocked returns actions a previous owner left in flight to the
// queue, once per takeover. drainMu must be held so no pass of this process
// has an action in flight.
func (s *Service) recoverLocked(ctx context.Context) (bool, error) {
	s.leaseMu.Lock()
	pending := s.recoverPending
	s.recoverPending = false
	s.leaseMu.Unlock()
	if !pending {
		return false, nil
	}

	recovered, err := s.store.RecoverInFlight(ctx)
	if err != nil {
		s.leaseMu.Lock()
		s.recoverPending = true
		s.leaseMu.Unlock()
		return false, fmt.Errorf("recovering in-flight actions: %w", err)
	}
	if recovered > 0 {
		s.logger.Info("Returned interrupted actions to the queue", "count", recovered)
	}
	return true, nil
}

// Sync runs one drain pass over pending and failed actions. A call made
// while a pass is running joins that pass and receives its result.
// Cancelling ctx abandons the wait, not the pass.
func (s *Service) Sync(ctx context.Context) (*SyncResult, error) {
	return s.drain(ctx, SyncTypeManual, queue.Replayable())
}

// drain runs a pass under the single-flight key shared by every trigger.
// Each caller waits under its own ctx.
func (s *Service) drain(ctx context.Context, syncType SyncType, filter queue.Filter) (*SyncResult, error) {
	detached := context.WithoutCancel(ctx)
	ch := s.group.DoChan(drainKey, func() (any, error) {
		return s.runPass(detached, syncType, filter)
	})

	select {
	case r := <-ch:
		if r.Shared {
			s.logger.Debug("Joined in-flight drain pass")
		}
		result, _ := r.Val.(*SyncResult)
		return result, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// runPass runs one pass under the service's base context and the drain lease
func (s *Service) runPass(ctx context.Context, syncType SyncType, filter queue.Filter) (*SyncResult, error) {
	s.lifeMu.Lock()
	base := s.base
	done := make(chan struct{})
	s.running = done
	started := s.cancel != nil
	s.lifeMu.Unlock()
	defer close(done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(base, cancel)
	defer stop()

	s.drainMu.Lock()
	defer s.drainMu.Unlock()

	owned, err := s.own(ctx)
	if err != nil {
		return nil, err
	}
	if !owned {
		return nil, ErrQueueOwned
	}
	if !started {
		// one-shot passes hand the lease back when done
		defer s.releaseLease()
	}

	if _, err := s.recoverLocked(ctx); err != nil {
		return nil, err
	}
	return s.pass(ctx, syncType, filter)
}

func (s *Service) pass(ctx context.Context, syncType SyncType, filter queue.Filter) (*SyncResult, error) {
	if s.cfg.PassTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.PassTimeout)
		defer cancel()
	}

	start := s.now()
	result := &SyncResult{SyncType: syncType}

	actions, err := s.store.List(ctx, filter)
	if err != nil {
		return result, fmt.Errorf("listing queued actions: %w", err)
	}
	if len(actions) == 0 {
		return result, nil
	}

	s.logger.Info("Starting drain pass", "type", syncType, "actions", len(actions))

	for i, action := range actions {
		if err := s.limiter.Wait(ctx); err != nil {
			result.Interrupted = true
			result.Err = err
			result.Remaining = len(actions) - i
			break
		}
		if owned, err := s.own(ctx); err != nil || !owned {
			if err == nil {
				err = ErrQueueOwned
			}
			result.Interrupted = true
			result.Err = err
			result.Remaining = len(actions) - i
			break
		}

		r, err := s.replay(ctx, syncType, action)
		if err != nil {
			s.finishPass(result, start)
			return result, err
		}
		s.observeReplay(action.OperationName, r.outcome)

		switch r.outcome {
		case ReplaySynced:
			result.Success++
		case ReplayFailed:
			result.Failed++
			result.Failures = append(result.Failures, FailedAction{
				ID:            action.ID,
				OperationName: action.OperationName,
				Error:         r.err.Error(),
			})
		case ReplayInterrupted:
			result.Interrupted = true
			result.Err = r.err
			result.Remaining = len(actions) - i
		}
		if result.Interrupted {
			break
		}
	}

	s.finishPass(result, start)
	return result, nil
}

// replayResult is the outcome of one action and the backend error behind a
// failed or interrupted outcome
type replayResult struct {
	outcome string
	err     error
}

// replay handles one action. The returned error is set only for store failures.
func (s *Service) replay(ctx context.Context, syncType SyncType, action *queue.QueuedAction) (replayResult, error) {
	logger := s.logger.With("id", action.ID, "operation", action.OperationName)

	if err := s.store.MarkSyncing(ctx, action.ID); err != nil {
		if errors.Is(err, queue.ErrNotFound) || errors.Is(err, queue.ErrInvalidTransition) {
			// removed or retried by the user since the pass listed it
			logger.Debug("Skipping action", "reason", err)
			return replayResult{outcome: ReplaySkipped}, nil
		}
		if ctx.Err() != nil {
			return replayResult{outcome: ReplayInterrupted, err: ctx.Err()}, nil
		}
		return replayResult{}, fmt.Errorf("claiming action %s: %w", action.ID, err)
	}

	entry := NewSyncLog(syncType, action, s.now())
	_, invokeErr := s.invoker.Invoke(ctx, action.OperationName, action.Payload)

	// bookkeeping must land even when the pass itself is being cancelled
	bookCtx := context.WithoutCancel(ctx)

	if invokeErr == nil {
		if err := s.store.MarkSynced(bookCtx, action.ID); err != nil {
			return replayResult{}, fmt.Errorf("marking action %s synced: %w", action.ID, err)
		}
		entry.MarkSuccessful(s.now())
		s.writeLog(bookCtx, entry)
		if err := s.store.Remove(bookCtx, action.ID); err != nil {
			return replayResult{}, fmt.Errorf("removing synced action %s: %w", action.ID, err)
		}
		if s.monitor != nil {
			s.monitor.ReportSuccess()
		}
		logger.Info("Replayed action")
		return replayResult{outcome: ReplaySynced}, nil
	}

	entry.MarkFailed(SyncErrorType(backend.Category(invokeErr)), invokeErr.Error(), s.now())
	s.writeLog(bookCtx, entry)

	if backend.IsConnectivity(invokeErr) || ctx.Err() != nil {
		if err := s.store.Release(bookCtx, action.ID, invokeErr.Error()); err != nil {
			return replayResult{}, fmt.Errorf("releasing action %s: %w", action.ID, err)
		}
		if s.monitor != nil {
			s.monitor.ReportFailure(invokeErr)
		}
		logger.Warn("Backend unreachable, stopping drain pass", "error", invokeErr)
		return replayResult{outcome: ReplayInterrupted, err: invokeErr}, nil
	}

	if err := s.store.MarkFailed(bookCtx, action.ID, invokeErr.Error()); err != nil {
		return replayResult{}, fmt.Errorf("marking action %s failed: %w", action.ID, err)
	}
	logger.Warn("Backend rejected queued action", "error", invokeErr)
	return replayResult{outcome: ReplayFailed, err: invokeErr}, nil
}

func (s *Service) writeLog(ctx context.Context, entry *SyncLog) {
	if s.repo == nil {
		return
	}
	if err := s.repo.CreateSyncLog(ctx, entry); err != nil {
		s.logger.Error("Failed to create sync log", "error", err, "action", entry.ActionID)
	}
}

func (s *Service) finishPass(result *SyncResult, start time.Time) {
	result.Duration = s.now().Sub(start)

	if result.Failed > 0 {
		ids := make([]string, len(result.Failures))
		for i, f := range result.Failures {
			ids[i] = f.ID
		}
		s.logger.Warn("Some queued actions could not be synced", "failed", result.Failed, "ids", ids)
	}
	s.logger.Info("Drain pass finished",
		"success", result.Success,
		"failed", result.Failed,
		"interrupted", result.Interrupted,
		"remaining", result.Remaining,
	)

	s.mu.RLock()
	o := s.observer
	s.mu.RUnlock()
	if o != nil {
		o.ObservePass(result)
	}

	s.NotifyCounts(context.Background())
}

func (s *Service) observeReplay(operation, outcome string) {
	s.mu.RLock()
	o := s.observer
	s.mu.RUnlock()
	if o != nil {
		o.ObserveReplay(operation, outcome)
	}
}

// Counts returns the queue depth per status
func (s *Service) Counts(ctx context.Context) (queue.Counts, error) {
	return s.store.Counts(ctx)
}

// SubscribeCounts registers fn for queue depth updates and returns its disposer
func (s *Service) SubscribeCounts(fn CountsListener) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.countListeners = append(s.countListeners, countsSubscription{id: id, fn: fn})
	s.mu.Unlock()

	var once gosync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, sub := range s.countListeners {
				if sub.id == id {
					s.countListeners = append(s.countListeners[:i:i], s.countListeners[i+1:]...)
					return
				}
			}
		})
	}
}

// NotifyCounts reads the queue depth and hands it to every counts listener
func (s *Service) NotifyCounts(ctx context.Context) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.RLock()
	listeners := make([]countsSubscription, len(s.countListeners))
	copy(listeners, s.countListeners)
	s.mu.RUnlock()
	if len(listeners) == 0 {
		return
	}

	counts, err := s.store.Counts(ctx)
	if err != nil {
		s.logger.Error("Failed to read queue counts", "error", err)
		return
	}
	for _, sub := range listeners {
		sub.fn(counts)
	}
}

// GetSyncLogs retrieves the accounting log, newest first
func (s *Service) GetSyncLogs(ctx context.Context, filter LogFilter) ([]*SyncLog, error) {
	if s.repo == nil {
		return nil, nil
	}
	return s.repo.GetSyncLogs(ctx, filter)
}

// PruneSyncLogs drops successful log entries older than olderThan
func (s *Service) PruneSyncLogs(ctx context.Context, olderThan time.Duration) (int, error) {
	if s.repo == nil {
		return 0, nil
	}
	n, err := s.repo.PruneSyncLogs(ctx, time.Now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("Pruned sync logs", "count", n, "older_than", olderThan)
	}
	return n, nil
}

// Retry returns a failed action to the queue
func (s *Service) Retry(ctx context.Context, id string) error {
	if err := s.store.Retry(ctx, id); err != nil {
		return err
	}
	s.NotifyCounts(ctx)
	return nil
}

// RetryAll returns every failed action to the queue
func (s *Service) RetryAll(ctx context.Context) (int, error) {
	n, err := s.store.RetryAll(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.NotifyCounts(ctx)
	}
	return n, nil
}

// Discard deletes a queued action the operator gave up on
func (s *Service) Discard(ctx context.Context, id string) error {
	if err := s.store.Remove(ctx, id); err != nil {
		return err
	}
	s.logger.Info("Discarded queued action", "action_id", id)
	s.NotifyCounts(ctx)
	return nil
}

// Start claims the drain lease, recovers actions left in flight by a
// previous owner, then drains on every offline to online transition of the
// monitor. Automatic passes only pick up pending actions: rejected ones wait
// for an explicit Sync or retry. When another process holds the lease the
// service stands by and takes over once that lease lapses.
func (s *Service) Start(ctx context.Context) error {
	if s.monitor == nil {
		return fmt.Errorf("sync service has no connectivity monitor")
	}

	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.cancel != nil {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)

	owned, err := s.own(ctx)
	if err != nil {
		cancel()
		return err
	}

	s.leaseMu.Lock()
	hasLease := s.lease != nil
	if !hasLease {
		s.recoverPending = true
	}
	s.leaseMu.Unlock()

	s.cancel = cancel
	s.wasOnline = s.monitor.State().EffectivelyOnline()

	if owned {
		if err := s.takeOverLocked(ctx); err != nil {
			s.cancel = nil
			cancel()
			s.releaseLease()
			return err
		}
	} else {
		s.logger.Info("Another process is draining the queue, standing by")
	}

	s.unsubscribe = s.monitor.Subscribe(func(state connectivity.State) {
		online := state.EffectivelyOnline()

		s.lifeMu.Lock()
		defer s.lifeMu.Unlock()
		reconnected := online && !s.wasOnline
		s.wasOnline = online

		if reconnected && s.cfg.AutoSync && s.owns() {
			s.backgroundLocked(ctx, SyncTypeReconnect)
		}
	})

	if hasLease {
		s.wg.Add(1)
		go s.heartbeat(ctx)
	}

	return nil
}

// takeOverLocked recovers in-flight actions after gaining the lease and
// starts draining what is pending. lifeMu must be held.
func (s *Service) takeOverLocked(ctx context.Context) error {
	if !s.drainMu.TryLock() {
		// a pass of this process is running and recovers before it lists
		return nil
	}
	took, err := s.recoverLocked(ctx)
	s.drainMu.Unlock()
	if err != nil || !took {
		return err
	}

	if s.cfg.AutoSync && s.wasOnline {
		counts, err := s.store.Counts(ctx)
		if err == nil && counts.Pending > 0 {
			s.backgroundLocked(ctx, SyncTypeReconnect)
		}
	}
	return nil
}

// heartbeat renews the lease while this process owns it and claims it once
// a previous owner stops renewing
func (s *Service) heartbeat(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.leaseTTL() / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		owned, err := s.own(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("Failed to renew drain lease", "error", err)
			continue
		}
		if !owned {
			continue
		}

		s.lifeMu.Lock()
		if s.cancel != nil {
			if err := s.takeOverLocked(ctx); err != nil {
				s.logger.Error("Failed to take over the queue", "error", err)
			}
		}
		s.lifeMu.Unlock()
	}
}

// backgroundLocked starts an automatic pass. lifeMu must be held so the
// WaitGroup is never grown after Close.
func (s *Service) backgroundLocked(ctx context.Context, syncType SyncType) {
	if s.cancel == nil || ctx.Err() != nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		result, err := s.drain(ctx, syncType, queue.Filter{Statuses: []queue.Status{queue.StatusPending}})
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Error("Automatic drain pass failed", "error", err)
			}
			return
		}
		if result != nil && result.Interrupted {
			s.logger.Info("Automatic drain pass interrupted", "remaining", result.Remaining)
		}
	}()
}

// Close stops reacting to connectivity, interrupts a running pass, waits
// for it and releases the drain lease
func (s *Service) Close() error {
	s.lifeMu.Lock()
	cancel, unsubscribe := s.cancel, s.unsubscribe
	s.cancel, s.unsubscribe = nil, nil
	s.halt()
	running := s.running
	s.base, s.halt = context.WithCancel(context.Background())
	s.lifeMu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if cancel != nil {
		cancel()
	}
	if running != nil {
		<-running
	}
	s.wg.Wait()
	s.releaseLease()
	return nil
}
