package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tildaslashalef/innkeep/internal/backend"
	"github.com/tildaslashalef/innkeep/internal/config"
	"github.com/tildaslashalef/innkeep/internal/connectivity"
	"github.com/tildaslashalef/innkeep/internal/database"
	"github.com/tildaslashalef/innkeep/internal/desktop"
	"github.com/tildaslashalef/innkeep/internal/loggy"
	"github.com/tildaslashalef/innkeep/internal/queue"
)

// recordingBackend records replay order. fail decides the error per call.
type recordingBackend struct {
	mu    gosync.Mutex
	calls []string
	fail  func(operation string) error
	gate  chan struct{}
}

func (b *recordingBackend) Invoke(ctx context.Context, operation string, _ json.RawMessage) (json.RawMessage, error) {
	if b.gate != nil {
		select {
		case <-b.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	b.mu.Lock()
	b.calls = append(b.calls, operation)
	fail := b.fail
	b.mu.Unlock()

	if fail != nil {
		if err := fail(operation); err != nil {
			return nil, err
		}
	}
	return json.RawMessage(`{}`), nil
}

func (b *recordingBackend) recorded() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

func (b *recordingBackend) setFail(fn func(string) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fail = fn
}

type syncFixture struct {
	store   *queue.SQLStore
	repo    *SQLRepository
	lease   *queue.Lease
	backend *recordingBackend
	monitor *connectivity.Monitor
	service *Service
}

func newSyncFixture(t *testing.T, cfg config.SyncConfig) *syncFixture {
	t.Helper()
	return newSyncFixtureAt(t, filepath.Join(t.TempDir(), "sync.db"), cfg)
}

// newSyncFixtureAt opens path with its own connection pool, as a second
// process sharing the database would
func newSyncFixtureAt(t *testing.T, path string, cfg config.SyncConfig) *syncFixture {
	t.Helper()

	db, err := database.Open(&config.DatabaseConfig{Path: path, BusyTimeout: 1000})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	_, err = database.Migrate(db)
	require.NoError(t, err)

	logger := loggy.NewNoopLogger()
	env := desktop.NewEnvironment(&desktop.Bridge{})

	f := &syncFixture{
		store:   queue.NewSQLStore(db, logger),
		repo:    NewSQLRepository(db, logger),
		lease:   queue.NewLease(db, queue.DrainLease, logger),
		backend: &recordingBackend{},
		monitor: connectivity.NewMonitor(env, config.ConnectivityConfig{ProbeInterval: time.Hour}, logger),
	}
	f.service = NewService(f.store, f.repo, f.backend, f.monitor, cfg, logger)
	f.service.SetLease(f.lease)
	t.Cleanup(func() { f.service.Close() })
	return f
}

func (f *syncFixture) enqueue(t *testing.T, ops ...string) []string {
	t.Helper()
	ids := make([]string, len(ops))
	for i, op := range ops {
		a, err := f.store.Enqueue(context.Background(), op, json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)))
		require.NoError(t, err)
		ids[i] = a.ID
	}
	return ids
}

func (f *syncFixture) get(t *testing.T, id string) *queue.QueuedAction {
	t.Helper()
	a, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return a
}

func unlimited() config.SyncConfig {
	return config.SyncConfig{AutoSync: true}
}

func TestSyncReplaysInEnqueueOrder(t *testing.T) {
	f := newSyncFixture(t, unlimited())
	f.monitor.SetOnline(false)
	f.enqueue(t, "createFolio", "postCharge")

	f.monitor.SetOnline(true)
	result, err := f.service.Sync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, result.Success)
	assert.Zero(t, result.Failed)
	assert.False(t, result.Interrupted)
	assert.Equal(t, []string{"createFolio", "postCharge"}, f.backend.recorded())

	remaining, err := f.store.List(context.Background(), queue.Filter{})
	require.NoError(t, err)
	assert.Empty(t, remaining)

	logs, err := f.service.GetSyncLogs(context.Background(), LogFilter{})
	require.NoError(t, err)
	require.Len(t, logs, 2)
	for _, l := range logs {
		assert.True(t, l.Success)
		assert.Equal(t, SyncTypeManual, l.SyncType)
		assert.Equal(t, 1, l.AttemptCount)
	}
}

func TestSyncIsolatesApplicationFailures(t *testing.T) {
	f := newSyncFixture(t, unlimited())
	ids := f.enqueue(t, "op1", "op2", "bad", "op4", "op5")
	f.backend.setFail(func(op string) error {
		if op == "bad" {
			return &backend.APIError{StatusCode: http.StatusConflict, Message: "folio closed"}
		}
		return nil
	})

	result, err := f.service.Sync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, result.Success)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, ids[2], result.Failures[0].ID)
	assert.Contains(t, result.Failures[0].Error, "folio closed")
	assert.Equal(t, []string{"op1", "op2", "bad", "op4", "op5"}, f.backend.recorded())

	bad := f.get(t, ids[2])
	assert.Equal(t, queue.StatusFailed, bad.Status)
	assert.Equal(t, 1, bad.AttemptCount)
	assert.Contains(t, bad.LastError, "folio closed")

	failedLogs, err := f.service.GetSyncLogs(context.Background(), LogFilter{FailedOnly: true})
	require.NoError(t, err)
	require.Len(t, failedLogs, 1)
	assert.Equal(t, SyncErrorTypeClient, failedLogs[0].ErrorType)
}

func TestSyncStopsOnConnectivityFailure(t *testing.T) {
	f := newSyncFixture(t, unlimited())
	ids := f.enqueue(t, "a1", "a2", "reject", "drop", "b1", "b2")

	f.backend.setFail(func(op string) error {
		switch op {
		case "reject":
			return &backend.APIError{StatusCode: http.StatusUnprocessableEntity}
		case "drop":
			return context.DeadlineExceeded
		}
		return nil
	})

	result, err := f.service.Sync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, result.Success)
	assert.Equal(t, 1, result.Failed)
	assert.True(t, result.Interrupted)
	assert.ErrorIs(t, result.Err, context.DeadlineExceeded)
	assert.Equal(t, 3, result.Remaining)
	assert.Equal(t, []string{"a1", "a2", "reject", "drop"}, f.backend.recorded())

	_, err = f.store.Get(context.Background(), ids[0])
	assert.ErrorIs(t, err, queue.ErrNotFound)

	rejected := f.get(t, ids[2])
	assert.Equal(t, queue.StatusFailed, rejected.Status)
	assert.Equal(t, 1, rejected.AttemptCount)

	dropped := f.get(t, ids[3])
	assert.Equal(t, queue.StatusPending, dropped.Status, "interrupted replay goes back to pending")
	assert.Equal(t, 1, dropped.AttemptCount)

	for _, id := range ids[4:] {
		untouched := f.get(t, id)
		assert.Equal(t, queue.StatusPending, untouched.Status)
		assert.Zero(t, untouched.AttemptCount)
		assert.Empty(t, untouched.LastError)
	}

	// next pass resumes in original order, retrying the rejected action too
	f.backend.setFail(nil)
	result, err = f.service.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, result.Success)
	assert.Equal(t, []string{"a1", "a2", "reject", "drop", "reject", "drop", "b1", "b2"}, f.backend.recorded())
}

func TestConcurrentSyncNeverReplaysTwice(t *testing.T) {
	f := newSyncFixture(t, unlimited())
	f.enqueue(t, "op1", "op2", "op3")
	f.backend.gate = make(chan struct{})

	var wg gosync.WaitGroup
	results := make([]*SyncResult, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := f.service.Sync(context.Background())
			assert.NoError(t, err)
			results[i] = r
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(f.backend.gate)
	wg.Wait()

	assert.Equal(t, []string{"op1", "op2", "op3"}, f.backend.recorded())

	total := 0
	for _, r := range results {
		require.NotNil(t, r)
		if r.Success > 0 {
			total = r.Success
		}
	}
	assert.Equal(t, 3, total)
}

func TestSyncOutlivesCancelledCaller(t *testing.T) {
	f := newSyncFixture(t, unlimited())
	f.enqueue(t, "op1", "op2", "op3")
	f.backend.gate = make(chan struct{})

	firstCtx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := f.service.Sync(firstCtx)
		firstErr <- err
	}()

	require.Eventually(t, func() bool {
		counts, err := f.store.Counts(context.Background())
		return err == nil && counts.Syncing == 1
	}, 2*time.Second, 5*time.Millisecond)

	joined := make(chan *SyncResult, 1)
	go func() {
		r, err := f.service.Sync(context.Background())
		assert.NoError(t, err)
		joined <- r
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(f.backend.gate)
	result := <-joined
	require.NotNil(t, result)
	assert.False(t, result.Interrupted)
	assert.Equal(t, 3, result.Success)
	assert.Zero(t, result.Remaining)
	assert.Equal(t, []string{"op1", "op2", "op3"}, f.backend.recorded())
}

func TestCloseInterruptsRunningPass(t *testing.T) {
	f := newSyncFixture(t, unlimited())
	ids := f.enqueue(t, "op1", "op2")
	f.backend.gate = make(chan struct{})

	done := make(chan *SyncResult, 1)
	go func() {
		r, err := f.service.Sync(context.Background())
		assert.NoError(t, err)
		done <- r
	}()

	require.Eventually(t, func() bool {
		counts, err := f.store.Counts(context.Background())
		return err == nil && counts.Syncing == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, f.service.Close())

	result := <-done
	require.NotNil(t, result)
	assert.True(t, result.Interrupted)
	assert.Equal(t, 2, result.Remaining)
	assert.Empty(t, f.backend.recorded())
	for _, id := range ids {
		assert.Equal(t, queue.StatusPending, f.get(t, id).Status)
	}

	// the service keeps working after Close
	close(f.backend.gate)
	result, err := f.service.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Success)
}

func TestSecondProcessNeverReplaysInFlightAction(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.db")
	first := newSyncFixtureAt(t, path, unlimited())
	second := newSyncFixtureAt(t, path, unlimited())

	ids := first.enqueue(t, "postCharge")
	first.backend.gate = make(chan struct{})

	done := make(chan *SyncResult, 1)
	go func() {
		r, err := first.service.Sync(ctx)
		assert.NoError(t, err)
		done <- r
	}()

	require.Eventually(t, func() bool {
		counts, err := first.store.Counts(ctx)
		return err == nil && counts.Syncing == 1
	}, 2*time.Second, 5*time.Millisecond)

	// the second process stands by instead of recovering the claimed action
	require.NoError(t, second.service.Start(ctx))
	assert.Equal(t, queue.StatusSyncing, second.get(t, ids[0]).Status)

	_, err := second.service.Sync(ctx)
	assert.ErrorIs(t, err, ErrQueueOwned)

	close(first.backend.gate)
	result := <-done
	require.NotNil(t, result)
	assert.Equal(t, 1, result.Success)

	assert.Equal(t, []string{"postCharge"}, first.backend.recorded())
	assert.Empty(t, second.backend.recorded())
}

func TestStandbyTakesOverReleasedLease(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.db")
	cfg := config.SyncConfig{AutoSync: true, LeaseTTL: 150 * time.Millisecond}
	first := newSyncFixtureAt(t, path, cfg)
	second := newSyncFixtureAt(t, path, cfg)

	require.NoError(t, first.service.Start(ctx))
	require.NoError(t, second.service.Start(ctx))

	owner, _, err := first.lease.Holder(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.lease.Owner(), owner)

	// an action the first process claimed and then crashed on
	ids := first.enqueue(t, "createFolio")
	require.NoError(t, first.store.MarkSyncing(ctx, ids[0]))

	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, second.backend.recorded(), "nothing moves while the first process renews")
	assert.Equal(t, queue.StatusSyncing, second.get(t, ids[0]).Status)

	require.NoError(t, first.service.Close())

	assert.Eventually(t, func() bool {
		_, err := second.store.Get(ctx, ids[0])
		return errors.Is(err, queue.ErrNotFound)
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"createFolio"}, second.backend.recorded())
	assert.Empty(t, first.backend.recorded())
}

func TestStartDeletesSyncedLeftovers(t *testing.T) {
	f := newSyncFixture(t, unlimited())
	f.monitor.SetOnline(false)
	ids := f.enqueue(t, "postCharge")
	require.NoError(t, f.store.MarkSyncing(context.Background(), ids[0]))
	require.NoError(t, f.store.MarkSynced(context.Background(), ids[0]))

	require.NoError(t, f.service.Start(context.Background()))

	_, err := f.store.Get(context.Background(), ids[0])
	assert.ErrorIs(t, err, queue.ErrNotFound)
	assert.Empty(t, f.backend.recorded())
}

func TestStartDrainsPendingOnReconnect(t *testing.T) {
	f := newSyncFixture(t, unlimited())
	f.monitor.SetOnline(false)

	rejectedIDs := f.enqueue(t, "rejected")
	require.NoError(t, f.store.MarkSyncing(context.Background(), rejectedIDs[0]))
	require.NoError(t, f.store.MarkFailed(context.Background(), rejectedIDs[0], "validation"))
	f.enqueue(t, "createFolio", "postCharge")

	require.NoError(t, f.service.Start(context.Background()))
	assert.ErrorIs(t, f.service.Start(context.Background()), ErrAlreadyStarted)
	assert.Empty(t, f.backend.recorded(), "nothing replays while offline")

	f.monitor.SetOnline(true)

	assert.Eventually(t, func() bool {
		counts, err := f.store.Counts(context.Background())
		return err == nil && counts.Pending == 0 && counts.Syncing == 0
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"createFolio", "postCharge"}, f.backend.recorded())
	assert.Equal(t, queue.StatusFailed, f.get(t, rejectedIDs[0]).Status, "rejected actions wait for an explicit retry")
}

func TestStartWithoutAutoSync(t *testing.T) {
	f := newSyncFixture(t, config.SyncConfig{AutoSync: false})
	f.monitor.SetOnline(false)
	f.enqueue(t, "createFolio")

	require.NoError(t, f.service.Start(context.Background()))
	f.monitor.SetOnline(true)

	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, f.backend.recorded())
}

func TestStartRecoversInFlightAndDrains(t *testing.T) {
	f := newSyncFixture(t, unlimited())
	ids := f.enqueue(t, "createFolio")
	require.NoError(t, f.store.MarkSyncing(context.Background(), ids[0]))

	require.NoError(t, f.service.Start(context.Background()))

	assert.Eventually(t, func() bool {
		_, err := f.store.Get(context.Background(), ids[0])
		return errors.Is(err, queue.ErrNotFound)
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"createFolio"}, f.backend.recorded())
}

func TestCountsNotifiedAfterPass(t *testing.T) {
	f := newSyncFixture(t, unlimited())
	f.enqueue(t, "ok", "bad")
	f.backend.setFail(func(op string) error {
		if op == "bad" {
			return &backend.APIError{StatusCode: http.StatusBadRequest}
		}
		return nil
	})

	var got []queue.Counts
	unsubscribe := f.service.SubscribeCounts(func(c queue.Counts) { got = append(got, c) })

	_, err := f.service.Sync(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, queue.Counts{Failed: 1}, got[0])

	unsubscribe()
	f.service.NotifyCounts(context.Background())
	assert.Len(t, got, 1)
}

type passObserver struct {
	replays []string
	passes  int
}

func (o *passObserver) ObserveReplay(_ string, outcome string) { o.replays = append(o.replays, outcome) }
func (o *passObserver) ObservePass(*SyncResult)                { o.passes++ }

func TestObserver(t *testing.T) {
	f := newSyncFixture(t, unlimited())
	f.enqueue(t, "ok", "bad", "drop")
	f.backend.setFail(func(op string) error {
		switch op {
		case "bad":
			return &backend.APIError{StatusCode: http.StatusForbidden}
		case "drop":
			return &backend.APIError{StatusCode: http.StatusServiceUnavailable}
		}
		return nil
	})

	o := &passObserver{}
	f.service.SetObserver(o)

	_, err := f.service.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{ReplaySynced, ReplayFailed, ReplayInterrupted}, o.replays)
	assert.Equal(t, 1, o.passes)
}

// brokenStore fails every read
type brokenStore struct {
	queue.Store
}

func (brokenStore) List(context.Context, queue.Filter) ([]*queue.QueuedAction, error) {
	return nil, &queue.PersistenceError{Op: "list", Err: errors.New("database disk image is malformed")}
}

func TestSyncSurfacesPersistenceErrors(t *testing.T) {
	svc := NewService(brokenStore{}, nil, &recordingBackend{}, nil, unlimited(), loggy.NewNoopLogger())

	_, err := svc.Sync(context.Background())
	require.Error(t, err)
	assert.True(t, queue.IsPersistence(err))
	assert.Error(t, svc.Start(context.Background()), "no monitor to react to")
}

func TestRateLimiterSpacesReplays(t *testing.T) {
	f := newSyncFixture(t, config.SyncConfig{RequestsPerMinute: 600, BurstLimit: 1})
	f.enqueue(t, "op1", "op2", "op3")

	start := time.Now()
	result, err := f.service.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, result.Success)
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestRetryDiscardAndPrune(t *testing.T) {
	f := newSyncFixture(t, unlimited())
	ids := f.enqueue(t, "createFolio", "postCharge", "assignRoom")
	f.backend.setFail(func(op string) error {
		if op == "createFolio" {
			return nil
		}
		return &backend.APIError{StatusCode: http.StatusUnprocessableEntity, Message: "invalid"}
	})

	var seen []queue.Counts
	f.service.SubscribeCounts(func(c queue.Counts) { seen = append(seen, c) })

	_, err := f.service.Sync(context.Background())
	require.NoError(t, err)

	require.NoError(t, f.service.Retry(context.Background(), ids[1]))
	assert.Equal(t, queue.StatusPending, f.get(t, ids[1]).Status)

	require.NoError(t, f.service.Discard(context.Background(), ids[2]))
	_, err = f.store.Get(context.Background(), ids[2])
	assert.ErrorIs(t, err, queue.ErrNotFound)

	n, err := f.service.RetryAll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "nothing left in failed")

	require.NotEmpty(t, seen)
	assert.Equal(t, queue.Counts{Pending: 1}, seen[len(seen)-1])

	// a cutoff in the future covers every entry; failures are still kept
	pruned, err := f.service.PruneSyncLogs(context.Background(), -time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)

	logs, err := f.service.GetSyncLogs(context.Background(), LogFilter{})
	require.NoError(t, err)
	assert.Len(t, logs, 2)
	for _, l := range logs {
		assert.False(t, l.Success)
	}
}
