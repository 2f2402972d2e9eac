package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"sync"
	"syscall"
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

// fakeBackend records calls and answers with a configurable error
type fakeBackend struct {
	mu    sync.Mutex
	err   error
	calls []string
}

func (b *fakeBackend) Invoke(_ context.Context, operation string, payload json.RawMessage) (json.RawMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, operation)
	if b.err != nil {
		return nil, b.err
	}
	return json.RawMessage(`{"ok":true}`), nil
}

func (b *fakeBackend) setErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.err = err
}

func (b *fakeBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

type fixture struct {
	dispatcher *Dispatcher
	monitor    *connectivity.Monitor
	store      *queue.SQLStore
	backend    *fakeBackend
	probeErr   error
}

func newFixture(t *testing.T, desktopMode bool) *fixture {
	t.Helper()

	db, err := database.Open(&config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "dispatch.db"), BusyTimeout: 1000})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	_, err = database.Migrate(db)
	require.NoError(t, err)

	f := &fixture{
		store:   queue.NewSQLStore(db, loggy.NewNoopLogger()),
		backend: &fakeBackend{},
	}

	env := desktop.Browser()
	if desktopMode {
		env = desktop.NewEnvironment(&desktop.Bridge{
			Prober: desktop.ProberFunc(func(context.Context) error { return f.probeErr }),
		})
	}

	f.monitor = connectivity.NewMonitor(env, config.ConnectivityConfig{ProbeInterval: time.Hour}, loggy.NewNoopLogger())
	f.dispatcher = New(env, f.backend, f.monitor, f.store, loggy.NewNoopLogger())
	return f
}

func (f *fixture) queued(t *testing.T) []*queue.QueuedAction {
	t.Helper()
	actions, err := f.store.List(context.Background(), queue.Filter{})
	require.NoError(t, err)
	return actions
}

func TestInvokeOnlineCompletes(t *testing.T) {
	f := newFixture(t, true)

	result := f.dispatcher.Invoke(context.Background(), "createFolio", map[string]string{"room": "101"})

	completed, ok := result.(Completed)
	require.True(t, ok, "got %T", result)
	assert.JSONEq(t, `{"ok":true}`, string(completed.Data))
	assert.Equal(t, OutcomeCompleted, result.Outcome())
	assert.NoError(t, Error(result))
	assert.Empty(t, f.queued(t), "store unchanged")
}

func TestInvokeOfflineQueues(t *testing.T) {
	f := newFixture(t, true)
	f.monitor.SetOnline(false)

	result := f.dispatcher.Invoke(context.Background(), "postCharge", json.RawMessage(`{"folio":"F-1","amount":4200}`))

	queued, ok := result.(Queued)
	require.True(t, ok, "got %T", result)
	assert.Zero(t, f.backend.callCount(), "never attempted while offline")

	actions := f.queued(t)
	require.Len(t, actions, 1)
	assert.Equal(t, queued.Action.ID, actions[0].ID)
	assert.Equal(t, "postCharge", actions[0].OperationName)
	assert.JSONEq(t, `{"folio":"F-1","amount":4200}`, string(actions[0].Payload))
	assert.Equal(t, queue.StatusPending, actions[0].Status)
}

func TestInvokeHardOfflineQueuesDespiteNetwork(t *testing.T) {
	f := newFixture(t, true)
	f.probeErr = errors.New("503 from gateway")
	require.Error(t, f.monitor.Probe(context.Background()))

	state := f.monitor.State()
	require.True(t, state.Online)
	require.True(t, state.HardOffline)

	result := f.dispatcher.Invoke(context.Background(), "createFolio", nil)

	assert.IsType(t, Queued{}, result)
	assert.Zero(t, f.backend.callCount())
	assert.Len(t, f.queued(t), 1)
}

func TestInvokeConnectivityFailureFallsThroughToQueue(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"timeout", context.DeadlineExceeded},
		{"refused", syscall.ECONNREFUSED},
		{"gateway", &backend.APIError{StatusCode: http.StatusBadGateway}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, true)
			f.backend.setErr(tt.err)

			result := f.dispatcher.Invoke(context.Background(), "createFolio", nil)

			assert.IsType(t, Queued{}, result)
			assert.Equal(t, 1, f.backend.callCount())
			assert.Len(t, f.queued(t), 1)
		})
	}
}

func TestInvokeApplicationErrorIsRejected(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"validation", &backend.APIError{StatusCode: http.StatusUnprocessableEntity, Message: "amount must be positive"}},
		{"auth", &backend.APIError{StatusCode: http.StatusForbidden}},
		{"conflict", &backend.APIError{StatusCode: http.StatusConflict, Message: "folio closed"}},
		{"unclassified", errors.New("unexpected response")},
		{"canceled", context.Canceled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, true)
			f.backend.setErr(tt.err)

			result := f.dispatcher.Invoke(context.Background(), "postCharge", nil)

			rejected, ok := result.(Rejected)
			require.True(t, ok, "got %T", result)
			assert.ErrorIs(t, rejected.Err, tt.err)
			assert.Empty(t, f.queued(t), "rejected operations are never queued")
		})
	}
}

func TestInvokeBrowserModeNeverQueues(t *testing.T) {
	f := newFixture(t, false)
	f.monitor.SetOnline(false) // ignored outside the desktop shell

	assert.IsType(t, Completed{}, f.dispatcher.Invoke(context.Background(), "createFolio", nil))

	f.backend.setErr(context.DeadlineExceeded)
	result := f.dispatcher.Invoke(context.Background(), "createFolio", nil)
	assert.ErrorIs(t, Error(result), context.DeadlineExceeded)
	assert.Empty(t, f.queued(t))
}

func TestInvokeBadInput(t *testing.T) {
	f := newFixture(t, true)

	assert.ErrorIs(t, Error(f.dispatcher.Invoke(context.Background(), "", nil)), ErrEmptyOperation)
	assert.Error(t, Error(f.dispatcher.Invoke(context.Background(), "createFolio", func() {})))
	assert.Error(t, Error(f.dispatcher.Invoke(context.Background(), "createFolio", []byte("{nope"))))
	assert.Zero(t, f.backend.callCount())
}

type failingStore struct{}

func (failingStore) Enqueue(context.Context, string, json.RawMessage) (*queue.QueuedAction, error) {
	return nil, &queue.PersistenceError{Op: "enqueue", Err: errors.New("disk I/O error")}
}

func TestInvokePersistenceErrorIsSurfaced(t *testing.T) {
	f := newFixture(t, true)
	f.monitor.SetOnline(false)
	d := New(desktop.NewEnvironment(&desktop.Bridge{}), f.backend, f.monitor, failingStore{}, loggy.NewNoopLogger())

	result := d.Invoke(context.Background(), "postCharge", nil)
	rejected, ok := result.(Rejected)
	require.True(t, ok)
	assert.True(t, queue.IsPersistence(rejected.Err))
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []string
}

func (o *recordingObserver) ObserveInvoke(_ string, outcome string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, outcome)
}

func TestObserverAndQueuedHook(t *testing.T) {
	f := newFixture(t, true)
	observer := &recordingObserver{}
	f.dispatcher.SetObserver(observer)

	var hooked []string
	f.dispatcher.OnQueued(func(a *queue.QueuedAction) { hooked = append(hooked, a.OperationName) })

	f.dispatcher.Invoke(context.Background(), "createFolio", nil)
	f.monitor.SetOnline(false)
	f.dispatcher.Invoke(context.Background(), "postCharge", nil)
	f.monitor.SetOnline(true)
	f.backend.setErr(&backend.APIError{StatusCode: http.StatusBadRequest})
	f.dispatcher.Invoke(context.Background(), "postCharge", nil)

	assert.Equal(t, []string{OutcomeCompleted, OutcomeQueued, OutcomeRejected}, observer.outcomes)
	assert.Equal(t, []string{"postCharge"}, hooked)
}
