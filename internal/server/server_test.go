package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tildaslashalef/innkeep/internal/backend"
	"github.com/tildaslashalef/innkeep/internal/connectivity"
	"github.com/tildaslashalef/innkeep/internal/dispatch"
	"github.com/tildaslashalef/innkeep/internal/loggy"
	"github.com/tildaslashalef/innkeep/internal/queue"
	syncsvc "github.com/tildaslashalef/innkeep/internal/sync"
	"github.com/tildaslashalef/innkeep/internal/update"
)

type fakeInvoker struct {
	result    dispatch.Result
	operation string
	payload   json.RawMessage
}

func (f *fakeInvoker) InvokeRaw(_ context.Context, operation string, payload json.RawMessage) dispatch.Result {
	f.operation = operation
	f.payload = payload
	return f.result
}

type fakeSyncer struct {
	result *syncsvc.SyncResult
	err    error
	counts queue.Counts
}

func (f *fakeSyncer) Sync(context.Context) (*syncsvc.SyncResult, error) { return f.result, f.err }
func (f *fakeSyncer) Counts(context.Context) (queue.Counts, error)      { return f.counts, nil }

type fakeQueue struct {
	actions []*queue.QueuedAction
	filter  queue.Filter
}

func (f *fakeQueue) List(_ context.Context, filter queue.Filter) ([]*queue.QueuedAction, error) {
	f.filter = filter
	return f.actions, nil
}

type fixedState connectivity.State

func (s fixedState) State() connectivity.State { return connectivity.State(s) }

type fixedUpdate update.Status

func (s fixedUpdate) Status() update.Status { return update.Status(s) }

type fixture struct {
	invoker *fakeInvoker
	syncer  *fakeSyncer
	queue   *fakeQueue
	server  *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		invoker: &fakeInvoker{},
		syncer:  &fakeSyncer{result: &syncsvc.SyncResult{}},
		queue:   &fakeQueue{},
	}
	srv, err := New(Options{
		Mode:         "desktop",
		Dispatcher:   f.invoker,
		Sync:         f.syncer,
		Queue:        f.queue,
		Connectivity: fixedState{Online: true, HardOffline: true},
		Updates:      fixedUpdate{Phase: update.PhaseAvailable, Version: "1.4.0"},
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, "innkeep_up 1\n")
		}),
	}, loggy.NewNoopLogger())
	require.NoError(t, err)

	f.server = httptest.NewServer(srv.Handler())
	t.Cleanup(f.server.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()

	req, err := http.NewRequest(method, f.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var decoded map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &decoded), string(raw))
	}
	return resp, decoded
}

func TestNewRequiresServices(t *testing.T) {
	_, err := New(Options{}, loggy.NewNoopLogger())
	assert.Error(t, err)
}

func TestInvoke(t *testing.T) {
	action := &queue.QueuedAction{ID: "act_01", OperationName: "createFolio", Status: queue.StatusPending}

	tests := []struct {
		name       string
		result     dispatch.Result
		wantStatus int
		check      func(t *testing.T, body map[string]any)
	}{
		{
			name:       "completed",
			result:     dispatch.Completed{Data: json.RawMessage(`{"folio_id":"f-1"}`)},
			wantStatus: http.StatusOK,
			check: func(t *testing.T, body map[string]any) {
				assert.Equal(t, map[string]any{"folio_id": "f-1"}, body["data"])
			},
		},
		{
			name:       "queued",
			result:     dispatch.Queued{Action: action},
			wantStatus: http.StatusAccepted,
			check: func(t *testing.T, body map[string]any) {
				assert.Equal(t, "act_01", body["action"].(map[string]any)["id"])
			},
		},
		{
			name:       "rejected by backend",
			result:     dispatch.Rejected{Err: &backend.APIError{StatusCode: 409, ErrorCode: "conflict", Message: "room already assigned"}},
			wantStatus: http.StatusConflict,
			check: func(t *testing.T, body map[string]any) {
				errBody := body["error"].(map[string]any)
				assert.Equal(t, "application", errBody["kind"])
				assert.Equal(t, "conflict", errBody["code"])
			},
		},
		{
			name:       "persistence failure",
			result:     dispatch.Rejected{Err: &queue.PersistenceError{Op: "enqueue", Err: errors.New("disk full")}},
			wantStatus: http.StatusInternalServerError,
		},
		{
			name:       "unclassified failure",
			result:     dispatch.Rejected{Err: errors.New("something odd")},
			wantStatus: http.StatusBadGateway,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.invoker.result = tt.result

			resp, body := f.do(t, http.MethodPost, "/v1/invoke/createFolio", `{"room":"101"}`)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.Equal(t, tt.result.Outcome(), body["outcome"])
			assert.Equal(t, "createFolio", f.invoker.operation)
			assert.JSONEq(t, `{"room":"101"}`, string(f.invoker.payload))
			assert.NotEmpty(t, resp.Header.Get(requestIDHeader))
			if tt.check != nil {
				tt.check(t, body)
			}
		})
	}
}

func TestInvokeRejectsBadJSON(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/v1/invoke/createFolio", `{"room":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, f.invoker.operation, "dispatcher must not be called")
}

func TestInvokeEmptyBody(t *testing.T) {
	f := newFixture(t)
	f.invoker.result = dispatch.Completed{}

	resp, _ := f.do(t, http.MethodPost, "/v1/invoke/listRooms", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Nil(t, f.invoker.payload)
}

func TestRequestIDIsEchoed(t *testing.T) {
	f := newFixture(t)
	f.invoker.result = dispatch.Completed{}

	req, err := http.NewRequest(http.MethodPost, f.server.URL+"/v1/invoke/listRooms", nil)
	require.NoError(t, err)
	req.Header.Set(requestIDHeader, "req_fixed")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "req_fixed", resp.Header.Get(requestIDHeader))
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	f.syncer.counts = queue.Counts{Pending: 2, Failed: 1}

	resp, body := f.do(t, http.MethodGet, "/v1/status", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, "desktop", body["mode"])
	assert.Equal(t, map[string]any{
		"online":             true,
		"hard_offline":       true,
		"effectively_online": false,
		"label":              "backend unreachable",
	}, body["connectivity"])
	assert.Equal(t, map[string]any{"pending": 2.0, "syncing": 0.0, "failed": 1.0}, body["queue"])
	assert.Equal(t, "available", body["update"].(map[string]any)["phase"])
}

func TestSync(t *testing.T) {
	f := newFixture(t)
	f.syncer.result = &syncsvc.SyncResult{
		SyncType:    syncsvc.SyncTypeManual,
		Success:     2,
		Failed:      1,
		Interrupted: true,
		Remaining:   3,
		Failures:    []syncsvc.FailedAction{{ID: "act_02", OperationName: "postCharge", Error: "API error 422"}},
		Duration:    1500 * time.Millisecond,
		Err:         errors.New("dial tcp: connection refused"),
	}

	resp, body := f.do(t, http.MethodPost, "/v1/sync", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2.0, body["success"])
	assert.Equal(t, true, body["interrupted"])
	assert.Equal(t, 1500.0, body["duration_ms"])
	assert.Equal(t, "dial tcp: connection refused", body["error"])
	assert.Len(t, body["failures"], 1)

	f.syncer.err = errors.New("store closed")
	resp, _ = f.do(t, http.MethodPost, "/v1/sync", "")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	f.syncer.err = fmt.Errorf("manual pass: %w", syncsvc.ErrQueueOwned)
	resp, _ = f.do(t, http.MethodPost, "/v1/sync", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestQueue(t *testing.T) {
	f := newFixture(t)
	f.queue.actions = []*queue.QueuedAction{{ID: "act_01", OperationName: "postCharge", Status: queue.StatusFailed}}

	resp, body := f.do(t, http.MethodGet, "/v1/queue?status=failed&status=pending&operation=postCharge&limit=5", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["actions"], 1)
	assert.Equal(t, queue.Filter{
		Statuses:      []queue.Status{queue.StatusFailed, queue.StatusPending},
		OperationName: "postCharge",
		Limit:         5,
	}, f.queue.filter)

	for _, query := range []string{"?status=lost", "?limit=-1", "?limit=ten"} {
		resp, _ := f.do(t, http.MethodGet, "/v1/queue"+query, "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, query)
	}
}

func TestQueueEmptyListIsArray(t *testing.T) {
	f := newFixture(t)

	_, body := f.do(t, http.MethodGet, "/v1/queue", "")
	assert.Equal(t, []any{}, body["actions"])
}

func TestMetricsAndMethodRouting(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/v1/sync", "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestServeStopsOnCancel(t *testing.T) {
	srv, err := New(Options{
		Dispatcher:   &fakeInvoker{result: dispatch.Completed{}},
		Sync:         &fakeSyncer{},
		Queue:        &fakeQueue{},
		Connectivity: fixedState{Online: true},
	}, loggy.NewNoopLogger())
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	assert.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/v1/status")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}
