package status

import (
	"context"
	"errors"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tildaslashalef/innkeep/internal/connectivity"
	"github.com/tildaslashalef/innkeep/internal/queue"
	"github.com/tildaslashalef/innkeep/internal/sync"
	"github.com/tildaslashalef/innkeep/internal/update"
)

type fakeMonitor struct {
	state     connectivity.State
	listeners []connectivity.Listener
	disposed  int
}

func (f *fakeMonitor) State() connectivity.State { return f.state }

func (f *fakeMonitor) Subscribe(fn connectivity.Listener) func() {
	f.listeners = append(f.listeners, fn)
	return func() { f.disposed++ }
}

type fakeSyncer struct {
	counts   queue.Counts
	result   *sync.SyncResult
	err      error
	listener sync.CountsListener
}

func (f *fakeSyncer) Sync(context.Context) (*sync.SyncResult, error) { return f.result, f.err }
func (f *fakeSyncer) Counts(context.Context) (queue.Counts, error)  { return f.counts, nil }

func (f *fakeSyncer) SubscribeCounts(fn sync.CountsListener) func() {
	f.listener = fn
	return func() {}
}

func newTestModel(t *testing.T) (Model, *fakeMonitor, *fakeSyncer) {
	t.Helper()
	mon := &fakeMonitor{state: connectivity.State{Online: true}}
	syncer := &fakeSyncer{result: &sync.SyncResult{Success: 3}}
	m := NewModel(context.Background(), Services{Mode: "desktop", Monitor: mon, Sync: syncer})
	t.Cleanup(m.Close)
	return m, mon, syncer
}

func step(t *testing.T, m Model, msg tea.Msg) Model {
	t.Helper()
	next, _ := m.Update(msg)
	out, ok := next.(Model)
	require.True(t, ok)
	return out
}

func TestListenersFeedTheView(t *testing.T) {
	m, mon, syncer := newTestModel(t)
	require.Len(t, mon.listeners, 1)

	mon.listeners[0](connectivity.State{Online: true, HardOffline: true})
	syncer.listener(queue.Counts{Pending: 5})

	msg := m.waitForEvent()()
	assert.Equal(t, ConnectivityMsg{Online: true, HardOffline: true}, msg)
	m = step(t, m, msg)

	msg = m.waitForEvent()()
	m = step(t, m, msg)

	view := m.View()
	assert.Contains(t, view, "backend unreachable")
	assert.Contains(t, view, "5")
}

func TestSyncKey(t *testing.T) {
	m, _, _ := newTestModel(t)

	m = step(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("s")})
	assert.True(t, m.syncing)
	assert.Contains(t, m.View(), "Syncing")

	m = step(t, m, m.startSync()())
	assert.False(t, m.syncing)
	assert.Contains(t, m.View(), "3 synced")
}

func TestSyncErrorIsShown(t *testing.T) {
	m, _, _ := newTestModel(t)

	m = step(t, m, SyncCompleteMsg{Error: errors.New("store closed")})
	assert.Contains(t, m.View(), "store closed")
}

func TestUpdateProgressIsShown(t *testing.T) {
	m, _, _ := newTestModel(t)
	m.hasUpdate = true

	m = step(t, m, UpdateMsg{Phase: update.PhaseAvailable, Version: "1.4.0"})
	assert.Contains(t, m.View(), "available 1.4.0")

	m = step(t, m, UpdateMsg{Phase: update.PhaseError, ErrorMessage: "checksum mismatch"})
	assert.Contains(t, m.View(), "checksum mismatch")
}

func TestCloseUnsubscribesAndQuits(t *testing.T) {
	m, mon, _ := newTestModel(t)

	m.Close()
	m.Close()
	assert.Equal(t, 1, mon.disposed)

	_, cmd := m.Update(m.waitForEvent()())
	require.NotNil(t, cmd)
	assert.Equal(t, tea.Quit(), cmd())
}

func TestLateNotificationAfterClose(t *testing.T) {
	m, mon, syncer := newTestModel(t)
	m.Close()
	m.Close()

	assert.NotPanics(t, func() {
		mon.listeners[0](connectivity.State{Online: false})
		syncer.listener(queue.Counts{Pending: 1})
	})

	_, ok := <-m.feed.events
	assert.False(t, ok, "closed feed delivers nothing")
}
