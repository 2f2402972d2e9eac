// Package status renders a live view of connectivity, queue counts and
// self-update progress.
package status

import (
	"context"
	stdsync "sync"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/tildaslashalef/innkeep/internal/connectivity"
	"github.com/tildaslashalef/innkeep/internal/queue"
	"github.com/tildaslashalef/innkeep/internal/sync"
	"github.com/tildaslashalef/innkeep/internal/update"
)

const eventBuffer = 64

// Monitor is the connectivity source the view follows
type Monitor interface {
	State() connectivity.State
	Subscribe(fn connectivity.Listener) func()
}

// Syncer is the queue side of the view
type Syncer interface {
	Sync(ctx context.Context) (*sync.SyncResult, error)
	Counts(ctx context.Context) (queue.Counts, error)
	SubscribeCounts(fn sync.CountsListener) func()
}

// Updates is the self-update source. Optional.
type Updates interface {
	Status() update.Status
	Subscribe(fn update.Listener) func()
}

// Services are what the view reads from
type Services struct {
	Mode    string
	Monitor Monitor
	Sync    Syncer
	Updates Updates
}

// feed turns listener callbacks into tea messages
type feed struct {
	events chan tea.Msg
	once   stdsync.Once
	unsubs []func()

	// a notifier may still be delivering when close runs
	mu     stdsync.Mutex
	closed bool
}

func (f *feed) send(msg tea.Msg) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	// a slow view drops intermediate snapshots instead of stalling notifiers
	select {
	case f.events <- msg:
	default:
	}
}

func (f *feed) close() {
	f.once.Do(func() {
		for _, fn := range f.unsubs {
			fn()
		}
		f.mu.Lock()
		f.closed = true
		close(f.events)
		f.mu.Unlock()
	})
}

// Model is the Bubble Tea model for the status view
type Model struct {
	ctx      context.Context
	services Services
	feed     *feed
	keymap   KeyMap
	help     help.Model
	spinner  spinner.Model
	progress progress.Model
	styles   Styles

	// UI state
	width      int
	state      connectivity.State
	counts     queue.Counts
	update     update.Status
	hasUpdate  bool
	syncing    bool
	lastResult *sync.SyncResult
	error      string
}

// NewModel subscribes to the services and returns the view. Call Close once
// the program has exited.
func NewModel(ctx context.Context, services Services) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(DefaultTheme.Secondary)

	f := &feed{events: make(chan tea.Msg, eventBuffer)}
	f.unsubs = append(f.unsubs,
		services.Monitor.Subscribe(func(st connectivity.State) { f.send(ConnectivityMsg(st)) }),
		services.Sync.SubscribeCounts(func(c queue.Counts) { f.send(CountsMsg(c)) }),
	)

	m := Model{
		ctx:      ctx,
		services: services,
		feed:     f,
		keymap:   DefaultKeyMap(),
		help:     help.New(),
		spinner:  s,
		progress: progress.New(progress.WithDefaultGradient()),
		styles:   DefaultStyles(),
		state:    services.Monitor.State(),
	}

	if services.Updates != nil {
		f.unsubs = append(f.unsubs, services.Updates.Subscribe(func(st update.Status) { f.send(UpdateMsg(st)) }))
		m.update = services.Updates.Status()
		m.hasUpdate = true
	}

	return m
}

// Close releases the subscriptions
func (m Model) Close() {
	m.feed.close()
}

// Init initializes the model and returns the initial command
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.waitForEvent(), m.loadCounts())
}

func (m Model) waitForEvent() tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-m.feed.events
		if !ok {
			return eventsClosedMsg{}
		}
		return msg
	}
}

func (m Model) loadCounts() tea.Cmd {
	return func() tea.Msg {
		counts, err := m.services.Sync.Counts(m.ctx)
		if err != nil {
			return SyncCompleteMsg{Error: err}
		}
		return CountsMsg(counts)
	}
}

func (m Model) startSync() tea.Cmd {
	return func() tea.Msg {
		result, err := m.services.Sync.Sync(m.ctx)
		return SyncCompleteMsg{Result: result, Error: err}
	}
}
