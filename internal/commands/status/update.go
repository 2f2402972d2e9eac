package status

import (
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/tildaslashalef/innkeep/internal/connectivity"
	"github.com/tildaslashalef/innkeep/internal/loggy"
	"github.com/tildaslashalef/innkeep/internal/queue"
	"github.com/tildaslashalef/innkeep/internal/update"
)

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.help.Width = msg.Width
		m.progress.Width = max(msg.Width-20, 10)

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keymap.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keymap.Help):
			m.help.ShowAll = !m.help.ShowAll
			return m, nil
		case key.Matches(msg, m.keymap.Sync):
			if !m.syncing {
				m.syncing = true
				m.error = ""
				cmds = append(cmds, m.startSync(), m.spinner.Tick)
			}
		}

	case spinner.TickMsg:
		if m.syncing || m.update.Phase == update.PhaseChecking || m.update.Phase == update.PhaseDownloading {
			m.spinner, cmd = m.spinner.Update(msg)
			cmds = append(cmds, cmd)
		}

	case progress.FrameMsg:
		progressModel, cmd := m.progress.Update(msg)
		m.progress = progressModel.(progress.Model)
		cmds = append(cmds, cmd)

	case ConnectivityMsg:
		m.state = connectivity.State(msg)
		loggy.Debug("Status view connectivity change", "state", m.state.String())
		cmds = append(cmds, m.waitForEvent())

	case CountsMsg:
		m.counts = queue.Counts(msg)
		cmds = append(cmds, m.waitForEvent())

	case UpdateMsg:
		wasBusy := m.update.Phase == update.PhaseChecking || m.update.Phase == update.PhaseDownloading
		m.update = update.Status(msg)
		if m.update.Phase == update.PhaseDownloading {
			cmds = append(cmds, m.progress.SetPercent(m.update.ProgressPercent/100))
		}
		if !wasBusy && !m.syncing {
			cmds = append(cmds, m.spinner.Tick)
		}
		cmds = append(cmds, m.waitForEvent())

	case SyncCompleteMsg:
		m.syncing = false
		if msg.Error != nil {
			m.error = msg.Error.Error()
			loggy.Error("Sync from status view failed", "error", msg.Error)
		} else if msg.Result != nil {
			m.lastResult = msg.Result
		}

	case eventsClosedMsg:
		return m, tea.Quit
	}

	return m, tea.Batch(cmds...)
}
