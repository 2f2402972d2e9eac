package status

import (
	"fmt"
	"strings"

	"github.com/muesli/reflow/wordwrap"
	"github.com/tildaslashalef/innkeep/internal/update"
)

// View renders the status view.
func (m Model) View() string {
	var sb strings.Builder

	sb.WriteString(m.styles.StatusBar.Render("innkeep · " + m.services.Mode))
	sb.WriteString("\n\n")

	var body strings.Builder
	body.WriteString(m.row("Connectivity", m.connectivityLabel()))
	body.WriteString(m.row("Pending", fmt.Sprintf("%d", m.counts.Pending)))
	body.WriteString(m.row("Syncing", fmt.Sprintf("%d", m.counts.Syncing)))
	failed := fmt.Sprintf("%d", m.counts.Failed)
	if m.counts.Failed > 0 {
		failed = m.styles.Error.Render(failed)
	}
	body.WriteString(m.row("Failed", failed))
	if m.hasUpdate {
		body.WriteString(m.row("Update", m.updateLabel()))
	}
	sb.WriteString(m.styles.Section.Render(strings.TrimRight(body.String(), "\n")))
	sb.WriteString("\n\n")

	switch {
	case m.syncing:
		sb.WriteString(fmt.Sprintf("%s Syncing queued actions...", m.spinner.View()))
	case m.error != "":
		sb.WriteString(m.styles.Error.Render(m.wrap("Sync failed: " + m.error)))
	case m.lastResult != nil:
		r := m.lastResult
		summary := fmt.Sprintf("Last sync: %d synced, %d failed", r.Success, r.Failed)
		if r.Interrupted {
			summary += fmt.Sprintf(", interrupted with %d remaining", r.Remaining)
			sb.WriteString(m.styles.Warning.Render(summary))
		} else {
			sb.WriteString(m.styles.Success.Render(summary))
		}
	default:
		sb.WriteString(m.styles.Subtle.Render("Watching for changes"))
	}

	sb.WriteString("\n\n")
	sb.WriteString(m.help.View(m.keymap))
	return sb.String()
}

func (m Model) row(label, value string) string {
	return m.styles.Label.Render(label) + value + "\n"
}

// wrap breaks long backend errors to the terminal width
func (m Model) wrap(s string) string {
	if m.width <= 20 {
		return s
	}
	return wordwrap.String(s, m.width-4)
}

func (m Model) connectivityLabel() string {
	switch {
	case m.state.EffectivelyOnline():
		return m.styles.Success.Render(m.state.String())
	case m.state.Online:
		return m.styles.Warning.Render(m.state.String())
	default:
		return m.styles.Error.Render(m.state.String())
	}
}

func (m Model) updateLabel() string {
	s := m.update
	switch s.Phase {
	case update.PhaseChecking:
		return m.spinner.View() + " checking"
	case update.PhaseAvailable:
		return m.styles.Info.Render("available " + s.Version)
	case update.PhaseDownloading:
		return fmt.Sprintf("downloading %s %s", s.Version, m.progress.ViewAs(s.ProgressPercent/100))
	case update.PhaseReady:
		return m.styles.Success.Render("ready to install " + s.Version)
	case update.PhaseError:
		return m.styles.Error.Render(m.wrap("error: " + s.ErrorMessage))
	default:
		return m.styles.Subtle.Render("up to date")
	}
}
