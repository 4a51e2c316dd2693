package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/todopro/todopro/internal/model"
	"github.com/todopro/todopro/internal/sync"
)

func init() {
	// Respect NO_COLOR and dumb terminals.
	lipgloss.SetColorProfile(termenv.EnvColorProfile())
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))
	dimStyle    = lipgloss.NewStyle().Faint(true)
	doneStyle   = lipgloss.NewStyle().Strikethrough(true).Faint(true)
	activeStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("2"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))

	priorityStyles = map[int]lipgloss.Style{
		1: dimStyle,
		2: lipgloss.NewStyle().Foreground(lipgloss.Color("4")),
		3: lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
		4: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("1")),
	}

	summaryBox = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("8")).
			Padding(0, 1)
)

// shortID renders the first id segment, enough to act on a task.
func shortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func renderTask(t *model.Task, labels map[string]*model.Label) string {
	var b strings.Builder

	p := priorityStyles[t.Priority]
	b.WriteString(p.Render(fmt.Sprintf("p%d", t.Priority)))
	b.WriteString(" ")

	content := t.Content
	if t.Completed {
		content = doneStyle.Render("✓ " + content)
	}
	b.WriteString(content)

	if t.DueAt != nil {
		due := t.DueAt.Format("Jan 2 15:04")
		if t.DueAt.Before(time.Now()) && !t.Completed {
			due = errorStyle.Render("overdue " + due)
		}
		b.WriteString(" " + warnStyle.Render("("+due+")"))
	}
	for _, id := range t.LabelIDs {
		name := id
		if l, ok := labels[id]; ok {
			name = l.Name
		}
		b.WriteString(" " + dimStyle.Render("@"+name))
	}
	b.WriteString(" " + dimStyle.Render(shortID(t.ID)))
	return b.String()
}

func renderSummary(s sync.Summary) string {
	lines := []string{
		headerStyle.Render("Sync summary"),
		fmt.Sprintf("pulled   %d created, %d updated, %d deleted",
			s.Pull.Created, s.Pull.Updated, s.Pull.Deleted),
		fmt.Sprintf("pushed   %d created, %d updated, %d deleted",
			s.Push.Created, s.Push.Updated, s.Push.Deleted),
	}
	if n := s.Pull.Conflicts + s.Push.Conflicts; n > 0 {
		lines = append(lines, warnStyle.Render(fmt.Sprintf("resolved %d conflicts", n)))
	}
	if n := s.Pull.Failed + s.Push.Failed; n > 0 {
		lines = append(lines, errorStyle.Render(fmt.Sprintf("failed   %d (queued for retry)", n)))
	}
	if s.Pending > 0 {
		lines = append(lines, warnStyle.Render(fmt.Sprintf("pending  %d awaiting redelivery", s.Pending)))
	}
	if s.Purged > 0 {
		lines = append(lines, dimStyle.Render(fmt.Sprintf("purged   %d tombstones", s.Purged)))
	}
	lines = append(lines, dimStyle.Render("took "+s.Duration.Round(time.Millisecond).String()))
	return summaryBox.Render(strings.Join(lines, "\n"))
}
