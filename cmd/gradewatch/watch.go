package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"
)

var (
	watchTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	watchMutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	watchErrorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	watchOKStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	watchWarnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	watchPanelStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	watchSelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("230")).Background(lipgloss.Color("62")).Bold(true)
)

type watchKeys struct {
	Up, Down, Refresh, Quit key.Binding
}

var keys = watchKeys{
	Up:      key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
	Down:    key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
	Refresh: key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "refresh")),
	Quit:    key.NewBinding(key.WithKeys("q", "ctrl+c", "esc"), key.WithHelp("q", "quit")),
}

type snapshotMsg struct {
	view jobView
	err  error
}

type pollMsg struct{}

type watchModel struct {
	source   jobSource
	jobID    uuid.UUID
	interval time.Duration

	view     jobView
	loaded   bool
	lastErr  error
	fatalErr error
	polls    int
	cursor   int
	width    int
	height   int
	spinner  spinner.Model
}

func newWatchModel(src jobSource, id uuid.UUID, interval time.Duration) watchModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = watchMutedStyle
	if interval <= 0 {
		interval = time.Second
	}
	return watchModel{source: src, jobID: id, interval: interval, spinner: sp}
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, fetchCmd(m.source, m.jobID))
}

func fetchCmd(src jobSource, id uuid.UUID) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		v, err := src.Fetch(ctx, id)
		return snapshotMsg{view: v, err: err}
	}
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil
	case snapshotMsg:
		m.polls++
		if msg.err != nil {
			m.lastErr = msg.err
			// a job that never loaded is most likely a wrong id or address
			if !m.loaded && m.polls >= 3 {
				m.fatalErr = msg.err
				return m, tea.Quit
			}
			return m, m.schedule()
		}
		m.lastErr = nil
		m.loaded = true
		m.view = msg.view
		if m.cursor >= len(m.view.Cards) {
			m.cursor = max(0, len(m.view.Cards)-1)
		}
		if m.view.settled() {
			return m, nil
		}
		return m, m.schedule()
	case pollMsg:
		return m, fetchCmd(m.source, m.jobID)
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, keys.Up):
			if m.cursor > 0 {
				m.cursor--
			}
		case key.Matches(msg, keys.Down):
			if m.cursor < len(m.view.Cards)-1 {
				m.cursor++
			}
		case key.Matches(msg, keys.Refresh):
			return m, fetchCmd(m.source, m.jobID)
		}
	}
	return m, nil
}

func (m watchModel) schedule() tea.Cmd {
	return tea.Tick(m.interval, func(time.Time) tea.Msg { return pollMsg{} })
}

func (m watchModel) View() string {
	header := watchTitleStyle.Render("gradewatch") + " " + watchMutedStyle.Render(m.jobID.String())
	if !m.loaded {
		line := m.spinner.View() + " loading job"
		if m.lastErr != nil {
			line += "  " + watchErrorStyle.Render(m.lastErr.Error())
		}
		return lipgloss.JoinVertical(lipgloss.Left, header, line)
	}
	body := lipgloss.JoinVertical(lipgloss.Left, m.renderCards(), m.renderDetails())
	return lipgloss.JoinVertical(lipgloss.Left, header, m.renderStatus(), body, m.renderHelp())
}

func (m watchModel) renderStatus() string {
	v := m.view
	status := v.Status
	switch v.Status {
	case "done":
		status = watchOKStyle.Render(status)
	case "failed":
		status = watchErrorStyle.Render(status)
	default:
		status = m.spinner.View() + " " + status
	}
	line := fmt.Sprintf("%s  pages %s %d/%d", status, progressBar(v.DonePages, v.TotalPages, 20), v.DonePages, v.TotalPages)
	if v.FailedPages > 0 {
		line += watchErrorStyle.Render(fmt.Sprintf("  %d failed", v.FailedPages))
	}
	line += watchMutedStyle.Render(fmt.Sprintf("  cost %d/%d", v.Budget.CostUsed, v.Budget.CostLimit))
	if v.Budget.CostExhausted {
		line += watchWarnStyle.Render("  budget exhausted")
	}
	if m.lastErr != nil {
		line += "  " + watchErrorStyle.Render(m.lastErr.Error())
	}
	return line
}

func (m watchModel) renderCards() string {
	if len(m.view.Cards) == 0 {
		return watchPanelStyle.Render(watchMutedStyle.Render("no questions detected yet"))
	}
	rows := make([]string, 0, len(m.view.Cards))
	for i, c := range m.view.Cards {
		row := fmt.Sprintf("%-10s %-15s %s %.2f", c.ID, c.State, verdictLabel(c), c.Confidence)
		if c.NeedReview {
			row += " " + watchWarnStyle.Render("review")
		}
		if i == m.cursor {
			row = watchSelStyle.Render(row)
		}
		rows = append(rows, row)
	}
	return watchPanelStyle.Render(strings.Join(rows, "\n"))
}

func (m watchModel) renderDetails() string {
	if len(m.view.Cards) == 0 || m.cursor >= len(m.view.Cards) {
		return ""
	}
	c := m.view.Cards[m.cursor]
	lines := []string{
		watchTitleStyle.Render(fmt.Sprintf("page %d question %s", c.PageIndex+1, c.QuestionNumber)),
		"answer: " + c.StudentAnswer,
	}
	if c.Rationale != "" {
		lines = append(lines, "rationale: "+c.Rationale)
	}
	for _, w := range c.Warnings {
		lines = append(lines, watchWarnStyle.Render(w.Kind)+" "+w.Message)
	}
	width := m.width - 4
	if width < 20 {
		width = 80
	}
	return watchPanelStyle.Width(width).Render(strings.Join(lines, "\n"))
}

func (m watchModel) renderHelp() string {
	parts := []string{}
	for _, b := range []key.Binding{keys.Up, keys.Down, keys.Refresh, keys.Quit} {
		h := b.Help()
		parts = append(parts, h.Key+" "+h.Desc)
	}
	return watchMutedStyle.Render(strings.Join(parts, " • "))
}

func verdictLabel(c cardView) string {
	switch c.Verdict {
	case "correct":
		return watchOKStyle.Render(fmt.Sprintf("%-9s", c.Verdict))
	case "incorrect":
		return watchErrorStyle.Render(fmt.Sprintf("%-9s", c.Verdict))
	case "":
		return watchMutedStyle.Render(fmt.Sprintf("%-9s", "pending"))
	default:
		return watchWarnStyle.Render(fmt.Sprintf("%-9s", c.Verdict))
	}
}

func progressBar(done, total, width int) string {
	if total <= 0 {
		return strings.Repeat("░", width)
	}
	filled := done * width / total
	if filled > width {
		filled = width
	}
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}
