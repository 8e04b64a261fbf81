// Package ui provides reusable terminal components for the stoat CLI.
package ui

import (
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/AshkanYarmoradi/go-stoat/cli/styles"
	"github.com/AshkanYarmoradi/go-stoat/feed"
)

// SpinnerType selects a spinner animation
type SpinnerType int

const (
	SpinnerDots SpinnerType = iota
	SpinnerLine
	SpinnerPulse
	SpinnerMeter
)

// SpinnerModel is a spinner shown while a task runs
type SpinnerModel struct {
	spinner  spinner.Model
	message  string
	quitting bool
	done     bool
	result   string
	err      error
}

// NewSpinner creates a new spinner with the given message
func NewSpinner(message string, spinnerType SpinnerType) SpinnerModel {
	s := spinner.New()

	switch spinnerType {
	case SpinnerLine:
		s.Spinner = spinner.Line
	case SpinnerPulse:
		s.Spinner = spinner.Pulse
	case SpinnerMeter:
		s.Spinner = spinner.Meter
	default:
		s.Spinner = spinner.Dot
	}

	s.Style = lipgloss.NewStyle().Foreground(styles.Primary)

	return SpinnerModel{
		spinner: s,
		message: message,
	}
}

func (m SpinnerModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m SpinnerModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}

	case SpinnerDoneMsg:
		m.done = true
		m.result = msg.Result
		m.err = msg.Err
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m SpinnerModel) View() string {
	if m.done {
		if m.err != nil {
			return styles.FormatError(m.result) + "\n"
		}
		return styles.FormatSuccess(m.result) + "\n"
	}

	if m.quitting {
		return styles.FormatWarning("Cancelled") + "\n"
	}

	return m.spinner.View() + " " + styles.Normal.Render(m.message) + "\n"
}

// Err returns the error the task finished with.
func (m SpinnerModel) Err() error {
	return m.err
}

// SpinnerDoneMsg signals that the spinner operation is complete
type SpinnerDoneMsg struct {
	Result string
	Err    error
}

// ErrCancelled is returned by RunSpinner when the user quits before the task ends.
var ErrCancelled = errors.New("stoat/ui: cancelled")

// RunSpinner shows a spinner while task runs and returns the task's error.
// The task's string result is printed as the final line.
func RunSpinner(message string, task func() (string, error), opts ...tea.ProgramOption) error {
	p := tea.NewProgram(NewSpinner(message, SpinnerDots), opts...)

	go func() {
		result, err := task()
		if err != nil && result == "" {
			result = err.Error()
		}
		p.Send(SpinnerDoneMsg{Result: result, Err: err})
	}()

	final, err := p.Run()
	if err != nil {
		return err
	}

	m := final.(SpinnerModel)
	if !m.done {
		return ErrCancelled
	}
	return m.Err()
}

// Table renders a bordered table
type Table struct {
	headers []string
	rows    [][]string
	widths  []int
}

// NewTable creates a new table with headers
func NewTable(headers ...string) *Table {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	return &Table{
		headers: headers,
		widths:  widths,
	}
}

// AddRow adds a row to the table. Missing cells are left empty and extra ones dropped.
func (t *Table) AddRow(values ...string) {
	row := make([]string, len(t.headers))
	for i := range row {
		if i < len(values) {
			row[i] = values[i]
			if w := lipgloss.Width(values[i]); w > t.widths[i] {
				t.widths[i] = w
			}
		}
	}
	t.rows = append(t.rows, row)
}

// Render returns the formatted table string
func (t *Table) Render() string {
	if len(t.headers) == 0 {
		return ""
	}

	headerStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(styles.Primary).
		Padding(0, 1)

	cellStyle := lipgloss.NewStyle().
		Foreground(styles.Text).
		Padding(0, 1)

	borderStyle := lipgloss.NewStyle().
		Foreground(styles.Border)

	var sb strings.Builder

	rule := func(left, mid, right string) {
		sb.WriteString(borderStyle.Render(left))
		for i, w := range t.widths {
			sb.WriteString(borderStyle.Render(strings.Repeat("─", w+2)))
			if i < len(t.widths)-1 {
				sb.WriteString(borderStyle.Render(mid))
			}
		}
		sb.WriteString(borderStyle.Render(right))
	}

	line := func(cells []string, style lipgloss.Style) {
		sb.WriteString(borderStyle.Render("│"))
		for i, cell := range cells {
			sb.WriteString(style.Width(t.widths[i] + 2).Render(cell))
			sb.WriteString(borderStyle.Render("│"))
		}
		sb.WriteString("\n")
	}

	rule("┌", "┬", "┐")
	sb.WriteString("\n")
	line(t.headers, headerStyle)
	rule("├", "┼", "┤")
	sb.WriteString("\n")
	for _, row := range t.rows {
		line(row, cellStyle)
	}
	rule("└", "┴", "┘")

	return sb.String()
}

// StatusBadge returns a styled status badge
func StatusBadge(status string) string {
	badge := lipgloss.NewStyle().Padding(0, 1)

	switch strings.ToLower(status) {
	case "ok", "healthy", "open", "ready":
		badge = badge.Background(styles.Success).Foreground(lipgloss.Color("#000000"))
	case "empty", "pending":
		badge = badge.Background(styles.Warning).Foreground(lipgloss.Color("#000000"))
	case "error", "failed", "finalized":
		badge = badge.Background(styles.Error).Foreground(lipgloss.Color("#FFFFFF"))
	default:
		badge = badge.Background(styles.Surface).Foreground(styles.Text)
	}

	return badge.Render(status)
}

// Banner returns the one-line stoat banner
func Banner() string {
	return styles.IconStoat + " " + lipgloss.NewStyle().
		Bold(true).
		Foreground(styles.Primary).
		Render("stoat") +
		" " +
		styles.Muted.Render("- event-sourcing runtime for Go")
}

// Divider returns a horizontal divider line
func Divider(width int) string {
	return styles.Dim.Render(strings.Repeat("─", width))
}

// ListItems formats a list of items with bullets
func ListItems(items []string) string {
	var sb strings.Builder
	for _, item := range items {
		sb.WriteString(styles.ListItemBullet.Render(styles.IconDot))
		sb.WriteString(styles.Normal.Render(item))
		sb.WriteString("\n")
	}
	return sb.String()
}

// FeedLine formats one feed item for "stoat tail".
func FeedLine(item feed.Item) string {
	if item.Kind == feed.KindKeepAlive {
		return styles.Dim.Render(styles.IconKeepAlive + " keep-alive")
	}

	origin := styles.InfoStyle.Render("live  ")
	if item.Replayed {
		origin = styles.Muted.Render("replay")
	}

	return fmt.Sprintf("%s %s %s %s %s",
		styles.Muted.Render(fmt.Sprintf("%8d", item.Sequence)),
		origin,
		styles.Highlight.Render(item.EventType),
		styles.Dim.Render(item.Key),
		styles.Normal.Render(string(item.Data)),
	)
}
