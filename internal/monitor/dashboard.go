package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/NimbleMarkets/ntcharts/sparkline"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fyrsmithlabs/sentinel/internal/gates"
	httpserver "github.com/fyrsmithlabs/sentinel/internal/http"
	"github.com/fyrsmithlabs/sentinel/internal/queue"
	"github.com/fyrsmithlabs/sentinel/internal/state"
)

const (
	sparklineWidth  = 30
	sparklineHeight = 3
	historySize     = 30
)

// Model represents the BubbleTea dashboard model
type Model struct {
	client     *Client
	interval   time.Duration
	lastUpdate time.Time
	status     httpserver.StatusResponse
	hasStatus  bool
	notice     string
	err        error
	quitting   bool
	now        func() time.Time

	iterationProgress progress.Model
	passProgress      progress.Model
}

// Lipgloss styles (k9s-inspired color scheme)
var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true).
			MarginTop(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	healthyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	containerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(1, 2)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			MarginTop(1)

	footerKeyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	sparklineStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51"))
)

// NewModel creates a dashboard polling the API at baseURL every interval.
func NewModel(baseURL string, interval time.Duration) Model {
	return Model{
		client:   NewClient(baseURL),
		interval: interval,
		now:      time.Now,
		iterationProgress: progress.New(
			progress.WithGradient("#00ffff", "#ff00ff"),
			progress.WithWidth(40),
		),
		passProgress: progress.New(
			progress.WithGradient("#ffff00", "#00ff00"),
			progress.WithWidth(40),
		),
	}
}

// gateBadge returns a colored badge for a gate status.
func gateBadge(name string, status gates.Status) string {
	switch status {
	case gates.StatusPass:
		return healthyStyle.Render("✓ " + name)
	case gates.StatusWarn:
		return warningStyle.Render("⚠ " + name)
	}
	return errorStyle.Render("✗ " + name)
}

// phaseBadge returns the loop phase with a color for terminal phases.
func phaseBadge(s httpserver.StatusResponse) string {
	switch {
	case s.Phase == state.PhaseDone:
		return healthyStyle.Render("✓ DONE")
	case s.Phase == state.PhaseAborted:
		return errorStyle.Render("✗ ABORTED")
	case s.Escalation != nil:
		return warningStyle.Render("⚠ " + string(s.Phase))
	}
	return valueStyle.Render(string(s.Phase))
}

// openHistory returns open item counts from the last historySize iterations.
func openHistory(points []httpserver.HistoryPoint) []float64 {
	if len(points) > historySize {
		points = points[len(points)-historySize:]
	}
	out := make([]float64, len(points))
	for i, p := range points {
		out[i] = float64(p.OpenItems)
	}
	return out
}

// createSparkline creates a sparkline chart from historical data
func createSparkline(data []float64) string {
	if len(data) == 0 {
		return dimStyle.Render(fmt.Sprintf("%*s", sparklineWidth, "no data"))
	}

	spark := sparkline.New(sparklineWidth, sparklineHeight)
	for _, v := range data {
		spark.Push(v)
	}
	spark.Draw()

	return sparklineStyle.Render(spark.View())
}

func ratio(n, max int) float64 {
	if max <= 0 {
		return 0
	}
	r := float64(n) / float64(max)
	if r > 1 {
		r = 1
	}
	return r
}

// Message types
type tickMsg time.Time
type statusMsg httpserver.StatusResponse
type noticeMsg string
type errMsg error

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tick(m.interval),
		fetchStatus(m.client),
	)
}

// tick creates a tick command for auto-refresh
func tick(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// fetchStatus polls the status endpoint.
func fetchStatus(c *Client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		st, err := c.Status(ctx)
		if err != nil {
			return errMsg(err)
		}
		return statusMsg(st)
	}
}

// requestStop asks the loop to stop.
func requestStop(c *Client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := c.Stop(ctx, "watch dashboard"); err != nil {
			return errMsg(err)
		}
		return noticeMsg("stop requested")
	}
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, fetchStatus(m.client)
		case "s":
			return m, requestStop(m.client)
		}

	case tickMsg:
		return m, tea.Batch(
			tick(m.interval),
			fetchStatus(m.client),
		)

	case statusMsg:
		m.status = httpserver.StatusResponse(msg)
		m.hasStatus = true
		m.lastUpdate = m.now()
		m.err = nil
		return m, nil

	case noticeMsg:
		m.notice = string(msg)
		return m, fetchStatus(m.client)

	case errMsg:
		m.err = error(msg)
		return m, nil
	}

	return m, nil
}

// View renders the dashboard
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.err != nil {
		return m.renderError()
	}
	return m.renderDashboard()
}

// renderError renders the error view
func (m Model) renderError() string {
	header := headerStyle.Render("sentinel watch")

	var content string
	content += "\n"
	if errors.Is(m.err, ErrNotRunning) {
		content += warningStyle.Render("⚠ Loop has not saved any state yet") + "\n"
	} else {
		content += errorStyle.Render("⚠ Cannot reach the sentinel API") + "\n"
	}
	content += "\n"
	content += dimStyle.Render("URL: ") + valueStyle.Render(m.client.BaseURL()) + "\n"
	content += dimStyle.Render("Error: ") + errorStyle.Render(m.err.Error()) + "\n"
	content += "\n"
	content += dimStyle.Render("Start the loop with: sentinel run --http <task>") + "\n"
	content += "\n"
	content += footerStyle.Render("[q] quit  [r] retry") + "\n"

	return containerStyle.Render(header + "\n" + content)
}

// renderDashboard renders the main dashboard view.
func (m Model) renderDashboard() string {
	var content string
	s := m.status

	lastUpdateStr := "Never"
	if !m.lastUpdate.IsZero() {
		lastUpdateStr = m.lastUpdate.Format("3:04:05 PM")
	}

	content += headerStyle.Render(" sentinel Monitor ") + "\n"
	if !m.hasStatus {
		content += dimStyle.Render("waiting for status...") + "\n"
	} else {
		content += fmt.Sprintf("%s   %s %s   %s\n",
			phaseBadge(s),
			dimStyle.Render("Elapsed:"),
			valueStyle.Render(FormatElapsed(s.StartedAt, m.now())),
			dimStyle.Render(lastUpdateStr))
		content += labelStyle.Render("  Task: ") + valueStyle.Render(firstLine(s.Task)) + "\n"
		if s.Strategy != "" {
			content += labelStyle.Render("  Strategy: ") + valueStyle.Render(s.Strategy) + "\n"
		}

		content += "\n" + sectionStyle.Render("┃ Progress") + "\n"
		content += labelStyle.Render("  Iteration: ") +
			m.iterationProgress.ViewAs(ratio(s.Iteration, s.MaxIterations)) +
			" " + dimStyle.Render(FormatIterations(s.Iteration, s.MaxIterations)) + "\n"
		content += labelStyle.Render("  Clean passes: ") +
			m.passProgress.ViewAs(ratio(s.ConsecutivePasses, s.RequiredPasses)) +
			" " + dimStyle.Render(FormatIterations(s.ConsecutivePasses, s.RequiredPasses)) + "\n"

		content += "\n" + sectionStyle.Render("┃ Work Queue") + "\n"
		open := s.Counts[queue.StatusPending] + s.Counts[queue.StatusClaimed] +
			s.Counts[queue.StatusInProgress] + s.Counts[queue.StatusBlocked]
		content += labelStyle.Render("  Open: ") + valueStyle.Render(fmt.Sprintf("%d", open)) +
			dimStyle.Render(fmt.Sprintf("  (pending %d, in progress %d, blocked %d, done %d)",
				s.Counts[queue.StatusPending],
				s.Counts[queue.StatusClaimed]+s.Counts[queue.StatusInProgress],
				s.Counts[queue.StatusBlocked],
				s.Counts[queue.StatusDone])) + "\n"
		content += "  " + createSparkline(openHistory(s.History)) + "\n"
		if n := len(s.History); n > 0 {
			content += labelStyle.Render("  Coverage: ") + valueStyle.Render(FormatCoverage(s.History[n-1].Coverage)) + "\n"
		}

		content += "\n" + sectionStyle.Render("┃ Gates") + "\n"
		content += "  " + m.renderGates() + "\n"

		if s.Escalation != nil {
			content += "\n" + sectionStyle.Render("┃ Escalation") + "\n"
			content += "  " + warningStyle.Render(s.Escalation.ID+": "+s.Escalation.Reason) + "\n"
			for _, ev := range s.Escalation.Evidence {
				content += dimStyle.Render("    - "+ev) + "\n"
			}
			content += dimStyle.Render("  reply with: sentinel reply continue|skip|stop") + "\n"
		}
		if s.StopRequested {
			content += "\n" + warningStyle.Render("  stop requested; finishing current phase") + "\n"
		}
		if s.Outcome != "" {
			content += "\n" + labelStyle.Render("  Outcome: ") + valueStyle.Render(string(s.Outcome)) + "\n"
		}
	}
	if m.notice != "" {
		content += dimStyle.Render("  "+m.notice) + "\n"
	}

	footer := footerKeyStyle.Render("[q]") + footerStyle.Render(" quit  ") +
		footerKeyStyle.Render("[r]") + footerStyle.Render(" refresh  ") +
		footerKeyStyle.Render("[s]") + footerStyle.Render(" stop loop  ") +
		footerStyle.Render(fmt.Sprintf("Auto: %v", m.interval))
	content += "\n" + footer

	return containerStyle.Render(content)
}

func (m Model) renderGates() string {
	if len(m.status.Gates) == 0 {
		return dimStyle.Render("not evaluated yet")
	}
	names := make([]string, 0, len(m.status.Gates))
	for name := range m.status.Gates {
		names = append(names, name)
	}
	sort.Strings(names)
	badges := make([]string, len(names))
	for i, name := range names {
		badges[i] = gateBadge(name, m.status.Gates[name])
	}
	return strings.Join(badges, "  ")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
