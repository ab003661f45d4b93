package monitor

import (
	"fmt"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"

	"github.com/fyrsmithlabs/sentinel/internal/gates"
	httpserver "github.com/fyrsmithlabs/sentinel/internal/http"
	"github.com/fyrsmithlabs/sentinel/internal/queue"
	"github.com/fyrsmithlabs/sentinel/internal/state"
)

const testURL = "http://localhost:9090"

func sampleStatus() httpserver.StatusResponse {
	cov := 72.5
	return httpserver.StatusResponse{
		SessionID:         "s-1",
		Task:              "Add retry support\nwith details",
		Phase:             state.PhaseBuild,
		Iteration:         7,
		MaxIterations:     50,
		ConsecutivePasses: 1,
		RequiredPasses:    2,
		Strategy:          "retry-direct",
		Counts: map[queue.Status]int{
			queue.StatusPending: 2,
			queue.StatusBlocked: 1,
			queue.StatusDone:    4,
		},
		Gates: map[string]gates.Status{
			"lint": gates.StatusFail,
			"test": gates.StatusPass,
			"docs": gates.StatusWarn,
		},
		History: []httpserver.HistoryPoint{
			{Iteration: 6, OpenItems: 5},
			{Iteration: 7, OpenItems: 3, Coverage: &cov},
		},
		StartedAt: time.Date(2026, 1, 1, 11, 0, 0, 0, time.UTC),
	}
}

func TestNewModel(t *testing.T) {
	model := NewModel(testURL+"/", 5*time.Second)
	assert.Equal(t, testURL, model.client.BaseURL())
	assert.Equal(t, 5*time.Second, model.interval)
	assert.False(t, model.quitting)
}

func TestModel_Init(t *testing.T) {
	model := NewModel(testURL, 5*time.Second)
	assert.NotNil(t, model.Init())
}

func TestModel_Update_Keys(t *testing.T) {
	tests := []struct {
		key      rune
		quitting bool
	}{
		{'q', true},
		{'r', false},
		{'s', false},
	}
	for _, tt := range tests {
		t.Run(string(tt.key), func(t *testing.T) {
			model := NewModel(testURL, 5*time.Second)
			updated, cmd := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{tt.key}})
			assert.Equal(t, tt.quitting, updated.(Model).quitting)
			assert.NotNil(t, cmd)
		})
	}
}

func TestModel_Update_TickMsg(t *testing.T) {
	model := NewModel(testURL, 5*time.Second)
	updated, cmd := model.Update(tickMsg(time.Now()))
	assert.False(t, updated.(Model).quitting)
	assert.NotNil(t, cmd)
}

func TestModel_Update_StatusMsg(t *testing.T) {
	model := NewModel(testURL, 5*time.Second)
	model.err = fmt.Errorf("stale")

	updated, cmd := model.Update(statusMsg(sampleStatus()))
	m := updated.(Model)
	assert.True(t, m.hasStatus)
	assert.Equal(t, 7, m.status.Iteration)
	assert.False(t, m.lastUpdate.IsZero())
	assert.Nil(t, m.err)
	assert.Nil(t, cmd)
}

func TestModel_Update_ErrMsg(t *testing.T) {
	model := NewModel(testURL, 5*time.Second)
	updated, cmd := model.Update(errMsg(fmt.Errorf("connection refused")))
	m := updated.(Model)
	assert.Contains(t, m.err.Error(), "connection refused")
	assert.Nil(t, cmd)
}

func TestModel_View_WithStatus(t *testing.T) {
	model := NewModel(testURL, 5*time.Second)
	model.now = func() time.Time { return time.Date(2026, 1, 1, 12, 34, 56, 0, time.UTC) }
	updated, _ := model.Update(statusMsg(sampleStatus()))

	view := updated.View()
	assert.Contains(t, view, "sentinel Monitor")
	assert.Contains(t, view, "BUILD")
	assert.Contains(t, view, "12:34:56")
	assert.Contains(t, view, "1h 34m")
	assert.Contains(t, view, "Add retry support")
	assert.NotContains(t, view, "with details")
	assert.Contains(t, view, "7 / 50")
	assert.Contains(t, view, "1 / 2")
	assert.Contains(t, view, "pending 2")
	assert.Contains(t, view, "blocked 1")
	assert.Contains(t, view, "72.5%")
	assert.Contains(t, view, "✗ lint")
	assert.Contains(t, view, "✓ test")
	assert.Contains(t, view, "⚠ docs")
	assert.NotContains(t, view, "Escalation")
	assert.Contains(t, view, "[q]")
	assert.Contains(t, view, "[s]")
}

func TestModel_View_Escalation(t *testing.T) {
	st := sampleStatus()
	st.Escalation = &state.Escalation{ID: "esc-7-1", Reason: "lint stalled", Evidence: []string{"[S1] Fix lint gate failures (gate:lint)"}}
	st.StopRequested = true

	model := NewModel(testURL, 5*time.Second)
	updated, _ := model.Update(statusMsg(st))
	view := updated.View()

	assert.Contains(t, view, "Escalation")
	assert.Contains(t, view, "esc-7-1: lint stalled")
	assert.Contains(t, view, "Fix lint gate failures")
	assert.Contains(t, view, "sentinel reply")
	assert.Contains(t, view, "stop requested")
}

func TestModel_View_WithError(t *testing.T) {
	model := NewModel(testURL, 5*time.Second)
	model.err = fmt.Errorf("connection refused")

	view := model.View()
	assert.Contains(t, view, "Cannot reach the sentinel API")
	assert.Contains(t, view, "connection refused")
	assert.Contains(t, view, testURL)
	assert.Contains(t, view, "[r] retry")

	model.err = ErrNotRunning
	assert.Contains(t, model.View(), "not saved any state yet")
}

func TestModel_View_NoData(t *testing.T) {
	view := NewModel(testURL, 5*time.Second).View()
	assert.Contains(t, view, "sentinel Monitor")
	assert.Contains(t, view, "waiting for status")
}

func TestModel_View_Quitting(t *testing.T) {
	model := NewModel(testURL, 5*time.Second)
	model.quitting = true
	assert.Empty(t, model.View())
}

func TestOpenHistory(t *testing.T) {
	points := make([]httpserver.HistoryPoint, historySize+5)
	for i := range points {
		points[i].OpenItems = i
	}
	got := openHistory(points)
	assert.Len(t, got, historySize)
	assert.Equal(t, 5.0, got[0])
	assert.Empty(t, openHistory(nil))
}

func TestRatio(t *testing.T) {
	assert.Equal(t, 0.5, ratio(1, 2))
	assert.Equal(t, 1.0, ratio(9, 2))
	assert.Equal(t, 0.0, ratio(3, 0))
}
