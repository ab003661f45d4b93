package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatPercentage(t *testing.T) {
	tests := []struct {
		name     string
		ratio    float64
		expected string
	}{
		{"normal", 0.985, "98.5%"},
		{"zero", 0.0, "0.0%"},
		{"one", 1.0, "100.0%"},
		{"over_hundred", 1.5, "150.0%"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, FormatPercentage(tt.ratio))
		})
	}
}

func TestFormatCoverage(t *testing.T) {
	pct := 81.5
	assert.Equal(t, "81.5%", FormatCoverage(&pct))
	assert.Equal(t, "n/a", FormatCoverage(nil))
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		name     string
		seconds  int64
		expected string
	}{
		{"hours_and_minutes", 8100, "2h 15m"},
		{"minutes_only", 300, "5m"},
		{"zero", 0, "0m"},
		{"exactly_one_hour", 3600, "1h 0m"},
		{"days", 90000, "25h 0m"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, FormatDuration(tt.seconds))
		})
	}
}

func TestFormatElapsed(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, "1h 30m", FormatElapsed(now.Add(-90*time.Minute), now))
	assert.Equal(t, "-", FormatElapsed(time.Time{}, now))
}

func TestFormatIterations(t *testing.T) {
	assert.Equal(t, "7 / 50", FormatIterations(7, 50))
	assert.Equal(t, "7", FormatIterations(7, 0))
}
