package monitor

import (
	"fmt"
	"time"
)

// FormatPercentage formats a ratio (0-1) as percentage
func FormatPercentage(ratio float64) string {
	return fmt.Sprintf("%.1f%%", ratio*100)
}

// FormatCoverage formats a coverage percentage, or "n/a" when unmeasured.
func FormatCoverage(pct *float64) string {
	if pct == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.1f%%", *pct)
}

// FormatDuration formats duration in seconds to "Xh Ym" or "Xm"
func FormatDuration(seconds int64) string {
	hours := seconds / 3600
	minutes := (seconds % 3600) / 60

	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}

// FormatElapsed formats the time between start and now, or "-" when start
// is unset.
func FormatElapsed(start, now time.Time) string {
	if start.IsZero() {
		return "-"
	}
	return FormatDuration(int64(now.Sub(start).Seconds()))
}

// FormatIterations formats "N / max", or just N when max is unknown.
func FormatIterations(n, max int) string {
	if max <= 0 {
		return fmt.Sprintf("%d", n)
	}
	return fmt.Sprintf("%d / %d", n, max)
}
