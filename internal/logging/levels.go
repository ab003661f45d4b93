// internal/logging/levels.go
package logging

import (
	"go.uber.org/zap/zapcore"
)

// TraceLevel is a custom level below Debug (-2). The loop uses it for
// per-claim and per-retry-tick chatter.
const TraceLevel = zapcore.Level(-2)

// LevelFromString parses a string into a zapcore.Level, supporting "trace".
func LevelFromString(level string) (zapcore.Level, error) {
	if level == "trace" {
		return TraceLevel, nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return zapcore.InfoLevel, err
	}
	return l, nil
}
