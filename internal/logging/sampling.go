// internal/logging/sampling.go
package logging

import (
	"go.uber.org/zap/zapcore"
)

// newSampledCore samples Warn and below; Error and above always pass.
// A loop that spins on the same failing gate would otherwise flood the log.
func newSampledCore(core zapcore.Core, cfg SamplingConfig) zapcore.Core {
	if !cfg.Enabled {
		return core
	}

	errorCore := &levelFilterCore{Core: core, min: zapcore.ErrorLevel, hasMin: true}
	belowError := &levelFilterCore{Core: core, max: zapcore.WarnLevel, hasMax: true}

	sampled := zapcore.NewSamplerWithOptions(belowError, cfg.Tick.Duration(), cfg.Initial, cfg.Thereafter)
	return zapcore.NewTee(errorCore, sampled)
}

// levelFilterCore restricts a core to a level range.
type levelFilterCore struct {
	zapcore.Core
	min, max       zapcore.Level
	hasMin, hasMax bool
}

func (c *levelFilterCore) Enabled(lvl zapcore.Level) bool {
	if c.hasMin && lvl < c.min {
		return false
	}
	if c.hasMax && lvl > c.max {
		return false
	}
	return c.Core.Enabled(lvl)
}

func (c *levelFilterCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.Enabled(e.Level) {
		return ce
	}
	return c.Core.Check(e, ce)
}

func (c *levelFilterCore) With(fields []zapcore.Field) zapcore.Core {
	return &levelFilterCore{
		Core:   c.Core.With(fields),
		min:    c.min,
		max:    c.max,
		hasMin: c.hasMin,
		hasMax: c.hasMax,
	}
}
