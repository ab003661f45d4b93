// Package logging provides structured logging with OpenTelemetry integration.
//
// # Overview
//
// The package wraps Zap with:
//   - A custom Trace level (-2, below Debug)
//   - Console output on stderr plus an optional OpenTelemetry bridge
//   - Automatic loop correlation fields (trace_id, session.id, loop.iteration,
//     loop.phase, item.id)
//   - Redaction of secret-bearing keys and value patterns
//   - Sampling below Error
//
// # Usage
//
//	cfg, err := logging.FromSettings("debug", "console")
//	logger, err := logging.NewLogger(cfg, nil)
//	defer logger.Sync()
//
//	ctx = logging.WithSessionID(ctx, state.SessionID)
//	ctx = logging.WithIteration(ctx, state.Iteration)
//	ctx = logging.WithPhase(ctx, string(phase))
//	logger.Info(ctx, "phase completed", zap.Duration("duration", d))
//
// Output:
//
//	{
//	  "ts": "2026-03-02T10:15:30Z",
//	  "level": "info",
//	  "msg": "phase completed",
//	  "session.id": "6f0c...",
//	  "loop.iteration": 4,
//	  "loop.phase": "QUALITY",
//	  "duration": "1.2s"
//	}
//
// # Testing
//
//	tl := logging.NewTestLogger()
//	tl.Info(ctx, "gate failed", zap.String("gate", "lint"))
//	tl.AssertLogged(t, zapcore.InfoLevel, "gate failed")
//	tl.AssertField(t, "gate failed", "gate", "lint")
package logging
