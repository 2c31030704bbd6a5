package alert

import (
	"context"
	"log/slog"

	"recording-reconciler/pkg/logger"
)

// LogSink writes alerts to the structured log. Always configured.
type LogSink struct{}

func NewLogSink() *LogSink { return &LogSink{} }

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Send(ctx context.Context, a Alert) error {
	lvl := slog.LevelInfo
	switch a.Level {
	case LevelCritical:
		lvl = slog.LevelError
	case LevelWarning:
		lvl = slog.LevelWarn
	}
	logger.From(ctx).Log(ctx, lvl, "alert",
		"code", a.Code,
		"message", a.Message,
		"reconciliation_id", a.ReconciliationID,
		"intake_id", a.IntakeID,
		"event_id", a.EventID,
	)
	return nil
}
