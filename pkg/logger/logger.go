package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// New returns a production-friendly structured logger tagged with the process name
// (api or worker) so both processes can share one log stream.
// No business logic should depend on logging implementation details.
func New(appEnv, process string) *slog.Logger {
	return newWithWriter(os.Stdout, appEnv, process)
}

func newWithWriter(w io.Writer, appEnv, process string) *slog.Logger {
	level := slog.LevelInfo
	if appEnv == "local" || appEnv == "dev" {
		level = slog.LevelDebug
	}

	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	l := slog.New(h)
	if process != "" {
		l = l.With("process", process)
	}
	return l
}

type ctxKey struct{}

// With stores a logger in context.
func With(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// From gets a logger from context, falling back to slog.Default().
func From(ctx context.Context) *slog.Logger {
	if v := ctx.Value(ctxKey{}); v != nil {
		if l, ok := v.(*slog.Logger); ok && l != nil {
			return l
		}
	}
	return slog.Default()
}

// WithAttrs returns ctx carrying the context logger extended with attrs.
// Workers use it to stamp job and reconciliation identifiers once per job.
func WithAttrs(ctx context.Context, attrs ...any) context.Context {
	return With(ctx, From(ctx).With(attrs...))
}
