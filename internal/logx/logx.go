package logx

import (
	"context"

	"pkt.systems/easel/schema"
	"pkt.systems/pslog"
)

type contextKey int

const (
	runKey contextKey = iota
	sessionKey
)

// Ctx returns the logger bound to the provided context.
func Ctx(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx)
}

// WithRun annotates the logger with the run id if present.
func WithRun(ctx context.Context, runID schema.RunID) pslog.Logger {
	log := pslog.Ctx(ctx)
	if runID != "" {
		if current, ok := ctx.Value(runKey).(schema.RunID); ok && current == runID {
			return log
		}
		log = log.With("run", runID)
	}
	return log
}

// WithRunSession annotates the logger with run and session identifiers.
func WithRunSession(ctx context.Context, runID schema.RunID, sessionID schema.SessionID) pslog.Logger {
	log := WithRun(ctx, runID)
	if sessionID != "" {
		if current, ok := ctx.Value(sessionKey).(schema.SessionID); ok && current == sessionID {
			return log
		}
		log = log.With("session", sessionID)
	}
	return log
}

// WithSession annotates the logger with a session id when available.
func WithSession(log pslog.Logger, sessionID schema.SessionID) pslog.Logger {
	if sessionID != "" {
		log = log.With("session", sessionID)
	}
	return log
}

// WithTurn annotates the logger with a turn id and, when known, its canvas object.
func WithTurn(log pslog.Logger, turnID schema.TurnID, objectID schema.ObjectID) pslog.Logger {
	if turnID != "" {
		log = log.With("turn", turnID)
	}
	if objectID != "" {
		log = log.With("object", objectID)
	}
	return log
}

// ContextWithRun stores the run marker on the context for log de-duplication.
func ContextWithRun(ctx context.Context, runID schema.RunID) context.Context {
	if ctx == nil || runID == "" {
		return ctx
	}
	return context.WithValue(ctx, runKey, runID)
}

// ContextWithSession stores the session marker on the context for log de-duplication.
func ContextWithSession(ctx context.Context, sessionID schema.SessionID) context.Context {
	if ctx == nil || sessionID == "" {
		return ctx
	}
	return context.WithValue(ctx, sessionKey, sessionID)
}

// ContextWithRunLogger attaches the logger and run/session markers to the context.
func ContextWithRunLogger(ctx context.Context, log pslog.Logger, runID schema.RunID, sessionID schema.SessionID) context.Context {
	ctx = pslog.ContextWithLogger(ctx, log)
	return ContextWithSession(ContextWithRun(ctx, runID), sessionID)
}

// CopyContextFields copies run/session markers from src to dst.
func CopyContextFields(dst context.Context, src context.Context) context.Context {
	if src == nil {
		return dst
	}
	if run, ok := src.Value(runKey).(schema.RunID); ok && run != "" {
		dst = ContextWithRun(dst, run)
	}
	if session, ok := src.Value(sessionKey).(schema.SessionID); ok && session != "" {
		dst = ContextWithSession(dst, session)
	}
	return dst
}

// Detach returns a cancellable context that keeps the logger and markers of ctx
// but not its deadline or cancellation.
func Detach(ctx context.Context) (context.Context, context.CancelFunc) {
	base := context.Background()
	if ctx != nil {
		if logger := pslog.Ctx(ctx); logger != nil {
			base = CopyContextFields(pslog.ContextWithLogger(base, logger), ctx)
		}
	}
	return context.WithCancel(base)
}
