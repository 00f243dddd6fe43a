package audit

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"tally.org/internal/ledger"
	"tally.org/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestID extracts the request id from context if present.
func RequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit log entry enriched with the request id.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	return logEvent(ctx, obs.Logger(), event, fields)
}

func logEvent(ctx context.Context, l *zap.Logger, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	zf := []zap.Field{zap.String("type", "audit"), zap.String("event", event)}
	if rid := RequestID(ctx); rid != "" {
		zf = append(zf, zap.String("request_id", rid))
	}
	if fields == nil {
		fields = map[string]any{}
	}
	zf = append(zf, zap.Any("fields", fields))
	l.Info("audit", zf...)
	return nil
}

// Trail records every committed ledger change as an audit entry.
type Trail struct {
	log *zap.Logger
}

var _ ledger.Notifier = (*Trail)(nil)

// NewTrail writes to l, or to the process logger when l is nil.
func NewTrail(l *zap.Logger) *Trail {
	if l == nil {
		l = obs.Logger()
	}
	return &Trail{log: l}
}

func (t *Trail) Notify(ctx context.Context, c ledger.Change) {
	err := logEvent(ctx, t.log, "ledger."+c.Op, map[string]any{
		"ids":            c.IDs,
		"amount":         c.Amount.String(),
		"capital_amount": c.Balance.CapitalAmount.String(),
		"current_amount": c.Balance.CurrentAmount.String(),
		"version":        c.Balance.Version,
	})
	obs.EventPublished("audit", err)
}
