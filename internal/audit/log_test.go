package audit

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"tally.org/internal/ledger"
	"tally.org/internal/obs"
)

func TestLogEvent(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	restore := obs.SetLogger(zap.New(core))
	defer restore()

	ctx := WithRequestID(context.Background(), "req-123")
	if err := LogEvent(ctx, "audit.test", map[string]any{"foo": "bar"}); err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["type"] != "audit" {
		t.Fatalf("unexpected type: %v", fields["type"])
	}
	if fields["event"] != "audit.test" {
		t.Fatalf("unexpected event: %v", fields["event"])
	}
	if fields["request_id"] != "req-123" {
		t.Fatalf("unexpected request id: %v", fields["request_id"])
	}
	extra, ok := fields["fields"].(map[string]any)
	if !ok || extra["foo"] != "bar" {
		t.Fatalf("fields missing or incorrect: %v", fields["fields"])
	}
}

func TestLogEventRequiresName(t *testing.T) {
	if err := LogEvent(context.Background(), "  ", nil); err == nil {
		t.Fatal("expected error for blank event")
	}
}

func TestTrailRecordsChange(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	trail := NewTrail(zap.New(core))

	trail.Notify(WithRequestID(context.Background(), "r-1"), ledger.Change{
		Op:     ledger.OpExpenseDelete,
		IDs:    []string{"e1"},
		Amount: decimal.RequireFromString("12.5"),
		Balance: ledger.Balance{
			CapitalAmount: decimal.NewFromInt(100),
			CurrentAmount: decimal.RequireFromString("62.5"),
			Version:       4,
		},
	})

	entries := logs.FilterField(zap.String("event", "ledger.expense.delete")).All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 audit entry, got %d", len(logs.All()))
	}
	got := entries[0].ContextMap()
	if got["request_id"] != "r-1" {
		t.Fatalf("unexpected request id: %v", got["request_id"])
	}
	f := got["fields"].(map[string]any)
	if f["amount"] != "12.5" || f["current_amount"] != "62.5" {
		t.Fatalf("unexpected fields: %v", f)
	}
}
