package events

import (
	"context"

	"tally.org/internal/ledger"
)

// Multi delivers each change to every notifier in order.
type Multi []ledger.Notifier

func (m Multi) Notify(ctx context.Context, c ledger.Change) {
	for _, n := range m {
		if n != nil {
			n.Notify(ctx, c)
		}
	}
}
