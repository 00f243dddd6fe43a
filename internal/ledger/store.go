package ledger

import (
	"context"
	"sort"
)

// Store persists the two ledgers and the balance aggregate.
type Store interface {
	GetDeposit(ctx context.Context, id string) (Deposit, error)
	// FindDeposits returns the deposits that exist among ids; unknown ids are skipped.
	FindDeposits(ctx context.Context, ids []string) ([]Deposit, error)
	// ListDeposits returns all deposits, newest date first.
	ListDeposits(ctx context.Context) ([]Deposit, error)

	GetExpense(ctx context.Context, id string) (Expense, error)
	FindExpenses(ctx context.Context, ids []string) ([]Expense, error)
	ListExpenses(ctx context.Context) ([]Expense, error)
	CountExpenses(ctx context.Context) (int64, error)

	// LoadBalance returns ErrBalanceMissing when the aggregate was never created.
	LoadBalance(ctx context.Context) (Balance, error)
	// InitBalance creates the aggregate with zeros if absent and returns the stored value.
	InitBalance(ctx context.Context) (Balance, error)

	// Commit applies record changes and writes m.Balance. The write only happens if the
	// stored balance version still equals m.Balance.Version; otherwise ErrConflict.
	Commit(ctx context.Context, m Mutation) error
}

// Mutation is one unit of change produced by the service.
type Mutation struct {
	PutDeposits    []Deposit
	DeleteDeposits []string
	PutExpenses    []Expense
	DeleteExpenses []string
	Balance        Balance
}

// SortDeposits orders newest date first, then newest creation first.
func SortDeposits(ds []Deposit) {
	sort.SliceStable(ds, func(i, j int) bool {
		if !ds[i].Date.Time().Equal(ds[j].Date.Time()) {
			return ds[i].Date.After(ds[j].Date)
		}
		return ds[i].CreatedAt.After(ds[j].CreatedAt)
	})
}

// SortExpenses orders newest date first, then newest creation first.
func SortExpenses(es []Expense) {
	sort.SliceStable(es, func(i, j int) bool {
		if !es[i].Date.Time().Equal(es[j].Date.Time()) {
			return es[i].Date.After(es[j].Date)
		}
		return es[i].CreatedAt.After(es[j].CreatedAt)
	})
}
