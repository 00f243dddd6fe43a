package ledger

import (
	"context"
	"sync"
	"time"
)

// MemStore implements Store with in-process maps.
// Used by tests and when no database is configured.
type MemStore struct {
	mu       sync.RWMutex
	deposits map[string]Deposit
	expenses map[string]Expense
	balance  *Balance
}

var _ Store = (*MemStore)(nil)

// NewMemStore creates an empty store with no balance aggregate.
func NewMemStore() *MemStore {
	return &MemStore{
		deposits: make(map[string]Deposit),
		expenses: make(map[string]Expense),
	}
}

func (s *MemStore) GetDeposit(ctx context.Context, id string) (Deposit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deposits[id]
	if !ok {
		return Deposit{}, ErrNotFound
	}
	return d, nil
}

func (s *MemStore) FindDeposits(ctx context.Context, ids []string) ([]Deposit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []Deposit
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if d, ok := s.deposits[id]; ok {
			res = append(res, d)
		}
	}
	return res, nil
}

func (s *MemStore) ListDeposits(ctx context.Context) ([]Deposit, error) {
	s.mu.RLock()
	res := make([]Deposit, 0, len(s.deposits))
	for _, d := range s.deposits {
		res = append(res, d)
	}
	s.mu.RUnlock()
	SortDeposits(res)
	return res, nil
}

func (s *MemStore) GetExpense(ctx context.Context, id string) (Expense, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.expenses[id]
	if !ok {
		return Expense{}, ErrNotFound
	}
	return e, nil
}

func (s *MemStore) FindExpenses(ctx context.Context, ids []string) ([]Expense, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []Expense
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if e, ok := s.expenses[id]; ok {
			res = append(res, e)
		}
	}
	return res, nil
}

func (s *MemStore) ListExpenses(ctx context.Context) ([]Expense, error) {
	s.mu.RLock()
	res := make([]Expense, 0, len(s.expenses))
	for _, e := range s.expenses {
		res = append(res, e)
	}
	s.mu.RUnlock()
	SortExpenses(res)
	return res, nil
}

func (s *MemStore) CountExpenses(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.expenses)), nil
}

func (s *MemStore) LoadBalance(ctx context.Context) (Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.balance == nil {
		return Balance{}, ErrBalanceMissing
	}
	return *s.balance, nil
}

func (s *MemStore) InitBalance(ctx context.Context) (Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.balance == nil {
		b := ZeroBalance(time.Now().UTC())
		b.Version = 1
		s.balance = &b
	}
	return *s.balance, nil
}

func (s *MemStore) Commit(ctx context.Context, m Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.balance == nil {
		return ErrBalanceMissing
	}
	if s.balance.Version != m.Balance.Version {
		return ErrConflict
	}
	for _, d := range m.PutDeposits {
		s.deposits[d.ID] = d
	}
	for _, id := range m.DeleteDeposits {
		delete(s.deposits, id)
	}
	for _, e := range m.PutExpenses {
		s.expenses[e.ID] = e
	}
	for _, id := range m.DeleteExpenses {
		delete(s.expenses, id)
	}
	b := m.Balance
	b.Version++
	s.balance = &b
	return nil
}

// SeedBalance overwrites the aggregate without touching the ledgers.
// It exists to reproduce drifted states in tests and tooling.
func (s *MemStore) SeedBalance(b Balance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.balance != nil {
		b.Version = s.balance.Version + 1
	} else if b.Version == 0 {
		b.Version = 1
	}
	s.balance = &b
}
