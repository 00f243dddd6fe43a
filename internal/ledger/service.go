package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tally.org/internal/lock"
	"tally.org/internal/obs"
)

// Mutation kinds reported in metrics, logs and change notifications.
const (
	OpDepositCreate     = "deposit.create"
	OpDepositUpdate     = "deposit.update"
	OpDepositDelete     = "deposit.delete"
	OpDepositBulkDelete = "deposit.bulk_delete"
	OpExpenseCreate     = "expense.create"
	OpExpenseUpdate     = "expense.update"
	OpExpenseDelete     = "expense.delete"
	OpExpenseBulkDelete = "expense.bulk_delete"
)

// Change describes a committed mutation.
type Change struct {
	Op         string          `json:"op"`
	IDs        []string        `json:"ids"`
	Amount     decimal.Decimal `json:"amount"`
	Balance    Balance         `json:"balance"`
	OccurredAt time.Time       `json:"occurredAt"`
}

// Notifier receives committed changes after the ledger lock is released. Concurrent
// mutations may therefore be delivered out of order; Balance.Version orders them.
type Notifier interface {
	Notify(ctx context.Context, c Change)
}

// Service sequences requests into store reads, engine evaluation and store writes.
// Mutations are serialized through a lock.Locker; the store's version check catches
// writers that bypass it.
type Service struct {
	store  Store
	engine Engine
	locker lock.Locker
	notify Notifier
	log    *zap.Logger
	now    func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLocker replaces the default in-process lock.
func WithLocker(l lock.Locker) Option {
	return func(s *Service) {
		if l != nil {
			s.locker = l
		}
	}
}

// WithNotifier registers a receiver for committed changes.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notify = n }
}

// WithLogger overrides the process logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// WithStrict turns engine clamps into ErrBalanceInconsistent.
func WithStrict(strict bool) Option {
	return func(s *Service) { s.engine.Strict = strict }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService wires a Service over store.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:  store,
		locker: lock.NewLocal(),
		log:    obs.Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	s.engine.OnClamp = func(field string, value decimal.Decimal) {
		obs.EngineClamp(field)
		s.log.Warn("balance clamped at zero",
			zap.String("field", field),
			zap.String("value", value.String()),
			zap.Bool("strict", s.engine.Strict))
	}
	s.engine.OnInconsistent = func(err error) {
		obs.EngineInconsistent()
		s.log.Warn("balance inconsistent after accepted change, run reconcile", zap.Error(err))
	}
	return s
}

// --- deposits ---

func (s *Service) CreateDeposit(ctx context.Context, in DepositInput) (Deposit, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return Deposit{}, s.reject(OpDepositCreate, fmt.Errorf("%w: name is required", ErrValidation))
	}
	if err := requirePositive("amount", in.Amount); err != nil {
		return Deposit{}, s.reject(OpDepositCreate, err)
	}

	var out Deposit
	err := s.mutate(ctx, OpDepositCreate, func() (Mutation, Change, error) {
		b, err := s.store.InitBalance(ctx)
		if err != nil {
			return Mutation{}, Change{}, err
		}
		nb, err := s.engine.DepositCreate(b, in.Amount)
		if err != nil {
			return Mutation{}, Change{}, err
		}
		now := s.now()
		out = Deposit{
			ID:        newID(),
			Name:      name,
			Amount:    in.Amount,
			Date:      s.dateOrToday(in.Date),
			CreatedAt: now,
			UpdatedAt: now,
		}
		return Mutation{PutDeposits: []Deposit{out}, Balance: nb},
			Change{IDs: []string{out.ID}, Amount: in.Amount}, nil
	})
	return out, err
}

func (s *Service) GetDeposit(ctx context.Context, id string) (Deposit, error) {
	d, err := s.store.GetDeposit(ctx, strings.TrimSpace(id))
	if errors.Is(err, ErrNotFound) {
		return Deposit{}, fmt.Errorf("%w: deposit %q", ErrNotFound, id)
	}
	return d, err
}

func (s *Service) UpdateDeposit(ctx context.Context, id string, p DepositPatch) (Deposit, error) {
	if p.Amount != nil {
		if err := requirePositive("amount", *p.Amount); err != nil {
			return Deposit{}, s.reject(OpDepositUpdate, err)
		}
	}

	var out Deposit
	err := s.mutate(ctx, OpDepositUpdate, func() (Mutation, Change, error) {
		d, err := s.GetDeposit(ctx, id)
		if err != nil {
			return Mutation{}, Change{}, err
		}
		newAmount := d.Amount
		if p.Amount != nil {
			newAmount = *p.Amount
		}
		b, err := s.loadBalance(ctx)
		if err != nil {
			return Mutation{}, Change{}, err
		}
		nb, err := s.engine.DepositUpdate(b, d.Amount, newAmount)
		if err != nil {
			return Mutation{}, Change{}, err
		}
		if p.Name != nil && strings.TrimSpace(*p.Name) != "" {
			d.Name = strings.TrimSpace(*p.Name)
		}
		if p.Date != nil && !p.Date.IsZero() {
			d.Date = *p.Date
		}
		diff := newAmount.Sub(d.Amount)
		d.Amount = newAmount
		d.UpdatedAt = s.now()
		out = d
		return Mutation{PutDeposits: []Deposit{d}, Balance: nb},
			Change{IDs: []string{d.ID}, Amount: diff}, nil
	})
	return out, err
}

func (s *Service) DeleteDeposit(ctx context.Context, id string) error {
	return s.mutate(ctx, OpDepositDelete, func() (Mutation, Change, error) {
		d, err := s.GetDeposit(ctx, id)
		if err != nil {
			return Mutation{}, Change{}, err
		}
		n, err := s.store.CountExpenses(ctx)
		if err != nil {
			return Mutation{}, Change{}, err
		}
		b, err := s.loadBalance(ctx)
		if err != nil {
			return Mutation{}, Change{}, err
		}
		nb, err := s.engine.DepositDelete(b, d.Amount, n)
		if err != nil {
			return Mutation{}, Change{}, err
		}
		return Mutation{DeleteDeposits: []string{d.ID}, Balance: nb},
			Change{IDs: []string{d.ID}, Amount: d.Amount}, nil
	})
}

// BulkDeleteDeposits removes every matched deposit or none. Unknown ids are ignored.
func (s *Service) BulkDeleteDeposits(ctx context.Context, ids []string) (BulkResult, error) {
	ids = cleanIDs(ids)
	if len(ids) == 0 {
		return BulkResult{}, s.reject(OpDepositBulkDelete, fmt.Errorf("%w: no deposit ids provided", ErrValidation))
	}

	var res BulkResult
	err := s.mutate(ctx, OpDepositBulkDelete, func() (Mutation, Change, error) {
		ds, err := s.store.FindDeposits(ctx, ids)
		if err != nil {
			return Mutation{}, Change{}, err
		}
		if len(ds) == 0 {
			return Mutation{}, Change{}, fmt.Errorf("%w: no deposits found", ErrNotFound)
		}
		n, err := s.store.CountExpenses(ctx)
		if err != nil {
			return Mutation{}, Change{}, err
		}
		b, err := s.loadBalance(ctx)
		if err != nil {
			return Mutation{}, Change{}, err
		}
		amounts := make([]decimal.Decimal, len(ds))
		deleted := make([]string, len(ds))
		for i, d := range ds {
			amounts[i] = d.Amount
			deleted[i] = d.ID
		}
		nb, err := s.engine.DepositBulkDelete(b, amounts, n)
		if err != nil {
			return Mutation{}, Change{}, err
		}
		total := decimal.Sum(amounts[0], amounts[1:]...)
		res = BulkResult{DeletedCount: len(deleted), DeletedIDs: deleted, Amount: total}
		return Mutation{DeleteDeposits: deleted, Balance: nb},
			Change{IDs: deleted, Amount: total}, nil
	})
	return res, err
}

func (s *Service) ListDeposits(ctx context.Context) (DepositList, error) {
	ds, err := s.store.ListDeposits(ctx)
	if err != nil {
		return DepositList{}, err
	}
	total := decimal.Zero
	for _, d := range ds {
		total = total.Add(d.Amount)
	}
	if ds == nil {
		ds = []Deposit{}
	}
	return DepositList{Deposits: ds, TotalAmount: total}, nil
}

// --- expenses ---

func (s *Service) CreateExpense(ctx context.Context, in ExpenseInput) (Expense, error) {
	desc := strings.TrimSpace(in.Description)
	paidBy := strings.TrimSpace(in.PaidBy)
	switch {
	case desc == "":
		return Expense{}, s.reject(OpExpenseCreate, fmt.Errorf("%w: description is required", ErrValidation))
	case paidBy == "":
		return Expense{}, s.reject(OpExpenseCreate, fmt.Errorf("%w: paidBy is required", ErrValidation))
	}
	if err := requirePositive("amount", in.Amount); err != nil {
		return Expense{}, s.reject(OpExpenseCreate, err)
	}

	var out Expense
	err := s.mutate(ctx, OpExpenseCreate, func() (Mutation, Change, error) {
		// An expense cannot be recorded against a pool that was never funded.
		b, err := s.loadBalance(ctx)
		if err != nil {
			return Mutation{}, Change{}, err
		}
		nb, err := s.engine.ExpenseCreate(b, in.Amount)
		if err != nil {
			return Mutation{}, Change{}, err
		}
		now := s.now()
		out = Expense{
			ID:          newID(),
			Description: desc,
			Amount:      in.Amount,
			PaidBy:      paidBy,
			Date:        s.dateOrToday(in.Date),
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		return Mutation{PutExpenses: []Expense{out}, Balance: nb},
			Change{IDs: []string{out.ID}, Amount: in.Amount}, nil
	})
	return out, err
}

func (s *Service) GetExpense(ctx context.Context, id string) (Expense, error) {
	e, err := s.store.GetExpense(ctx, strings.TrimSpace(id))
	if errors.Is(err, ErrNotFound) {
		return Expense{}, fmt.Errorf("%w: expense %q", ErrNotFound, id)
	}
	return e, err
}

func (s *Service) UpdateExpense(ctx context.Context, id string, p ExpensePatch) (Expense, error) {
	if p.Amount != nil {
		if err := requirePositive("amount", *p.Amount); err != nil {
			return Expense{}, s.reject(OpExpenseUpdate, err)
		}
	}

	var out Expense
	err := s.mutate(ctx, OpExpenseUpdate, func() (Mutation, Change, error) {
		e, err := s.GetExpense(ctx, id)
		if err != nil {
			return Mutation{}, Change{}, err
		}
		newAmount := e.Amount
		if p.Amount != nil {
			newAmount = *p.Amount
		}
		b, err := s.loadBalance(ctx)
		if err != nil {
			return Mutation{}, Change{}, err
		}
		nb, err := s.engine.ExpenseUpdate(b, e.Amount, newAmount)
		if err != nil {
			return Mutation{}, Change{}, err
		}
		if p.Description != nil && strings.TrimSpace(*p.Description) != "" {
			e.Description = strings.TrimSpace(*p.Description)
		}
		if p.PaidBy != nil && strings.TrimSpace(*p.PaidBy) != "" {
			e.PaidBy = strings.TrimSpace(*p.PaidBy)
		}
		if p.Date != nil && !p.Date.IsZero() {
			e.Date = *p.Date
		}
		diff := newAmount.Sub(e.Amount)
		e.Amount = newAmount
		e.UpdatedAt = s.now()
		out = e
		return Mutation{PutExpenses: []Expense{e}, Balance: nb},
			Change{IDs: []string{e.ID}, Amount: diff}, nil
	})
	return out, err
}

func (s *Service) DeleteExpense(ctx context.Context, id string) error {
	return s.mutate(ctx, OpExpenseDelete, func() (Mutation, Change, error) {
		e, err := s.GetExpense(ctx, id)
		if err != nil {
			return Mutation{}, Change{}, err
		}
		b, err := s.loadBalance(ctx)
		if err != nil {
			return Mutation{}, Change{}, err
		}
		nb, err := s.engine.ExpenseDelete(b, e.Amount)
		if err != nil {
			return Mutation{}, Change{}, err
		}
		return Mutation{DeleteExpenses: []string{e.ID}, Balance: nb},
			Change{IDs: []string{e.ID}, Amount: e.Amount}, nil
	})
}

// BulkDeleteExpenses removes every matched expense and refunds their sum.
func (s *Service) BulkDeleteExpenses(ctx context.Context, ids []string) (BulkResult, error) {
	ids = cleanIDs(ids)
	if len(ids) == 0 {
		return BulkResult{}, s.reject(OpExpenseBulkDelete, fmt.Errorf("%w: no expense ids provided", ErrValidation))
	}

	var res BulkResult
	err := s.mutate(ctx, OpExpenseBulkDelete, func() (Mutation, Change, error) {
		es, err := s.store.FindExpenses(ctx, ids)
		if err != nil {
			return Mutation{}, Change{}, err
		}
		if len(es) == 0 {
			return Mutation{}, Change{}, fmt.Errorf("%w: no expenses found with provided ids", ErrNotFound)
		}
		b, err := s.loadBalance(ctx)
		if err != nil {
			return Mutation{}, Change{}, err
		}
		amounts := make([]decimal.Decimal, len(es))
		deleted := make([]string, len(es))
		for i, e := range es {
			amounts[i] = e.Amount
			deleted[i] = e.ID
		}
		nb, err := s.engine.ExpenseBulkDelete(b, amounts)
		if err != nil {
			return Mutation{}, Change{}, err
		}
		total := decimal.Sum(amounts[0], amounts[1:]...)
		res = BulkResult{DeletedCount: len(deleted), DeletedIDs: deleted, Amount: total}
		return Mutation{DeleteExpenses: deleted, Balance: nb},
			Change{IDs: deleted, Amount: total}, nil
	})
	return res, err
}

func (s *Service) ListExpenses(ctx context.Context) (ExpenseList, error) {
	es, err := s.store.ListExpenses(ctx)
	if err != nil {
		return ExpenseList{}, err
	}
	total := decimal.Zero
	for _, e := range es {
		total = total.Add(e.Amount)
	}
	if es == nil {
		es = []Expense{}
	}
	return ExpenseList{Expenses: es, TotalAmount: total}, nil
}

// --- balance ---

// GetBalance returns the aggregate, creating it with zeros on first access.
func (s *Service) GetBalance(ctx context.Context) (Balance, error) {
	return s.store.InitBalance(ctx)
}

// Reconcile recomputes the balance from the ledgers and compares it with the cached
// aggregate. It reports drift but never repairs it.
func (s *Service) Reconcile(ctx context.Context) (Reconciliation, error) {
	unlock, err := s.locker.Lock(ctx)
	if err != nil {
		return Reconciliation{}, err
	}
	defer unlock()

	cached, err := s.store.InitBalance(ctx)
	if err != nil {
		return Reconciliation{}, err
	}
	ds, err := s.store.ListDeposits(ctx)
	if err != nil {
		return Reconciliation{}, err
	}
	es, err := s.store.ListExpenses(ctx)
	if err != nil {
		return Reconciliation{}, err
	}

	capital, spent := decimal.Zero, decimal.Zero
	for _, d := range ds {
		capital = capital.Add(d.Amount)
	}
	for _, e := range es {
		spent = spent.Add(e.Amount)
	}
	computed := cached
	computed.CapitalAmount = capital
	computed.CurrentAmount = capital.Sub(spent)

	r := Reconciliation{
		Cached:       cached,
		Computed:     computed,
		CapitalDrift: cached.CapitalAmount.Sub(capital),
		CurrentDrift: cached.CurrentAmount.Sub(computed.CurrentAmount),
		Deposits:     len(ds),
		Expenses:     len(es),
	}
	r.InSync = r.CapitalDrift.IsZero() && r.CurrentDrift.IsZero()

	drift, _ := r.CapitalDrift.Abs().Add(r.CurrentDrift.Abs()).Float64()
	obs.SetDrift(drift)
	if !r.InSync {
		s.log.Warn("balance drift detected",
			zap.String("capital_cached", cached.CapitalAmount.String()),
			zap.String("capital_computed", capital.String()),
			zap.String("current_cached", cached.CurrentAmount.String()),
			zap.String("current_computed", computed.CurrentAmount.String()))
	}
	return r, nil
}

// --- helpers ---

// mutate runs fn under the lock and commits its result. fn performs every read
// and engine evaluation; nothing is written unless it succeeds. The lock is released
// before notifiers run, so a slow sink never holds up other writers.
func (s *Service) mutate(ctx context.Context, op string, fn func() (Mutation, Change, error)) error {
	unlock, err := s.locker.Lock(ctx)
	if err != nil {
		return s.reject(op, err)
	}

	m, ch, err := fn()
	if err != nil {
		unlock()
		return s.reject(op, err)
	}
	m.Balance.UpdatedAt = s.now()
	if err := s.store.Commit(ctx, m); err != nil {
		unlock()
		return s.reject(op, err)
	}
	unlock()

	obs.ObserveMutation(op, "ok")
	capital, _ := m.Balance.CapitalAmount.Float64()
	current, _ := m.Balance.CurrentAmount.Float64()
	obs.SetBalance(capital, current)

	if s.notify != nil {
		ch.Op = op
		ch.Balance = m.Balance
		ch.Balance.Version++
		ch.OccurredAt = m.Balance.UpdatedAt
		s.notify.Notify(ctx, ch)
	}
	return nil
}

func (s *Service) reject(op string, err error) error {
	code := Code(err)
	obs.ObserveMutation(op, code)
	if code == "ServerError" || code == "ServerState" || code == "Conflict" || code == "BalanceInconsistent" {
		s.log.Error("ledger mutation failed", zap.String("op", op), zap.String("code", code), zap.Error(err))
	} else {
		s.log.Debug("ledger mutation rejected", zap.String("op", op), zap.String("code", code), zap.Error(err))
	}
	return err
}

func (s *Service) loadBalance(ctx context.Context) (Balance, error) {
	b, err := s.store.LoadBalance(ctx)
	if errors.Is(err, ErrBalanceMissing) {
		return Balance{}, fmt.Errorf("%w: balance not found", ErrServerState)
	}
	return b, err
}

func (s *Service) dateOrToday(d Date) Date {
	if d.IsZero() {
		return DateOf(s.now())
	}
	return d
}

func cleanIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
