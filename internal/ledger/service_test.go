package ledger

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func newTestService(t *testing.T, opts ...Option) (*Service, *MemStore) {
	t.Helper()
	st := NewMemStore()
	opts = append([]Option{WithLogger(zap.NewNop())}, opts...)
	return NewService(st, opts...), st
}

func mustDeposit(t *testing.T, s *Service, amount string) Deposit {
	t.Helper()
	dep, err := s.CreateDeposit(context.Background(), DepositInput{Name: "salary", Amount: d(amount)})
	if err != nil {
		t.Fatalf("create deposit %s: %v", amount, err)
	}
	return dep
}

func mustExpense(t *testing.T, s *Service, amount string) Expense {
	t.Helper()
	e, err := s.CreateExpense(context.Background(), ExpenseInput{Description: "rent", PaidBy: "ana", Amount: d(amount)})
	if err != nil {
		t.Fatalf("create expense %s: %v", amount, err)
	}
	return e
}

func wantBalance(t *testing.T, s *Service, capital, current string) {
	t.Helper()
	b, err := s.GetBalance(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !b.CapitalAmount.Equal(d(capital)) || !b.CurrentAmount.Equal(d(current)) {
		t.Fatalf("balance = %s/%s, want %s/%s", b.CapitalAmount, b.CurrentAmount, capital, current)
	}
}

func TestDepositExpenseRoundTrip(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	dep := mustDeposit(t, s, "1000")
	wantBalance(t, s, "1000", "1000")

	e := mustExpense(t, s, "300")
	wantBalance(t, s, "1000", "700")

	if err := s.DeleteExpense(ctx, e.ID); err != nil {
		t.Fatal(err)
	}
	wantBalance(t, s, "1000", "1000")

	if err := s.DeleteDeposit(ctx, dep.ID); err != nil {
		t.Fatal(err)
	}
	wantBalance(t, s, "0", "0")
}

func TestDepositDeleteBlockedByExpenses(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	dep := mustDeposit(t, s, "1000")
	mustExpense(t, s, "500")

	err := s.DeleteDeposit(ctx, dep.ID)
	if !errors.Is(err, ErrExpensesExist) {
		t.Fatalf("expected ErrExpensesExist, got %v", err)
	}
	if _, err := s.BulkDeleteDeposits(ctx, []string{dep.ID}); !errors.Is(err, ErrExpensesExist) {
		t.Fatalf("bulk: expected ErrExpensesExist, got %v", err)
	}
	wantBalance(t, s, "1000", "500")
	if _, err := s.GetDeposit(ctx, dep.ID); err != nil {
		t.Fatalf("deposit should survive: %v", err)
	}
}

func TestExpenseRejectedWhenInsufficient(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	mustDeposit(t, s, "100")

	_, err := s.CreateExpense(ctx, ExpenseInput{Description: "tv", PaidBy: "ana", Amount: d("500")})
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	list, err := s.ListExpenses(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list.Expenses) != 0 {
		t.Fatalf("no expense should have been stored, got %d", len(list.Expenses))
	}
	wantBalance(t, s, "100", "100")
}

func TestExpenseWithoutBalanceIsServerState(t *testing.T) {
	s, _ := newTestService(t)
	_, err := s.CreateExpense(context.Background(), ExpenseInput{Description: "tv", PaidBy: "ana", Amount: d("5")})
	if !errors.Is(err, ErrServerState) {
		t.Fatalf("expected ErrServerState, got %v", err)
	}
	if Code(err) != "ServerState" {
		t.Fatalf("code = %s", Code(err))
	}
}

func TestBulkDepositDeleteIsAtomic(t *testing.T) {
	s, st := newTestService(t)
	ctx := context.Background()

	a := mustDeposit(t, s, "300")
	b := mustDeposit(t, s, "700")

	// Drift the cache so the combined release no longer fits.
	cur, _ := st.LoadBalance(ctx)
	cur.CapitalAmount, cur.CurrentAmount = d("900"), d("900")
	st.SeedBalance(cur)

	_, err := s.BulkDeleteDeposits(ctx, []string{a.ID, b.ID})
	if !errors.Is(err, ErrBalanceInconsistent) {
		t.Fatalf("expected ErrBalanceInconsistent, got %v", err)
	}
	list, _ := s.ListDeposits(ctx)
	if len(list.Deposits) != 2 {
		t.Fatalf("both deposits must remain, got %d", len(list.Deposits))
	}
	wantBalance(t, s, "900", "900")
}

func TestDriftedBalanceStillAcceptsDepositsAndRefunds(t *testing.T) {
	s, st := newTestService(t, WithStrict(true))
	ctx := context.Background()

	mustDeposit(t, s, "100")
	first := mustExpense(t, s, "40")
	second := mustExpense(t, s, "10")

	cur, _ := st.LoadBalance(ctx)
	cur.CapitalAmount, cur.CurrentAmount = d("50"), d("60")
	st.SeedBalance(cur)

	if _, err := s.CreateDeposit(ctx, DepositInput{Name: "bonus", Amount: d("10")}); err != nil {
		t.Fatalf("deposit on drifted balance: %v", err)
	}
	wantBalance(t, s, "60", "70")

	if err := s.DeleteExpense(ctx, first.ID); err != nil {
		t.Fatalf("refund on drifted balance: %v", err)
	}
	wantBalance(t, s, "60", "110")

	res, err := s.BulkDeleteExpenses(ctx, []string{second.ID})
	if err != nil {
		t.Fatalf("bulk refund on drifted balance: %v", err)
	}
	if !res.Amount.Equal(d("10")) {
		t.Fatalf("refunded %s, want 10", res.Amount)
	}
	wantBalance(t, s, "60", "120")

	r, err := s.Reconcile(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if r.InSync {
		t.Fatal("reconcile must still report the drift")
	}
}

func TestBulkDeleteSkipsUnknownIDs(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	a := mustDeposit(t, s, "300")
	mustDeposit(t, s, "700")

	res, err := s.BulkDeleteDeposits(ctx, []string{a.ID, "missing", a.ID, " "})
	if err != nil {
		t.Fatal(err)
	}
	if res.DeletedCount != 1 || res.DeletedIDs[0] != a.ID || !res.Amount.Equal(d("300")) {
		t.Fatalf("unexpected result %+v", res)
	}
	wantBalance(t, s, "700", "700")

	if _, err := s.BulkDeleteDeposits(ctx, []string{"missing"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.BulkDeleteDeposits(ctx, nil); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestBulkExpenseDeleteRefundsSum(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	mustDeposit(t, s, "1000")
	e1 := mustExpense(t, s, "400")
	e2 := mustExpense(t, s, "500")
	wantBalance(t, s, "1000", "100")

	res, err := s.BulkDeleteExpenses(ctx, []string{e1.ID, e2.ID})
	if err != nil {
		t.Fatal(err)
	}
	if res.DeletedCount != 2 || !res.Amount.Equal(d("900")) {
		t.Fatalf("unexpected result %+v", res)
	}
	wantBalance(t, s, "1000", "1000")
}

func TestExpenseUpdateByDifference(t *testing.T) {
	ctx := context.Background()

	t.Run("rejected when current short of diff", func(t *testing.T) {
		s, _ := newTestService(t)
		mustDeposit(t, s, "500")
		e := mustExpense(t, s, "200")
		mustExpense(t, s, "0.01") // current 299.99

		amt := d("500")
		_, err := s.UpdateExpense(ctx, e.ID, ExpensePatch{Amount: &amt})
		if !errors.Is(err, ErrInsufficientBalance) {
			t.Fatalf("expected ErrInsufficientBalance, got %v", err)
		}
		wantBalance(t, s, "500", "299.99")
	})

	t.Run("applied when current covers diff", func(t *testing.T) {
		s, _ := newTestService(t)
		mustDeposit(t, s, "600")
		e := mustExpense(t, s, "200") // current 400

		amt := d("500")
		got, err := s.UpdateExpense(ctx, e.ID, ExpensePatch{Amount: &amt})
		if err != nil {
			t.Fatal(err)
		}
		if !got.Amount.Equal(amt) || got.Description != "rent" {
			t.Fatalf("unexpected expense %+v", got)
		}
		wantBalance(t, s, "600", "100")
	})
}

func TestUpdateKeepsBlankFields(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	dep := mustDeposit(t, s, "100")

	blank := "  "
	date := NewDate(2024, time.March, 1)
	got, err := s.UpdateDeposit(ctx, dep.ID, DepositPatch{Name: &blank, Date: &date})
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "salary" || got.Date != date || !got.Amount.Equal(d("100")) {
		t.Fatalf("unexpected deposit %+v", got)
	}
	wantBalance(t, s, "100", "100")
}

func TestDepositUpdateReductionBeyondCurrent(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	dep := mustDeposit(t, s, "500")
	mustExpense(t, s, "400")

	amt := d("200")
	if _, err := s.UpdateDeposit(ctx, dep.ID, DepositPatch{Amount: &amt}); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	wantBalance(t, s, "500", "100")
}

func TestValidationAndNotFound(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		name string
		err  error
		want error
	}{
		{"blank name", func() error { _, err := s.CreateDeposit(ctx, DepositInput{Amount: d("1")}); return err }(), ErrValidation},
		{"zero deposit", func() error { _, err := s.CreateDeposit(ctx, DepositInput{Name: "x"}); return err }(), ErrValidation},
		{"blank paidBy", func() error {
			_, err := s.CreateExpense(ctx, ExpenseInput{Description: "x", Amount: d("1")})
			return err
		}(), ErrValidation},
		{"unknown deposit", s.DeleteDeposit(ctx, "nope"), ErrNotFound},
		{"unknown expense", s.DeleteExpense(ctx, "nope"), ErrNotFound},
	}
	for _, tc := range cases {
		if !errors.Is(tc.err, tc.want) {
			t.Errorf("%s: got %v, want %v", tc.name, tc.err, tc.want)
		}
	}
}

func TestGetBalanceInitialisesZeros(t *testing.T) {
	s, st := newTestService(t)
	if _, err := st.LoadBalance(context.Background()); !errors.Is(err, ErrBalanceMissing) {
		t.Fatalf("expected no balance yet, got %v", err)
	}
	wantBalance(t, s, "0", "0")
}

func TestListsTotalsAndOrder(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	old := NewDate(2023, time.January, 5)
	recent := NewDate(2024, time.June, 1)
	if _, err := s.CreateDeposit(ctx, DepositInput{Name: "old", Amount: d("10.5"), Date: old}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateDeposit(ctx, DepositInput{Name: "recent", Amount: d("20.25"), Date: recent}); err != nil {
		t.Fatal(err)
	}
	list, err := s.ListDeposits(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if list.Deposits[0].Name != "recent" || list.Deposits[1].Name != "old" {
		t.Fatalf("wrong order: %s, %s", list.Deposits[0].Name, list.Deposits[1].Name)
	}
	if !list.TotalAmount.Equal(d("30.75")) {
		t.Fatalf("total = %s", list.TotalAmount)
	}

	empty, err := s.ListExpenses(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if empty.Expenses == nil || !empty.TotalAmount.IsZero() {
		t.Fatalf("empty list should be non-nil with zero total: %+v", empty)
	}
}

func TestConcurrentExpensesNeverOverdraw(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	mustDeposit(t, s, "1000")

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.CreateExpense(ctx, ExpenseInput{Description: "x", PaidBy: "y", Amount: d("30")})
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
				return
			}
			if !errors.Is(err, ErrInsufficientBalance) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok != 33 {
		t.Fatalf("accepted %d expenses, want 33", ok)
	}
	wantBalance(t, s, "1000", "10")
}

func TestRandomSequencesKeepInvariant(t *testing.T) {
	rnd := rand.New(rand.NewSource(42))
	ctx := context.Background()

	for round := 0; round < 20; round++ {
		s, _ := newTestService(t)
		var deposits, expenses []string

		for step := 0; step < 60; step++ {
			amt := decimal.NewFromInt(int64(rnd.Intn(500) + 1)).Shift(-int32(rnd.Intn(3)))
			switch rnd.Intn(6) {
			case 0, 1:
				if dep, err := s.CreateDeposit(ctx, DepositInput{Name: "d", Amount: amt}); err == nil {
					deposits = append(deposits, dep.ID)
				}
			case 2:
				if e, err := s.CreateExpense(ctx, ExpenseInput{Description: "e", PaidBy: "p", Amount: amt}); err == nil {
					expenses = append(expenses, e.ID)
				}
			case 3:
				if len(expenses) > 0 {
					i := rnd.Intn(len(expenses))
					_, _ = s.UpdateExpense(ctx, expenses[i], ExpensePatch{Amount: &amt})
				}
			case 4:
				if len(expenses) > 0 {
					i := rnd.Intn(len(expenses))
					if err := s.DeleteExpense(ctx, expenses[i]); err == nil {
						expenses = append(expenses[:i], expenses[i+1:]...)
					}
				}
			case 5:
				if len(deposits) > 0 {
					i := rnd.Intn(len(deposits))
					if rnd.Intn(2) == 0 {
						_, _ = s.UpdateDeposit(ctx, deposits[i], DepositPatch{Amount: &amt})
					} else if err := s.DeleteDeposit(ctx, deposits[i]); err == nil {
						deposits = append(deposits[:i], deposits[i+1:]...)
					}
				}
			}

			b, err := s.GetBalance(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if err := (Engine{}).Check(b); err != nil {
				t.Fatalf("round %d step %d: %v", round, step, err)
			}
		}

		r, err := s.Reconcile(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if !r.InSync {
			t.Fatalf("round %d: drift capital=%s current=%s", round, r.CapitalDrift, r.CurrentDrift)
		}
	}
}

func TestReconcileReportsDrift(t *testing.T) {
	s, st := newTestService(t)
	ctx := context.Background()
	mustDeposit(t, s, "1000")
	mustExpense(t, s, "250")

	cur, _ := st.LoadBalance(ctx)
	cur.CurrentAmount = d("800")
	st.SeedBalance(cur)

	r, err := s.Reconcile(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if r.InSync || !r.CurrentDrift.Equal(d("50")) || !r.CapitalDrift.IsZero() {
		t.Fatalf("unexpected reconciliation %+v", r)
	}
	if r.Deposits != 1 || r.Expenses != 1 {
		t.Fatalf("counts = %d/%d", r.Deposits, r.Expenses)
	}
	// Reconcile never repairs.
	wantBalance(t, s, "1000", "800")
}

// racingStore bumps the balance version between read and commit, as an
// unsynchronised second writer would.
type racingStore struct {
	*MemStore
	once sync.Once
}

func (r *racingStore) LoadBalance(ctx context.Context) (Balance, error) {
	b, err := r.MemStore.LoadBalance(ctx)
	if err == nil {
		r.once.Do(func() { r.MemStore.SeedBalance(b) })
	}
	return b, err
}

func TestCommitConflictSurfaces(t *testing.T) {
	mem := NewMemStore()
	seed := NewService(mem, WithLogger(zap.NewNop()))
	mustDeposit(t, seed, "100")

	s := NewService(&racingStore{MemStore: mem}, WithLogger(zap.NewNop()))
	_, err := s.CreateExpense(context.Background(), ExpenseInput{Description: "x", PaidBy: "y", Amount: d("10")})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if Code(err) != "Conflict" {
		t.Fatalf("code = %s", Code(err))
	}
	wantBalance(t, seed, "100", "100")
}

type recordingNotifier struct {
	mu      sync.Mutex
	changes []Change
}

func (r *recordingNotifier) Notify(_ context.Context, c Change) {
	r.mu.Lock()
	r.changes = append(r.changes, c)
	r.mu.Unlock()
}

func TestNotifierSeesCommittedChanges(t *testing.T) {
	rec := &recordingNotifier{}
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s, _ := newTestService(t, WithNotifier(rec), WithClock(func() time.Time { return fixed }))
	ctx := context.Background()

	dep := mustDeposit(t, s, "100")
	if _, err := s.CreateExpense(ctx, ExpenseInput{Description: "x", PaidBy: "y", Amount: d("500")}); err == nil {
		t.Fatal("expected rejection")
	}
	mustExpense(t, s, "40")

	if len(rec.changes) != 2 {
		t.Fatalf("want 2 changes (rejections are not published), got %d", len(rec.changes))
	}
	first := rec.changes[0]
	if first.Op != OpDepositCreate || first.IDs[0] != dep.ID || !first.Amount.Equal(d("100")) {
		t.Fatalf("unexpected change %+v", first)
	}
	if !first.OccurredAt.Equal(fixed) || dep.Date != DateOf(fixed) {
		t.Fatalf("clock not applied: %v %v", first.OccurredAt, dep.Date)
	}
	second := rec.changes[1]
	if second.Op != OpExpenseCreate || !second.Balance.CurrentAmount.Equal(d("60")) {
		t.Fatalf("unexpected change %+v", second)
	}
	if second.Balance.Version <= first.Balance.Version {
		t.Fatalf("versions must increase: %d then %d", first.Balance.Version, second.Balance.Version)
	}
}

// blockingNotifier parks the first Notify call until release is closed.
type blockingNotifier struct {
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (b *blockingNotifier) Notify(context.Context, Change) {
	first := false
	b.once.Do(func() { first = true })
	if first {
		close(b.entered)
		<-b.release
	}
}

func TestSlowNotifierDoesNotHoldLock(t *testing.T) {
	n := &blockingNotifier{entered: make(chan struct{}), release: make(chan struct{})}
	s, _ := newTestService(t, WithNotifier(n))
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := s.CreateDeposit(ctx, DepositInput{Name: "salary", Amount: d("100")})
		done <- err
	}()
	<-n.entered

	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := s.CreateDeposit(wctx, DepositInput{Name: "bonus", Amount: d("5")}); err != nil {
		t.Fatalf("second mutation blocked behind notifier: %v", err)
	}
	close(n.release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	wantBalance(t, s, "105", "105")
}

func TestStrictModeOption(t *testing.T) {
	s, _ := newTestService(t, WithStrict(true))
	if !s.engine.Strict {
		t.Fatal("strict not applied")
	}
	if s.engine.OnClamp == nil || s.engine.OnInconsistent == nil {
		t.Fatal("engine hooks not wired")
	}
}
