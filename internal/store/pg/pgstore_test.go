package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"

	"tally.org/internal/ledger"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db), mock
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open("mysql", "dsn"); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestGetDepositNotFound(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("select id, name, amount, date, created_at, updated_at from deposits where id").
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "amount", "date", "created_at", "updated_at"}))

	_, err := s.GetDeposit(context.Background(), "nope")
	if !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestListDepositsScansDecimalsAndDates(t *testing.T) {
	s, mock := newMock(t)
	created := time.Date(2024, 3, 2, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery("from deposits order by date desc, created_at desc").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "amount", "date", "created_at", "updated_at"}).
			AddRow("a", "salary", "1500.25", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), created, created))

	ds, err := s.ListDeposits(context.Background())
	if err != nil {
		t.Fatalf("ListDeposits: %v", err)
	}
	if len(ds) != 1 {
		t.Fatalf("want 1 deposit, got %d", len(ds))
	}
	if !ds[0].Amount.Equal(decimal.RequireFromString("1500.25")) {
		t.Fatalf("amount = %s", ds[0].Amount)
	}
	if ds[0].Date != ledger.NewDate(2024, time.March, 1) {
		t.Fatalf("date = %s", ds[0].Date)
	}
}

func TestFindExpensesUsesPositionalPlaceholders(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(`from expenses where id in \(\$1,\$2\)`).
		WithArgs("x", "y").
		WillReturnRows(sqlmock.NewRows([]string{"id", "description", "amount", "paid_by", "date", "created_at", "updated_at"}))

	es, err := s.FindExpenses(context.Background(), []string{"x", "y"})
	if err != nil {
		t.Fatalf("FindExpenses: %v", err)
	}
	if len(es) != 0 {
		t.Fatalf("want none, got %d", len(es))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestLoadBalanceMissing(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("from balances where id = 1").
		WillReturnRows(sqlmock.NewRows([]string{"capital_amount", "current_amount", "version", "created_at", "updated_at"}))

	_, err := s.LoadBalance(context.Background())
	if !errors.Is(err, ledger.ErrBalanceMissing) {
		t.Fatalf("expected ErrBalanceMissing, got %v", err)
	}
}

func TestInitBalanceIsIdempotentInsert(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now().UTC()
	mock.ExpectExec("insert into balances").WithArgs(sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("from balances where id = 1").
		WillReturnRows(sqlmock.NewRows([]string{"capital_amount", "current_amount", "version", "created_at", "updated_at"}).
			AddRow("10", "4", int64(7), now, now))

	b, err := s.InitBalance(context.Background())
	if err != nil {
		t.Fatalf("InitBalance: %v", err)
	}
	if b.Version != 7 || !b.CurrentAmount.Equal(decimal.NewFromInt(4)) {
		t.Fatalf("unexpected balance %+v", b)
	}
}

func TestCommitWritesRecordsAndBalanceInOneTx(t *testing.T) {
	s, mock := newMock(t)
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	dep := ledger.Deposit{ID: "d1", Name: "salary", Amount: decimal.NewFromInt(100), Date: ledger.DateOf(now), CreatedAt: now, UpdatedAt: now}
	bal := ledger.Balance{CapitalAmount: decimal.NewFromInt(100), CurrentAmount: decimal.NewFromInt(60), Version: 3, UpdatedAt: now}

	mock.ExpectBegin()
	mock.ExpectQuery("select version from balances where id = 1 for update").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(3)))
	mock.ExpectExec("insert into deposits").
		WithArgs("d1", "salary", sqlmock.AnyArg(), sqlmock.AnyArg(), now, now).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`delete from expenses where id in \(\$1\)`).WithArgs("e1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update balances").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.Commit(context.Background(), ledger.Mutation{
		PutDeposits:    []ledger.Deposit{dep},
		DeleteExpenses: []string{"e1"},
		Balance:        bal,
	})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCommitStaleVersionConflicts(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery("select version from balances").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(5)))
	mock.ExpectRollback()

	err := s.Commit(context.Background(), ledger.Mutation{Balance: ledger.Balance{Version: 4}})
	if !errors.Is(err, ledger.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCommitWithoutBalanceRow(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery("select version from balances").WillReturnRows(sqlmock.NewRows([]string{"version"}))
	mock.ExpectRollback()

	err := s.Commit(context.Background(), ledger.Mutation{})
	if !errors.Is(err, ledger.ErrBalanceMissing) {
		t.Fatalf("expected ErrBalanceMissing, got %v", err)
	}
}
