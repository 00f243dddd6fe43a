package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"

	"tally.org/internal/ledger"
)

// Drivers accepted by Open.
const (
	DriverPGX = "pgx"
	DriverPQ  = "postgres"
)

// Store keeps the ledgers and the balance row in PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ ledger.Store = (*Store)(nil)

// Open connects through database/sql with the pgx (default) or lib/pq driver.
func Open(driver, dsn string) (*Store, error) {
	switch driver {
	case "":
		driver = DriverPGX
	case DriverPGX, DriverPQ:
	default:
		return nil, fmt.Errorf("unsupported postgres driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

const (
	depositCols = `id, name, amount, date, created_at, updated_at`
	expenseCols = `id, description, amount, paid_by, date, created_at, updated_at`
)

type scanner interface {
	Scan(dest ...any) error
}

func scanDeposit(row scanner) (ledger.Deposit, error) {
	var (
		d    ledger.Deposit
		date time.Time
	)
	if err := row.Scan(&d.ID, &d.Name, &d.Amount, &date, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return ledger.Deposit{}, err
	}
	d.Date = ledger.DateOf(date)
	return d, nil
}

func scanExpense(row scanner) (ledger.Expense, error) {
	var (
		e    ledger.Expense
		date time.Time
	)
	if err := row.Scan(&e.ID, &e.Description, &e.Amount, &e.PaidBy, &date, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return ledger.Expense{}, err
	}
	e.Date = ledger.DateOf(date)
	return e, nil
}

func (s *Store) GetDeposit(ctx context.Context, id string) (ledger.Deposit, error) {
	d, err := scanDeposit(s.db.QueryRowContext(ctx, `select `+depositCols+` from deposits where id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Deposit{}, ledger.ErrNotFound
	}
	return d, err
}

func (s *Store) FindDeposits(ctx context.Context, ids []string) ([]ledger.Deposit, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	in, args := placeholders(ids)
	rows, err := s.db.QueryContext(ctx, `select `+depositCols+` from deposits where id in (`+in+`)`, args...)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanDeposit)
}

func (s *Store) ListDeposits(ctx context.Context) ([]ledger.Deposit, error) {
	rows, err := s.db.QueryContext(ctx, `select `+depositCols+` from deposits order by date desc, created_at desc`)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanDeposit)
}

func (s *Store) GetExpense(ctx context.Context, id string) (ledger.Expense, error) {
	e, err := scanExpense(s.db.QueryRowContext(ctx, `select `+expenseCols+` from expenses where id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Expense{}, ledger.ErrNotFound
	}
	return e, err
}

func (s *Store) FindExpenses(ctx context.Context, ids []string) ([]ledger.Expense, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	in, args := placeholders(ids)
	rows, err := s.db.QueryContext(ctx, `select `+expenseCols+` from expenses where id in (`+in+`)`, args...)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanExpense)
}

func (s *Store) ListExpenses(ctx context.Context) ([]ledger.Expense, error) {
	rows, err := s.db.QueryContext(ctx, `select `+expenseCols+` from expenses order by date desc, created_at desc`)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanExpense)
}

func (s *Store) CountExpenses(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `select count(*) from expenses`).Scan(&n)
	return n, err
}

func (s *Store) LoadBalance(ctx context.Context) (ledger.Balance, error) {
	var b ledger.Balance
	err := s.db.QueryRowContext(ctx, `
		select capital_amount, current_amount, version, created_at, updated_at
		from balances where id = 1
	`).Scan(&b.CapitalAmount, &b.CurrentAmount, &b.Version, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Balance{}, ledger.ErrBalanceMissing
	}
	return b, err
}

func (s *Store) InitBalance(ctx context.Context) (ledger.Balance, error) {
	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx, `
		insert into balances(id, capital_amount, current_amount, version, created_at, updated_at)
		values (1, 0, 0, 1, $1, $1)
		on conflict (id) do nothing
	`, now); err != nil {
		return ledger.Balance{}, err
	}
	return s.LoadBalance(ctx)
}

// Commit writes records and the balance in one transaction. The balance row is locked
// first so the version check and the write cannot interleave with another commit.
func (s *Store) Commit(ctx context.Context, m ledger.Mutation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var version int64
	err = tx.QueryRowContext(ctx, `select version from balances where id = 1 for update`).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.ErrBalanceMissing
	}
	if err != nil {
		return err
	}
	if version != m.Balance.Version {
		return fmt.Errorf("%w: stored version %d, read %d", ledger.ErrConflict, version, m.Balance.Version)
	}

	for _, d := range m.PutDeposits {
		if _, err := tx.ExecContext(ctx, `
			insert into deposits(`+depositCols+`)
			values ($1,$2,$3,$4,$5,$6)
			on conflict (id) do update
			set name = excluded.name, amount = excluded.amount, date = excluded.date, updated_at = excluded.updated_at
		`, d.ID, d.Name, d.Amount, d.Date.Time(), d.CreatedAt, d.UpdatedAt); err != nil {
			return fmt.Errorf("put deposit %s: %w", d.ID, err)
		}
	}
	if err := deleteIDs(ctx, tx, "deposits", m.DeleteDeposits); err != nil {
		return err
	}
	for _, e := range m.PutExpenses {
		if _, err := tx.ExecContext(ctx, `
			insert into expenses(`+expenseCols+`)
			values ($1,$2,$3,$4,$5,$6,$7)
			on conflict (id) do update
			set description = excluded.description, amount = excluded.amount, paid_by = excluded.paid_by,
			    date = excluded.date, updated_at = excluded.updated_at
		`, e.ID, e.Description, e.Amount, e.PaidBy, e.Date.Time(), e.CreatedAt, e.UpdatedAt); err != nil {
			return fmt.Errorf("put expense %s: %w", e.ID, err)
		}
	}
	if err := deleteIDs(ctx, tx, "expenses", m.DeleteExpenses); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		update balances
		set capital_amount = $1, current_amount = $2, version = version + 1, updated_at = $3
		where id = 1
	`, m.Balance.CapitalAmount, m.Balance.CurrentAmount, m.Balance.UpdatedAt); err != nil {
		return fmt.Errorf("update balance: %w", err)
	}
	return tx.Commit()
}

// --- helpers ---

func deleteIDs(ctx context.Context, tx *sql.Tx, table string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	in, args := placeholders(ids)
	if _, err := tx.ExecContext(ctx, `delete from `+table+` where id in (`+in+`)`, args...); err != nil {
		return fmt.Errorf("delete from %s: %w", table, err)
	}
	return nil
}

// placeholders renders "$1,$2,..." so the same query works on both drivers.
func placeholders(ids []string) (string, []any) {
	var b strings.Builder
	args := make([]any, len(ids))
	for i, id := range ids {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "$%d", i+1)
		args[i] = id
	}
	return b.String(), args
}

func collect[T any](rows *sql.Rows, scan func(scanner) (T, error)) ([]T, error) {
	defer rows.Close()
	var res []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}
