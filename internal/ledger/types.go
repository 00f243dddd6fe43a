package ledger

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"tally.org/internal/ids"
)

func init() {
	// Amounts travel as JSON numbers, not quoted strings.
	decimal.MarshalJSONWithoutQuotes = true
}

// Deposit is money added to the pool.
type Deposit struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Amount    decimal.Decimal `json:"amount"`
	Date      Date            `json:"date"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Expense is money spent out of the pool.
type Expense struct {
	ID          string          `json:"id"`
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	PaidBy      string          `json:"paidBy"`
	Date        Date            `json:"date"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// Balance is the cached aggregate over deposits and expenses.
// Capital is the sum of retained deposits; Current is capital minus outstanding expenses.
type Balance struct {
	CapitalAmount decimal.Decimal `json:"capitalAmount"`
	CurrentAmount decimal.Decimal `json:"currentAmount"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`

	// Version is bumped on every committed write; stores compare it before writing.
	Version int64 `json:"-"`
}

// ZeroBalance is the state of a freshly initialised aggregate.
func ZeroBalance(now time.Time) Balance {
	return Balance{
		CapitalAmount: decimal.Zero,
		CurrentAmount: decimal.Zero,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// DepositInput carries the fields of a new deposit. A zero Date means today.
type DepositInput struct {
	Name   string
	Amount decimal.Decimal
	Date   Date
}

// DepositPatch carries optional changes; nil or blank fields keep the stored value.
type DepositPatch struct {
	Name   *string
	Amount *decimal.Decimal
	Date   *Date
}

// ExpenseInput carries the fields of a new expense. A zero Date means today.
type ExpenseInput struct {
	Description string
	Amount      decimal.Decimal
	PaidBy      string
	Date        Date
}

// ExpensePatch carries optional changes; nil or blank fields keep the stored value.
type ExpensePatch struct {
	Description *string
	Amount      *decimal.Decimal
	PaidBy      *string
	Date        *Date
}

// DepositList is a listing with the total recomputed from the listed rows.
type DepositList struct {
	Deposits    []Deposit       `json:"deposits"`
	TotalAmount decimal.Decimal `json:"totalAmount"`
}

// ExpenseList is a listing with the total recomputed from the listed rows.
type ExpenseList struct {
	Expenses    []Expense       `json:"expenses"`
	TotalAmount decimal.Decimal `json:"totalAmount"`
}

// BulkResult reports what a bulk delete removed.
// Amount is the capital released (deposits) or the amount refunded (expenses).
type BulkResult struct {
	DeletedCount int             `json:"deletedCount"`
	DeletedIDs   []string        `json:"deletedIds"`
	Amount       decimal.Decimal `json:"amount"`
}

// Reconciliation compares the cached balance with a fresh recomputation from the ledgers.
type Reconciliation struct {
	Cached       Balance         `json:"cached"`
	Computed     Balance         `json:"computed"`
	CapitalDrift decimal.Decimal `json:"capitalDrift"`
	CurrentDrift decimal.Decimal `json:"currentDrift"`
	Deposits     int             `json:"deposits"`
	Expenses     int             `json:"expenses"`
	InSync       bool            `json:"inSync"`
}

var (
	ErrValidation          = errors.New("validation error")
	ErrNotFound            = errors.New("not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrExpensesExist       = errors.New("expenses exist")
	ErrBalanceInconsistent = errors.New("balance inconsistent")
	ErrServerState         = errors.New("server state error")

	// ErrBalanceMissing is returned by stores when the singleton has not been created yet.
	ErrBalanceMissing = errors.New("balance not initialised")
	// ErrConflict is returned by stores when the balance changed since it was read.
	ErrConflict = errors.New("balance modified concurrently")
)

// Code returns the taxonomy name of err, or "ServerError" for anything outside it.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "ValidationError"
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	case errors.Is(err, ErrInsufficientBalance):
		return "InsufficientBalance"
	case errors.Is(err, ErrExpensesExist):
		return "ExpensesExist"
	case errors.Is(err, ErrBalanceInconsistent):
		return "BalanceInconsistent"
	case errors.Is(err, ErrServerState), errors.Is(err, ErrBalanceMissing):
		return "ServerState"
	case errors.Is(err, ErrConflict):
		return "Conflict"
	default:
		return "ServerError"
	}
}

func newID() string {
	return ids.New()
}
