package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Engine holds the balance consistency rules. It performs no I/O: every method takes
// the current Balance and returns either the next Balance or a rejection.
//
// The zero value floors negative results at zero silently. OnClamp observes every
// floor; with Strict set a floor is reported as ErrBalanceInconsistent instead.
//
// Deposits and refunds only add money and are never refused. When their result
// breaks 0 <= current <= capital (a balance that had already drifted) the violation
// goes to OnInconsistent and the result is returned as is.
type Engine struct {
	Strict         bool
	OnClamp        func(field string, value decimal.Decimal)
	OnInconsistent func(err error)
}

// DepositCreate adds a new deposit to capital and current.
func (e Engine) DepositCreate(b Balance, amount decimal.Decimal) (Balance, error) {
	if err := requirePositive("amount", amount); err != nil {
		return b, err
	}
	next := b
	next.CapitalAmount = b.CapitalAmount.Add(amount)
	next.CurrentAmount = b.CurrentAmount.Add(amount)
	return e.observe(next), nil
}

// DepositUpdate moves capital and current by the difference between the amounts.
// A reduction is refused when either side cannot absorb it.
func (e Engine) DepositUpdate(b Balance, oldAmount, newAmount decimal.Decimal) (Balance, error) {
	if err := requirePositive("amount", newAmount); err != nil {
		return b, err
	}
	diff := newAmount.Sub(oldAmount)
	if diff.IsNegative() {
		reduce := diff.Neg()
		if b.CurrentAmount.LessThan(reduce) {
			return b, fmt.Errorf("%w: cannot reduce deposit by %s, current balance is %s", ErrInsufficientBalance, reduce, b.CurrentAmount)
		}
		if b.CapitalAmount.LessThan(reduce) {
			return b, fmt.Errorf("%w: cannot reduce deposit by %s, capital is %s", ErrInsufficientBalance, reduce, b.CapitalAmount)
		}
	}

	next := b
	var err error
	if next.CapitalAmount, err = e.floor("capitalAmount", b.CapitalAmount.Add(diff)); err != nil {
		return b, err
	}
	if next.CurrentAmount, err = e.floor("currentAmount", b.CurrentAmount.Add(diff)); err != nil {
		return b, err
	}
	return e.finish(b, next)
}

// DepositDelete releases a deposit. Deposits are frozen once any expense exists.
func (e Engine) DepositDelete(b Balance, amount decimal.Decimal, outstandingExpenses int64) (Balance, error) {
	if err := requirePositive("amount", amount); err != nil {
		return b, err
	}
	return e.release(b, amount, outstandingExpenses)
}

// DepositBulkDelete releases all deposits or none of them.
func (e Engine) DepositBulkDelete(b Balance, amounts []decimal.Decimal, outstandingExpenses int64) (Balance, error) {
	total, err := sum(amounts)
	if err != nil {
		return b, err
	}
	return e.release(b, total, outstandingExpenses)
}

func (e Engine) release(b Balance, amount decimal.Decimal, outstandingExpenses int64) (Balance, error) {
	if outstandingExpenses > 0 {
		return b, fmt.Errorf("%w: %d expense(s) recorded, delete or adjust expenses first", ErrExpensesExist, outstandingExpenses)
	}
	if b.CurrentAmount.LessThan(amount) || b.CapitalAmount.LessThan(amount) {
		return b, fmt.Errorf("%w: releasing %s exceeds capital %s / current %s", ErrBalanceInconsistent, amount, b.CapitalAmount, b.CurrentAmount)
	}
	next := b
	next.CapitalAmount = b.CapitalAmount.Sub(amount)
	next.CurrentAmount = b.CurrentAmount.Sub(amount)
	return e.finish(b, next)
}

// ExpenseCreate spends from the current balance; capital is untouched.
func (e Engine) ExpenseCreate(b Balance, amount decimal.Decimal) (Balance, error) {
	if err := requirePositive("amount", amount); err != nil {
		return b, err
	}
	if b.CurrentAmount.LessThan(amount) {
		return b, fmt.Errorf("%w: expense of %s exceeds current balance %s", ErrInsufficientBalance, amount, b.CurrentAmount)
	}
	next := b
	next.CurrentAmount = b.CurrentAmount.Sub(amount)
	return e.finish(b, next)
}

// ExpenseUpdate moves current by the negated difference: a larger expense spends more.
func (e Engine) ExpenseUpdate(b Balance, oldAmount, newAmount decimal.Decimal) (Balance, error) {
	if err := requirePositive("amount", newAmount); err != nil {
		return b, err
	}
	diff := newAmount.Sub(oldAmount)
	if diff.IsPositive() && b.CurrentAmount.LessThan(diff) {
		return b, fmt.Errorf("%w: increase of %s exceeds current balance %s", ErrInsufficientBalance, diff, b.CurrentAmount)
	}
	next := b
	var err error
	if next.CurrentAmount, err = e.floor("currentAmount", b.CurrentAmount.Sub(diff)); err != nil {
		return b, err
	}
	return e.finish(b, next)
}

// ExpenseDelete refunds an expense to the current balance.
func (e Engine) ExpenseDelete(b Balance, amount decimal.Decimal) (Balance, error) {
	if err := requirePositive("amount", amount); err != nil {
		return b, err
	}
	next := b
	next.CurrentAmount = b.CurrentAmount.Add(amount)
	return e.observe(next), nil
}

// ExpenseBulkDelete refunds the sum of the expenses.
func (e Engine) ExpenseBulkDelete(b Balance, amounts []decimal.Decimal) (Balance, error) {
	total, err := sum(amounts)
	if err != nil {
		return b, err
	}
	next := b
	next.CurrentAmount = b.CurrentAmount.Add(total)
	return e.observe(next), nil
}

// Check verifies 0 <= current <= capital.
func (e Engine) Check(b Balance) error {
	switch {
	case b.CapitalAmount.IsNegative():
		return fmt.Errorf("%w: capital %s is negative", ErrBalanceInconsistent, b.CapitalAmount)
	case b.CurrentAmount.IsNegative():
		return fmt.Errorf("%w: current %s is negative", ErrBalanceInconsistent, b.CurrentAmount)
	case b.CurrentAmount.GreaterThan(b.CapitalAmount):
		return fmt.Errorf("%w: current %s exceeds capital %s", ErrBalanceInconsistent, b.CurrentAmount, b.CapitalAmount)
	}
	return nil
}

// finish rejects a computed state that breaks the invariant. On rejection the
// original balance is returned so callers can never persist a half-applied value.
func (e Engine) finish(prev, next Balance) (Balance, error) {
	if err := e.Check(next); err != nil {
		return prev, err
	}
	return next, nil
}

// observe reports an invariant violation without refusing the result.
func (e Engine) observe(next Balance) Balance {
	if err := e.Check(next); err != nil && e.OnInconsistent != nil {
		e.OnInconsistent(err)
	}
	return next
}

func (e Engine) floor(field string, v decimal.Decimal) (decimal.Decimal, error) {
	if !v.IsNegative() {
		return v, nil
	}
	if e.OnClamp != nil {
		e.OnClamp(field, v)
	}
	if e.Strict {
		return v, fmt.Errorf("%w: %s would become %s", ErrBalanceInconsistent, field, v)
	}
	return decimal.Zero, nil
}

func requirePositive(field string, v decimal.Decimal) error {
	if !v.IsPositive() {
		return fmt.Errorf("%w: %s must be a positive number", ErrValidation, field)
	}
	return nil
}

func sum(amounts []decimal.Decimal) (decimal.Decimal, error) {
	if len(amounts) == 0 {
		return decimal.Zero, fmt.Errorf("%w: no amounts given", ErrValidation)
	}
	total := decimal.Zero
	for _, a := range amounts {
		if err := requirePositive("amount", a); err != nil {
			return decimal.Zero, err
		}
		total = total.Add(a)
	}
	return total, nil
}
