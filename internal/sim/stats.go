package sim

import "github.com/shopspring/decimal"

// Counter totals what a run wrote.
type Counter struct {
	Deposits  int
	Expenses  int
	Deposited decimal.Decimal
	Spent     decimal.Decimal
}

func (c *Counter) Add(s Step) {
	switch s.Kind {
	case KindDeposit:
		c.Deposits++
		c.Deposited = c.Deposited.Add(s.Amount)
	case KindExpense:
		c.Expenses++
		c.Spent = c.Spent.Add(s.Amount)
	}
}

// Current is the balance change the run should have produced.
func (c Counter) Current() decimal.Decimal {
	return c.Deposited.Sub(c.Spent)
}
