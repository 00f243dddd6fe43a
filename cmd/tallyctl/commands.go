package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/subcommands"
	"github.com/shopspring/decimal"

	"tally.org/internal/client"
	"tally.org/internal/ledger"
)

func newClient() *client.Client { return client.New(*apiURL) }

func fail(format string, args ...any) subcommands.ExitStatus {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	return subcommands.ExitFailure
}

func usage(format string, args ...any) subcommands.ExitStatus {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	return subcommands.ExitUsageError
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, 15*time.Second)
}

// optAmount parses s when set.
func optAmount(s string) (*decimal.Decimal, error) {
	if s == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return &d, nil
}

func optDate(s string) (*ledger.Date, error) {
	if s == "" {
		return nil, nil
	}
	d, err := ledger.ParseDate(s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// --- balance ---

type balanceCmd struct{}

func (*balanceCmd) Name() string     { return "balance" }
func (*balanceCmd) Synopsis() string { return "display capital and current balance" }
func (*balanceCmd) Usage() string {
	return `tallyctl balance

  Displays the cached balance aggregate.
`
}
func (*balanceCmd) SetFlags(*flag.FlagSet) {}

func (*balanceCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	b, err := newClient().Balance(ctx)
	if err != nil {
		return fail("Error fetching balance: %v", err)
	}
	printMarkdown(renderBalance(b, *currency))
	return subcommands.ExitSuccess
}

type reconcileCmd struct{}

func (*reconcileCmd) Name() string     { return "reconcile" }
func (*reconcileCmd) Synopsis() string { return "compare the balance with the ledgers" }
func (*reconcileCmd) Usage() string {
	return `tallyctl reconcile

  Recomputes the balance from every deposit and expense and reports drift.
  Exits with status 1 when the cached balance is out of sync.
`
}
func (*reconcileCmd) SetFlags(*flag.FlagSet) {}

func (*reconcileCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	r, err := newClient().Reconcile(ctx)
	if err != nil {
		return fail("Error reconciling: %v", err)
	}
	printMarkdown(renderReconciliation(r, *currency))
	if !r.InSync {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// --- deposits ---

type depositsCmd struct{}

func (*depositsCmd) Name() string     { return "deposits" }
func (*depositsCmd) Synopsis() string { return "list deposits" }
func (*depositsCmd) Usage() string {
	return `tallyctl deposits

  Lists deposits, newest first, with their total.
`
}
func (*depositsCmd) SetFlags(*flag.FlagSet) {}

func (*depositsCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	l, err := newClient().ListDeposits(ctx)
	if err != nil {
		return fail("Error listing deposits: %v", err)
	}
	printMarkdown(renderDeposits(l, *currency))
	return subcommands.ExitSuccess
}

type depositCmd struct {
	name   string
	amount string
	date   string
}

func (*depositCmd) Name() string     { return "deposit" }
func (*depositCmd) Synopsis() string { return "record a deposit" }
func (*depositCmd) Usage() string {
	return `tallyctl deposit -n <name> -a <amount> [-d <date>]

  Records money added to the pool. Date defaults to today.
`
}

func (c *depositCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.name, "n", "", "Name of the deposit")
	f.StringVar(&c.amount, "a", "", "Amount (positive)")
	f.StringVar(&c.date, "d", "", "Date as YYYY-MM-DD")
}

func (c *depositCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	amount, err := optAmount(c.amount)
	if err != nil || amount == nil {
		return usage("Error: -a must be a number")
	}
	date, err := optDate(c.date)
	if err != nil {
		return usage("Error parsing date: %v", err)
	}
	in := ledger.DepositInput{Name: c.name, Amount: *amount}
	if date != nil {
		in.Date = *date
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()
	d, err := newClient().CreateDeposit(ctx, in)
	if err != nil {
		return fail("Error recording deposit: %v", err)
	}
	fmt.Printf("Deposit %s recorded: %s on %s\n", d.ID, formatAmount(d.Amount, *currency), d.Date)
	return subcommands.ExitSuccess
}

type editDepositCmd struct {
	name   string
	amount string
	date   string
}

func (*editDepositCmd) Name() string     { return "edit-deposit" }
func (*editDepositCmd) Synopsis() string { return "change a deposit" }
func (*editDepositCmd) Usage() string {
	return `tallyctl edit-deposit [-n <name>] [-a <amount>] [-d <date>] <id>

  Changes the given fields of a deposit. Omitted fields are kept.
`
}

func (c *editDepositCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.name, "n", "", "New name")
	f.StringVar(&c.amount, "a", "", "New amount")
	f.StringVar(&c.date, "d", "", "New date as YYYY-MM-DD")
}

func (c *editDepositCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		return usage("Error: exactly one deposit id is required")
	}
	amount, err := optAmount(c.amount)
	if err != nil {
		return usage("Error: %v", err)
	}
	date, err := optDate(c.date)
	if err != nil {
		return usage("Error parsing date: %v", err)
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()
	d, err := newClient().UpdateDeposit(ctx, f.Arg(0), ledger.DepositPatch{Name: optString(c.name), Amount: amount, Date: date})
	if err != nil {
		return fail("Error updating deposit: %v", err)
	}
	fmt.Printf("Deposit %s: %s, %s on %s\n", d.ID, d.Name, formatAmount(d.Amount, *currency), d.Date)
	return subcommands.ExitSuccess
}

type rmDepositCmd struct{}

func (*rmDepositCmd) Name() string     { return "rm-deposit" }
func (*rmDepositCmd) Synopsis() string { return "delete one or more deposits" }
func (*rmDepositCmd) Usage() string {
	return `tallyctl rm-deposit <id>...

  Deletes deposits. Several ids are removed in one all-or-nothing operation.
  Deposits cannot be removed while expenses exist.
`
}
func (*rmDepositCmd) SetFlags(*flag.FlagSet) {}

func (*rmDepositCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() == 0 {
		return usage("Error: at least one deposit id is required")
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	c := newClient()
	if f.NArg() == 1 {
		if err := c.DeleteDeposit(ctx, f.Arg(0)); err != nil {
			return fail("Error deleting deposit: %v", err)
		}
		fmt.Printf("Deposit %s deleted\n", f.Arg(0))
		return subcommands.ExitSuccess
	}
	res, err := c.BulkDeleteDeposits(ctx, f.Args())
	if err != nil {
		return fail("Error deleting deposits: %v", err)
	}
	printMarkdown(renderBulk("Deposits", res, *currency))
	return subcommands.ExitSuccess
}

// --- expenses ---

type expensesCmd struct{}

func (*expensesCmd) Name() string     { return "expenses" }
func (*expensesCmd) Synopsis() string { return "list expenses" }
func (*expensesCmd) Usage() string {
	return `tallyctl expenses

  Lists expenses, newest first, with their total.
`
}
func (*expensesCmd) SetFlags(*flag.FlagSet) {}

func (*expensesCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	l, err := newClient().ListExpenses(ctx)
	if err != nil {
		return fail("Error listing expenses: %v", err)
	}
	printMarkdown(renderExpenses(l, *currency))
	return subcommands.ExitSuccess
}

type expenseCmd struct {
	description string
	amount      string
	paidBy      string
	date        string
}

func (*expenseCmd) Name() string     { return "expense" }
func (*expenseCmd) Synopsis() string { return "record an expense" }
func (*expenseCmd) Usage() string {
	return `tallyctl expense -m <description> -a <amount> -p <paid by> [-d <date>]

  Records money spent out of the pool. Fails when the current balance is too low.
`
}

func (c *expenseCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.description, "m", "", "Description")
	f.StringVar(&c.amount, "a", "", "Amount (positive)")
	f.StringVar(&c.paidBy, "p", "", "Who paid")
	f.StringVar(&c.date, "d", "", "Date as YYYY-MM-DD")
}

func (c *expenseCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	amount, err := optAmount(c.amount)
	if err != nil || amount == nil {
		return usage("Error: -a must be a number")
	}
	date, err := optDate(c.date)
	if err != nil {
		return usage("Error parsing date: %v", err)
	}
	in := ledger.ExpenseInput{Description: c.description, Amount: *amount, PaidBy: c.paidBy}
	if date != nil {
		in.Date = *date
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()
	e, err := newClient().CreateExpense(ctx, in)
	if err != nil {
		return fail("Error recording expense: %v", err)
	}
	fmt.Printf("Expense %s recorded: %s paid by %s on %s\n", e.ID, formatAmount(e.Amount, *currency), e.PaidBy, e.Date)
	return subcommands.ExitSuccess
}

type editExpenseCmd struct {
	description string
	amount      string
	paidBy      string
	date        string
}

func (*editExpenseCmd) Name() string     { return "edit-expense" }
func (*editExpenseCmd) Synopsis() string { return "change an expense" }
func (*editExpenseCmd) Usage() string {
	return `tallyctl edit-expense [-m <description>] [-a <amount>] [-p <paid by>] [-d <date>] <id>

  Changes the given fields of an expense. Omitted fields are kept.
`
}

func (c *editExpenseCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.description, "m", "", "New description")
	f.StringVar(&c.amount, "a", "", "New amount")
	f.StringVar(&c.paidBy, "p", "", "New payer")
	f.StringVar(&c.date, "d", "", "New date as YYYY-MM-DD")
}

func (c *editExpenseCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		return usage("Error: exactly one expense id is required")
	}
	amount, err := optAmount(c.amount)
	if err != nil {
		return usage("Error: %v", err)
	}
	date, err := optDate(c.date)
	if err != nil {
		return usage("Error parsing date: %v", err)
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()
	e, err := newClient().UpdateExpense(ctx, f.Arg(0), ledger.ExpensePatch{
		Description: optString(c.description),
		Amount:      amount,
		PaidBy:      optString(c.paidBy),
		Date:        date,
	})
	if err != nil {
		return fail("Error updating expense: %v", err)
	}
	fmt.Printf("Expense %s: %s, %s paid by %s on %s\n", e.ID, e.Description, formatAmount(e.Amount, *currency), e.PaidBy, e.Date)
	return subcommands.ExitSuccess
}

type rmExpenseCmd struct{}

func (*rmExpenseCmd) Name() string     { return "rm-expense" }
func (*rmExpenseCmd) Synopsis() string { return "delete one or more expenses" }
func (*rmExpenseCmd) Usage() string {
	return `tallyctl rm-expense <id>...

  Deletes expenses and refunds their amounts to the current balance.
`
}
func (*rmExpenseCmd) SetFlags(*flag.FlagSet) {}

func (*rmExpenseCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() == 0 {
		return usage("Error: at least one expense id is required")
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	c := newClient()
	if f.NArg() == 1 {
		if err := c.DeleteExpense(ctx, f.Arg(0)); err != nil {
			return fail("Error deleting expense: %v", err)
		}
		fmt.Printf("Expense %s deleted\n", f.Arg(0))
		return subcommands.ExitSuccess
	}
	res, err := c.BulkDeleteExpenses(ctx, f.Args())
	if err != nil {
		return fail("Error deleting expenses: %v", err)
	}
	printMarkdown(renderBulk("Expenses", res, *currency))
	return subcommands.ExitSuccess
}
