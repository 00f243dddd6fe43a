package main

import (
	"context"
	"flag"
	"fmt"
	"strings"

	"github.com/google/subcommands"

	"tally.org/internal/ledger"
	"tally.org/internal/sim"
)

type simulateCmd struct {
	steps int
	seed  int64
}

func (*simulateCmd) Name() string     { return "simulate" }
func (*simulateCmd) Synopsis() string { return "fill the ledger with generated household activity" }
func (*simulateCmd) Usage() string {
	return `tallyctl simulate [-n <steps>] [-seed <n>]

  Writes generated deposits and expenses for a shared flat through the API,
  then reconciles. Useful for demos and as a quick load check.
`
}

func (c *simulateCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.steps, "n", 50, "Number of writes")
	f.Int64Var(&c.seed, "seed", 0, "Random seed (0 picks one)")
}

func (c *simulateCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.steps <= 0 {
		return usage("Error: -n must be positive")
	}
	cl := newClient()
	gen := sim.NewGenerator(c.seed)
	var counter sim.Counter

	for i := 0; i < c.steps; i++ {
		s := gen.Next()
		stepCtx, cancel := withTimeout(ctx)
		var err error
		switch s.Kind {
		case sim.KindDeposit:
			_, err = cl.CreateDeposit(stepCtx, ledger.DepositInput{Name: s.Name, Amount: s.Amount, Date: s.Date})
		case sim.KindExpense:
			_, err = cl.CreateExpense(stepCtx, ledger.ExpenseInput{Description: s.Name, PaidBy: s.PaidBy, Amount: s.Amount, Date: s.Date})
		}
		cancel()
		if err != nil {
			return fail("Error at step %d (%s %s): %v", i+1, s.Kind, s.Amount, err)
		}
		counter.Add(s)
	}

	rctx, cancel := withTimeout(ctx)
	defer cancel()
	rec, err := cl.Reconcile(rctx)
	if err != nil {
		return fail("Error reconciling: %v", err)
	}

	var sb strings.Builder
	sb.WriteString("# Simulation\n\n")
	fmt.Fprintf(&sb, "- Deposits: %d, %s\n", counter.Deposits, formatAmount(counter.Deposited, *currency))
	fmt.Fprintf(&sb, "- Expenses: %d, %s\n", counter.Expenses, formatAmount(counter.Spent, *currency))
	fmt.Fprintf(&sb, "- Net: %s\n\n", formatAmount(counter.Current(), *currency))
	sb.WriteString(renderReconciliation(rec, *currency))
	printMarkdown(sb.String())
	if !rec.InSync {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
