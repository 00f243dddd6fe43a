// Command smoke runs an end-to-end check against a running tally API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"tally.org/internal/client"
	"tally.org/internal/ledger"
)

func main() {
	addr := os.Getenv("TALLY_API_URL")
	if addr == "" {
		addr = "http://localhost:8080"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	c := client.New(addr)
	if err := c.Ready(ctx); err != nil {
		log.Fatalf("api at %s not ready: %v", addr, err)
	}

	before, err := c.Balance(ctx)
	if err != nil {
		log.Fatalf("balance: %v", err)
	}

	dep, err := c.CreateDeposit(ctx, ledger.DepositInput{Name: "smoke deposit", Amount: decimal.NewFromInt(1000)})
	if err != nil {
		log.Fatalf("create deposit: %v", err)
	}
	exp, err := c.CreateExpense(ctx, ledger.ExpenseInput{Description: "smoke expense", Amount: decimal.NewFromInt(420), PaidBy: "smoke"})
	if err != nil {
		log.Fatalf("create expense: %v", err)
	}

	mid, err := c.Balance(ctx)
	if err != nil {
		log.Fatalf("balance: %v", err)
	}
	if !mid.CapitalAmount.Sub(before.CapitalAmount).Equal(decimal.NewFromInt(1000)) ||
		!mid.CurrentAmount.Sub(before.CurrentAmount).Equal(decimal.NewFromInt(580)) {
		log.Fatalf("unexpected balance after writes: before=%+v after=%+v", before, mid)
	}

	if err := c.DeleteDeposit(ctx, dep.ID); !errors.Is(err, ledger.ErrExpensesExist) {
		log.Fatalf("deleting a deposit while expenses exist: want ExpensesExist, got %v", err)
	}

	if err := c.DeleteExpense(ctx, exp.ID); err != nil {
		log.Fatalf("delete expense: %v", err)
	}
	if _, err := c.ListExpenses(ctx); err != nil {
		log.Fatalf("list expenses: %v", err)
	}

	after, err := c.Balance(ctx)
	if err != nil {
		log.Fatalf("balance: %v", err)
	}
	if !after.CurrentAmount.Sub(before.CurrentAmount).Equal(decimal.NewFromInt(1000)) {
		log.Fatalf("refund not applied: before=%+v after=%+v", before, after)
	}

	rec, err := c.Reconcile(ctx)
	if err != nil {
		log.Fatalf("reconcile: %v", err)
	}
	if !rec.InSync {
		log.Fatalf("balance drifted: capital %s current %s", rec.CapitalDrift, rec.CurrentDrift)
	}

	fmt.Printf("tally smoke test passed: deposit=%s expense=%s\n", dep.ID, exp.ID)
}
