package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/Rhymond/go-money"
	"github.com/charmbracelet/glamour"
	"github.com/shopspring/decimal"

	"tally.org/internal/client"
	"tally.org/internal/ledger"
)

// formatAmount renders d in the display currency, e.g. "$1,234.50".
func formatAmount(d decimal.Decimal, code string) string {
	cur := money.GetCurrency(strings.ToUpper(code))
	if cur == nil {
		return d.StringFixed(2) + " " + code
	}
	minor := d.Shift(int32(cur.Fraction)).Round(0)
	return cur.Formatter().Format(minor.IntPart())
}

func printMarkdown(md string) {
	if *raw {
		fmt.Print(md)
		return
	}
	r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))
	if err != nil {
		fmt.Print(md)
		return
	}
	out, err := r.Render(md)
	if err != nil {
		fmt.Print(md)
		return
	}
	fmt.Fprint(os.Stdout, out)
}

func renderBalance(b ledger.Balance, code string) string {
	var sb strings.Builder
	sb.WriteString("# Balance\n\n")
	sb.WriteString("| | Amount |\n|---|---:|\n")
	fmt.Fprintf(&sb, "| Capital | %s |\n", formatAmount(b.CapitalAmount, code))
	fmt.Fprintf(&sb, "| Current | %s |\n", formatAmount(b.CurrentAmount, code))
	fmt.Fprintf(&sb, "| Spent | %s |\n", formatAmount(b.CapitalAmount.Sub(b.CurrentAmount), code))
	if !b.UpdatedAt.IsZero() {
		fmt.Fprintf(&sb, "\n_Updated %s_\n", b.UpdatedAt.Format("2006-01-02 15:04 MST"))
	}
	return sb.String()
}

func renderDeposits(l ledger.DepositList, code string) string {
	var sb strings.Builder
	sb.WriteString("# Deposits\n\n")
	if len(l.Deposits) == 0 {
		sb.WriteString("_No deposits._\n")
		return sb.String()
	}
	sb.WriteString("| Date | Name | Amount | ID |\n|---|---|---:|---|\n")
	for _, d := range l.Deposits {
		fmt.Fprintf(&sb, "| %s | %s | %s | `%s` |\n", d.Date, escapeCell(d.Name), formatAmount(d.Amount, code), d.ID)
	}
	fmt.Fprintf(&sb, "| | **Total** | **%s** | |\n", formatAmount(l.TotalAmount, code))
	return sb.String()
}

func renderExpenses(l ledger.ExpenseList, code string) string {
	var sb strings.Builder
	sb.WriteString("# Expenses\n\n")
	if len(l.Expenses) == 0 {
		sb.WriteString("_No expenses._\n")
		return sb.String()
	}
	sb.WriteString("| Date | Description | Paid by | Amount | ID |\n|---|---|---|---:|---|\n")
	for _, e := range l.Expenses {
		fmt.Fprintf(&sb, "| %s | %s | %s | %s | `%s` |\n",
			e.Date, escapeCell(e.Description), escapeCell(e.PaidBy), formatAmount(e.Amount, code), e.ID)
	}
	fmt.Fprintf(&sb, "| | **Total** | | **%s** | |\n", formatAmount(l.TotalAmount, code))
	return sb.String()
}

func renderReconciliation(r ledger.Reconciliation, code string) string {
	var sb strings.Builder
	sb.WriteString("# Reconciliation\n\n")
	if r.InSync {
		sb.WriteString("Balance is **in sync** with the ledgers.\n\n")
	} else {
		sb.WriteString("Balance has **drifted** from the ledgers.\n\n")
	}
	sb.WriteString("| | Cached | Computed | Drift |\n|---|---:|---:|---:|\n")
	fmt.Fprintf(&sb, "| Capital | %s | %s | %s |\n",
		formatAmount(r.Cached.CapitalAmount, code), formatAmount(r.Computed.CapitalAmount, code), r.CapitalDrift)
	fmt.Fprintf(&sb, "| Current | %s | %s | %s |\n",
		formatAmount(r.Cached.CurrentAmount, code), formatAmount(r.Computed.CurrentAmount, code), r.CurrentDrift)
	fmt.Fprintf(&sb, "\n%d deposits, %d expenses.\n", r.Deposits, r.Expenses)
	return sb.String()
}

func renderBulk(kind string, r client.BulkResult, code string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s\n\n", r.Message)
	fmt.Fprintf(&sb, "- %s removed: %d\n", kind, r.DeletedCount)
	fmt.Fprintf(&sb, "- Amount: %s\n", formatAmount(r.Amount, code))
	return sb.String()
}

func escapeCell(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}
