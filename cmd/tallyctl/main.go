// Command tallyctl inspects and edits a running tally API from the terminal.
package main

import (
	"context"
	"flag"
	"os"
	"path"

	"github.com/google/subcommands"
	"github.com/joho/godotenv"
)

var (
	apiURL   = flag.String("api", envOr("TALLY_API_URL", "http://localhost:8080"), "Base URL of the tally API")
	currency = flag.String("currency", envOr("TALLY_DISPLAY_CURRENCY", "USD"), "ISO 4217 code used to display amounts")
	raw      = flag.Bool("raw", false, "Print plain markdown instead of rendering it")
)

func main() {
	_ = godotenv.Load()

	commander := subcommands.NewCommander(flag.CommandLine, path.Base(os.Args[0]))
	commander.Register(commander.HelpCommand(), "")
	commander.Register(commander.FlagsCommand(), "")
	commander.Register(commander.CommandsCommand(), "")
	Register(commander)

	flag.Parse()
	os.Exit(int(commander.Execute(context.Background())))
}

// Register the subcommands.
func Register(c *subcommands.Commander) {
	c.Register(&balanceCmd{}, "balance")
	c.Register(&reconcileCmd{}, "balance")
	c.Register(&simulateCmd{}, "balance")

	c.Register(&depositsCmd{}, "deposits")
	c.Register(&depositCmd{}, "deposits")
	c.Register(&editDepositCmd{}, "deposits")
	c.Register(&rmDepositCmd{}, "deposits")

	c.Register(&expensesCmd{}, "expenses")
	c.Register(&expenseCmd{}, "expenses")
	c.Register(&editExpenseCmd{}, "expenses")
	c.Register(&rmExpenseCmd{}, "expenses")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
