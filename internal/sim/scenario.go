// Package sim generates plausible household ledger activity for demos and load checks.
package sim

import (
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"tally.org/internal/ledger"
)

// Kind of generated step.
const (
	KindDeposit = "deposit"
	KindExpense = "expense"
)

// Step is one generated ledger write.
type Step struct {
	Kind   string
	Name   string // deposit name or expense description
	PaidBy string
	Amount decimal.Decimal
	Date   ledger.Date
}

// Scenario describes who spends and what money comes in and goes out.
type Scenario struct {
	Name     string
	Members  []string
	Incomes  []string
	Expenses []string
	// ExpenseRatio is the share of steps that are expenses.
	ExpenseRatio float64
	// Amount ranges in minor units.
	MinIncome, MaxIncome   int64
	MinExpense, MaxExpense int64
}

// SharedFlatScenario is a flat shared by three people.
func SharedFlatScenario() Scenario {
	return Scenario{
		Name:    "SharedFlat",
		Members: []string{"ana", "bo", "chen"},
		Incomes: []string{
			"monthly contribution",
			"refund from landlord",
			"sold old sofa",
		},
		Expenses: []string{
			"groceries",
			"electricity bill",
			"internet",
			"cleaning supplies",
			"rent share",
		},
		ExpenseRatio: 0.7,
		MinIncome:    20_000,
		MaxIncome:    150_000,
		MinExpense:   500,
		MaxExpense:   40_000,
	}
}

// Generator produces steps from a scenario. Expenses never exceed the funds it
// has generated so far, so a fresh ledger accepts every step.
type Generator struct {
	scenario Scenario
	rnd      *rand.Rand
	start    ledger.Date
	day      int
	current  int64
}

func NewGenerator(seed int64) *Generator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Generator{
		scenario: SharedFlatScenario(),
		rnd:      rand.New(rand.NewSource(seed)),
		start:    ledger.DateOf(time.Now().AddDate(0, -1, 0)),
	}
}

// WithScenario replaces the default scenario.
func (g *Generator) WithScenario(s Scenario) *Generator {
	g.scenario = s
	return g
}

// StartAt sets the date of the first step; later steps advance by 0-2 days.
func (g *Generator) StartAt(d ledger.Date) *Generator {
	g.start = d
	return g
}

// Next returns the next step.
func (g *Generator) Next() Step {
	s := g.scenario
	g.day += g.rnd.Intn(3)
	date := ledger.DateOf(g.start.Time().AddDate(0, 0, g.day))

	if g.current >= s.MinExpense && g.rnd.Float64() < s.ExpenseRatio {
		hi := min(s.MaxExpense, g.current)
		amount := s.MinExpense + g.rnd.Int63n(hi-s.MinExpense+1)
		g.current -= amount
		return Step{
			Kind:   KindExpense,
			Name:   s.Expenses[g.rnd.Intn(len(s.Expenses))],
			PaidBy: s.Members[g.rnd.Intn(len(s.Members))],
			Amount: decimal.New(amount, -2),
			Date:   date,
		}
	}

	amount := s.MinIncome + g.rnd.Int63n(s.MaxIncome-s.MinIncome+1)
	g.current += amount
	return Step{
		Kind:   KindDeposit,
		Name:   s.Members[g.rnd.Intn(len(s.Members))] + ": " + s.Incomes[g.rnd.Intn(len(s.Incomes))],
		Amount: decimal.New(amount, -2),
		Date:   date,
	}
}
