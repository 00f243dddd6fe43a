// Package client is a typed HTTP client for the tally API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tally.org/internal/ledger"
)

// Client talks to one API base URL.
type Client struct {
	base string
	hc   *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default client (10s timeout).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.hc = hc }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		base: strings.TrimRight(baseURL, "/"),
		hc:   &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Error is a non-2xx answer. It unwraps to the matching ledger sentinel so
// callers can use errors.Is(err, ledger.ErrNotFound).
type Error struct {
	Status    int      `json:"-"`
	Message   string   `json:"message"`
	Code      string   `json:"code"`
	RequestID string   `json:"request_id"`
	FailedIDs []string `json:"failedIds,omitempty"`
}

func (e *Error) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("%d %s: %s (request %s)", e.Status, e.Code, e.Message, e.RequestID)
	}
	return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
}

var sentinels = map[string]error{
	"ValidationError":     ledger.ErrValidation,
	"NotFound":            ledger.ErrNotFound,
	"InsufficientBalance": ledger.ErrInsufficientBalance,
	"ExpensesExist":       ledger.ErrExpensesExist,
	"BalanceInconsistent": ledger.ErrBalanceInconsistent,
	"ServerState":         ledger.ErrServerState,
	"Conflict":            ledger.ErrConflict,
}

func (e *Error) Unwrap() error { return sentinels[e.Code] }

// BulkResult is the answer to a bulk delete.
type BulkResult struct {
	Message        string           `json:"message"`
	DeletedCount   int              `json:"deletedCount"`
	DeletedIDs     []string         `json:"deletedIds"`
	Amount         decimal.Decimal  `json:"amount"`
	RefundedAmount *decimal.Decimal `json:"refundedAmount,omitempty"`
}

type depositBody struct {
	Name   *string          `json:"name,omitempty"`
	Amount *decimal.Decimal `json:"amount,omitempty"`
	Date   *ledger.Date     `json:"date,omitempty"`
}

type expenseBody struct {
	Description *string          `json:"description,omitempty"`
	Amount      *decimal.Decimal `json:"amount,omitempty"`
	PaidBy      *string          `json:"paidBy,omitempty"`
	Date        *ledger.Date     `json:"date,omitempty"`
}

// --- deposits ---

func (c *Client) ListDeposits(ctx context.Context) (ledger.DepositList, error) {
	var out ledger.DepositList
	return out, c.do(ctx, http.MethodGet, "/api/deposits", nil, &out)
}

func (c *Client) GetDeposit(ctx context.Context, id string) (ledger.Deposit, error) {
	var out ledger.Deposit
	return out, c.do(ctx, http.MethodGet, "/api/deposits/"+id, nil, &out)
}

func (c *Client) CreateDeposit(ctx context.Context, in ledger.DepositInput) (ledger.Deposit, error) {
	body := depositBody{Name: &in.Name, Amount: &in.Amount}
	if !in.Date.IsZero() {
		body.Date = &in.Date
	}
	var out ledger.Deposit
	return out, c.do(ctx, http.MethodPost, "/api/deposits", body, &out)
}

func (c *Client) UpdateDeposit(ctx context.Context, id string, p ledger.DepositPatch) (ledger.Deposit, error) {
	var out ledger.Deposit
	return out, c.do(ctx, http.MethodPut, "/api/deposits/"+id, depositBody(p), &out)
}

func (c *Client) DeleteDeposit(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/deposits/"+id, nil, nil)
}

func (c *Client) BulkDeleteDeposits(ctx context.Context, ids []string) (BulkResult, error) {
	var out BulkResult
	return out, c.do(ctx, http.MethodDelete, "/api/deposits/bulk-delete", map[string][]string{"ids": ids}, &out)
}

// --- expenses ---

func (c *Client) ListExpenses(ctx context.Context) (ledger.ExpenseList, error) {
	var out ledger.ExpenseList
	return out, c.do(ctx, http.MethodGet, "/api/expenses", nil, &out)
}

func (c *Client) GetExpense(ctx context.Context, id string) (ledger.Expense, error) {
	var out ledger.Expense
	return out, c.do(ctx, http.MethodGet, "/api/expenses/"+id, nil, &out)
}

func (c *Client) CreateExpense(ctx context.Context, in ledger.ExpenseInput) (ledger.Expense, error) {
	body := expenseBody{Description: &in.Description, Amount: &in.Amount, PaidBy: &in.PaidBy}
	if !in.Date.IsZero() {
		body.Date = &in.Date
	}
	var out ledger.Expense
	return out, c.do(ctx, http.MethodPost, "/api/expenses", body, &out)
}

func (c *Client) UpdateExpense(ctx context.Context, id string, p ledger.ExpensePatch) (ledger.Expense, error) {
	var out ledger.Expense
	return out, c.do(ctx, http.MethodPut, "/api/expenses/"+id, expenseBody(p), &out)
}

func (c *Client) DeleteExpense(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/expenses/"+id, nil, nil)
}

func (c *Client) BulkDeleteExpenses(ctx context.Context, ids []string) (BulkResult, error) {
	var out BulkResult
	return out, c.do(ctx, http.MethodDelete, "/api/expenses/bulk-delete", map[string][]string{"ids": ids}, &out)
}

// --- balance ---

func (c *Client) Balance(ctx context.Context) (ledger.Balance, error) {
	var out ledger.Balance
	return out, c.do(ctx, http.MethodGet, "/api/balance", nil, &out)
}

func (c *Client) Reconcile(ctx context.Context) (ledger.Reconciliation, error) {
	var out ledger.Reconciliation
	return out, c.do(ctx, http.MethodGet, "/api/balance/reconcile", nil, &out)
}

// Ready returns nil when /readyz answers 200.
func (c *Client) Ready(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/readyz", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &Error{Status: resp.StatusCode}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		if err := json.Unmarshal(raw, apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(raw))
			if apiErr.Message == "" {
				apiErr.Message = http.StatusText(resp.StatusCode)
			}
		}
		if apiErr.RequestID == "" {
			apiErr.RequestID = resp.Header.Get("X-Request-ID")
		}
		return apiErr
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
