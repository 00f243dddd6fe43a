package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tally.org/internal/audit"
	"tally.org/internal/ledger"
	"tally.org/internal/obs"
)

const bulkDeleteSegment = "bulk-delete"

type depositRequest struct {
	Name   *string          `json:"name"`
	Amount *decimal.Decimal `json:"amount"`
	Date   *ledger.Date     `json:"date"`
}

type expenseRequest struct {
	Description *string          `json:"description"`
	Amount      *decimal.Decimal `json:"amount"`
	PaidBy      *string          `json:"paidBy"`
	Date        *ledger.Date     `json:"date"`
}

type bulkDeleteRequest struct {
	IDs []string `json:"ids"`
}

type messageResponse struct {
	Message string `json:"message"`
}

type bulkDeleteResponse struct {
	Message        string           `json:"message"`
	DeletedCount   int              `json:"deletedCount"`
	DeletedIDs     []string         `json:"deletedIds"`
	Amount         decimal.Decimal  `json:"amount"`
	RefundedAmount *decimal.Decimal `json:"refundedAmount,omitempty"`
}

// --- deposits ---

func (a *API) handleDepositsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.listDeposits(w, r)
	case http.MethodPost:
		a.createDeposit(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleDepositResource(w http.ResponseWriter, r *http.Request) {
	id, ok := resourceID(r.URL.Path, "/api/deposits/")
	if !ok {
		writeError(w, r, http.StatusNotFound, "NotFound", "resource not found")
		return
	}
	if id == bulkDeleteSegment {
		if r.Method != http.MethodDelete {
			methodNotAllowed(w, r, http.MethodDelete)
			return
		}
		a.bulkDeleteDeposits(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		d, err := a.ledger.GetDeposit(r.Context(), id)
		if err != nil {
			handleLedgerError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, d)
	case http.MethodPut:
		a.updateDeposit(w, r, id)
	case http.MethodDelete:
		if err := a.ledger.DeleteDeposit(r.Context(), id); err != nil {
			handleLedgerError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, messageResponse{Message: "Deposit deleted successfully"})
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut, http.MethodDelete)
	}
}

func (a *API) listDeposits(w http.ResponseWriter, r *http.Request) {
	list, err := a.ledger.ListDeposits(r.Context())
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) createDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if err := decodeJSON(w, r, &req); err != nil {
		handleLedgerError(w, r, err)
		return
	}
	in := ledger.DepositInput{Name: deref(req.Name)}
	if req.Amount != nil {
		in.Amount = *req.Amount
	}
	if req.Date != nil {
		in.Date = *req.Date
	}
	d, err := a.ledger.CreateDeposit(r.Context(), in)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/deposits/"+d.ID)
	writeJSON(w, http.StatusCreated, d)
}

func (a *API) updateDeposit(w http.ResponseWriter, r *http.Request, id string) {
	var req depositRequest
	if err := decodeJSON(w, r, &req); err != nil {
		handleLedgerError(w, r, err)
		return
	}
	d, err := a.ledger.UpdateDeposit(r.Context(), id, ledger.DepositPatch{
		Name:   req.Name,
		Amount: req.Amount,
		Date:   req.Date,
	})
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (a *API) bulkDeleteDeposits(w http.ResponseWriter, r *http.Request) {
	var req bulkDeleteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		handleLedgerError(w, r, err)
		return
	}
	res, err := a.ledger.BulkDeleteDeposits(r.Context(), req.IDs)
	if err != nil {
		switch code := ledger.Code(err); code {
		case "ExpensesExist", "BalanceInconsistent", "InsufficientBalance":
			writeErrorFields(w, r, ledgerStatus[code], code, err.Error(), map[string]any{"failedIds": req.IDs})
		default:
			handleLedgerError(w, r, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, bulkDeleteResponse{
		Message:      fmt.Sprintf("Successfully deleted %d deposit(s)", res.DeletedCount),
		DeletedCount: res.DeletedCount,
		DeletedIDs:   res.DeletedIDs,
		Amount:       res.Amount,
	})
}

// --- expenses ---

func (a *API) handleExpensesCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.listExpenses(w, r)
	case http.MethodPost:
		a.createExpense(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleExpenseResource(w http.ResponseWriter, r *http.Request) {
	id, ok := resourceID(r.URL.Path, "/api/expenses/")
	if !ok {
		writeError(w, r, http.StatusNotFound, "NotFound", "resource not found")
		return
	}
	if id == bulkDeleteSegment {
		if r.Method != http.MethodDelete {
			methodNotAllowed(w, r, http.MethodDelete)
			return
		}
		a.bulkDeleteExpenses(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		e, err := a.ledger.GetExpense(r.Context(), id)
		if err != nil {
			handleLedgerError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, e)
	case http.MethodPut:
		a.updateExpense(w, r, id)
	case http.MethodDelete:
		if err := a.ledger.DeleteExpense(r.Context(), id); err != nil {
			handleLedgerError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, messageResponse{Message: "Expense deleted successfully"})
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut, http.MethodDelete)
	}
}

func (a *API) listExpenses(w http.ResponseWriter, r *http.Request) {
	list, err := a.ledger.ListExpenses(r.Context())
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) createExpense(w http.ResponseWriter, r *http.Request) {
	var req expenseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		handleLedgerError(w, r, err)
		return
	}
	in := ledger.ExpenseInput{Description: deref(req.Description), PaidBy: deref(req.PaidBy)}
	if req.Amount != nil {
		in.Amount = *req.Amount
	}
	if req.Date != nil {
		in.Date = *req.Date
	}
	e, err := a.ledger.CreateExpense(r.Context(), in)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/expenses/"+e.ID)
	writeJSON(w, http.StatusCreated, e)
}

func (a *API) updateExpense(w http.ResponseWriter, r *http.Request, id string) {
	var req expenseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		handleLedgerError(w, r, err)
		return
	}
	e, err := a.ledger.UpdateExpense(r.Context(), id, ledger.ExpensePatch{
		Description: req.Description,
		Amount:      req.Amount,
		PaidBy:      req.PaidBy,
		Date:        req.Date,
	})
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (a *API) bulkDeleteExpenses(w http.ResponseWriter, r *http.Request) {
	var req bulkDeleteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		handleLedgerError(w, r, err)
		return
	}
	res, err := a.ledger.BulkDeleteExpenses(r.Context(), req.IDs)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	refunded := res.Amount
	writeJSON(w, http.StatusOK, bulkDeleteResponse{
		Message:        fmt.Sprintf("Successfully deleted %d expense(s)", res.DeletedCount),
		DeletedCount:   res.DeletedCount,
		DeletedIDs:     res.DeletedIDs,
		Amount:         res.Amount,
		RefundedAmount: &refunded,
	})
}

// --- balance ---

func (a *API) handleBalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	b, err := a.ledger.GetBalance(r.Context())
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (a *API) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	rec, err := a.ledger.Reconcile(r.Context())
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "ledger.reconcile", map[string]any{
		"in_sync":       rec.InSync,
		"capital_drift": rec.CapitalDrift.String(),
		"current_drift": rec.CurrentDrift.String(),
	})
	writeJSON(w, http.StatusOK, rec)
}

// --- helpers ---

// resourceID extracts the single path segment after prefix.
func resourceID(path, prefix string) (string, bool) {
	id := strings.TrimSuffix(strings.TrimPrefix(path, prefix), "/")
	if id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// decodeJSON reads exactly one JSON value. Failures wrap ledger.ErrValidation.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: request body is required", ledger.ErrValidation)
		}
		if errors.Is(err, ledger.ErrValidation) {
			return err
		}
		return fmt.Errorf("%w: %v", ledger.ErrValidation, err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: unexpected data after JSON body", ledger.ErrValidation)
	}
	return nil
}

var ledgerStatus = map[string]int{
	"ValidationError":     http.StatusBadRequest,
	"NotFound":            http.StatusNotFound,
	"InsufficientBalance": http.StatusBadRequest,
	"ExpensesExist":       http.StatusBadRequest,
	"BalanceInconsistent": http.StatusBadRequest,
	"ServerState":         http.StatusInternalServerError,
	"Conflict":            http.StatusConflict,
}

func handleLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	code := ledger.Code(err)
	if status, ok := ledgerStatus[code]; ok {
		writeError(w, r, status, code, err.Error())
		return
	}
	obs.Logger().Error("request failed",
		zap.String("request_id", RequestIDFromContext(r.Context())),
		zap.String("path", r.URL.Path),
		zap.Error(err))
	writeError(w, r, http.StatusInternalServerError, code, "internal error")
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeErrorFields(w, r, status, code, msg, nil)
}

// writeErrorFields is writeError with extra top-level body fields.
func writeErrorFields(w http.ResponseWriter, r *http.Request, status int, code, msg string, fields map[string]any) {
	payload := make(map[string]any, len(fields)+3)
	for k, v := range fields {
		payload[k] = v
	}
	payload["message"] = msg
	payload["code"] = code
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, status, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "MethodNotAllowed", "method not allowed")
}
