package httpapi

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"tally.org/internal/events"
	"tally.org/internal/ledger"
	"tally.org/internal/obs"
)

const serviceName = "tally-api"

//go:embed openapi.yaml
var openAPISpec []byte

// Check reports whether a dependency is reachable.
type Check func(ctx context.Context) error

// ReadyProbe runs named dependency checks; the first failure makes the service not ready.
type ReadyProbe struct {
	Checks map[string]Check
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	names := make([]string, 0, len(rp.Checks))
	for name := range rp.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := rp.Checks[name](ctx); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// API is the HTTP layer over the ledger service.
type API struct {
	mux        *http.ServeMux
	readyProbe readinessChecker
	version    string
	ledger     *ledger.Service
	stream     *events.Stream

	rateBurst   int
	ratePerSec  float64
	corsOrigins []string
	allowLocal  bool
	heartbeat   time.Duration
}

// Option configures the API.
type Option func(*API)

// WithRateLimit sets the per-client token bucket. A burst of zero disables limiting.
func WithRateLimit(burst int, perSec float64) Option {
	return func(a *API) {
		a.rateBurst = burst
		a.ratePerSec = perSec
	}
}

// WithCORS sets the allowed browser origins. allowLocal also admits localhost origins.
func WithCORS(origins []string, allowLocal bool) Option {
	return func(a *API) {
		a.corsOrigins = origins
		a.allowLocal = allowLocal
	}
}

// WithStream enables the /api/events Server-Sent Events feed.
func WithStream(s *events.Stream) Option {
	return func(a *API) { a.stream = s }
}

// WithHeartbeat sets the keep-alive interval of the event feed.
func WithHeartbeat(d time.Duration) Option {
	return func(a *API) {
		if d > 0 {
			a.heartbeat = d
		}
	}
}

func New(rp readinessChecker, version string, svc *ledger.Service, opts ...Option) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		version:    version,
		ledger:     svc,
		rateBurst:  100,
		ratePerSec: 50,
		allowLocal: true,
		heartbeat:  25 * time.Second,
	}
	for _, opt := range opts {
		opt(a)
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.HandleFunc("/openapi.yaml", a.OpenAPISpec)
	a.mux.Handle("/metrics", obs.Handler())

	// ledgers
	a.mux.HandleFunc("/api/deposits", a.handleDepositsCollection)
	a.mux.HandleFunc("/api/deposits/", a.handleDepositResource)
	a.mux.HandleFunc("/api/expenses", a.handleExpensesCollection)
	a.mux.HandleFunc("/api/expenses/", a.handleExpenseResource)
	a.mux.HandleFunc("/api/balance", a.handleBalance)
	a.mux.HandleFunc("/api/balance/reconcile", a.handleReconcile)
	a.mux.HandleFunc("/api/events", a.Events)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "NotFound", "resource not found")
	})

	return a
}

// Handler returns the mux wrapped in the middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = MaxBodyBytes(h, 1<<20)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h, a.corsOrigins, a.allowLocal)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"version": a.version,
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) OpenAPISpec(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(openAPISpec)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
