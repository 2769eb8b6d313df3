package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ledgerfill/ledgerfill/pkg/ledger"
	"github.com/ledgerfill/ledgerfill/pkg/reconcile"
)

// TriggerAPI labels operator-initiated runs in metrics.
const TriggerAPI = "api"

// GapFiller is the engine surface exposed over HTTP. *reconcile.Engine satisfies it.
type GapFiller interface {
	FillGapsWithOptions(ctx context.Context, account, token string, upTo uint64, opts reconcile.Options) (int, error)
	CheckCompleteness(ctx context.Context, account string, upTo uint64) (map[string]reconcile.TokenCompleteness, error)
}

// DirtyMarker is implemented by *scheduler.Scheduler.
type DirtyMarker interface {
	MarkDirty(ctx context.Context, account string, since time.Time) error
}

// HealthCheck reports whether one dependency is usable.
type HealthCheck func(ctx context.Context) error

type Controller struct {
	Logger   *zap.Logger
	Engine   GapFiller
	Marker   DirtyMarker
	Accounts ledger.AccountStore
	Checks   map[string]HealthCheck
	Gatherer prometheus.Gatherer
	// FillTimeout bounds a synchronous fill request.
	FillTimeout time.Duration
}

// NewRouter returns the ops API. Authentication is handled by the gateway in front of it.
func (c *Controller) NewRouter() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", c.HandleHealth).Methods(http.MethodGet)
	r.HandleFunc("/readyz", c.HandleReady).Methods(http.MethodGet)
	if c.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(c.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	r.HandleFunc("/v1/accounts/{account}", c.HandleAccountGet).Methods(http.MethodGet)
	r.HandleFunc("/v1/accounts/{account}", c.HandleAccountPut).Methods(http.MethodPut)
	r.HandleFunc("/v1/accounts/{account}/dirty", c.HandleMarkDirty).Methods(http.MethodPost)
	r.HandleFunc("/v1/accounts/{account}/completeness", c.HandleCompleteness).Methods(http.MethodGet)
	r.HandleFunc("/v1/accounts/{account}/tokens/{token}/fill", c.HandleFill).Methods(http.MethodPost)

	return r
}

func (c *Controller) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	c.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleReady runs every dependency check and answers 503 if any fails.
func (c *Controller) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	out := make(map[string]string, len(c.Checks))
	for name, check := range c.Checks {
		if err := check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			out[name] = err.Error()
			continue
		}
		out[name] = "ok"
	}
	c.writeJSON(w, status, out)
}

func (c *Controller) HandleAccountGet(w http.ResponseWriter, r *http.Request) {
	account := mux.Vars(r)["account"]
	a, err := c.Accounts.Account(r.Context(), account)
	if err != nil {
		c.writeEngineError(w, err)
		return
	}
	c.writeJSON(w, http.StatusOK, a)
}

type accountRequest struct {
	Enabled *bool `json:"enabled"`
}

// HandleAccountPut registers an account or toggles its monitoring.
func (c *Controller) HandleAccountPut(w http.ResponseWriter, r *http.Request) {
	account := mux.Vars(r)["account"]
	if err := ledger.ValidateAccountID(account); err != nil {
		c.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req accountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		c.writeError(w, http.StatusBadRequest, `body must be {"enabled": true|false}`)
		return
	}
	if err := c.Accounts.UpsertAccount(r.Context(), account, *req.Enabled); err != nil {
		c.writeEngineError(w, err)
		return
	}
	c.Logger.Info("Monitoring updated", zap.String("account", account), zap.Bool("enabled", *req.Enabled))
	c.HandleAccountGet(w, r)
}

type dirtyRequest struct {
	Since time.Time `json:"since"`
}

// HandleMarkDirty queues priority reconciliation. The optional body {"since": RFC3339} says how
// far back the caller suspects staleness; it defaults to now.
func (c *Controller) HandleMarkDirty(w http.ResponseWriter, r *http.Request) {
	account := mux.Vars(r)["account"]

	var req dirtyRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			c.writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
			return
		}
	}
	since := req.Since
	if since.IsZero() {
		since = time.Now()
	}

	if err := c.Marker.MarkDirty(r.Context(), account, since); err != nil {
		c.writeEngineError(w, err)
		return
	}
	c.writeJSON(w, http.StatusAccepted, map[string]any{
		"account_id": account,
		"since":      ledger.DirtyTimestamp(since),
	})
}

type fillResponse struct {
	AccountID string `json:"account_id"`
	TokenID   string `json:"token_id"`
	UpTo      uint64 `json:"up_to,omitempty"`
	Records   int    `json:"records"`
	Error     string `json:"error,omitempty"`
}

// HandleFill runs fill_gaps synchronously. ?up_to= bounds the target block (default head).
func (c *Controller) HandleFill(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	upTo, ok := c.parseUpTo(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	if c.FillTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.FillTimeout)
		defer cancel()
	}

	n, err := c.Engine.FillGapsWithOptions(ctx, vars["account"], vars["token"], upTo, reconcile.Options{Trigger: TriggerAPI})
	resp := fillResponse{AccountID: vars["account"], TokenID: vars["token"], UpTo: upTo, Records: n}
	if err != nil {
		if n == 0 {
			c.writeEngineError(w, err)
			return
		}
		// some records were written before a phase failed
		resp.Error = err.Error()
		c.writeJSON(w, http.StatusMultiStatus, resp)
		return
	}
	c.writeJSON(w, http.StatusOK, resp)
}

// HandleCompleteness reports per token whether the history is gap-free and reaches the
// account's first balance. It never writes.
func (c *Controller) HandleCompleteness(w http.ResponseWriter, r *http.Request) {
	upTo, ok := c.parseUpTo(w, r)
	if !ok {
		return
	}
	report, err := c.Engine.CheckCompleteness(r.Context(), mux.Vars(r)["account"], upTo)
	if err != nil {
		c.writeEngineError(w, err)
		return
	}
	c.writeJSON(w, http.StatusOK, report)
}

func (c *Controller) parseUpTo(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	raw := r.URL.Query().Get("up_to")
	if raw == "" {
		return 0, true
	}
	upTo, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		c.writeError(w, http.StatusBadRequest, "up_to must be a block height")
		return 0, false
	}
	return upTo, true
}

// writeEngineError maps domain errors to status codes.
func (c *Controller) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrInvalidAccount), errors.Is(err, ledger.ErrUnsupportedToken):
		c.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrAccountNotFound):
		c.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		c.writeError(w, http.StatusGatewayTimeout, err.Error())
	case errors.Is(err, ledger.ErrStore):
		c.Logger.Error("Ledger store failure", zap.Error(err))
		c.writeError(w, http.StatusServiceUnavailable, "ledger store unavailable")
	default:
		c.Logger.Error("Request failed", zap.Error(err))
		c.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// writeJSON writes a JSON response
func (c *Controller) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response
func (c *Controller) writeError(w http.ResponseWriter, statusCode int, message string) {
	c.writeJSON(w, statusCode, map[string]string{"error": message})
}
