// Package httpapi exposes the treasury service REST API.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/outpost-labs/treasury-service/internal/app"
	"github.com/outpost-labs/treasury-service/internal/chain"
	"github.com/outpost-labs/treasury-service/internal/engine"
	"github.com/outpost-labs/treasury-service/internal/ledger"
	"github.com/outpost-labs/treasury-service/internal/metrics"
	"github.com/outpost-labs/treasury-service/internal/middleware"
	"github.com/outpost-labs/treasury-service/pkg/logger"
)

const serviceName = "treasury"

// handler bundles HTTP endpoints over the application.
type handler struct {
	app *app.Application
	log *logger.Logger
}

// NewHandler returns the fully-wired HTTP handler: routes, CORS, request
// logging, metrics instrumentation, admin auth and claim rate limiting.
func NewHandler(application *app.Application, log *logger.Logger) http.Handler {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	h := &handler{app: application, log: log}
	cfg := application.Config

	r := mux.NewRouter()
	r.HandleFunc("/", h.health).Methods(http.MethodGet)
	r.HandleFunc("/health", h.health).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/credits/deposit", h.deposit).Methods(http.MethodPost)
	api.HandleFunc("/credits/{user}", h.credits).Methods(http.MethodGet)

	limiter := middleware.NewRateLimiter(cfg.Server.ClaimsPerSecond, cfg.Server.ClaimBurst, log)
	api.Handle("/claim", limiter.Handler(http.HandlerFunc(h.claim))).Methods(http.MethodPost)

	admin := api.PathPrefix("/admin").Subrouter()
	admin.Use(middleware.NewAdminAuth(cfg.JWTSecret).Handler)
	admin.HandleFunc("/transfer", h.adminTransfer).Methods(http.MethodPost)
	admin.HandleFunc("/pending", h.pending).Methods(http.MethodGet)
	admin.HandleFunc("/pending/{tx}/resolve", h.resolvePending).Methods(http.MethodPost)

	cors := middleware.NewCORSMiddleware(cfg.Server.AllowedOrigins)
	logging := middleware.LoggingMiddleware(log)
	return metrics.InstrumentHandler(cors.Handler(logging(r)))
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := contextWithTimeout(r)
	defer cancel()

	treasury := h.app.Engine.TreasuryAddress()
	stats := h.app.Ledger.Snapshot()
	metrics.SetLedgerStats(stats.Users, stats.TotalCredits)

	resp := map[string]any{
		"status":           "online",
		"service":          serviceName,
		"treasuryAddress":  treasury.Hex(),
		"ledgerUsers":      stats.Users,
		"ledgerCredits":    etherString(stats.TotalCredits),
		"pendingAttempts":  len(h.app.Engine.Pending()),
		"openReservations": stats.OpenReservations,
		"timestamp":        time.Now().UTC().Format(time.RFC3339),
	}

	balance, err := h.app.Gateway.BalanceAt(ctx, treasury)
	if err != nil {
		h.log.WithError(err).Warn("health: treasury balance query failed")
		resp["status"] = "degraded"
		resp["error"] = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	resp["treasuryBalance"] = etherString(balance)

	if chainID, err := h.app.Gateway.ChainID(ctx); err == nil {
		resp["chainId"] = chainID.String()
	}
	if block, err := h.app.Gateway.BlockNumber(ctx); err == nil {
		resp["blockNumber"] = block
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) deposit(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		User      string          `json:"user"`
		Amount    decimal.Decimal `json:"amount"`
		SourceTag string          `json:"sourceTag"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if !common.IsHexAddress(payload.User) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid user address %q", payload.User))
		return
	}
	amount, err := weiFromDecimal(payload.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	balance, err := h.app.Ledger.Credit(common.HexToAddress(payload.User), amount)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	metrics.RecordDeposit()

	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"newBalance": etherString(balance),
	})
}

func (h *handler) credits(w http.ResponseWriter, r *http.Request) {
	raw := mux.Vars(r)["user"]
	if !common.IsHexAddress(raw) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid user address %q", raw))
		return
	}

	user := common.HexToAddress(raw)
	balance := h.app.Ledger.Balance(user)

	writeJSON(w, http.StatusOK, map[string]any{
		"user":          user.Hex(),
		"creditsAmount": etherString(balance),
		"canClaim":      balance.Sign() > 0,
	})
}

func (h *handler) claim(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		User      string          `json:"user"`
		Amount    decimal.Decimal `json:"amount"`
		SourceTag string          `json:"sourceTag"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	amount, err := weiFromDecimal(payload.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := h.app.Engine.Disburse(r.Context(), payload.User, amount, payload.SourceTag)
	if err != nil {
		h.writeDisburseError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":          true,
		"txHash":           result.TxHash.Hex(),
		"blockNumber":      result.BlockNumber,
		"gasUsed":          result.GasUsed,
		"amountSent":       etherString(result.Amount),
		"remainingCredits": etherString(result.Remaining),
		"recipient":        result.Destination.Hex(),
		"treasuryAddress":  h.app.Engine.TreasuryAddress().Hex(),
		"explorerUrl":      h.explorerURL(result.TxHash),
		"timestamp":        time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *handler) adminTransfer(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Destination string          `json:"destination"`
		Amount      decimal.Decimal `json:"amount"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	amount, err := weiFromDecimal(payload.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := h.app.Engine.AdminTransfer(r.Context(), payload.Destination, amount)
	if err != nil {
		h.writeDisburseError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"txHash":          result.TxHash.Hex(),
		"blockNumber":     result.BlockNumber,
		"gasUsed":         result.GasUsed,
		"amountSent":      etherString(result.Amount),
		"recipient":       result.Destination.Hex(),
		"treasuryAddress": h.app.Engine.TreasuryAddress().Hex(),
		"explorerUrl":     h.explorerURL(result.TxHash),
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *handler) pending(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"pending": h.app.Engine.Pending(),
	})
}

func (h *handler) resolvePending(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Action string `json:"action"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	hash := common.HexToHash(mux.Vars(r)["tx"])
	attempt, err := h.app.Engine.Resolve(hash, payload.Action)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"attempt": attempt,
	})
}

// writeDisburseError maps engine failures to status codes. Pending and
// reverted outcomes always carry the transaction hash for audit.
func (h *handler) writeDisburseError(w http.ResponseWriter, err error) {
	var pending *engine.PendingError
	if errors.As(err, &pending) {
		writeJSON(w, http.StatusAccepted, map[string]any{
			"success":     false,
			"status":      "confirmation_pending",
			"txHash":      pending.TxHash.Hex(),
			"explorerUrl": h.explorerURL(pending.TxHash),
			"error":       err.Error(),
		})
		return
	}

	var reverted *engine.RevertedError
	if errors.As(err, &reverted) {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success":     false,
			"status":      "reverted",
			"txHash":      reverted.TxHash.Hex(),
			"explorerUrl": h.explorerURL(reverted.TxHash),
			"error":       err.Error(),
		})
		return
	}

	writeError(w, statusForError(err), err)
}

func (h *handler) explorerURL(hash common.Hash) string {
	return h.app.Config.Chain.ExplorerBaseURL + hash.Hex()
}

func statusForError(err error) int {
	var credits *ledger.InsufficientCreditsError
	var treasury *engine.InsufficientTreasuryError
	var broadcast *engine.BroadcastError
	var unavailable *chain.UnavailableError

	switch {
	case errors.Is(err, engine.ErrInvalidAddress),
		errors.Is(err, engine.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.As(err, &credits),
		errors.As(err, &treasury):
		return http.StatusBadRequest
	// Checked before BroadcastError: a broadcast rejected because the node
	// was unreachable is a gateway outage, retryable after backoff.
	case errors.As(err, &unavailable):
		return http.StatusServiceUnavailable
	case errors.As(err, &broadcast):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func contextWithTimeout(r *http.Request) (ctx context.Context, cancel context.CancelFunc) {
	return context.WithTimeout(r.Context(), 10*time.Second)
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "error": err.Error()})
}
