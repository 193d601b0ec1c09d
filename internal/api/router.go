// This is the CONTROLLER, the handler of HTTP requests
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"dead-mans-switch/internal/core"
	"dead-mans-switch/internal/crypto"
	"dead-mans-switch/internal/deadman"
	"dead-mans-switch/internal/ledger"
)

// What the backend can do. deadman.Service implements it.
type SwitchService interface {
	CreateSwitch(ctx context.Context, trustor, beneficiary core.Identity, delay core.Tick) (core.Contract, error)
	Ping(ctx context.Context, trustor core.Identity) (core.Contract, error)
	Revoke(ctx context.Context, caller, trustor core.Identity) error
	UpdateBeneficiary(ctx context.Context, trustor, beneficiary core.Identity) (core.Contract, error)
	UpdateDelay(ctx context.Context, trustor core.Identity, delay core.Tick) (core.Contract, error)
	ActAs(ctx context.Context, caller, trustor core.Identity, call ledger.Call) error
	Status(ctx context.Context, trustor core.Identity) (deadman.SwitchStatus, error)
	TrustorsFor(ctx context.Context, beneficiary core.Identity) ([]core.Identity, error)
	Policy() core.GlobalPolicy
	CurrentTick() core.Tick
}

// BalanceReader exposes balances of the reference ledger.
type BalanceReader interface {
	Balance(who core.Identity) ledger.Balance
}

type Options struct {
	// MaxSkew bounds the age of a signed request, five minutes if zero.
	MaxSkew time.Duration
	// Per identity requests per second, zero disables limiting.
	RateLimit float64
	RateBurst int
	// ReplayCacheSize bounds the signatures remembered for replay
	// detection, 65536 if zero.
	ReplayCacheSize int

	Logger *slog.Logger
	Meter  metric.Meter
	// Now overrides the wall clock used for timestamp checks.
	Now func() time.Time
}

type Handler struct {
	service  SwitchService
	balances BalanceReader
	verifier crypto.Verifier

	maxSkew  time.Duration
	now      func() time.Time
	limiter  *rateLimiter
	replays  *replayCache
	logger   *slog.Logger
	requests metric.Int64Counter
}

func NewHandler(s SwitchService, b BalanceReader, v crypto.Verifier, opts Options) (*Handler, error) {
	h := &Handler{
		service:  s,
		balances: b,
		verifier: v,
		maxSkew:  opts.MaxSkew,
		now:      opts.Now,
		logger:   opts.Logger,
	}
	if h.maxSkew <= 0 {
		h.maxSkew = 5 * time.Minute
	}
	if h.now == nil {
		h.now = time.Now
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	h.logger = h.logger.With("component", "api")

	replaySize := opts.ReplayCacheSize
	if replaySize <= 0 {
		replaySize = 1 << 16
	}
	h.replays = newReplayCache(replaySize, 2*h.maxSkew)

	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst < 1 {
			burst = 1
		}
		l, err := newRateLimiter(opts.RateLimit, burst)
		if err != nil {
			return nil, err
		}
		h.limiter = l
	}

	meter := opts.Meter
	if meter == nil {
		meter = otel.Meter("dead-mans-switch/api")
	}
	requests, err := meter.Int64Counter("dms.http.requests",
		metric.WithDescription("HTTP requests by route and status"))
	if err != nil {
		return nil, fmt.Errorf("requests counter: %w", err)
	}
	h.requests = requests
	return h, nil
}

// Routes registers the endpoints. Mutating endpoints require a signed
// request, reads are open.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(withRequestID)
	r.Use(h.observe)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(open chi.Router) {
		open.Use(h.limit)
		open.Get("/switches/{trustor}", h.handleStatus)
		open.Get("/beneficiaries/{beneficiary}/trustors", h.handleTrustors)
		open.Get("/balances/{account}", h.handleBalance)
		open.Get("/chain", h.handleChain)
	})

	r.Group(func(signed chi.Router) {
		signed.Use(h.authenticate)
		signed.Use(h.limit)
		signed.Post("/switches", h.handleCreate)
		signed.Post("/switches/ping", h.handlePing)
		signed.Put("/switches/beneficiary", h.handleUpdateBeneficiary)
		signed.Put("/switches/delay", h.handleUpdateDelay)
		signed.Delete("/switches/{trustor}", h.handleRevoke)
		signed.Post("/relay", h.handleRelay)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "no such route")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	})
	return r
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateSwitchRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !validIdentity(w, r, "beneficiary", req.Beneficiary) {
		return
	}

	caller := Caller(r.Context())
	c, err := h.service.CreateSwitch(r.Context(), caller, req.Beneficiary, req.Delay)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ContractResponse{RequestID: RequestID(r.Context()), Trustor: caller, Contract: c})
}

func (h *Handler) handlePing(w http.ResponseWriter, r *http.Request) {
	caller := Caller(r.Context())
	c, err := h.service.Ping(r.Context(), caller)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ContractResponse{RequestID: RequestID(r.Context()), Trustor: caller, Contract: c})
}

func (h *Handler) handleUpdateBeneficiary(w http.ResponseWriter, r *http.Request) {
	var req UpdateBeneficiaryRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !validIdentity(w, r, "beneficiary", req.Beneficiary) {
		return
	}

	caller := Caller(r.Context())
	c, err := h.service.UpdateBeneficiary(r.Context(), caller, req.Beneficiary)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ContractResponse{RequestID: RequestID(r.Context()), Trustor: caller, Contract: c})
}

func (h *Handler) handleUpdateDelay(w http.ResponseWriter, r *http.Request) {
	var req UpdateDelayRequest
	if !h.decode(w, r, &req) {
		return
	}

	caller := Caller(r.Context())
	c, err := h.service.UpdateDelay(r.Context(), caller, req.Delay)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ContractResponse{RequestID: RequestID(r.Context()), Trustor: caller, Contract: c})
}

func (h *Handler) handleRevoke(w http.ResponseWriter, r *http.Request) {
	trustor := core.Identity(chi.URLParam(r, "trustor"))
	if !validIdentity(w, r, "trustor", trustor) {
		return
	}
	if err := h.service.Revoke(r.Context(), Caller(r.Context()), trustor); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RevokeResponse{RequestID: RequestID(r.Context()), Trustor: trustor, Revoked: true})
}

func (h *Handler) handleRelay(w http.ResponseWriter, r *http.Request) {
	var req RelayRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !validIdentity(w, r, "trustor", req.Trustor) {
		return
	}

	call, err := ledger.DecodeCall(req.Call.Module, req.Call.Method, req.Call.Args)
	if err != nil {
		if errors.Is(err, ledger.ErrUnknownCall) {
			writeError(w, r, http.StatusBadRequest, "UNKNOWN_CALL", err.Error())
			return
		}
		writeError(w, r, http.StatusBadRequest, "BAD_CALL_ARGS", err.Error())
		return
	}
	if t, ok := call.(ledger.Transfer); ok && !validIdentity(w, r, "dest", t.Dest) {
		return
	}

	if err := h.service.ActAs(r.Context(), Caller(r.Context()), req.Trustor, call); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RelayResponse{
		RequestID: RequestID(r.Context()),
		Trustor:   req.Trustor,
		Call:      call.Module() + "." + call.Method(),
		Tick:      h.service.CurrentTick(),
	})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	trustor := core.Identity(chi.URLParam(r, "trustor"))
	if !validIdentity(w, r, "trustor", trustor) {
		return
	}
	st, err := h.service.Status(r.Context(), trustor)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{RequestID: RequestID(r.Context()), SwitchStatus: st})
}

func (h *Handler) handleTrustors(w http.ResponseWriter, r *http.Request) {
	beneficiary := core.Identity(chi.URLParam(r, "beneficiary"))
	if !validIdentity(w, r, "beneficiary", beneficiary) {
		return
	}
	trustors, err := h.service.TrustorsFor(r.Context(), beneficiary)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, TrustorsResponse{
		RequestID:   RequestID(r.Context()),
		Beneficiary: beneficiary,
		Trustors:    trustors,
	})
}

func (h *Handler) handleBalance(w http.ResponseWriter, r *http.Request) {
	account := core.Identity(chi.URLParam(r, "account"))
	if !validIdentity(w, r, "account", account) {
		return
	}
	if h.balances == nil {
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "balances are not exposed by this ledger")
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{
		RequestID: RequestID(r.Context()),
		Account:   account,
		Balance:   h.balances.Balance(account),
	})
}

func (h *Handler) handleChain(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ChainResponse{
		RequestID: RequestID(r.Context()),
		Tick:      h.service.CurrentTick(),
		Policy:    h.service.Policy(),
	})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := readJSON(w, r, dst); err != nil {
		if isBodyTooLarge(err) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", err.Error())
			return false
		}
		writeError(w, r, http.StatusBadRequest, "BAD_JSON", err.Error())
		return false
	}
	return true
}

func validIdentity(w http.ResponseWriter, r *http.Request, field string, id core.Identity) bool {
	if _, err := crypto.ParseIdentity(id); err != nil {
		writeError(w, r, http.StatusBadRequest, "BAD_IDENTITY", field+": "+err.Error())
		return false
	}
	return true
}
