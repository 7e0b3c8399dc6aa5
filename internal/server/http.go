package server

import (
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"SynthVault/internal/engine"
	"SynthVault/internal/observability"
	"SynthVault/internal/oracle"
	"SynthVault/internal/query"
)

// Server is the HTTP/JSON API over the vault. Write handlers serialize
// through a mutex so the engine sees one operation at a time; reads go
// straight through.
type Server struct {
	engine  *engine.Engine
	queries *query.Service
	health  *observability.HealthChecker
	metrics *observability.Metrics
	log     zerolog.Logger

	faucet  map[string]Minter
	writeMu sync.Mutex
}

// Minter issues balance on an in-process asset ledger. Dev-faucet
// surface only.
type Minter interface {
	Mint(to uuid.UUID, amount *big.Int) error
}

func New(
	eng *engine.Engine,
	queries *query.Service,
	health *observability.HealthChecker,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *Server {
	return &Server{
		engine:  eng,
		queries: queries,
		health:  health,
		metrics: metrics,
		log:     log,
	}
}

// EnableFaucet registers a development-only endpoint that credits
// external asset balance, so deposits have something to pull from
// when the in-process ledgers start empty. Call before Router.
func (s *Server) EnableFaucet(assets map[string]Minter) {
	s.faucet = assets
}

// Router builds the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)

	r.Get("/healthz", s.health.LivenessHandler)
	r.Get("/readyz", s.health.ReadinessHandler)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/deposit", s.handleDeposit)
		r.Post("/redeem", s.handleRedeem)
		r.Post("/mint", s.handleMint)
		r.Post("/burn", s.handleBurn)
		r.Post("/deposit-and-mint", s.handleDepositAndMint)
		r.Post("/redeem-for-debt", s.handleRedeemForDebt)
		r.Post("/liquidate", s.handleLiquidate)

		if s.faucet != nil {
			r.Post("/faucet", s.handleFaucet)
		}

		r.Get("/assets", s.handleAssets)
		r.Get("/accounts/{user}", s.handleAccount)
		r.Get("/accounts/{user}/health", s.handleHealthFactor)
		r.Get("/accounts/{user}/collateral/{asset}", s.handleCollateralBalance)
		r.Get("/accounts/{user}/history", s.handleHistory)
		r.Get("/liquidations", s.handleLiquidations)
	})

	return r
}

// --- write handlers ---

type transferRequest struct {
	User   string `json:"user"`
	Asset  string `json:"asset,omitempty"`
	Amount string `json:"amount"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	user, amount, ok := s.decodeTransfer(w, r, &req)
	if !ok {
		return
	}

	s.writeMu.Lock()
	err := s.engine.DepositCollateral(user, req.Asset, amount)
	s.writeMu.Unlock()

	s.writeResult(w, r, err, user)
}

func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	user, amount, ok := s.decodeTransfer(w, r, &req)
	if !ok {
		return
	}

	s.writeMu.Lock()
	err := s.engine.RedeemCollateral(user, req.Asset, amount)
	s.writeMu.Unlock()

	s.writeResult(w, r, err, user)
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	user, amount, ok := s.decodeTransfer(w, r, &req)
	if !ok {
		return
	}

	s.writeMu.Lock()
	err := s.engine.MintDebt(user, amount)
	s.writeMu.Unlock()

	s.writeResult(w, r, err, user)
}

func (s *Server) handleBurn(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	user, amount, ok := s.decodeTransfer(w, r, &req)
	if !ok {
		return
	}

	s.writeMu.Lock()
	err := s.engine.BurnDebt(user, amount)
	s.writeMu.Unlock()

	s.writeResult(w, r, err, user)
}

type compositeRequest struct {
	User             string `json:"user"`
	Asset            string `json:"asset"`
	CollateralAmount string `json:"collateral_amount"`
	DebtAmount       string `json:"debt_amount"`
}

func (s *Server) handleDepositAndMint(w http.ResponseWriter, r *http.Request) {
	user, asset, collateral, debt, ok := s.decodeComposite(w, r)
	if !ok {
		return
	}

	s.writeMu.Lock()
	err := s.engine.DepositAndMint(user, asset, collateral, debt)
	s.writeMu.Unlock()

	s.writeResult(w, r, err, user)
}

func (s *Server) handleRedeemForDebt(w http.ResponseWriter, r *http.Request) {
	user, asset, collateral, debt, ok := s.decodeComposite(w, r)
	if !ok {
		return
	}

	s.writeMu.Lock()
	err := s.engine.RedeemForDebt(user, asset, collateral, debt)
	s.writeMu.Unlock()

	s.writeResult(w, r, err, user)
}

type liquidateRequest struct {
	Liquidator  string `json:"liquidator"`
	Debtor      string `json:"debtor"`
	Asset       string `json:"asset"`
	DebtToCover string `json:"debt_to_cover"`
}

func (s *Server) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	var req liquidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	liquidator, err := uuid.Parse(req.Liquidator)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid liquidator id")
		return
	}
	debtor, err := uuid.Parse(req.Debtor)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid debtor id")
		return
	}
	amount, err := parseAmount(req.DebtToCover)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.writeMu.Lock()
	opErr := s.engine.Liquidate(liquidator, debtor, req.Asset, amount)
	s.writeMu.Unlock()

	s.writeResult(w, r, opErr, debtor)
}

func (s *Server) handleFaucet(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	user, amount, ok := s.decodeTransfer(w, r, &req)
	if !ok {
		return
	}

	minter, ok := s.faucet[req.Asset]
	if !ok {
		s.writeError(w, http.StatusNotFound, "asset not in faucet registry")
		return
	}
	if err := minter.Mint(user, amount); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.log.Info().
		Str("user", user.String()).
		Str("asset", req.Asset).
		Str("amount", amount.String()).
		Msg("faucet credit")
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- read handlers ---

func (s *Server) handleAssets(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"assets": s.engine.Assets()})
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	user, ok := s.userParam(w, r)
	if !ok {
		return
	}

	view, err := s.engine.Account(user)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"user":             view.User.String(),
		"debt_minted":      view.DebtMinted.String(),
		"collateral_value": view.CollateralValue.String(),
		"health_factor":    view.HealthFactor.String(),
	})
}

func (s *Server) handleHealthFactor(w http.ResponseWriter, r *http.Request) {
	user, ok := s.userParam(w, r)
	if !ok {
		return
	}

	ratio, err := s.engine.HealthFactor(user)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"user":          user.String(),
		"health_factor": ratio.String(),
	})
}

func (s *Server) handleCollateralBalance(w http.ResponseWriter, r *http.Request) {
	user, ok := s.userParam(w, r)
	if !ok {
		return
	}
	asset := chi.URLParam(r, "asset")

	balance, err := s.engine.CollateralBalance(user, asset)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"user":    user.String(),
		"asset":   asset,
		"balance": balance.String(),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	user, ok := s.userParam(w, r)
	if !ok {
		return
	}
	limit, before := paginationParams(r)

	records, err := s.queries.UserHistory(r.Context(), user, limit, before)
	if err != nil {
		s.log.Error().Err(err).Msg("history query failed")
		s.writeError(w, http.StatusInternalServerError, "query failed")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"events": records})
}

func (s *Server) handleLiquidations(w http.ResponseWriter, r *http.Request) {
	limit, before := paginationParams(r)

	var debtor *uuid.UUID
	if d := r.URL.Query().Get("debtor"); d != "" {
		id, err := uuid.Parse(d)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid debtor id")
			return
		}
		debtor = &id
	}

	records, err := s.queries.Liquidations(r.Context(), debtor, limit, before)
	if err != nil {
		s.log.Error().Err(err).Msg("liquidation query failed")
		s.writeError(w, http.StatusInternalServerError, "query failed")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"events": records})
}

// --- helpers ---

func (s *Server) decodeTransfer(w http.ResponseWriter, r *http.Request, req *transferRequest) (uuid.UUID, *big.Int, bool) {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return uuid.Nil, nil, false
	}
	user, err := uuid.Parse(req.User)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid user id")
		return uuid.Nil, nil, false
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return uuid.Nil, nil, false
	}
	return user, amount, true
}

func (s *Server) decodeComposite(w http.ResponseWriter, r *http.Request) (uuid.UUID, string, *big.Int, *big.Int, bool) {
	var req compositeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return uuid.Nil, "", nil, nil, false
	}
	user, err := uuid.Parse(req.User)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid user id")
		return uuid.Nil, "", nil, nil, false
	}
	collateral, err := parseAmount(req.CollateralAmount)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "collateral_amount: "+err.Error())
		return uuid.Nil, "", nil, nil, false
	}
	debt, err := parseAmount(req.DebtAmount)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "debt_amount: "+err.Error())
		return uuid.Nil, "", nil, nil, false
	}
	return user, req.Asset, collateral, debt, true
}

func (s *Server) userParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	user, err := uuid.Parse(chi.URLParam(r, "user"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid user id")
		return uuid.Nil, false
	}
	return user, true
}

func parseAmount(s string) (*big.Int, error) {
	if s == "" {
		return nil, errors.New("amount is required")
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, errors.New("amount must be a base-10 integer")
	}
	if v.Sign() <= 0 {
		return nil, errors.New("amount must be positive")
	}
	return v, nil
}

func paginationParams(r *http.Request) (int, *int64) {
	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil {
			limit = parsed
		}
	}
	var before *int64
	if b := r.URL.Query().Get("before"); b != "" {
		if parsed, err := strconv.ParseInt(b, 10, 64); err == nil {
			before = &parsed
		}
	}
	return limit, before
}

func (s *Server) writeResult(w http.ResponseWriter, r *http.Request, err error, user uuid.UUID) {
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	// Echo the account's new position so callers need no follow-up read.
	view, verr := s.engine.Account(user)
	if verr != nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"user":             view.User.String(),
		"debt_minted":      view.DebtMinted.String(),
		"collateral_value": view.CollateralValue.String(),
		"health_factor":    view.HealthFactor.String(),
	})
}

// writeEngineError maps engine and oracle failures to HTTP statuses.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	var hf *engine.HealthFactorError
	var notImproved *engine.NotImprovedError
	var stale *oracle.StalePriceError

	switch {
	case errors.Is(err, engine.ErrInvalidAmount),
		errors.Is(err, engine.ErrBurnExceedsDebt):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrUnsupportedAsset):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &hf),
		errors.As(err, &notImproved),
		errors.Is(err, engine.ErrHealthFactorOk),
		errors.Is(err, engine.ErrTransferFailed),
		errors.Is(err, engine.ErrMintFailed):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &stale),
		errors.Is(err, oracle.ErrUnknownAsset),
		errors.Is(err, oracle.ErrNoObservation):
		s.writeError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, engine.ErrReentrantCall):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.log.Error().Err(err).Msg("unclassified engine error")
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// instrument records per-route request counts and latency.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		s.metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(ww.Status())).Inc()
		s.metrics.HTTPDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}
