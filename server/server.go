// Package server exposes the avgxd HTTP API: index reads, quotes, swap
// execution, and the bearer-authenticated admin surface.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/parkeqpapa/avgx-backend-v3/amm"
	"github.com/parkeqpapa/avgx-backend-v3/auth"
	"github.com/parkeqpapa/avgx-backend-v3/fixedmath"
	"github.com/parkeqpapa/avgx-backend-v3/guard"
	"github.com/parkeqpapa/avgx-backend-v3/index"
	"github.com/parkeqpapa/avgx-backend-v3/oracle"
	"github.com/parkeqpapa/avgx-backend-v3/storage"
	"github.com/parkeqpapa/avgx-backend-v3/token"
	"github.com/parkeqpapa/avgx-backend-v3/vault"
)

// Config defines HTTP server parameters.
type Config struct {
	ListenAddress string
}

// Server hosts the public and admin endpoints for avgxd.
type Server struct {
	cfg        Config
	calculator *index.Calculator
	engine     *amm.Engine
	router     *oracle.Router
	pause      *guard.Switch
	vault      *vault.Vault
	token      *token.Token
	store      *storage.Storage
	logger     *slog.Logger
	adminAuth  *Authenticator
}

// New constructs the HTTP server. The storage handle is optional; without it
// the audit listing endpoint reports an empty history.
func New(cfg Config, calculator *index.Calculator, engine *amm.Engine, router *oracle.Router, pause *guard.Switch, tokenLedger *token.Token, liquidity *vault.Vault, store *storage.Storage, adminAuth *Authenticator, logger *slog.Logger) (*Server, error) {
	if calculator == nil || engine == nil || router == nil || pause == nil {
		return nil, fmt.Errorf("core components required")
	}
	if adminAuth == nil {
		return nil, fmt.Errorf("admin authenticator required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:        cfg,
		calculator: calculator,
		engine:     engine,
		router:     router,
		pause:      pause,
		token:      tokenLedger,
		vault:      liquidity,
		store:      store,
		logger:     logger,
		adminAuth:  adminAuth,
	}, nil
}

// Handler assembles the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /healthz", otelhttp.NewHandler(http.HandlerFunc(s.handleHealth), "avgxd.health"))
	mux.Handle("GET /v1/index", otelhttp.NewHandler(http.HandlerFunc(s.handleIndex), "avgxd.index"))
	mux.Handle("GET /v1/baskets", otelhttp.NewHandler(http.HandlerFunc(s.handleBaskets), "avgxd.baskets"))
	mux.Handle("POST /v1/quote/mint", otelhttp.NewHandler(http.HandlerFunc(s.handleQuoteMint), "avgxd.quote.mint"))
	mux.Handle("POST /v1/quote/redeem", otelhttp.NewHandler(http.HandlerFunc(s.handleQuoteRedeem), "avgxd.quote.redeem"))
	mux.Handle("POST /v1/mint", otelhttp.NewHandler(http.HandlerFunc(s.handleMint), "avgxd.mint"))
	mux.Handle("POST /v1/redeem", otelhttp.NewHandler(http.HandlerFunc(s.handleRedeem), "avgxd.redeem"))
	mux.Handle("GET /v1/swaps", otelhttp.NewHandler(http.HandlerFunc(s.handleSwaps), "avgxd.swaps"))
	mux.Handle("PUT /admin/feeds/{asset}", otelhttp.NewHandler(s.requireAdmin(http.HandlerFunc(s.handlePutFeed)), "avgxd.admin.feed"))
	mux.Handle("PUT /admin/max-age", otelhttp.NewHandler(s.requireAdmin(http.HandlerFunc(s.handlePutMaxAge)), "avgxd.admin.maxage"))
	mux.Handle("PUT /admin/params", otelhttp.NewHandler(s.requireAdmin(http.HandlerFunc(s.handlePutParams)), "avgxd.admin.params"))
	mux.Handle("POST /admin/components", otelhttp.NewHandler(s.requireAdmin(http.HandlerFunc(s.handleAddComponent)), "avgxd.admin.component.add"))
	mux.Handle("PUT /admin/components/weight", otelhttp.NewHandler(s.requireAdmin(http.HandlerFunc(s.handleUpdateWeight)), "avgxd.admin.component.weight"))
	mux.Handle("DELETE /admin/components/{basket}/{asset}", otelhttp.NewHandler(s.requireAdmin(http.HandlerFunc(s.handleRemoveComponent)), "avgxd.admin.component.remove"))
	mux.Handle("POST /admin/pause", otelhttp.NewHandler(s.requireAdmin(http.HandlerFunc(s.handlePause)), "avgxd.admin.pause"))
	mux.Handle("POST /admin/unpause", otelhttp.NewHandler(s.requireAdmin(http.HandlerFunc(s.handleUnpause)), "avgxd.admin.unpause"))
	mux.Handle("POST /admin/vault/credit", otelhttp.NewHandler(s.requireAdmin(http.HandlerFunc(s.handleVaultCredit)), "avgxd.admin.vault.credit"))
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// Run starts the HTTP server and blocks until context cancellation.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("server not configured")
	}
	srv := &http.Server{Addr: s.cfg.ListenAddress, Handler: s.Handler()}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("http server listening", "address", s.cfg.ListenAddress)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen and serve: %w", err)
	}
	return nil
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	if s.adminAuth == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "authentication unavailable", http.StatusInternalServerError)
		})
	}
	return s.adminAuth.Middleware(next)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.calculator.ComputeSnapshot(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"value":       fixedmath.ToDecimal(snapshot.Value),
		"fiat_avg":    fixedmath.ToDecimal(snapshot.FiatAvg),
		"crypto_avg":  fixedmath.ToDecimal(snapshot.CryptoAvg),
		"computed_at": snapshot.ComputedAt.UTC().Format(time.RFC3339),
	})
}

type componentView struct {
	Asset          string `json:"asset"`
	WeightBps      uint64 `json:"weight_bps"`
	SourceDecimals uint8  `json:"source_decimals"`
}

func (s *Server) handleBaskets(w http.ResponseWriter, _ *http.Request) {
	out := make(map[string]any, 2)
	for _, basket := range []index.Basket{index.BasketFiat, index.BasketCrypto} {
		components, err := s.calculator.Components(basket)
		if err != nil {
			s.writeError(w, err)
			return
		}
		total, err := s.calculator.WeightTotal(basket)
		if err != nil {
			s.writeError(w, err)
			return
		}
		views := make([]componentView, 0, len(components))
		for _, component := range components {
			views = append(views, componentView{
				Asset:          component.AssetID,
				WeightBps:      component.WeightBps,
				SourceDecimals: component.SourceDecimals,
			})
		}
		out[string(basket)] = map[string]any{
			"components":       views,
			"weight_total_bps": total,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleQuoteMint(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BaseIn string `json:"base_in"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	baseIn, err := fixedmath.FromDecimal(req.BaseIn)
	if err != nil {
		http.Error(w, "invalid base_in", http.StatusBadRequest)
		return
	}
	quote, err := s.engine.QuoteMint(r.Context(), baseIn)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mintQuoteView(quote))
}

func (s *Server) handleQuoteRedeem(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AvgxIn string `json:"avgx_in"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	avgxIn, err := fixedmath.FromDecimal(req.AvgxIn)
	if err != nil {
		http.Error(w, "invalid avgx_in", http.StatusBadRequest)
		return
	}
	quote, err := s.engine.QuoteRedeem(r.Context(), avgxIn)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, redeemQuoteView(quote))
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller     string `json:"caller"`
		BaseIn     string `json:"base_in"`
		MinAvgxOut string `json:"min_avgx_out"`
		To         string `json:"to"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	caller, ok := parseAddress(req.Caller)
	if !ok {
		http.Error(w, "invalid caller", http.StatusBadRequest)
		return
	}
	to, ok := parseAddress(req.To)
	if !ok {
		http.Error(w, "invalid recipient", http.StatusBadRequest)
		return
	}
	baseIn, err := fixedmath.FromDecimal(req.BaseIn)
	if err != nil {
		http.Error(w, "invalid base_in", http.StatusBadRequest)
		return
	}
	minOut, err := optionalAmount(req.MinAvgxOut)
	if err != nil {
		http.Error(w, "invalid min_avgx_out", http.StatusBadRequest)
		return
	}
	quote, err := s.engine.MintWithBase(r.Context(), caller, baseIn, minOut, to)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mintQuoteView(quote))
}

func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller     string `json:"caller"`
		AvgxIn     string `json:"avgx_in"`
		MinBaseOut string `json:"min_base_out"`
		To         string `json:"to"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	caller, ok := parseAddress(req.Caller)
	if !ok {
		http.Error(w, "invalid caller", http.StatusBadRequest)
		return
	}
	to, ok := parseAddress(req.To)
	if !ok {
		http.Error(w, "invalid recipient", http.StatusBadRequest)
		return
	}
	avgxIn, err := fixedmath.FromDecimal(req.AvgxIn)
	if err != nil {
		http.Error(w, "invalid avgx_in", http.StatusBadRequest)
		return
	}
	minOut, err := optionalAmount(req.MinBaseOut)
	if err != nil {
		http.Error(w, "invalid min_base_out", http.StatusBadRequest)
		return
	}
	quote, err := s.engine.RedeemForBase(r.Context(), caller, avgxIn, minOut, to)
	if err != nil {
		s.writeError(w, err)
		return
	}
	view := redeemQuoteView(quote)
	payout := new(uint256.Int).Sub(quote.BaseOut, quote.Fee)
	view["payout"] = fixedmath.ToDecimal(payout)
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleSwaps(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusOK, map[string]any{"swaps": []any{}})
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = parsed
	}
	records, err := s.store.RecentSwaps(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	views := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		views = append(views, map[string]any{
			"operation":   rec.Operation,
			"account":     rec.Account.Hex(),
			"recipient":   rec.Recipient.Hex(),
			"amount_in":   fixedmath.ToDecimal(rec.AmountIn),
			"amount_out":  fixedmath.ToDecimal(rec.AmountOut),
			"fee":         fixedmath.ToDecimal(rec.Fee),
			"index_price": fixedmath.ToDecimal(rec.IndexPrice),
			"created_at":  rec.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"swaps": views})
}

func (s *Server) handlePutFeed(w http.ResponseWriter, r *http.Request) {
	asset := r.PathValue("asset")
	var req struct {
		Caller         string `json:"caller"`
		Source         string `json:"source"`
		Invert         bool   `json:"invert"`
		SourceDecimals uint8  `json:"source_decimals"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	caller, ok := parseAddress(req.Caller)
	if !ok {
		http.Error(w, "invalid caller", http.StatusBadRequest)
		return
	}
	if err := s.router.SetFeed(caller, asset, req.Source, req.Invert, req.SourceDecimals); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePutMaxAge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller        string `json:"caller"`
		MaxAgeSeconds int64  `json:"max_age_seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	caller, ok := parseAddress(req.Caller)
	if !ok {
		http.Error(w, "invalid caller", http.StatusBadRequest)
		return
	}
	if err := s.router.SetMaxAge(caller, time.Duration(req.MaxAgeSeconds)*time.Second); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePutParams(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller       string `json:"caller"`
		FeeBps       uint64 `json:"fee_bps"`
		SpreadBps    uint64 `json:"spread_bps"`
		FeeRecipient string `json:"fee_recipient"`
		Treasury     string `json:"treasury"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	caller, ok := parseAddress(req.Caller)
	if !ok {
		http.Error(w, "invalid caller", http.StatusBadRequest)
		return
	}
	recipient, ok := parseAddress(req.FeeRecipient)
	if !ok {
		http.Error(w, "invalid fee_recipient", http.StatusBadRequest)
		return
	}
	treasury, ok := parseAddress(req.Treasury)
	if !ok {
		http.Error(w, "invalid treasury", http.StatusBadRequest)
		return
	}
	params := amm.Params{
		FeeBps:       req.FeeBps,
		SpreadBps:    req.SpreadBps,
		FeeRecipient: recipient,
		Treasury:     treasury,
	}
	if err := s.engine.UpdateParams(caller, params); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAddComponent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller         string `json:"caller"`
		Basket         string `json:"basket"`
		Asset          string `json:"asset"`
		WeightBps      uint64 `json:"weight_bps"`
		SourceDecimals uint8  `json:"source_decimals"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	caller, ok := parseAddress(req.Caller)
	if !ok {
		http.Error(w, "invalid caller", http.StatusBadRequest)
		return
	}
	basket, err := index.ParseBasket(req.Basket)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.calculator.AddComponent(caller, basket, req.Asset, req.WeightBps, req.SourceDecimals); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleUpdateWeight(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller    string `json:"caller"`
		Basket    string `json:"basket"`
		Asset     string `json:"asset"`
		WeightBps uint64 `json:"weight_bps"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	caller, ok := parseAddress(req.Caller)
	if !ok {
		http.Error(w, "invalid caller", http.StatusBadRequest)
		return
	}
	basket, err := index.ParseBasket(req.Basket)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.calculator.UpdateWeight(caller, basket, req.Asset, req.WeightBps); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveComponent(w http.ResponseWriter, r *http.Request) {
	caller, ok := parseAddress(r.URL.Query().Get("caller"))
	if !ok {
		http.Error(w, "invalid caller", http.StatusBadRequest)
		return
	}
	basket, err := index.ParseBasket(r.PathValue("basket"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.calculator.RemoveComponent(caller, basket, r.PathValue("asset")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.handlePauseTransition(w, r, true)
}

func (s *Server) handleUnpause(w http.ResponseWriter, r *http.Request) {
	s.handlePauseTransition(w, r, false)
}

func (s *Server) handlePauseTransition(w http.ResponseWriter, r *http.Request, paused bool) {
	var req struct {
		Caller string `json:"caller"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	caller, ok := parseAddress(req.Caller)
	if !ok {
		http.Error(w, "invalid caller", http.StatusBadRequest)
		return
	}
	var err error
	if paused {
		err = s.pause.Pause(caller)
	} else {
		err = s.pause.Unpause(caller)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": s.pause.IsPaused()})
}

func (s *Server) handleVaultCredit(w http.ResponseWriter, r *http.Request) {
	if s.vault == nil {
		http.Error(w, "vault unavailable", http.StatusInternalServerError)
		return
	}
	var req struct {
		Account string `json:"account"`
		Amount  string `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	account, ok := parseAddress(req.Account)
	if !ok {
		http.Error(w, "invalid account", http.StatusBadRequest)
		return
	}
	amount, err := fixedmath.FromDecimal(req.Amount)
	if err != nil {
		http.Error(w, "invalid amount", http.StatusBadRequest)
		return
	}
	if err := s.vault.Credit(account, amount); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"balance": fixedmath.ToDecimal(s.vault.BalanceOf(account)),
	})
}

func mintQuoteView(quote *amm.MintQuote) map[string]any {
	return map[string]any{
		"index_price":     fixedmath.ToDecimal(quote.IndexPrice),
		"effective_price": fixedmath.ToDecimal(quote.EffectivePrice),
		"fee":             fixedmath.ToDecimal(quote.Fee),
		"avgx_out":        fixedmath.ToDecimal(quote.AvgxOut),
	}
}

func redeemQuoteView(quote *amm.RedeemQuote) map[string]any {
	return map[string]any{
		"index_price":     fixedmath.ToDecimal(quote.IndexPrice),
		"effective_price": fixedmath.ToDecimal(quote.EffectivePrice),
		"gross_base":      fixedmath.ToDecimal(quote.GrossBase),
		"fee":             fixedmath.ToDecimal(quote.Fee),
		"base_out":        fixedmath.ToDecimal(quote.BaseOut),
	}
}

func parseAddress(raw string) (ethcommon.Address, bool) {
	trimmed := strings.TrimSpace(raw)
	if !ethcommon.IsHexAddress(trimmed) {
		return ethcommon.Address{}, false
	}
	addr := ethcommon.HexToAddress(trimmed)
	if addr == (ethcommon.Address{}) {
		return ethcommon.Address{}, false
	}
	return addr, true
}

func optionalAmount(raw string) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, nil
	}
	return fixedmath.FromDecimal(trimmed)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps core sentinel errors onto HTTP statuses so callers can
// react to the specific failure kind.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, guard.ErrPaused):
		status = http.StatusServiceUnavailable
	case errors.Is(err, amm.ErrInvalidAmount),
		errors.Is(err, amm.ErrInvalidRecipient),
		errors.Is(err, amm.ErrInvalidParams),
		errors.Is(err, index.ErrInvalidWeight),
		errors.Is(err, index.ErrUnknownBasket),
		errors.Is(err, oracle.ErrInvalidSource),
		errors.Is(err, oracle.ErrInvalidDuration),
		errors.Is(err, token.ErrInvalidAmount),
		errors.Is(err, token.ErrInvalidAddress),
		errors.Is(err, vault.ErrInvalidAmount),
		errors.Is(err, vault.ErrInvalidAddress):
		status = http.StatusBadRequest
	case errors.Is(err, index.ErrComponentNotFound),
		errors.Is(err, oracle.ErrFeedNotFound):
		status = http.StatusNotFound
	case errors.Is(err, index.ErrDuplicateComponent),
		errors.Is(err, amm.ErrSlippageExceeded),
		errors.Is(err, amm.ErrInsufficientLiquidity),
		errors.Is(err, amm.ErrReentrantCall),
		errors.Is(err, token.ErrInsufficientBalance),
		errors.Is(err, token.ErrMaxSupplyExceeded),
		errors.Is(err, vault.ErrInsufficientBalance):
		status = http.StatusConflict
	case errors.Is(err, index.ErrInvalidWeights):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, oracle.ErrStalePrice),
		errors.Is(err, oracle.ErrInvalidPrice):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
