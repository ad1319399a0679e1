// Package api exposes the gateway over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"universal-gateway/internal/bridge"
	"universal-gateway/internal/caps"
	"universal-gateway/internal/gateway"
	"universal-gateway/internal/oracle"
	"universal-gateway/internal/ratelimit"
	"universal-gateway/internal/replay"
	"universal-gateway/internal/signer"
)

const maxBodyBytes = 1 << 20

// Admitter runs inbound admissions.
type Admitter interface {
	Admit(ctx context.Context, req bridge.Request) (gateway.Receipt, error)
	AdmitGasWithToken(ctx context.Context, req gateway.TokenGasRequest) (gateway.Receipt, error)
}

// Settler runs outbound settlements.
type Settler interface {
	Settle(ctx context.Context, in bridge.Instruction) (bridge.SettlementRecord, error)
}

// WindowReader reports the fast-path limits.
type WindowReader interface {
	Config() caps.Config
	Window() caps.WindowState
}

// UsageReader reports per-asset epoch usage.
type UsageReader interface {
	Peek(asset common.Address) (ratelimit.Usage, error)
}

// Pinger is an optional readiness check, typically the database.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators behind the routes. Nil members disable the
// routes that need them.
type Deps struct {
	Gateway  Admitter
	Settler  Settler
	Verifier signer.Verifier
	Ledger   replay.Ledger
	Prices   oracle.PriceReader
	Window   WindowReader
	Usage    UsageReader
	Admin    *gateway.Admin
	Health   Pinger
}

// Options configures the listener.
type Options struct {
	Listen          string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Server is the HTTP front of the gateway.
type Server struct {
	opts   Options
	deps   Deps
	logger zerolog.Logger
	router http.Handler
}

func New(opts Options, deps Deps, logger zerolog.Logger) *Server {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	s := &Server{opts: opts, deps: deps, logger: logger.With().Str("component", "api").Logger()}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the configured router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.opts.Listen,
		Handler:      s.router,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("listen", s.opts.Listen).Msg("api listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	return nil
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Get("/price", s.price)
		v1.Get("/window", s.window)
		v1.Get("/rate-limits/{asset}", s.rateLimit)
		v1.Post("/requests", s.admit)
		v1.Post("/requests/token-gas", s.admitTokenGas)
		v1.Post("/settlements/{kind}", s.settle)
		v1.Get("/settlements/{id}", s.settlement)

		v1.Route("/admin", func(admin chi.Router) {
			admin.Use(s.requireAdmin)
			admin.Put("/caps", s.putCaps)
			admin.Put("/epoch", s.putEpoch)
			admin.Put("/thresholds/{asset}", s.putThreshold)
			admin.Put("/oracle", s.putOracle)
		})
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Str("request_id", chimw.GetReqID(r.Context())).
			Msg("http request")
	})
}

type adminTokenKey struct{}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		if err := s.deps.Admin.Authorize(token); err != nil {
			s.writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), adminTokenKey{}, token)))
	})
}

func adminToken(r *http.Request) string {
	token, _ := r.Context().Value(adminTokenKey{}).(string)
	return token
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Health.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) price(w http.ResponseWriter, r *http.Request) {
	if s.deps.Prices == nil {
		http.NotFound(w, r)
		return
	}
	quote, err := s.deps.Prices.ReadPrice(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := map[string]any{
		"price_usd":       bridge.FormatUSD(quote.PriceUSD),
		"price_raw":       quote.PriceUSD.Dec(),
		"source_decimals": quote.SourceDecimals,
		"observed_at":     quote.ObservedAt,
	}
	if quote.RoundID != nil {
		resp["round_id"] = quote.RoundID.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) window(w http.ResponseWriter, r *http.Request) {
	if s.deps.Window == nil {
		http.NotFound(w, r)
		return
	}
	cfg := s.deps.Window.Config()
	state := s.deps.Window.Window()
	writeJSON(w, http.StatusOK, map[string]any{
		"min_usd":          bridge.FormatUSD(cfg.MinUSD),
		"max_usd":          bridge.FormatUSD(cfg.MaxUSD),
		"block_budget_usd": bridge.FormatUSD(cfg.BlockBudgetUSD),
		"window_key":       state.Key,
		"consumed_usd":     bridge.FormatUSD(state.ConsumedUSD),
	})
}

func (s *Server) rateLimit(w http.ResponseWriter, r *http.Request) {
	if s.deps.Usage == nil {
		http.NotFound(w, r)
		return
	}
	asset, err := parseAddress("asset", chi.URLParam(r, "asset"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	usage, err := s.deps.Usage.Peek(asset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"asset":     usage.Asset.Hex(),
		"epoch":     usage.Epoch,
		"used":      bridge.OrZero(usage.Used).Dec(),
		"threshold": bridge.OrZero(usage.Threshold).Dec(),
		"remaining": bridge.OrZero(usage.Remaining).Dec(),
	})
}

func (s *Server) admit(w http.ResponseWriter, r *http.Request) {
	var body requestJSON
	if err := decodeBody(w, r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	req, err := body.decode()
	if err != nil {
		s.writeError(w, err)
		return
	}
	receipt, err := s.deps.Gateway.Admit(r.Context(), req)
	s.writeReceipt(w, receipt, err)
}

func (s *Server) admitTokenGas(w http.ResponseWriter, r *http.Request) {
	var body tokenGasJSON
	if err := decodeBody(w, r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	req, err := body.decode()
	if err != nil {
		s.writeError(w, err)
		return
	}
	receipt, err := s.deps.Gateway.AdmitGasWithToken(r.Context(), req)
	s.writeReceipt(w, receipt, err)
}

func (s *Server) settle(w http.ResponseWriter, r *http.Request) {
	if s.deps.Settler == nil || s.deps.Verifier == nil {
		http.NotFound(w, r)
		return
	}
	kind, err := bridge.ParseSettlementKind(chi.URLParam(r, "kind"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	var body instructionJSON
	if err := decodeBody(w, r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	in, err := body.decode(kind)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.deps.Verifier.Verify(in, body.Signature); err != nil {
		s.writeError(w, err)
		return
	}
	rec, err := s.deps.Settler.Settle(r.Context(), in)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, encodeSettlement(rec))
}

func (s *Server) settlement(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ledger == nil {
		http.NotFound(w, r)
		return
	}
	raw := chi.URLParam(r, "id")
	if len(strings.TrimPrefix(raw, "0x")) != 2*common.HashLength {
		s.writeError(w, fmt.Errorf("%w: id must be 32 hex bytes", bridge.ErrInvalidInput))
		return
	}
	rec, err := s.deps.Ledger.Lookup(r.Context(), common.HexToHash(raw))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, encodeSettlement(rec))
}

func (s *Server) putCaps(w http.ResponseWriter, r *http.Request) {
	var body capsJSON
	if err := decodeBody(w, r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if (body.MinUSD == nil) != (body.MaxUSD == nil) {
		s.writeError(w, fmt.Errorf("%w: min_usd and max_usd must be set together", bridge.ErrInvalidInput))
		return
	}
	token := adminToken(r)
	if body.MinUSD != nil {
		lo, err := parseUSD(*body.MinUSD)
		if err != nil {
			s.writeError(w, err)
			return
		}
		hi, err := parseUSD(*body.MaxUSD)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if err := s.deps.Admin.SetCorridor(token, lo, hi); err != nil {
			s.writeError(w, err)
			return
		}
	}
	if body.BlockBudgetUSD != nil {
		budget, err := parseUSD(*body.BlockBudgetUSD)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if err := s.deps.Admin.SetBlockBudget(token, budget); err != nil {
			s.writeError(w, err)
			return
		}
	}
	s.window(w, r)
}

func (s *Server) putEpoch(w http.ResponseWriter, r *http.Request) {
	var body epochJSON
	if err := decodeBody(w, r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	d, err := time.ParseDuration(body.Duration)
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: duration: %v", bridge.ErrInvalidInput, err))
		return
	}
	if err := s.deps.Admin.SetEpochDuration(adminToken(r), d); err != nil {
		s.writeError(w, fmt.Errorf("%w: %v", bridge.ErrInvalidInput, err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"duration": d.String()})
}

func (s *Server) putThreshold(w http.ResponseWriter, r *http.Request) {
	asset, err := parseAddress("asset", chi.URLParam(r, "asset"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	var body thresholdJSON
	if err := decodeBody(w, r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	threshold, err := bridge.ParseAmount(body.Threshold)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.deps.Admin.SetThreshold(adminToken(r), asset, threshold); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"asset": asset.Hex(), "threshold": threshold.Dec()})
}

func (s *Server) putOracle(w http.ResponseWriter, r *http.Request) {
	var body oracleGuardsJSON
	if err := decodeBody(w, r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	stale, err := time.ParseDuration(body.StalePeriod)
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: stale_period: %v", bridge.ErrInvalidInput, err))
		return
	}
	grace, err := time.ParseDuration(body.SequencerGracePeriod)
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: sequencer_grace_period: %v", bridge.ErrInvalidInput, err))
		return
	}
	if err := s.deps.Admin.SetOracleGuards(adminToken(r), stale, grace); err != nil {
		s.writeError(w, fmt.Errorf("%w: %v", bridge.ErrInvalidInput, err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"stale_period": stale.String(), "sequencer_grace_period": grace.String()})
}

func parseUSD(raw string) (*uint256.Int, error) {
	v, err := bridge.ParseUSD(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", bridge.ErrInvalidInput, err)
	}
	return v, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: decode body: %v", bridge.ErrInvalidInput, err)
	}
	return nil
}

// statusFor maps error classes onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, gateway.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, signer.ErrBadSignature):
		return http.StatusForbidden
	case errors.Is(err, bridge.ErrEmitIncomplete):
		return http.StatusAccepted
	case errors.Is(err, bridge.ErrAlreadyExecuted):
		return http.StatusConflict
	case errors.Is(err, replay.ErrNotFound):
		return http.StatusNotFound
	case bridge.IsOracleUnavailable(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, bridge.ErrExecutionFailed), errors.Is(err, bridge.ErrDepositFailed):
		return http.StatusBadGateway
	case errors.Is(err, bridge.ErrBelowMinCap), errors.Is(err, bridge.ErrAboveMaxCap),
		errors.Is(err, bridge.ErrBudgetExceeded), errors.Is(err, bridge.ErrRateLimitExceeded),
		errors.Is(err, bridge.ErrNotSupported), errors.Is(err, bridge.ErrStaleEpochConfig),
		errors.Is(err, bridge.ErrSlippageExceeded):
		return http.StatusUnprocessableEntity
	case bridge.IsAdmissionRejected(err):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeReceipt answers an admission. Accepted value with missing events is
// still 202 so relayers do not resubmit; the warning names what is missing.
func (s *Server) writeReceipt(w http.ResponseWriter, receipt gateway.Receipt, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, encodeReceipt(receipt))
	case errors.Is(err, bridge.ErrEmitIncomplete):
		s.logger.Error().Err(err).Int("unemitted", len(receipt.Unemitted)).Msg("admission accepted with unemitted events")
		body := encodeReceipt(receipt)
		body.Warning = err.Error()
		writeJSON(w, http.StatusAccepted, body)
	default:
		s.writeError(w, err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Int("status", status).Msg("request failed")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
