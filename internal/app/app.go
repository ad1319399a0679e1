package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"universal-gateway/internal/alerting"
	"universal-gateway/internal/api"
	"universal-gateway/internal/bridge"
	"universal-gateway/internal/caps"
	"universal-gateway/internal/config"
	"universal-gateway/internal/custody"
	"universal-gateway/internal/gateway"
	"universal-gateway/internal/kv"
	"universal-gateway/internal/metrics"
	"universal-gateway/internal/monitor"
	"universal-gateway/internal/oracle"
	"universal-gateway/internal/ratelimit"
	"universal-gateway/internal/replay"
	"universal-gateway/internal/settlement"
	"universal-gateway/internal/signer"
	"universal-gateway/internal/storage"
	"universal-gateway/internal/venue"
	"universal-gateway/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// Runtime is the wired component graph behind every command.
type Runtime struct {
	Store    *storage.Store
	KV       kv.Store
	Prices   *oracle.Reader
	Caps     *caps.Enforcer
	Limiter  *ratelimit.Limiter
	Book     *custody.Book
	Vault    *custody.Vault
	Router   *gateway.Gateway
	Ledger   replay.Ledger
	Executor *settlement.Executor
	Verifier *signer.ECDSAVerifier
	Admin    *gateway.Admin
	Metrics  *metrics.GatewayMetrics

	closers []func()
}

// Close releases every resource in reverse acquisition order.
func (r *Runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool, a.Logger)
	if dir := a.Config.Database.MigrationsPath; dir != "" {
		if err := store.Migrate(ctx, dir); err != nil {
			store.Close()
			return nil, nil, err
		}
	}
	return store, store.Close, nil
}

func (a *App) openKV() (kv.Store, error) {
	switch a.Config.Store.Backend {
	case "memory":
		return kv.NewMemStore(), nil
	default:
		store, err := kv.OpenLevel(a.Config.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("open counter store: %w", err)
		}
		return store, nil
	}
}

// newOracle builds the price reader and, when a chain is configured, the
// client shared with the block window.
func (a *App) newOracle(ctx context.Context) (*oracle.Reader, *ethclient.Client, error) {
	cfg := a.Config
	opts := oracle.Options{
		StalePeriod:          cfg.Oracle.StalePeriod,
		SequencerGracePeriod: cfg.Oracle.SequencerGracePeriod,
	}
	if cfg.Ethereum.RPCURL == "" {
		feed, err := staticFeed(cfg.Oracle.StaticPrice, cfg.Oracle.StaticDecimals)
		if err != nil {
			return nil, nil, err
		}
		a.Logger.Warn().Str("price", cfg.Oracle.StaticPrice.String()).Msg("ethereum.rpc_url not configured; using static price feed")
		return oracle.NewReader(feed, nil, opts, a.Logger), nil, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.Ethereum.RequestTimeout)
	defer cancel()
	client, err := ethclient.DialContext(dialCtx, cfg.Ethereum.RPCURL)
	if err != nil {
		return nil, nil, fmt.Errorf("dial ethereum rpc: %w", err)
	}

	price := oracle.NewChainlink(client, oracle.ChainlinkOptions{
		Address: cfg.Ethereum.PriceFeed,
		Timeout: cfg.Ethereum.RequestTimeout,
	}, a.Logger)
	var sequencer oracle.Feed
	if cfg.Ethereum.SequencerFeed != "" {
		sequencer = oracle.NewChainlink(client, oracle.ChainlinkOptions{
			Address: cfg.Ethereum.SequencerFeed,
			Timeout: cfg.Ethereum.RequestTimeout,
		}, a.Logger)
	}
	return oracle.NewReader(price, sequencer, opts, a.Logger), client, nil
}

func staticFeed(price decimal.Decimal, decimals uint8) (*oracle.StaticFeed, error) {
	if !price.IsPositive() {
		return nil, errors.New("oracle.static_price must be positive")
	}
	scaled := price.Shift(int32(decimals))
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("oracle.static_price has more than %d decimals", decimals)
	}
	return oracle.NewStaticFeed(scaled.BigInt(), decimals), nil
}

func (a *App) newWindow(client *ethclient.Client) caps.WindowSource {
	if a.Config.Caps.WindowSource == "block" {
		return caps.ChainWindow{Client: client}
	}
	return caps.ClockWindow{Duration: a.Config.Caps.WindowDuration}
}

func capsConfig(cfg config.CapsConfig) (caps.Config, error) {
	minUSD, err := bridge.ParseUSD(cfg.MinUSD.String())
	if err != nil {
		return caps.Config{}, fmt.Errorf("caps.min_usd: %w", err)
	}
	maxUSD, err := bridge.ParseUSD(cfg.MaxUSD.String())
	if err != nil {
		return caps.Config{}, fmt.Errorf("caps.max_usd: %w", err)
	}
	budget, err := bridge.ParseUSD(cfg.BlockBudgetUSD.String())
	if err != nil {
		return caps.Config{}, fmt.Errorf("caps.block_budget_usd: %w", err)
	}
	return caps.Config{MinUSD: minUSD, MaxUSD: maxUSD, BlockBudgetUSD: budget, MonotonicWindow: cfg.WindowMonotonic}, nil
}

// ParseAsset maps "native" (or an empty string) to the native asset and
// anything else to a token address.
func ParseAsset(raw string) (common.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || strings.EqualFold(trimmed, "native") {
		return bridge.NativeAsset, nil
	}
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("%w: asset %q", bridge.ErrInvalidInput, raw)
	}
	return common.HexToAddress(trimmed), nil
}

func thresholds(raw map[string]string) (map[common.Address]*uint256.Int, error) {
	out := make(map[common.Address]*uint256.Int, len(raw))
	for key, value := range raw {
		asset, err := ParseAsset(key)
		if err != nil {
			return nil, fmt.Errorf("ratelimit.thresholds: %w", err)
		}
		amount, err := bridge.ParseAmount(value)
		if err != nil {
			return nil, fmt.Errorf("ratelimit.thresholds[%s]: %w", key, err)
		}
		out[asset] = amount
	}
	return out, nil
}

func seedBook(book *custody.Book, genesis []config.GenesisBalance) error {
	for i, g := range genesis {
		asset, err := ParseAsset(g.Asset)
		if err != nil {
			return fmt.Errorf("gateway.genesis[%d]: %w", i, err)
		}
		amount, err := bridge.ParseAmount(g.Amount)
		if err != nil {
			return fmt.Errorf("gateway.genesis[%d]: %w", i, err)
		}
		book.Mint(asset, common.HexToAddress(g.Holder), amount)
	}
	return nil
}

func (a *App) newSwapper(book *custody.Book) (gateway.Swapper, error) {
	cfg := a.Config.Venue
	if !cfg.Enabled {
		return nil, nil
	}
	var quoter venue.Quoter
	switch cfg.Provider {
	case "fixed":
		rate, err := bridge.ParseUSD(cfg.FixedRate.String())
		if err != nil {
			return nil, fmt.Errorf("venue.fixed_rate: %w", err)
		}
		quoter = venue.FixedRate{Rate: rate}
	default:
		ua := cfg.UserAgent
		if ua == "" {
			ua = version.UserAgent()
		}
		quoter = venue.NewCoW(venue.CoWOptions{
			BaseURL:       cfg.BaseURL,
			PriceQuality:  cfg.PriceQuality,
			Timeout:       cfg.RequestTimeout,
			UserAgent:     ua,
			WrappedNative: cfg.WrappedNative,
		}, a.Logger)
	}
	return venue.NewPoolSwapper(common.HexToAddress(cfg.PoolAddress), quoter, book, a.Logger), nil
}

func (a *App) newNotifier() alerting.Notifier {
	notifiers := alerting.Multi{alerting.NewLogNotifier(a.Logger)}
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		notifiers = append(notifiers, alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger))
	}
	return notifiers
}

// Build wires the full component graph. The caller owns Close.
func (a *App) Build(ctx context.Context) (*Runtime, error) {
	cfg := a.Config
	rt := &Runtime{Metrics: metrics.Gateway()}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	} else {
		rt.Store = store
		rt.closers = append(rt.closers, closeStore)
	}

	if rt.KV, err = a.openKV(); err != nil {
		rt.Close()
		return nil, err
	}
	counters := rt.KV
	rt.closers = append(rt.closers, func() {
		if err := counters.Close(); err != nil {
			a.Logger.Error().Err(err).Msg("close counter store")
		}
	})

	reader, client, err := a.newOracle(ctx)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.Prices = reader
	if client != nil {
		rt.closers = append(rt.closers, client.Close)
	}

	capCfg, err := capsConfig(cfg.Caps)
	if err != nil {
		rt.Close()
		return nil, err
	}
	if rt.Caps, err = caps.New(capCfg, reader, a.newWindow(client), rt.KV, a.Logger); err != nil {
		rt.Close()
		return nil, err
	}

	limits, err := thresholds(cfg.RateLimit.Thresholds)
	if err != nil {
		rt.Close()
		return nil, err
	}
	if rt.Limiter, err = ratelimit.New(ratelimit.Options{
		EpochDuration: cfg.RateLimit.EpochDuration,
		Thresholds:    limits,
	}, rt.KV, a.Logger); err != nil {
		rt.Close()
		return nil, err
	}

	rt.Book = custody.NewBook()
	if err := seedBook(rt.Book, cfg.Gateway.Genesis); err != nil {
		rt.Close()
		return nil, err
	}
	rt.Vault = custody.NewVault(common.HexToAddress(cfg.Gateway.VaultAddress), rt.Book, rt.Limiter, a.Logger)
	deposits := gateway.NewDepositHandler(common.HexToAddress(cfg.Gateway.TSSAddress), rt.Book, rt.Vault, rt.Limiter, a.Logger)

	policy, err := gateway.ParsePayloadPolicy(cfg.Gateway.PayloadPolicy)
	if err != nil {
		rt.Close()
		return nil, err
	}
	emitters := gateway.MultiEmitter{gateway.NewLogEmitter(a.Logger)}
	if rt.Store != nil {
		emitters = append(emitters, rt.Store)
	}
	rt.Router = gateway.New(gateway.Options{PayloadPolicy: policy}, rt.Caps, rt.Limiter, deposits, emitters, a.Logger).
		WithMetrics(rt.Metrics)
	swapper, err := a.newSwapper(rt.Book)
	if err != nil {
		rt.Close()
		return nil, err
	}
	if swapper != nil {
		rt.Router.WithSwapper(swapper)
	}

	if cfg.Database.ReplayLedger == "postgres" && rt.Store != nil {
		rt.Ledger = storage.NewLedger(rt.Store)
	} else {
		rt.Ledger = replay.NewKVLedger(rt.KV)
	}
	rt.Executor = settlement.New(settlement.Options{
		Address: common.HexToAddress(cfg.Gateway.SettlementAddress),
	}, rt.Ledger, rt.Book, rt.Vault, a.Logger).WithMetrics(rt.Metrics)
	if rt.Store != nil {
		rt.Executor.WithSink(rt.Store)
	}

	rt.Verifier = signer.NewECDSAVerifier(common.HexToAddress(cfg.Signer.Address), signingDomain(cfg))
	rt.Admin = gateway.NewAdmin(cfg.API.AdminToken, rt.Caps, rt.Limiter, rt.Prices, a.Logger)
	return rt, nil
}

func signingDomain(cfg *config.Config) signer.Domain {
	return signer.Domain{
		ChainID:    cfg.Signer.ChainID,
		Settlement: common.HexToAddress(cfg.Gateway.SettlementAddress),
	}
}

func (a *App) newMonitor(rt *Runtime) (*monitor.Monitor, error) {
	cfg := a.Config
	sched, err := monitor.NewScheduler(monitor.SchedulerOptions{
		Interval:     cfg.Monitor.Interval,
		AlignToStart: cfg.Monitor.AlignToBucket,
		StartupDelay: cfg.Monitor.StartupDelay,
	}, a.Logger)
	if err != nil {
		return nil, err
	}

	var samples storage.PriceSampleStore
	var alerts storage.AlertStore
	if rt.Store != nil {
		samples = rt.Store
		alerts = rt.Store
	}
	return monitor.New(monitor.Options{
		AlertsEnabled:    cfg.Alerting.Enabled,
		MoveThresholdPct: cfg.Monitor.MoveThresholdPct,
		Cooldown:         cfg.Alerting.Cooldown,
		Channels:         cfg.Alerting.Channels,
		LockKey:          cfg.Monitor.AdvisoryLockKey,
		AlertRetention:   cfg.Monitor.AlertRetention,
	}, sched, rt.Prices, samples, alerts, a.newNotifier(), a.Logger).
		WithWindow(rt.Caps).
		WithMetrics(rt.Metrics), nil
}

func (a *App) newServer(rt *Runtime) *api.Server {
	deps := api.Deps{
		Gateway:  rt.Router,
		Settler:  rt.Executor,
		Verifier: rt.Verifier,
		Ledger:   rt.Ledger,
		Prices:   rt.Prices,
		Window:   rt.Caps,
		Usage:    rt.Limiter,
		Admin:    rt.Admin,
	}
	if rt.Store != nil {
		deps.Health = rt.Store
	}
	return api.New(api.Options{
		Listen:          a.Config.API.Listen,
		ReadTimeout:     a.Config.API.ReadTimeout,
		WriteTimeout:    a.Config.API.WriteTimeout,
		ShutdownTimeout: a.Config.API.ShutdownTimeout,
	}, deps, a.Logger)
}

// Run serves the HTTP API and, when enabled, the oracle monitor until a
// signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := a.Build(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	var mon *monitor.Monitor
	if a.Config.Monitor.Enabled {
		if mon, err = a.newMonitor(rt); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.newServer(rt).Run(gctx)
	})
	if mon != nil {
		g.Go(func() error {
			return mon.Run(gctx)
		})
	}

	a.Logger.Info().Str("listen", a.Config.API.Listen).Bool("monitor", a.Config.Monitor.Enabled).Msg("starting gateway")
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("gateway terminated with error")
		return err
	}

	a.Logger.Info().Msg("gateway stopped")
	return nil
}

// ExportOptions hold parameters for exporting historical samples.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
	// What selects the table: samples, alerts, settlements or events.
	What string
}
