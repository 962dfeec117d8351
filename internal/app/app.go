package app

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"peg-stabilizer/internal/alerting"
	"peg-stabilizer/internal/audit"
	"peg-stabilizer/internal/compliance"
	"peg-stabilizer/internal/config"
	"peg-stabilizer/internal/controller"
	"peg-stabilizer/internal/httpapi"
	"peg-stabilizer/internal/ledger"
	"peg-stabilizer/internal/mechanism"
	"peg-stabilizer/internal/metrics"
	"peg-stabilizer/internal/oracle"
	"peg-stabilizer/internal/scheduler"
	"peg-stabilizer/internal/stabilization"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	// Output receives command output; nil means stdout.
	Output io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) out() io.Writer {
	if a.Output != nil {
		return a.Output
	}
	return os.Stdout
}

// signingKey is a signer that can also verify its own signatures.
type signingKey interface {
	audit.Signer
	audit.SignatureVerifier
}

// runtime holds the collaborators shared by every pair.
type runtime struct {
	store     ledger.Store
	locker    ledger.AdvisoryLocker
	keys      audit.KeyProvider
	signer    signingKey
	submitter mechanism.Submitter
	guard     mechanism.Guard
	notifier  alerting.Notifier
	registry  *prometheus.Registry
	metrics   *metrics.Metrics
	closers   []func()
}

func (r *runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

func (r *runtime) verifier(extra []audit.SignatureVerifier) *audit.Verifier {
	vs := append([]audit.SignatureVerifier{r.signer}, extra...)
	return audit.NewVerifier(vs...)
}

func (a *App) openStore(ctx context.Context) (ledger.Store, ledger.AdvisoryLocker, func(), error) {
	if a.Config.Database.DSN == "" {
		return ledger.NewMemoryLedger(), nil, func() {}, nil
	}

	pool, err := ledger.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, nil, err
	}

	store := ledger.NewPostgresLedger(pool)
	if a.Config.Database.AutoMigrate {
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, nil, nil, err
		}
	}
	return store, store, store.Close, nil
}

func (a *App) newKeyProvider() (audit.KeyProvider, error) {
	if path := a.Config.Security.KeystorePath; path != "" {
		keys, err := audit.OpenFileKeyring(path)
		if err != nil {
			return nil, fmt.Errorf("open keystore: %w", err)
		}
		return keys, nil
	}
	a.Logger.Warn().Msg("security.keystore_path not configured; payload keys last for this process only")
	return audit.NewEphemeralKeyring()
}

func (a *App) newSigner() (signingKey, error) {
	sec := a.Config.Security
	switch sec.Signer {
	case config.SignerEthereum:
		return audit.NewEthereumSigner(sec.SignerKey)
	default:
		if sec.SignerKey == "" {
			a.Logger.Warn().Msg("security.signer_key not configured; profiles are signed with a throwaway key")
			return audit.NewEd25519Signer()
		}
		return audit.NewEd25519SignerFromSeed(sec.SignerKey)
	}
}

func (a *App) trustedVerifiers() ([]audit.SignatureVerifier, error) {
	out := make([]audit.SignatureVerifier, 0, len(a.Config.Security.TrustedSigners))
	for _, raw := range a.Config.Security.TrustedSigners {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if common.IsHexAddress(raw) && strings.HasPrefix(raw, "0x") {
			out = append(out, audit.NewEthereumVerifier(common.HexToAddress(raw)))
			continue
		}
		v, err := audit.NewEd25519Verifier(raw)
		if err != nil {
			return nil, fmt.Errorf("trusted signer %q: %w", raw, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func (a *App) newSubmitter() (mechanism.Submitter, error) {
	if a.Config.Backend.Kind != config.BackendEthereum {
		return mechanism.NewDryRunSubmitter(a.Logger), nil
	}
	eth := a.Config.Backend.Ethereum
	return mechanism.NewEthereumSubmitter(mechanism.EthereumOptions{
		RPCURL:          eth.RPCURL,
		ContractAddress: eth.ContractAddress,
		PrivateKeyHex:   strings.TrimPrefix(eth.PrivateKey, "0x"),
		GasLimit:        eth.GasLimit,
		Timeout:         eth.RequestTimeout,
	}, a.Logger)
}

func (a *App) newGuard() (mechanism.Guard, func()) {
	rc := a.Config.Redis
	if rc.Addr == "" {
		return mechanism.NewMemoryGuard(), func() {}
	}
	client := redis.NewClient(&redis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})
	return mechanism.NewRedisGuard(client, rc.KeyTTL, a.Logger), func() { _ = client.Close() }
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Enabled && a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

// openRuntime wires the shared collaborators. withBackend skips the
// submission side for read-only commands.
func (a *App) openRuntime(ctx context.Context, withBackend bool) (*runtime, error) {
	rt := &runtime{registry: prometheus.NewRegistry()}
	rt.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rt.metrics = metrics.New(rt.registry)

	store, locker, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	rt.store, rt.locker = store, locker
	rt.closers = append(rt.closers, closeStore)
	if a.Config.Database.DSN == "" {
		a.Logger.Warn().Msg("database.dsn not configured; ledger kept in memory")
	}

	fail := func(err error) (*runtime, error) {
		rt.Close()
		return nil, err
	}

	if rt.keys, err = a.newKeyProvider(); err != nil {
		return fail(err)
	}
	if rt.signer, err = a.newSigner(); err != nil {
		return fail(fmt.Errorf("build signer: %w", err))
	}

	if withBackend {
		if rt.submitter, err = a.newSubmitter(); err != nil {
			return fail(fmt.Errorf("build submitter: %w", err))
		}
		guard, closeGuard := a.newGuard()
		rt.guard = guard
		rt.closers = append(rt.closers, closeGuard)
		rt.notifier = a.newNotifier()
	}
	return rt, nil
}

func (a *App) newOracles(pairs []config.PairConfig) map[string]oracle.PriceOracle {
	oc := a.Config.Oracle
	var httpOracle *oracle.HTTPOracle
	var chainOracle *oracle.ChainOracle

	feeds := make(map[string]string)
	for _, p := range pairs {
		if p.Oracle == config.OracleChain {
			feeds[p.ID] = p.Feed
		}
	}

	out := make(map[string]oracle.PriceOracle, len(pairs))
	for _, p := range pairs {
		var inner oracle.PriceOracle
		switch p.Oracle {
		case config.OracleHTTP:
			if httpOracle == nil {
				httpOracle = oracle.NewHTTPOracle(oracle.HTTPOptions{
					BaseURL:           oc.HTTP.BaseURL,
					Timeout:           oc.HTTP.RequestTimeout,
					UserAgent:         oc.HTTP.UserAgent,
					RequestsPerSecond: oc.HTTP.RequestsPerSecond,
					Burst:             oc.HTTP.Burst,
				}, a.Logger)
			}
			inner = httpOracle
		case config.OracleChain:
			if chainOracle == nil {
				chainOracle = oracle.NewChainOracle(oracle.ChainOptions{
					RPCURL:  oc.Chain.RPCURL,
					Feeds:   feeds,
					Timeout: oc.Chain.RequestTimeout,
				}, a.Logger)
			}
			inner = chainOracle
		default:
			inner = oracle.NewStaticOracle(map[string]decimal.Decimal{p.ID: p.StaticPrice})
		}
		out[p.ID] = oracle.NewGuarded(inner, oracle.GuardOptions{
			Name:                "oracle-" + p.ID,
			MaxAge:              oc.MaxAge,
			ConsecutiveFailures: oc.Breaker.ConsecutiveFailures,
			OpenTimeout:         oc.Breaker.OpenTimeout,
			HalfOpenRequests:    oc.Breaker.HalfOpenRequests,
		}, a.Logger)
	}
	return out
}

func newStrategy(p config.PairConfig) (stabilization.Strategy, error) {
	if p.Strategy != config.StrategyTable {
		return stabilization.ProportionalStrategy{}, nil
	}
	bands := make([]stabilization.Band, len(p.Bands))
	for i, b := range p.Bands {
		bands[i] = stabilization.Band{UpToPct: b.UpToPct, Gain: b.Gain}
	}
	return stabilization.NewTableStrategy(bands)
}

func newEntropy() []byte {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil
	}
	return buf
}

// pairOverrides customise controllers built by buildControllers.
type pairOverrides struct {
	oracles map[string]oracle.PriceOracle
	scorer  stabilization.RiskScorer
}

func (a *App) buildControllers(rt *runtime, pairs []config.PairConfig, ov pairOverrides) ([]*controller.Controller, map[string]*mechanism.Book, error) {
	oracles := ov.oracles
	if oracles == nil {
		oracles = a.newOracles(pairs)
	}
	scorer := ov.scorer
	if scorer == nil {
		scorer = stabilization.NewDefaultRiskScorer()
	}

	backend := a.Config.Backend
	sealer := audit.NewSealer(rt.keys, rt.signer, a.Logger)

	controllers := make([]*controller.Controller, 0, len(pairs))
	books := make(map[string]*mechanism.Book, len(pairs))
	for _, p := range pairs {
		params, err := stabilization.NewParameters(p.Target, p.PrecisionThreshold, p.RiskAcceptanceThreshold)
		if err != nil {
			return nil, nil, fmt.Errorf("pair %s: %w", p.ID, err)
		}
		strategy, err := newStrategy(p)
		if err != nil {
			return nil, nil, fmt.Errorf("pair %s: %w", p.ID, err)
		}

		book := mechanism.NewBook(mechanism.BookState{
			Supply:   backend.InitialSupply,
			Reserves: backend.InitialReserves,
			FeeBps:   backend.BaseFeeBps,
		})
		books[p.ID] = book
		handlers := mechanism.NewHandlers(book, rt.submitter, rt.guard, mechanism.Options{
			ReserveRatio:   backend.ReserveRatio,
			BaseFeeBps:     backend.BaseFeeBps,
			FeeSensitivity: backend.FeeSensitivity,
			MinFeeBps:      backend.MinFeeBps,
			MaxFeeBps:      backend.MaxFeeBps,
		}, a.Logger.With().Str("pair", p.ID).Logger())

		c, err := controller.New(controller.Config{
			PairID:     p.ID,
			Params:     params,
			Oracle:     oracles[p.ID],
			Strategy:   strategy,
			Scorer:     scorer,
			Executor:   stabilization.NewExecutor(handlers, a.Logger.With().Str("pair", p.ID).Logger()),
			Sealer:     sealer,
			Ledger:     rt.store,
			Volatility: stabilization.NewVolatilityTracker(p.VolatilityWindow, stabilization.DefaultVolatilityReference),
			Entropy:    newEntropy,
			Metrics:    rt.metrics,
			Notifier:   rt.notifier,
			Policy:     alerting.Policy{NotifyCommitted: a.Config.Alerting.NotifyCommitted},
			Locker:     rt.locker,
			LockKey:    a.Config.Scheduler.AdvisoryLockKey,
			Schedule: scheduler.Options{
				AlignToInterval: a.Config.Scheduler.AlignToInterval,
				Immediate:       a.Config.Scheduler.Immediate,
				StartupDelay:    a.Config.Scheduler.StartupDelay,
			},
		}, a.Logger)
		if err != nil {
			return nil, nil, err
		}
		controllers = append(controllers, c)
	}
	return controllers, books, nil
}

func (a *App) selectPairs(ids []string) ([]config.PairConfig, error) {
	if len(ids) == 0 {
		return a.Config.Pairs, nil
	}
	out := make([]config.PairConfig, 0, len(ids))
	for _, id := range ids {
		p, ok := a.Config.Pair(id)
		if !ok {
			return nil, fmt.Errorf("pair %q is not configured", id)
		}
		out = append(out, p)
	}
	return out, nil
}

// Run drives one controller per configured pair plus the HTTP surface until
// SIGINT/SIGTERM.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := a.openRuntime(ctx, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	controllers, _, err := a.buildControllers(rt, a.Config.Pairs, pairOverrides{})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range controllers {
		c := c
		g.Go(func() error {
			return c.RunForever(gctx, a.Config.Scheduler.Interval)
		})
	}

	if a.Config.Metrics.Enabled {
		trusted, err := a.trustedVerifiers()
		if err != nil {
			return err
		}
		srv := httpapi.New(httpapi.Options{
			Store:    rt.store,
			Gatherer: rt.registry,
			Reporter: compliance.NewReporter(rt.store, rt.verifier(trusted), a.Logger),
			Status: func() map[string]string {
				out := make(map[string]string, len(controllers))
				for _, c := range controllers {
					out[c.PairID()] = c.State().String()
				}
				return out
			},
		}, a.Logger)
		g.Go(func() error {
			return srv.Run(gctx, a.Config.Metrics.ListenAddr)
		})
	}

	a.Logger.Info().Int("pairs", len(controllers)).Msg("starting stabilization service")
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("stabilization service stopped")
	return nil
}

// OnceOptions configure a single synchronous cycle.
type OnceOptions struct {
	Pairs []string
}

// RunOnce runs exactly one cycle for each selected pair and prints the
// resulting profiles.
func (a *App) RunOnce(ctx context.Context, opts OnceOptions) error {
	pairs, err := a.selectPairs(opts.Pairs)
	if err != nil {
		return err
	}

	rt, err := a.openRuntime(ctx, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	controllers, _, err := a.buildControllers(rt, pairs, pairOverrides{})
	if err != nil {
		return err
	}

	profiles := make([]*audit.Profile, 0, len(controllers))
	for _, c := range controllers {
		p, err := c.RunOnce(ctx)
		if err != nil {
			return err
		}
		profiles = append(profiles, p)
	}
	printProfiles(a.out(), profiles)
	return nil
}

// ExportOptions hold parameters for exporting ledger history.
type ExportOptions struct {
	PairID    string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	PairID string
	Status string
	Limit  int
}

// VerifyOptions configure the verify command.
type VerifyOptions struct {
	PairID string
}

// ReportOptions configure the report command.
type ReportOptions struct {
	PairID string
	From   *time.Time
	To     *time.Time
}
