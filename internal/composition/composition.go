package composition

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/biasengine/internal/bias"
	"github.com/sawpanic/biasengine/internal/breaker"
	"github.com/sawpanic/biasengine/internal/broadcast"
	"github.com/sawpanic/biasengine/internal/confluence"
	"github.com/sawpanic/biasengine/internal/config"
	"github.com/sawpanic/biasengine/internal/gateway"
	"github.com/sawpanic/biasengine/internal/gateway/postgres"
	"github.com/sawpanic/biasengine/internal/httpapi"
	"github.com/sawpanic/biasengine/internal/ingest"
	"github.com/sawpanic/biasengine/internal/metrics"
	"github.com/sawpanic/biasengine/internal/model"
	"github.com/sawpanic/biasengine/internal/outcome"
	"github.com/sawpanic/biasengine/internal/registry"
	"github.com/sawpanic/biasengine/internal/scheduler"
	"github.com/sawpanic/biasengine/internal/scorer"
)

// breakerProviderRef and recomputerRef break the bias<->breaker
// construction cycle: each package only declares the narrow interface
// it needs (bias.BreakerProvider, breaker.Recomputer), and composition
// is the only place a pointer to the other's concrete type exists. The
// ref is constructed empty and back-filled once both sides exist.
type breakerProviderRef struct{ m *breaker.Machine }

func (r *breakerProviderRef) CurrentCaps(ctx context.Context) model.BreakerCaps {
	return r.m.CurrentCaps(ctx)
}

type recomputerRef struct{ e *bias.Engine }

func (r *recomputerRef) Trigger(ctx context.Context) { r.e.Trigger(ctx) }

// Config is the top-level process configuration: every path and
// connection string the composition root needs to build the app.
type Config struct {
	FactorRegistryPath string
	BreakerRulesPath   string // empty uses breaker.DefaultRuleSet()
	ProvidersPath      string // empty disables the scheduler's pull jobs

	Database postgres.Config
	Redis    RedisConfig
	HTTP     httpapi.Config
}

// App bundles every wired component. Nothing here is a singleton
// package-level global — every dependency is passed down from here.
type App struct {
	cfg Config

	db       *postgres.Manager
	kv       gateway.KV
	eventLog gateway.EventLog

	Registry *registry.Registry
	Ingest   *ingest.Service
	Bias     *bias.Engine
	Breaker  *breaker.Machine
	Scorer   *scorer.Scorer
	Outcome  *outcome.Engine
	Hub      *broadcast.Hub
	Scheduler *scheduler.Scheduler
	HTTP     *httpapi.Server
	Metrics  *metrics.Registry
}

// NewApp wires the full dependency graph. The cross-package cycle that
// ingest -> bias -> breaker would otherwise form is broken by each
// package declaring only the narrow interface it needs
// (ingest.Recomputer, bias.BreakerProvider, breaker.Recomputer,
// scorer.BreakerMultipliers); composition is the only place that knows
// every concrete type.
func NewApp(cfg Config) (*App, error) {
	reg, err := registry.Load(cfg.FactorRegistryPath)
	if err != nil {
		return nil, err
	}

	db, err := postgres.Connect(cfg.Database)
	if err != nil {
		return nil, err
	}
	records := *db.Records()

	kv := newRedisKV(cfg.Redis)
	rawLog := gateway.NewMemoryLog() // in-process log backing the broadcast hub's replay; its history is lost on restart

	metricsReg := metrics.NewRegistry()

	hub := broadcast.NewHub(rawLog, metricsReg)
	eventLog := broadcast.NewPublishingLog(rawLog, hub)

	var rules *breaker.RuleSet
	if cfg.BreakerRulesPath != "" {
		rules, err = breaker.LoadRuleSet(cfg.BreakerRulesPath)
		if err != nil {
			return nil, err
		}
	} else {
		rules = breaker.DefaultRuleSet()
	}

	// bias depends on breaker for clamp caps; breaker depends on bias to
	// trigger a recompute on every state change. Both route through the
	// single recompute actor (spec §5: "same actor... interleaving
	// correctness"), so each is given a ref to the other that is
	// back-filled once both concrete values exist.
	breakerRef := &breakerProviderRef{}
	biasEngine := bias.NewEngine(reg, records.Factors, records.Bias, eventLog, kv, breakerRef)
	breakerMachine := breaker.NewMachine(rules, records.Breaker, eventLog, &recomputerRef{e: biasEngine})
	breakerRef.m = breakerMachine

	ingestService := ingest.NewService(reg, kv, eventLog, records.Factors, biasEngine)

	scorerSvc := scorer.NewScorer(kv, breakerMachine)
	confluenceMerger := confluence.NewMerger(records.Signals)

	guardedProvider := outcome.NewGuardedProvider(NewRESTPriceProvider(providerConfigFor(cfg, "market_data")), kv)
	outcomeEngine := outcome.NewEngine(outcome.DefaultConfig(), records.Signals, records.Outcomes, eventLog, guardedProvider)

	handlers := &httpapi.Handlers{
		Ingest:     ingestService,
		Bias:       biasEngine,
		Breaker:    breakerMachine,
		Scorer:     scorerSvc,
		Confluence: confluenceMerger,
		Signals:    records.Signals,
		Outcomes:   records.Outcomes,
		Hub:        hub,
	}
	httpServer := httpapi.NewServer(cfg.HTTP, handlers, metricsReg)

	clock, err := scheduler.NewMarketClock()
	if err != nil {
		return nil, err
	}
	sched, err := buildScheduler(cfg, ingestService, outcomeEngine, biasEngine, breakerMachine, clock, eventLog, metricsReg)
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:       cfg,
		db:        db,
		kv:        kv,
		eventLog:  eventLog,
		Registry:  reg,
		Ingest:    ingestService,
		Bias:      biasEngine,
		Breaker:   breakerMachine,
		Scorer:    scorerSvc,
		Outcome:   outcomeEngine,
		Hub:       hub,
		Scheduler: sched,
		HTTP:      httpServer,
		Metrics:   metricsReg,
	}, nil
}

// providerConfigFor loads config/providers.yaml (if configured) and
// returns the named provider's operating limits, or a disabled default
// when no providers file was given.
func providerConfigFor(cfg Config, name string) config.ProviderConfig {
	if cfg.ProvidersPath == "" {
		return config.ProviderConfig{Enabled: false}
	}
	providers, err := config.LoadProvidersConfig(cfg.ProvidersPath)
	if err != nil {
		log.Warn().Err(err).Str("provider", name).Msg("failed to load providers config, pull disabled")
		return config.ProviderConfig{Enabled: false}
	}
	pc, ok := providers.GetProvider(name)
	if !ok {
		return config.ProviderConfig{Enabled: false}
	}
	return *pc
}

// autoResetRecompute composes the breaker's market-open auto-reset
// check with the composite recompute trigger so the scheduler's single
// composite_safety_recompute job drives both, matching spec §5's
// requirement that breaker transitions and bias updates share one
// actor.
type autoResetRecompute struct {
	breaker *breaker.Machine
	bias    *bias.Engine
	clock   *scheduler.MarketClock
}

func (r *autoResetRecompute) Trigger(ctx context.Context) {
	if err := r.breaker.CheckAutoReset(ctx, time.Now(), r.clock.MarketJustOpened(time.Now())); err != nil {
		log.Error().Err(err).Msg("breaker auto-reset check failed")
	}
	r.bias.Trigger(ctx)
}

func buildScheduler(cfg Config, ing *ingest.Service, replay *outcome.Engine, biasEngine *bias.Engine, breakerMachine *breaker.Machine, clock *scheduler.MarketClock, eventLog gateway.EventLog, metricsReg *metrics.Registry) (*scheduler.Scheduler, error) {
	marketData := NewMarketDataPuller(providerConfigFor(cfg, "market_data"), ing)
	vix := NewVIXPuller(providerConfigFor(cfg, "vix"), ing)
	cape := NewCAPEPuller(providerConfigFor(cfg, "cape"), ing)

	return scheduler.NewScheduler(scheduler.Config{
		MarketDataPuller: marketData,
		VIXPuller:        vix,
		CAPEPuller:       cape,
		OutcomeReplay:    replay,
		Recompute:        &autoResetRecompute{breaker: breakerMachine, bias: biasEngine, clock: clock},
		EventLog:         eventLog,
		Metrics:          metricsReg,
	})
}

// Run starts the scheduler and bias engine in background goroutines
// (both stop when ctx is canceled) and then serves HTTP; it returns as
// soon as the HTTP server stops (by Shutdown or a fatal listen error),
// without waiting for the scheduler.
func (a *App) Run(ctx context.Context) error {
	go a.Scheduler.Run(ctx)

	if err := a.Bias.Restore(ctx); err != nil {
		log.Warn().Err(err).Msg("no prior composite result to restore")
	}
	if err := a.Breaker.Restore(ctx); err != nil {
		log.Warn().Err(err).Msg("no prior breaker state to restore")
	}
	go a.Bias.Run(ctx)

	if _, err := a.Ingest.SanitySweep(ctx); err != nil {
		log.Warn().Err(err).Msg("startup sanity sweep failed")
	}

	return a.HTTP.Start()
}

// KV exposes the wired cache tier for admin tooling (the purge-cache
// CLI command has no other route to it).
func (a *App) KV() gateway.KV { return a.kv }

// Shutdown drains the HTTP server and closes the database pool, per
// spec §5's 30s clean-shutdown budget.
func (a *App) Shutdown(ctx context.Context) error {
	if err := a.HTTP.Shutdown(ctx); err != nil {
		return err
	}
	return a.db.Close()
}
