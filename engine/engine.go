// Package engine wires every haul subsystem together.
//
// This package exists to break the import cycle: the root haul package
// defines Config, errors and Entity (imported by every subsystem) and so
// cannot import those packages back.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/xraph/haul"
	"github.com/xraph/haul/acceptance"
	"github.com/xraph/haul/backoff"
	"github.com/xraph/haul/discovery"
	"github.com/xraph/haul/ext"
	"github.com/xraph/haul/lifecycle"
	mw "github.com/xraph/haul/middleware"
	"github.com/xraph/haul/notify"
	"github.com/xraph/haul/observability"
	"github.com/xraph/haul/presence"
	"github.com/xraph/haul/store"
	"github.com/xraph/haul/sweep"
	"github.com/xraph/haul/timer"
	"github.com/xraph/haul/worker"
)

// Engine is one replica of the matching engine. Replicas share nothing but
// the durable and ephemeral stores.
type Engine struct {
	config     haul.Config
	logger     *slog.Logger
	durable    store.Durable
	ephemeral  store.Ephemeral
	archive    store.Archive
	sink       notify.Sink
	verifier   acceptance.Verifier
	extensions *ext.Registry
	bo         backoff.Strategy
	mws        []mw.Middleware
	pending    []ext.Extension
	now        func() time.Time

	outbox     *notify.Outbox
	presence   *presence.Registry
	dispatcher *discovery.Dispatcher
	lifecycle  *lifecycle.Machine
	acceptance *acceptance.Protocol
	timers     *timer.Registry
	pool       *worker.Pool
	sweeper    *sweep.Sweeper

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithDurable sets the transactional store. Required.
func WithDurable(s store.Durable) Option {
	return func(eng *Engine) { eng.durable = s }
}

// WithEphemeral sets the shared cache. Required.
func WithEphemeral(s store.Ephemeral) Option {
	return func(eng *Engine) { eng.ephemeral = s }
}

// WithArchive sets the terminal summary store. Without one, notified sets
// are left to expire instead of being cleared at finalization.
func WithArchive(s store.Archive) Option {
	return func(eng *Engine) { eng.archive = s }
}

// WithConfig replaces the default configuration.
func WithConfig(cfg haul.Config) Option {
	return func(eng *Engine) { eng.config = cfg }
}

// WithLogger sets the logger shared by every subsystem.
func WithLogger(l *slog.Logger) Option {
	return func(eng *Engine) { eng.logger = l }
}

// WithSink sets where outbound events are delivered. The default logs
// them.
func WithSink(s notify.Sink) Option {
	return func(eng *Engine) { eng.sink = s }
}

// WithVerifier sets the fleet verifier consulted on accept.
func WithVerifier(v acceptance.Verifier) Option {
	return func(eng *Engine) { eng.verifier = v }
}

// WithExtension registers an extension with the engine.
func WithExtension(e ext.Extension) Option {
	return func(eng *Engine) { eng.pending = append(eng.pending, e) }
}

// WithMiddleware adds middleware to the timer handler chain.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) { eng.mws = append(eng.mws, m) }
}

// WithBackoff sets the retry delay for failed timer handlers.
// If not set, backoff.DefaultStrategy() (exponential with jitter) is used.
func WithBackoff(b backoff.Strategy) Option {
	return func(eng *Engine) { eng.bo = b }
}

// WithClock overrides the time source of every subsystem.
func WithClock(now func() time.Time) Option {
	return func(eng *Engine) { eng.now = now }
}

// WithTracerProvider sets a custom OTel TracerProvider for timer handler
// spans. If not set, the global otel.GetTracerProvider() is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) { eng.tracerProvider = tp }
}

// WithMeterProvider sets a custom OTel MeterProvider for the metrics
// middleware and the observability extension.
// If not set, the global otel.GetMeterProvider() is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) { eng.meterProvider = mp }
}

// New builds an Engine from its options. The durable and ephemeral stores
// are required. Call Start to run the timer pool, the outbox and the
// sweeper.
func New(opts ...Option) (*Engine, error) {
	eng := &Engine{
		config: haul.DefaultConfig(),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(eng)
	}

	if eng.durable == nil || eng.ephemeral == nil {
		return nil, haul.ErrNoStore
	}
	if err := eng.config.Validate(); err != nil {
		return nil, err
	}

	cfg := eng.config
	logger := eng.logger

	eng.extensions = ext.NewRegistry(logger)
	for _, e := range eng.pending {
		eng.extensions.Register(e)
	}

	// Register the observability metrics extension.
	var obsExt *observability.MetricsExtension
	if eng.meterProvider != nil {
		meter := eng.meterProvider.Meter("github.com/xraph/haul/observability")
		obsExt = observability.NewMetricsExtensionWithMeter(meter)
	} else {
		obsExt = observability.NewMetricsExtension()
	}
	eng.extensions.Register(obsExt)

	if eng.bo == nil {
		eng.bo = backoff.DefaultStrategy()
	}
	if eng.sink == nil {
		eng.sink = notify.NewLogSink(logger)
	}
	if eng.verifier == nil {
		eng.verifier = acceptance.AllowAll{}
	}

	eng.outbox = notify.NewOutbox(eng.sink,
		notify.WithBuffer(cfg.OutboxBuffer),
		notify.WithWorkers(cfg.OutboxWorkers),
		notify.WithMaxAttempts(cfg.OutboxMaxAttempts),
		notify.WithBackoff(eng.bo),
		notify.WithRateLimit(cfg.OutboxRate, cfg.OutboxBurst),
		notify.WithDropHandler(eng.extensions.EmitEventDropped),
		notify.WithOutboxLogger(logger),
	)

	// The online hook needs the machine, which needs discovery, which
	// needs presence. The closure breaks the cycle.
	var machine *lifecycle.Machine
	onOnline := func(ctx context.Context, actorID string, caps []string) {
		machine.DeliverOpen(ctx, actorID, caps)
	}

	eng.presence = presence.NewRegistry(eng.ephemeral, eng.ephemeral,
		presence.WithLogger(logger),
		presence.WithConnectivityTTL(cfg.ConnectivityTTL),
		presence.WithRateLimit(cfg.ToggleCooldown, cfg.ToggleWindow, cfg.ToggleWindowMax),
		presence.WithLeaseTTL(cfg.ToggleLeaseTTL),
		presence.WithOnlineHook(onOnline),
		presence.WithExtensions(eng.extensions),
		presence.WithClock(eng.now),
	)

	eng.dispatcher = discovery.NewDispatcher(eng.ephemeral, eng.ephemeral, eng.presence,
		discovery.WithLogger(logger),
		discovery.WithSetTTL(cfg.Lifetime()),
	)

	deps := lifecycle.Deps{
		Requests:   eng.durable,
		Timers:     eng.ephemeral,
		Markers:    eng.ephemeral,
		Notified:   eng.ephemeral,
		Tokens:     eng.ephemeral,
		Dispatcher: eng.dispatcher,
		Publisher:  eng.outbox,
	}
	if eng.archive != nil {
		deps.Archive = eng.archive
	}
	machine = lifecycle.New(deps,
		lifecycle.WithConfig(cfg),
		lifecycle.WithLogger(logger),
		lifecycle.WithExtensions(eng.extensions),
		lifecycle.WithClock(eng.now),
	)
	eng.lifecycle = machine

	eng.timers = timer.NewRegistry()
	machine.RegisterHandlers(eng.timers)

	// Build tracing middleware (custom provider or global).
	var tracingMw mw.Middleware
	if eng.tracerProvider != nil {
		tracer := eng.tracerProvider.Tracer("github.com/xraph/haul")
		tracingMw = mw.TracingWithTracer(tracer)
	} else {
		tracingMw = mw.Tracing()
	}

	// Build metrics middleware (custom provider or global).
	var metricsMw mw.Middleware
	if eng.meterProvider != nil {
		meter := eng.meterProvider.Meter("github.com/xraph/haul")
		metricsMw = mw.MetricsWithMeter(meter)
	} else {
		metricsMw = mw.Metrics()
	}

	// Default stack: recover → tracing → metrics → logging → timeout.
	// A handler must finish well inside the timer lease.
	defaultMws := []mw.Middleware{
		mw.Recover(logger),
		tracingMw,
		metricsMw,
		mw.Logging(logger),
		mw.Timeout(cfg.TimerLeaseTTL / 2),
	}
	allMws := make([]mw.Middleware, 0, len(defaultMws)+len(eng.mws))
	allMws = append(allMws, defaultMws...)
	allMws = append(allMws, eng.mws...)

	executor := worker.NewExecutor(eng.timers, eng.ephemeral, eng.extensions, eng.bo, cfg.TimerMaxAttempts, logger, allMws...)
	eng.pool = worker.NewPool(eng.ephemeral, eng.ephemeral, executor, logger,
		worker.WithScanInterval(cfg.ScanInterval),
		worker.WithScanBatch(cfg.ScanBatch),
		worker.WithConcurrency(cfg.TimerConcurrency),
		worker.WithLeaseTTL(cfg.TimerLeaseTTL),
		worker.WithClock(eng.now),
	)

	eng.acceptance = acceptance.New(eng.durable, eng.ephemeral, eng.ephemeral, eng.ephemeral, eng.outbox,
		acceptance.WithLogger(logger),
		acceptance.WithVerifier(eng.verifier),
		acceptance.WithFinalizer(machine),
		acceptance.WithExtensions(eng.extensions),
		acceptance.WithLease(cfg.AcceptLeaseTTL, cfg.AcceptLeaseTries,
			backoff.NewExponentialWithJitter(50*time.Millisecond, cfg.AcceptLeaseTTL/4)),
		acceptance.WithMaxAttempts(cfg.AcceptMaxAttempts),
		acceptance.WithTokenTTL(cfg.AcceptIdempotencyTTL),
	)

	sweeper, err := sweep.New(eng.durable, machine, eng.ephemeral, cfg.SweepSchedule,
		sweep.WithLogger(logger),
		sweep.WithBatch(cfg.SweepBatch),
		sweep.WithGrace(cfg.MarkerGrace),
		sweep.WithLeaseTTL(cfg.TimerLeaseTTL),
		sweep.WithClock(eng.now),
	)
	if err != nil {
		return nil, fmt.Errorf("haul: build sweeper: %w", err)
	}
	eng.sweeper = sweeper

	return eng, nil
}

// Start launches the outbox, the timer pool and the sweeper. It returns
// immediately.
func (eng *Engine) Start(ctx context.Context) error {
	if err := eng.outbox.Start(ctx); err != nil {
		return fmt.Errorf("haul: start outbox: %w", err)
	}
	if err := eng.pool.Start(ctx); err != nil {
		return fmt.Errorf("haul: start timer pool: %w", err)
	}
	if err := eng.sweeper.Start(ctx); err != nil {
		return fmt.Errorf("haul: start sweeper: %w", err)
	}
	eng.logger.Info("haul engine started",
		slog.String("worker_id", eng.pool.WorkerID().String()),
	)
	return nil
}

// Stop drains the engine within the configured shutdown timeout. The
// sweeper and the timer pool stop first so that nothing new is published,
// then pending presence hooks finish and the outbox flushes.
func (eng *Engine) Stop(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, eng.config.ShutdownTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.sweeper.Stop(gctx) })
	g.Go(func() error { return eng.pool.Stop(gctx) })
	err := g.Wait()

	eng.presence.Wait()

	if stopErr := eng.outbox.Stop(ctx); stopErr != nil && err == nil {
		err = stopErr
	}
	eng.extensions.EmitShutdown(ctx)

	if err != nil {
		return fmt.Errorf("haul: stop: %w", err)
	}
	eng.logger.Info("haul engine stopped")
	return nil
}

// Config returns the engine configuration.
func (eng *Engine) Config() haul.Config { return eng.config }

// Logger returns the engine logger.
func (eng *Engine) Logger() *slog.Logger { return eng.logger }

// Extensions returns the extension registry.
func (eng *Engine) Extensions() *ext.Registry { return eng.extensions }

// Timers returns the timer handler registry.
func (eng *Engine) Timers() *timer.Registry { return eng.timers }

// Pool returns the timer pool.
func (eng *Engine) Pool() *worker.Pool { return eng.pool }

// Sweeper returns the reconciliation sweeper.
func (eng *Engine) Sweeper() *sweep.Sweeper { return eng.sweeper }

// Outbox returns the event outbox.
func (eng *Engine) Outbox() *notify.Outbox { return eng.outbox }

// Presence returns the presence registry.
func (eng *Engine) Presence() *presence.Registry { return eng.presence }

// Lifecycle returns the lifecycle state machine.
func (eng *Engine) Lifecycle() *lifecycle.Machine { return eng.lifecycle }
