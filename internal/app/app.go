// Package app wires configuration, storage, delivery and the engine into a
// running service.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"notifyd/internal/config"
	"notifyd/internal/engine"
	"notifyd/internal/eventbus"
	"notifyd/internal/events/kafka"
	"notifyd/internal/observability"
	"notifyd/internal/runtime/supervisor"
	"notifyd/internal/storage"
	"notifyd/internal/transport/telegram"
	"notifyd/pkg/logx"
)

type App struct {
	version string

	cfgm *config.Manager
	cfg  *config.Config
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	reg  *prometheus.Registry

	store   storage.Store
	channel *telegram.Channel
	runner  *engine.Runner
	ticker  *engine.Ticker
	ops     *observability.Server
	fwd     *kafka.Forwarder

	pollInterval  time.Duration
	traceShutdown func(context.Context) error

	optMu    sync.Mutex
	optional []*supervisor.Supervisor

	started   time.Time
	lastCycle atomic.Int64 // unix nanos of the last completed cycle
}

// New loads the config file and builds every component. Nothing runs until
// Start, RunOnce or Migrate is called.
func New(ctx context.Context, cfgPath, version string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// The chat sink needs the channel and the channel wants a logger.
	logSvc, log := logx.New(mapLogging(cfg), nil)
	ch, err := telegram.New(mapTelegram(cfg), logSvc.Logger().With(logx.String("comp", "telegram")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	logSvc.SetSender(ch)
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	a := &App{
		version: version,
		cfgm:    cfgm,
		cfg:     cfg,
		log:     log,
		logs:    logSvc,
		bus:     eventbus.New(),
		reg:     prometheus.NewRegistry(),
		channel: ch,
	}
	if err := a.build(ctx, logSvc.Logger()); err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, root logx.Logger) error {
	cfg := a.cfg
	ec, err := cfg.Engine.Resolve()
	if err != nil {
		return err
	}
	a.pollInterval = ec.PollInterval

	sc, err := mapStorage(cfg)
	if err != nil {
		return err
	}
	store, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.store = store
	a.log.Info("storage opened", logx.String("driver", sc.Driver))

	files, err := mapAttachments(cfg)
	if err != nil {
		_ = store.Close()
		return err
	}

	shutdown, err := observability.SetupTracing(ctx, mapTracing(cfg, a.version), root.With(logx.String("comp", "tracing")))
	if err != nil {
		_ = store.Close()
		return err
	}
	a.traceShutdown = shutdown

	a.reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := engine.NewMetrics(a.reg)

	engLog := root.With(logx.String("comp", "engine"))
	disp := engine.NewDispatcher(a.channel, files, engine.OwnerRecipients{}, engine.DispatcherConfig{
		TextTimeout: ec.TextTimeout,
		FileTimeout: ec.FileTimeout,
		Location:    ec.Location,
	}, engLog.With(logx.String("part", "dispatcher")))
	a.runner = engine.NewRunner(store, disp,
		engine.WithLogger(engLog),
		engine.WithBus(a.bus),
		engine.WithMetrics(metrics),
		engine.WithMaxRetry(ec.MaxRetry),
	)
	a.ticker = engine.NewTicker(a.runner, engine.TickerConfig{
		PollInterval: ec.PollInterval,
		Location:     ec.Location,
		RunOnStart:   ec.RunOnStart,
	}, engLog.With(logx.String("part", "ticker")))

	a.ops = observability.NewServer(mapOps(cfg), a.reg, a.health, root.With(logx.String("comp", "ops")))

	kc, enabled, err := mapKafka(cfg)
	if err != nil {
		_ = store.Close()
		return err
	}
	if enabled {
		a.fwd = kafka.New(kafka.NewWriter(kc), a.bus, kc.Buffer, root.With(logx.String("comp", "kafka")))
	}
	return nil
}

// Logger returns the app logger for callers outside the supervisor.
func (a *App) Logger() logx.Logger { return a.log }

// Migrate applies the storage schema.
func (a *App) Migrate(ctx context.Context) error {
	if err := a.store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	a.log.Info("storage schema up to date")
	return nil
}

// RunOnce runs a single cycle at the current time.
func (a *App) RunOnce(ctx context.Context) (engine.CycleReport, error) {
	return a.ticker.RunNow(ctx)
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.started = time.Now()
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()

	if err := a.Migrate(runCtx); err != nil {
		return err
	}

	// eventbus consumer: health bookkeeping plus debug trail
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				if rep, isCycle := e.Data.(engine.CycleReport); isCycle {
					a.lastCycle.Store(rep.Started.Add(rep.Took).UnixNano())
				}
				if a.log.Enabled(logx.LevelTrace) {
					a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time),
						logx.Uint64("bus_dropped", a.bus.Dropped()))
				}
			}
		}
	})

	if a.fwd != nil {
		a.goOptional("events.kafka", a.fwd.Run, supervisor.RestartPolicy{MinBackoff: time.Second, MaxBackoff: 30 * time.Second, MaxRestarts: 5})
	}
	if strings.TrimSpace(a.cfg.Observability.Addr) != "" {
		a.goOptional("ops.http", a.ops.Run, supervisor.RestartPolicy{MinBackoff: 500 * time.Millisecond, MaxBackoff: 10 * time.Second})
	}

	if err := a.ticker.Start(runCtx); err != nil {
		return err
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started", logx.String("version", a.version), logx.Duration("poll_interval", a.pollInterval))
	return nil
}

// goOptional runs fn under its own supervisor so that giving up on it never
// cancels delivery. The app supervisor waits for it on shutdown.
func (a *App) goOptional(name string, fn func(context.Context) error, p supervisor.RestartPolicy) *supervisor.Supervisor {
	child := supervisor.New(a.sup.Context(), supervisor.WithLogger(a.log.With(logx.String("task", name))))
	child.GoRestart(name, fn, p)
	a.optMu.Lock()
	a.optional = append(a.optional, child)
	a.optMu.Unlock()
	a.sup.Go(name+".wait", func(c context.Context) error {
		<-c.Done()
		if err := child.Wait(context.Background()); err != nil {
			a.log.Warn("optional task ended with error", logx.String("task", name), logx.Err(err))
		}
		return nil
	})
	return child
}

// reloadLoop applies logging changes live and flags everything else as
// needing a restart.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// coalesce bursts
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}

			sections, attrs := config.SummarizeChange(lastApplied, newCfg)
			lastApplied = newCfg
			if len(sections) == 0 {
				a.log.Debug("config reload received, but no effective changes detected")
				continue
			}
			a.logs.Apply(mapLogging(newCfg))
			a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfig, Data: sections})

			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			if config.NeedsRestart(sections) {
				a.log.Warn("config changed; restart required for non-logging sections to take effect", fields...)
			} else {
				a.log.Info("config reloaded", fields...)
			}
		}
	}
}

// Healthy reports whether delivery is making progress.
func (a *App) Healthy() bool { return a.health().OK }

func (a *App) health() observability.Health {
	h := observability.Health{OK: true, CycleRunning: a.runner.Running()}
	if a.sup != nil {
		h.Tasks = a.sup.Status()
		a.optMu.Lock()
		for _, o := range a.optional {
			h.Tasks = append(h.Tasks, o.Status()...)
		}
		a.optMu.Unlock()
		if err := a.sup.Err(); err != nil {
			h.OK = false
			h.Detail = err.Error()
			return h
		}
	}
	stale := 3 * a.pollInterval
	if stale < 2*time.Minute {
		stale = 2 * time.Minute
	}
	if ns := a.lastCycle.Load(); ns != 0 {
		h.LastCycle = time.Unix(0, ns)
		if time.Since(h.LastCycle) > stale && !h.CycleRunning {
			h.OK = false
			h.Detail = "no completed cycle since " + h.LastCycle.Format(time.RFC3339)
		}
	} else if !a.started.IsZero() && time.Since(a.started) > stale && !h.CycleRunning {
		h.OK = false
		h.Detail = "no cycle completed yet"
	}
	return h
}

// Stop shuts components down in dependency order; each step is bounded so
// one component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason string) error {
	a.log.Info("stopping", logx.String("reason", reason))

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	// The ticker goes first so an in-flight item can still commit its outcome.
	step("ticker", 25*time.Second, func(c context.Context) error { a.ticker.Stop(c); return nil })
	if a.sup != nil {
		a.sup.Cancel()
		step("supervisor", 5*time.Second, a.sup.Wait)
	}
	if a.fwd != nil {
		step("events.kafka", 5*time.Second, func(context.Context) error { return a.fwd.Close() })
	}
	step("tracing", 3*time.Second, a.traceShutdown)
	step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// Close releases resources for callers that never called Start.
func (a *App) Close(ctx context.Context) error {
	err := a.traceShutdown(ctx)
	if a.fwd != nil {
		err = errors.Join(err, a.fwd.Close())
	}
	err = errors.Join(err, a.store.Close())
	if a.logs != nil {
		err = errors.Join(err, a.logs.Close())
	}
	return err
}
