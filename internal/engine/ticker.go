package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"notifyd/internal/eventbus"
	"notifyd/pkg/logx"
)

const DefaultPollInterval = 30 * time.Second

type TickerConfig struct {
	PollInterval time.Duration
	Location     *time.Location
	RunOnStart   bool
}

// Ticker triggers cycles on a fixed cadence. A tick that arrives while a cycle
// is still running is dropped, never queued.
type Ticker struct {
	runner  *Runner
	cfg     TickerConfig
	log     logx.Logger
	bus     eventbus.Bus
	metrics *Metrics

	mu sync.Mutex
	c  *cron.Cron
}

func NewTicker(r *Runner, cfg TickerConfig, log logx.Logger) *Ticker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.PollInterval < time.Second {
		// cron's @every resolution
		cfg.PollInterval = time.Second
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Ticker{runner: r, cfg: cfg, log: log, bus: r.bus, metrics: r.metrics}
}

// Start schedules the polling entry. Calling Start on a started ticker is a no-op.
// ctx is the parent of every cycle; cancelling it interrupts the cycle in progress
// between items.
func (t *Ticker) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.c != nil {
		t.log.Debug("start ignored: already running")
		return nil
	}

	cl := cronLogger{log: t.log, onSkip: t.skipped}
	c := cron.New(
		cron.WithLocation(t.cfg.Location),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	spec := "@every " + t.cfg.PollInterval.String()
	if _, err := c.AddFunc(spec, func() { t.tick(ctx) }); err != nil {
		return fmt.Errorf("schedule %q: %w", spec, err)
	}
	t.c = c
	c.Start()
	t.log.Info("ticker started",
		logx.Duration("every", t.cfg.PollInterval),
		logx.String("tz", t.cfg.Location.String()),
		logx.Bool("run_on_start", t.cfg.RunOnStart))

	if t.cfg.RunOnStart {
		go t.tick(ctx)
	}
	return nil
}

// Stop removes the polling entry and waits for a running cycle to finish or
// for ctx to end, whichever comes first.
func (t *Ticker) Stop(ctx context.Context) {
	start := time.Now()
	t.mu.Lock()
	c := t.c
	t.c = nil
	t.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		t.log.Warn("ticker stop: cycle still running", logx.Err(ctx.Err()))
	}
	for t.runner.Running() && ctx.Err() == nil {
		// a RunNow or run-on-start cycle is outside cron's bookkeeping
		select {
		case <-ctx.Done():
		case <-time.After(20 * time.Millisecond):
		}
	}
	t.log.Info("ticker stopped", logx.Duration("took", time.Since(start)))
}

// RunNow runs one cycle immediately through the same guard as scheduled ticks.
func (t *Ticker) RunNow(ctx context.Context) (CycleReport, error) {
	rep, err := t.runner.RunCycle(ctx, t.runner.clock())
	if errors.Is(err, ErrCycleRunning) {
		t.skipped()
	}
	return rep, err
}

func (t *Ticker) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := t.runner.RunCycle(ctx, t.runner.clock()); err != nil {
		if errors.Is(err, ErrCycleRunning) {
			t.skipped()
			return
		}
		// Already logged by the runner; the next tick retries.
		t.log.Debug("tick: cycle failed", logx.Err(err))
	}
}

func (t *Ticker) skipped() {
	t.metrics.skipped()
	t.log.Debug("tick skipped: cycle still running")
	if t.bus != nil {
		t.bus.Publish(eventbus.Event{Type: eventbus.TypeSkipped, Data: time.Now()})
	}
}

// cronLogger adapts logx to cron.Logger. cron reports a dropped overlapping
// run as Info("skip").
type cronLogger struct {
	log    logx.Logger
	onSkip func()
}

func (l cronLogger) Info(msg string, kv ...any) {
	if msg == "skip" {
		if l.onSkip != nil {
			l.onSkip()
		}
		return
	}
	l.log.Trace("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			k = fmt.Sprint(kv[i])
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
