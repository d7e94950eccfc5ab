package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"notifyd/internal/eventbus"
	"notifyd/internal/storage"
)

func TestTickerRunNowSkipsWhileRunning(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	seed(t, st, oneTime(0, t0))
	m := NewMetrics(prometheus.NewRegistry())
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	ch := &fakeChannel{block: make(chan struct{})}
	r := newRunner(st, ch, t0, WithMetrics(m), WithBus(bus))
	tk := NewTicker(r, TickerConfig{PollInterval: time.Hour}, nopLog())

	done := make(chan error, 1)
	go func() {
		_, err := tk.RunNow(context.Background())
		done <- err
	}()
	waitFor(t, func() bool { return ch.callCount() == 1 })

	if _, err := tk.RunNow(context.Background()); !errors.Is(err, ErrCycleRunning) {
		t.Fatalf("err = %v", err)
	}
	close(ch.block)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(m.ticksSkipped); got != 1 {
		t.Fatalf("skipped = %v", got)
	}
	timeout := time.After(2 * time.Second)
	for {
		select {
		case e := <-events:
			if e.Type == eventbus.TypeSkipped {
				return
			}
		case <-timeout:
			t.Fatal("no skip event published")
		}
	}
}

func TestTickerStartRunsOnStartAndIsIdempotent(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	seed(t, st, oneTime(0, t0))
	ch := &fakeChannel{}
	r := newRunner(st, ch, t0)
	tk := NewTicker(r, TickerConfig{PollInterval: time.Hour, RunOnStart: true}, nopLog())

	ctx := context.Background()
	if err := tk.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := tk.Start(ctx); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return ch.callCount() == 1 })

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	tk.Stop(stopCtx)
	if r.Running() {
		t.Fatal("cycle still running after Stop")
	}
	if ch.callCount() != 1 {
		t.Fatalf("calls = %d, want one cycle", ch.callCount())
	}
}

func TestCronLoggerCountsSkips(t *testing.T) {
	t.Parallel()
	var n int
	l := cronLogger{log: nopLog(), onSkip: func() { n++ }}
	l.Info("skip")
	l.Info("wake")
	l.Error(errors.New("x"), "panic", "stack", "...")
	if n != 1 {
		t.Fatalf("skips = %d", n)
	}
}

func TestNewTickerDefaults(t *testing.T) {
	t.Parallel()
	r := NewRunner(storage.NewMemory(), &panicSender{})
	if got := NewTicker(r, TickerConfig{}, nopLog()).cfg.PollInterval; got != DefaultPollInterval {
		t.Fatalf("default = %v", got)
	}
	if got := NewTicker(r, TickerConfig{PollInterval: 10 * time.Millisecond}, nopLog()).cfg.PollInterval; got != time.Second {
		t.Fatalf("floor = %v", got)
	}
}
