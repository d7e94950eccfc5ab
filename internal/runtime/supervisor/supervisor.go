// Package supervisor runs the daemon's long-lived goroutines (ops server,
// ticker watchdog, event forwarder) under one cancellable context with panic
// recovery and restart backoff.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"notifyd/pkg/logx"
)

// Supervisor owns a context and every goroutine started through it.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger

	cancelOnErr bool
	firstErr    atomic.Pointer[error]

	wg       sync.WaitGroup
	doneOnce sync.Once
	done     chan struct{}

	mu    sync.Mutex
	tasks map[string]*taskState
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option { return func(s *Supervisor) { s.log = log } }

// WithCancelOnError cancels the shared context when any task fails for good.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		log:    logx.Nop(),
		done:   make(chan struct{}),
		tasks:  map[string]*taskState{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first recorded task failure.
func (s *Supervisor) Err() error {
	if p := s.firstErr.Load(); p != nil {
		return *p
	}
	return nil
}

func (s *Supervisor) fail(err error) {
	if err == nil {
		return
	}
	s.firstErr.CompareAndSwap(nil, &err)
	if s.cancelOnErr {
		s.cancel()
	}
}

// Go runs fn once. A panic or a non-cancellation error is recorded as the
// supervisor error.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		st := s.begin(name, false)
		err := s.run(name, fn)
		if err != nil && !errors.Is(err, context.Canceled) {
			err = fmt.Errorf("%s: %w", name, err)
			s.end(st, err)
			s.fail(err)
			return
		}
		s.end(st, nil)
	}()
}

// RestartPolicy tunes GoRestart.
type RestartPolicy struct {
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
	MaxRestarts int // 0 = unlimited
}

func (p RestartPolicy) normalized() RestartPolicy {
	if p.MinBackoff <= 0 {
		p.MinBackoff = 250 * time.Millisecond
	}
	if p.MaxBackoff < p.MinBackoff {
		p.MaxBackoff = 30 * time.Second
		if p.MaxBackoff < p.MinBackoff {
			p.MaxBackoff = p.MinBackoff
		}
	}
	return p
}

// GoRestart runs fn and restarts it after errors or panics with jittered
// exponential backoff. A nil return or context cancellation stops the loop.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, p RestartPolicy) {
	if fn == nil {
		return
	}
	p = p.normalized()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		backoff := p.MinBackoff
		for restarts := 0; ; restarts++ {
			started := time.Now()
			st := s.begin(name, restarts > 0)
			err := s.run(name, fn)
			if err == nil || errors.Is(err, context.Canceled) || s.ctx.Err() != nil {
				s.end(st, nil)
				return
			}
			err = fmt.Errorf("%s: %w", name, err)
			s.end(st, err)

			if p.MaxRestarts > 0 && restarts >= p.MaxRestarts {
				s.log.Error("task gave up", logx.String("task", name), logx.Int("restarts", restarts), logx.Err(err))
				s.fail(err)
				return
			}
			// A long healthy run resets the backoff.
			if time.Since(started) >= 30*time.Second {
				backoff = p.MinBackoff
			}
			wait := backoff + time.Duration(rand.Int64N(int64(backoff)/5+1))
			s.log.Warn("task restarting", logx.String("task", name), logx.Duration("backoff", wait), logx.Err(err))

			t := time.NewTimer(wait)
			select {
			case <-s.ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			backoff = min(backoff*2, p.MaxBackoff)
		}
	}()
}

func (s *Supervisor) run(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.notePanic(name, r)
			s.log.Error("task panicked", logx.String("task", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(s.ctx)
}

// Stop cancels the context and waits for every task or ctx.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

func (s *Supervisor) Wait(ctx context.Context) error {
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.done)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return s.Err()
	}
}

type taskState struct {
	name      string
	running   int
	starts    int
	restarts  int
	panics    int
	lastStart time.Time
	lastErr   string
}

// TaskStatus is a read-only view of one named task.
type TaskStatus struct {
	Name     string    `json:"name"`
	Running  bool      `json:"running"`
	Starts   int       `json:"starts"`
	Restarts int       `json:"restarts"`
	Panics   int       `json:"panics"`
	Since    time.Time `json:"since"`
	LastErr  string    `json:"last_err,omitempty"`
}

// Status lists tasks, running first, then by name.
func (s *Supervisor) Status() []TaskStatus {
	s.mu.Lock()
	out := make([]TaskStatus, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, TaskStatus{
			Name:     t.name,
			Running:  t.running > 0,
			Starts:   t.starts,
			Restarts: t.restarts,
			Panics:   t.panics,
			Since:    t.lastStart,
			LastErr:  t.lastErr,
		})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Running != out[j].Running {
			return out[i].Running
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func (s *Supervisor) state(name string) *taskState {
	t := s.tasks[name]
	if t == nil {
		t = &taskState{name: name}
		s.tasks[name] = t
	}
	return t
}

func (s *Supervisor) begin(name string, restart bool) *taskState {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.state(name)
	t.running++
	t.starts++
	if restart {
		t.restarts++
	}
	t.lastStart = time.Now()
	s.log.Debug("task started", logx.String("task", name))
	return t
}

func (s *Supervisor) end(t *taskState, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.running > 0 {
		t.running--
	}
	if err != nil {
		t.lastErr = err.Error()
	}
}

func (s *Supervisor) notePanic(name string, _ any) {
	s.mu.Lock()
	s.state(name).panics++
	s.mu.Unlock()
}
