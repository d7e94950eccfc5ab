package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"notifyd/internal/eventbus"
	"notifyd/internal/model"
	"notifyd/internal/storage"
	"notifyd/pkg/logx"
)

var ErrCycleRunning = errors.New("engine: cycle already running")

// Store is the part of storage.Store a cycle needs.
type Store interface {
	ListPending(ctx context.Context) ([]model.Notification, error)
	InTx(ctx context.Context, fn func(tx storage.Tx) error) error
}

// Sender dispatches one due item.
type Sender interface {
	Dispatch(ctx context.Context, item model.DueItem) Result
}

// CycleReport summarizes one cycle.
type CycleReport struct {
	ID        string        `json:"id"`
	Started   time.Time     `json:"started"`
	Took      time.Duration `json:"took"`
	Pending   int           `json:"pending"`
	Due       int           `json:"due"`
	Sent      int           `json:"sent"`
	Failed    int           `json:"failed"`
	Errors    int           `json:"errors"` // outcome writes that did not commit
	Malformed int           `json:"malformed"`
}

// ItemReport is published on the bus for every processed item.
type ItemReport struct {
	CycleID        string    `json:"cycle_id"`
	NotificationID int64     `json:"notification_id"`
	ReminderID     int64     `json:"reminder_id,omitempty"`
	Kind           string    `json:"kind"`
	OccurrenceAt   time.Time `json:"occurrence_at"`
	Outcome        string    `json:"outcome"`
	Status         string    `json:"status"`
	RetryCount     int       `json:"retry_count"`
	Error          string    `json:"error,omitempty"`
	TookMS         int64     `json:"took_ms"`
	Committed      bool      `json:"committed"`
}

// Runner executes delivery cycles. At most one cycle runs at a time.
type Runner struct {
	store   Store
	sender  Sender
	outcome *OutcomeHandler

	log     logx.Logger
	bus     eventbus.Bus
	metrics *Metrics
	tracer  trace.Tracer
	clock   func() time.Time

	running atomic.Bool
}

type RunnerOption func(*Runner)

func WithLogger(log logx.Logger) RunnerOption    { return func(r *Runner) { r.log = log } }
func WithBus(b eventbus.Bus) RunnerOption         { return func(r *Runner) { r.bus = b } }
func WithMetrics(m *Metrics) RunnerOption         { return func(r *Runner) { r.metrics = m } }
func WithTracer(t trace.Tracer) RunnerOption      { return func(r *Runner) { r.tracer = t } }
func WithMaxRetry(n int) RunnerOption             { return func(r *Runner) { r.outcome = NewOutcomeHandler(n, r.log) } }
func WithClock(now func() time.Time) RunnerOption { return func(r *Runner) { r.clock = now } }

func NewRunner(store Store, sender Sender, opts ...RunnerOption) *Runner {
	r := &Runner{
		store:  store,
		sender: sender,
		log:    logx.Nop(),
		tracer: otel.Tracer("notifyd/engine"),
		clock:  time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	if r.outcome == nil {
		r.outcome = NewOutcomeHandler(2, r.log)
	} else {
		r.outcome.log = r.log
	}
	return r
}

// Running reports whether a cycle is in progress.
func (r *Runner) Running() bool { return r.running.Load() }

// RunCycle resolves and processes every item due at now. Only a failed
// store read aborts the cycle; item failures are counted in the report.
//
// Cancelling ctx stops the cycle between items. The item in flight still
// finishes under its own send timeouts so its outcome is recorded.
func (r *Runner) RunCycle(ctx context.Context, now time.Time) (CycleReport, error) {
	if !r.running.CompareAndSwap(false, true) {
		r.metrics.cycle("busy", CycleReport{})
		return CycleReport{}, ErrCycleRunning
	}
	defer r.running.Store(false)

	rep := CycleReport{ID: uuid.NewString(), Started: time.Now()}
	ctx = withCycleID(ctx, rep.ID)
	ctx, span := r.tracer.Start(ctx, "engine.cycle", trace.WithAttributes(attribute.String("cycle.id", rep.ID)))
	defer span.End()
	log := r.log.With(logx.String("cycle", rep.ID))

	pending, err := r.store.ListPending(ctx)
	if err != nil {
		rep.Took = time.Since(rep.Started)
		span.RecordError(err)
		span.SetStatus(codes.Error, "list pending")
		r.metrics.cycle("error", rep)
		log.Error("cycle aborted: store read failed", logx.Err(err))
		return rep, fmt.Errorf("list pending: %w", err)
	}
	rep.Pending = len(pending)

	items, bad := resolve(now, pending)
	rep.Due = len(items)
	rep.Malformed = len(bad)
	r.metrics.malformedSchedules(len(bad))
	for _, m := range bad {
		log.Warn("reminder skipped: malformed offset",
			logx.Int64("notification_id", m.NotificationID),
			logx.Int64("reminder_id", m.ReminderID),
			logx.Err(m.Err),
		)
	}

	// Work continues past cancellation for the item in flight.
	work := context.WithoutCancel(ctx)
	for _, item := range items {
		if ctx.Err() != nil {
			log.Info("cycle interrupted", logx.Int("remaining", rep.Due-rep.Sent-rep.Failed))
			break
		}
		ir := r.process(work, log, rep.ID, item)
		if ir.Outcome == model.OutcomeSent.String() {
			rep.Sent++
		} else {
			rep.Failed++
		}
		if !ir.Committed {
			rep.Errors++
		}
	}

	rep.Took = time.Since(rep.Started)
	span.SetAttributes(
		attribute.Int("cycle.pending", rep.Pending),
		attribute.Int("cycle.due", rep.Due),
		attribute.Int("cycle.sent", rep.Sent),
		attribute.Int("cycle.failed", rep.Failed),
	)
	r.metrics.cycle("ok", rep)
	r.publish(eventbus.TypeCycle, rep)
	if rep.Due > 0 || rep.Errors > 0 {
		log.Info("cycle finished",
			logx.Int("pending", rep.Pending), logx.Int("due", rep.Due),
			logx.Int("sent", rep.Sent), logx.Int("failed", rep.Failed),
			logx.Int("errors", rep.Errors), logx.Duration("took", rep.Took))
	} else {
		log.Debug("cycle finished", logx.Int("pending", rep.Pending), logx.Duration("took", rep.Took))
	}
	return rep, nil
}

// process runs dispatch and the outcome transaction for one item. A panic
// is contained here and recorded as a failed attempt.
func (r *Runner) process(ctx context.Context, log logx.Logger, cycleID string, item model.DueItem) (ir ItemReport) {
	n := item.Notification
	ir = ItemReport{
		CycleID:        cycleID,
		NotificationID: n.ID,
		Kind:           item.Kind.String(),
		OccurrenceAt:   item.OccurrenceAt,
		Outcome:        model.OutcomeFailed.String(),
	}
	if item.Reminder != nil {
		ir.ReminderID = item.Reminder.ID
	}
	ctx, span := r.tracer.Start(ctx, "engine.item", trace.WithAttributes(
		attribute.Int64("notification.id", n.ID),
		attribute.String("item.kind", ir.Kind),
	))
	defer span.End()

	committed := false
	defer func() {
		if p := recover(); p != nil {
			ir.Outcome = model.OutcomeFailed.String()
			ir.Error = fmt.Sprintf("panic: %v", p)
			span.SetStatus(codes.Error, "panic")
			log.Error("item panicked", logx.Int64("notification_id", n.ID), logx.Any("panic", p),
				logx.String("stack", string(debug.Stack())))
			if !committed {
				ir.Committed = r.failPanicked(ctx, log, item, errors.New(ir.Error))
			}
		}
		ir.Status = string(n.Status)
		ir.RetryCount = n.RetryCount
		r.publish(eventbus.TypeItem, ir)
	}()

	res := r.sender.Dispatch(ctx, item)
	ir.Outcome = res.Outcome.String()
	ir.TookMS = res.Took.Milliseconds()
	r.metrics.item(item.Kind, res)
	if res.Err != nil {
		ir.Error = res.Err.Error()
		span.RecordError(res.Err)
	}

	d, err := r.commit(ctx, item, res)
	if err != nil {
		span.SetStatus(codes.Error, "outcome not committed")
		log.Error("outcome not committed", logx.Int64("notification_id", n.ID),
			logx.String("kind", ir.Kind), logx.String("outcome", ir.Outcome), logx.Err(err))
		return ir
	}
	committed = true
	ir.Committed = true
	d.Mirror(item)
	if d.RescheduleErr != nil {
		r.metrics.malformedSchedules(1)
	}

	fields := []logx.Field{
		logx.Int64("notification_id", n.ID),
		logx.String("kind", ir.Kind),
		logx.Time("occurrence", item.OccurrenceAt),
		logx.Int("retry_count", n.RetryCount),
		logx.String("status", string(n.Status)),
	}
	if res.Outcome == model.OutcomeSent {
		log.Info("item sent", fields...)
	} else {
		log.Warn("item failed", append(fields, logx.Err(res.Err))...)
	}
	return ir
}

// commit writes the outcome of res and its attempt in one transaction.
func (r *Runner) commit(ctx context.Context, item model.DueItem, res Result) (Decision, error) {
	var d Decision
	err := r.store.InTx(ctx, func(tx storage.Tx) error {
		var err error
		d, err = r.outcome.Apply(ctx, tx, item, res, r.clock())
		return err
	})
	return d, err
}

// failPanicked records a panicked item as failed so it still consumes a
// retry. It reports whether the failure was committed.
func (r *Runner) failPanicked(ctx context.Context, log logx.Logger, item model.DueItem, cause error) (ok bool) {
	defer func() {
		if p := recover(); p != nil {
			ok = false
			log.Error("panicked item not recorded", logx.Int64("notification_id", item.Notification.ID), logx.Any("panic", p))
		}
	}()
	d, err := r.commit(ctx, item, Result{Outcome: model.OutcomeFailed, Err: cause})
	if err != nil {
		log.Error("panicked item not recorded", logx.Int64("notification_id", item.Notification.ID), logx.Err(err))
		return false
	}
	d.Mirror(item)
	return true
}

func (r *Runner) publish(typ string, data any) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{Type: typ, Data: data})
}
