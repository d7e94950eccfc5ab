package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"notifyd/internal/attachment"
	"notifyd/internal/model"
	"notifyd/internal/transport"
	"notifyd/pkg/logx"
)

var ErrNoRecipient = errors.New("engine: notification has no recipient")

// Recipients maps a notification to its channel address.
type Recipients interface {
	Recipient(ctx context.Context, n *model.Notification) (string, error)
}

// OwnerRecipients reads the chat handle of the eager-loaded owner.
type OwnerRecipients struct{}

func (OwnerRecipients) Recipient(_ context.Context, n *model.Notification) (string, error) {
	if n.Owner == nil {
		return "", fmt.Errorf("notification %d: owner not loaded: %w", n.ID, ErrNoRecipient)
	}
	return strings.TrimSpace(n.Owner.ChatHandle), nil
}

// Result is the outcome of one dispatch.
type Result struct {
	Outcome model.Outcome
	Err     error
	Took    time.Duration
}

type DispatcherConfig struct {
	TextTimeout time.Duration
	FileTimeout time.Duration
	Location    *time.Location // reminder times are rendered here
}

// Dispatcher performs the outbound calls for one due item. It never retries
// and never touches the store.
type Dispatcher struct {
	ch     transport.Channel
	files  attachment.Opener
	recips Recipients
	cfg    DispatcherConfig
	log    logx.Logger
}

func NewDispatcher(ch transport.Channel, files attachment.Opener, recips Recipients, cfg DispatcherConfig, log logx.Logger) *Dispatcher {
	if recips == nil {
		recips = OwnerRecipients{}
	}
	if cfg.TextTimeout <= 0 {
		cfg.TextTimeout = 10 * time.Second
	}
	if cfg.FileTimeout <= 0 {
		cfg.FileTimeout = 20 * time.Second
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{ch: ch, files: files, recips: recips, cfg: cfg, log: log}
}

// Dispatch sends the item. Every error, timeout or panic is reported as
// OutcomeFailed.
func (d *Dispatcher) Dispatch(ctx context.Context, item model.DueItem) (res Result) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			res = Result{Outcome: model.OutcomeFailed, Err: fmt.Errorf("dispatch panic: %v", p)}
		}
		res.Took = time.Since(start)
	}()
	if err := d.send(ctx, item); err != nil {
		return Result{Outcome: model.OutcomeFailed, Err: err}
	}
	return Result{Outcome: model.OutcomeSent}
}

func (d *Dispatcher) send(ctx context.Context, item model.DueItem) error {
	n := item.Notification
	to, err := d.recips.Recipient(ctx, n)
	if err != nil {
		return err
	}
	if to == "" {
		return fmt.Errorf("notification %d: %w", n.ID, ErrNoRecipient)
	}

	tctx, cancel := context.WithTimeout(ctx, d.cfg.TextTimeout)
	err = d.ch.SendText(tctx, to, d.Text(item))
	cancel()
	if err != nil {
		return fmt.Errorf("send text: %w", err)
	}

	if item.Kind != model.KindEvent || strings.TrimSpace(n.Attachment) == "" {
		return nil
	}
	if d.files == nil {
		return fmt.Errorf("attachment %q: %w", n.Attachment, attachment.ErrNoBackend)
	}
	fctx, cancel := context.WithTimeout(ctx, d.cfg.FileTimeout)
	defer cancel()
	f, err := d.files.Open(fctx, n.Attachment)
	if err != nil {
		return fmt.Errorf("open attachment: %w", err)
	}
	// The channel owns f from here on.
	if err := d.ch.SendAttachment(fctx, to, f, n.Title); err != nil {
		return fmt.Errorf("send attachment: %w", err)
	}
	return nil
}

// Text renders the message body for an item.
func (d *Dispatcher) Text(item model.DueItem) string {
	n := item.Notification
	if item.Kind == model.KindEvent {
		return n.MessageText()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "⏰ Reminder: %s\nAt: %s", strings.TrimSpace(n.Title),
		item.OccurrenceAt.In(d.cfg.Location).Format("2006-01-02 15:04 MST"))
	if desc := strings.TrimSpace(n.Description); desc != "" {
		b.WriteString("\n\n")
		b.WriteString(desc)
	}
	return b.String()
}
