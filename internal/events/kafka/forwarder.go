// Package kafka forwards engine outcome events to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	kgo "github.com/segmentio/kafka-go"

	"notifyd/internal/engine"
	"notifyd/internal/eventbus"
	"notifyd/pkg/logx"
)

type Config struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration // default 200ms
	Buffer       int           // bus subscription buffer, default 256
}

// MessageWriter is the subset of *kafka.Writer the forwarder uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kgo.Message) error
	Close() error
}

// Forwarder publishes item and cycle reports. Delivery is best-effort:
// a failed write is logged and the event dropped.
type Forwarder struct {
	w      MessageWriter
	events <-chan eventbus.Event
	unsub  func()
	log    logx.Logger

	closeOnce sync.Once
	closeErr  error
}

func NewWriter(cfg Config) *kgo.Writer {
	bt := cfg.BatchTimeout
	if bt <= 0 {
		bt = 200 * time.Millisecond
	}
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return &kgo.Writer{
		Addr:         kgo.TCP(brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kgo.Hash{},
		RequiredAcks: kgo.RequireOne,
		BatchTimeout: bt,
	}
}

// New subscribes to bus right away so nothing published before Run is lost
// beyond the buffer.
func New(w MessageWriter, bus eventbus.Bus, buffer int, log logx.Logger) *Forwarder {
	if buffer <= 0 {
		buffer = 256
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	events, unsub := bus.Subscribe(buffer)
	return &Forwarder{w: w, events: events, unsub: unsub, log: log}
}

// Run forwards events until ctx is done. The subscription outlives Run, so
// a supervisor may call Run again after a panic; Close releases it.
func (f *Forwarder) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-f.events:
			if !ok {
				return errors.New("event bus subscription closed")
			}
			msg, ok, err := encode(e)
			if err != nil {
				f.log.Warn("event encode failed", logx.String("type", e.Type), logx.Err(err))
				continue
			}
			if !ok {
				continue
			}
			if err := f.w.WriteMessages(ctx, msg); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				f.log.Warn("kafka write failed", logx.String("type", e.Type), logx.Err(err))
			}
		}
	}
}

// Close unsubscribes from the bus and closes the writer. It is safe to call
// more than once.
func (f *Forwarder) Close() error {
	f.closeOnce.Do(func() {
		f.unsub()
		f.closeErr = f.w.Close()
	})
	return f.closeErr
}

// encode keys item events by notification id so one notification's history
// stays in one partition.
func encode(e eventbus.Event) (kgo.Message, bool, error) {
	var key string
	switch d := e.Data.(type) {
	case engine.ItemReport:
		key = strconv.FormatInt(d.NotificationID, 10)
	case engine.CycleReport:
		key = d.ID
	default:
		return kgo.Message{}, false, nil
	}
	body, err := json.Marshal(e.Data)
	if err != nil {
		return kgo.Message{}, false, err
	}
	return kgo.Message{
		Key:     []byte(key),
		Value:   body,
		Time:    e.Time,
		Headers: []kgo.Header{{Key: "type", Value: []byte(e.Type)}},
	}, true, nil
}
