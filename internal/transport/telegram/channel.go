// Package telegram delivers notifications through the Telegram Bot API.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"notifyd/internal/attachment"
	"notifyd/internal/transport"
	"notifyd/pkg/logx"
)

const (
	textLimit    = 4096
	captionLimit = 1024
)

type Config struct {
	Token      string
	APIURL     string  // default https://api.telegram.org
	RatePerSec float64 // default 25
	Burst      int     // default 5
	// HTTPTimeout caps a single API call even if the caller's ctx has no deadline.
	HTTPTimeout time.Duration // default 60s
}

// Channel is a send-only Telegram client. It never polls for updates.
type Channel struct {
	bot     *tele.Bot
	limiter *rate.Limiter
	log     logx.Logger
}

var _ transport.Channel = (*Channel)(nil)

func New(cfg Config, log logx.Logger) (*Channel, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 25
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 60 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     strings.TrimSpace(cfg.APIURL),
		Token:   cfg.Token,
		Offline: true,
		Client:  &http.Client{Timeout: cfg.HTTPTimeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Channel{
		bot:     b,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		log:     log,
	}, nil
}

// SendText sends text, split into several messages when it exceeds the
// Telegram limit. The first failing chunk aborts the rest.
func (c *Channel) SendText(ctx context.Context, recipient, text string) error {
	to, err := parseRecipient(recipient)
	if err != nil {
		return err
	}
	for _, chunk := range splitText(text, textLimit) {
		if strings.TrimSpace(chunk) == "" {
			continue
		}
		if err := c.call(ctx, "sendMessage", func() error {
			_, err := c.bot.Send(to, chunk, &tele.SendOptions{DisableWebPagePreview: true})
			return err
		}); err != nil {
			return err
		}
	}
	return nil
}

// SendAttachment uploads f as a photo when it is a raster image and as a
// document otherwise. f is closed when the upload ends, which may be after
// SendAttachment has returned on timeout.
func (c *Channel) SendAttachment(ctx context.Context, recipient string, f *attachment.File, caption string) error {
	to, err := parseRecipient(recipient)
	if err != nil {
		return err
	}
	caption = truncateRunes(caption, captionLimit)

	var (
		what   any
		method string
	)
	if f.IsPhoto() {
		what, method = &tele.Photo{File: tele.FromReader(f), Caption: caption}, "sendPhoto"
	} else {
		what, method = &tele.Document{File: tele.FromReader(f), FileName: f.Name, MIME: f.MIME, Caption: caption}, "sendDocument"
	}
	return c.call(ctx, method, func() error {
		_, err := c.bot.Send(to, what)
		return err
	}, f)
}

// call waits for the rate limiter and runs fn until it returns or ctx ends.
// telebot has no per-request context, so an abandoned call finishes in the
// background under the HTTP client timeout. owned is closed once fn is done,
// or right away when fn never starts.
func (c *Channel) call(ctx context.Context, method string, fn func() error, owned ...io.Closer) error {
	release := func() {
		for _, o := range owned {
			_ = o.Close()
		}
	}
	if err := c.limiter.Wait(ctx); err != nil {
		release()
		return fmt.Errorf("telegram %s: %w", method, wrapCtx(err, ctx))
	}
	done := make(chan error, 1)
	go func() {
		defer release()
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		err := fn()
		if err == nil && ctx.Err() != nil {
			// The caller already reported a timeout; a retry will resend.
			c.log.Warn("telegram call completed after its deadline", logx.String("method", method))
		}
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			c.log.Debug("telegram call failed", logx.String("method", method), logx.Err(err))
			return fmt.Errorf("telegram %s: %w", method, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("telegram %s: %w", method, wrapCtx(ctx.Err(), ctx))
	}
}

func wrapCtx(err error, ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", transport.ErrTimeout, err)
	}
	return err
}

// chatName addresses public channels and groups by @username.
type chatName string

func (c chatName) Recipient() string { return string(c) }

func parseRecipient(s string) (tele.Recipient, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, transport.ErrEmptyRecipient
	}
	if id, err := strconv.ParseInt(s, 10, 64); err == nil {
		return tele.ChatID(id), nil
	}
	if !strings.HasPrefix(s, "@") {
		s = "@" + s
	}
	return chatName(s), nil
}
