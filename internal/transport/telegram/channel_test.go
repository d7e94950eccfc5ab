package telegram

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"

	"notifyd/internal/attachment"
	"notifyd/internal/transport"
	"notifyd/pkg/logx"
)

func TestSplitText(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		in    string
		limit int
		want  []string
	}{
		{"short", "hello", 10, []string{"hello"}},
		{"hard cut", "abcdefghij", 4, []string{"abcd", "efgh", "ij"}},
		{"newline preferred", "aaaa\nbbbbbbb", 8, []string{"aaaa", "bbbbbbb"}},
		{"skips blank lines", "aaa\n\n\nbbb", 4, []string{"aaa", "bbb"}},
		{"runes not bytes", "ééééé", 2, []string{"éé", "éé", "é"}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := splitText(tc.in, tc.limit)
			if strings.Join(got, "|") != strings.Join(tc.want, "|") {
				t.Fatalf("got %q want %q", got, tc.want)
			}
		})
	}
}

func TestSplitTextRespectsLimit(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("line of text\n", 1000)
	for _, chunk := range splitText(long, textLimit) {
		if n := utf8.RuneCountInString(chunk); n > textLimit {
			t.Fatalf("chunk has %d runes", n)
		}
	}
}

func TestTruncateRunes(t *testing.T) {
	t.Parallel()

	if got := truncateRunes("short", 10); got != "short" {
		t.Fatalf("got %q", got)
	}
	got := truncateRunes(strings.Repeat("x", 20), 10)
	if utf8.RuneCountInString(got) != 10 || !strings.HasSuffix(got, "…") {
		t.Fatalf("got %q", got)
	}
}

func TestParseRecipient(t *testing.T) {
	t.Parallel()

	r, err := parseRecipient(" -100123 ")
	if err != nil {
		t.Fatal(err)
	}
	if id, ok := r.(tele.ChatID); !ok || int64(id) != -100123 {
		t.Fatalf("numeric handle: %#v", r)
	}
	r, err = parseRecipient("news")
	if err != nil || r.Recipient() != "@news" {
		t.Fatalf("channel handle: %v %v", r, err)
	}
	if _, err := parseRecipient(""); !errors.Is(err, transport.ErrEmptyRecipient) {
		t.Fatalf("expected ErrEmptyRecipient, got %v", err)
	}
}

func TestNewRequiresToken(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{}, logx.Nop()); err == nil {
		t.Fatalf("expected error for empty token")
	}
	c, err := New(Config{Token: "123:abc"}, logx.Nop())
	if err != nil {
		t.Fatalf("offline bot should not touch the network: %v", err)
	}
	if c.limiter.Burst() != 5 {
		t.Fatalf("burst = %d", c.limiter.Burst())
	}
}

type trackedBody struct {
	io.Reader
	closed atomic.Int32
}

func (b *trackedBody) Close() error {
	b.closed.Add(1)
	return nil
}

func TestAbandonedUploadKeepsFileOpenUntilDone(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		<-release
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":1,"chat":{"id":42}}}`)
	}))
	defer srv.Close()
	defer func() {
		select {
		case <-release:
		default:
			close(release)
		}
	}()

	c, err := New(Config{Token: "123:abc", APIURL: srv.URL}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	body := &trackedBody{Reader: strings.NewReader("%PDF-1.4 report")}
	f, err := attachment.NewFile("report.pdf", -1, body)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := c.SendAttachment(ctx, "42", f, "report"); !errors.Is(err, transport.ErrTimeout) {
		t.Fatalf("err = %v, want timeout", err)
	}
	if n := body.closed.Load(); n != 0 {
		t.Fatalf("file closed while the upload was still running (%d)", n)
	}

	close(release)
	deadline := time.Now().Add(2 * time.Second)
	for body.closed.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("file never closed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if n := body.closed.Load(); n != 1 {
		t.Fatalf("closed %d times", n)
	}
}

func TestRateLimitWaitClosesFile(t *testing.T) {
	t.Parallel()

	c, err := New(Config{Token: "123:abc", APIURL: "http://127.0.0.1:1"}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	body := &trackedBody{Reader: strings.NewReader("plain")}
	f, err := attachment.NewFile("a.txt", 5, body)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.SendAttachment(ctx, "42", f, ""); err == nil {
		t.Fatal("expected error on canceled ctx")
	}
	if body.closed.Load() != 1 {
		t.Fatal("file not closed when the call never started")
	}
}
