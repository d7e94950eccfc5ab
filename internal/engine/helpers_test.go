package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"

	"notifyd/internal/attachment"
	"notifyd/internal/model"
	"notifyd/internal/storage"
	"notifyd/pkg/logx"
)

func nopLog() logx.Logger { return logx.Nop() }

var userSeq atomic.Int64

// seed stores n under a fresh owner and returns it as ListPending would.
func seed(t *testing.T, st storage.Store, n model.Notification) model.Notification {
	t.Helper()
	ctx := context.Background()
	u := model.User{Username: fmt.Sprintf("user%d", userSeq.Add(1)), ChatHandle: "4242"}
	if err := st.CreateUser(ctx, &u); err != nil {
		t.Fatalf("create user: %v", err)
	}
	n.ID = 0
	n.UserID = u.ID
	for i := range n.Reminders {
		n.Reminders[i].ID = 0
	}
	if err := st.CreateNotification(ctx, &n); err != nil {
		t.Fatalf("create notification: %v", err)
	}
	got, err := st.GetNotification(ctx, n.ID)
	if err != nil {
		t.Fatalf("get notification: %v", err)
	}
	return got
}

type sent struct {
	To   string
	Text string
	File string
	MIME string
}

// fakeChannel records sends. fail is consulted before each SendText call.
type fakeChannel struct {
	mu    sync.Mutex
	sends []sent
	calls int
	fail  func(call int, text string) error
	block chan struct{} // when set, SendText waits on it
}

func (c *fakeChannel) SendText(ctx context.Context, to, text string) error {
	c.mu.Lock()
	c.calls++
	call, fail, block := c.calls, c.fail, c.block
	c.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if fail != nil {
		if err := fail(call, text); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.sends = append(c.sends, sent{To: to, Text: text})
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) SendAttachment(_ context.Context, to string, f *attachment.File, caption string) error {
	defer f.Close()
	if _, err := io.Copy(io.Discard, f); err != nil {
		return err
	}
	c.mu.Lock()
	c.sends = append(c.sends, sent{To: to, Text: caption, File: f.Name, MIME: f.MIME})
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) texts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.sends))
	for _, s := range c.sends {
		out = append(out, s.Text)
	}
	return out
}

func (c *fakeChannel) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

var errChannelDown = errors.New("channel down")

// failFirst fails the first n calls.
func failFirst(n int) func(int, string) error {
	return func(call int, _ string) error {
		if call <= n {
			return errChannelDown
		}
		return nil
	}
}
