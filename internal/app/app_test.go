package app

import (
	"context"
	"testing"
	"time"

	"notifyd/internal/runtime/supervisor"
	"notifyd/pkg/logx"
)

func TestOptionalTaskFailureKeepsAppRunning(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := &App{log: logx.Nop()}
	a.sup = supervisor.New(ctx, supervisor.WithLogger(logx.Nop()), supervisor.WithCancelOnError(true))

	child := a.goOptional("events.kafka", func(context.Context) error { panic("writer blew up") },
		supervisor.RestartPolicy{MinBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, MaxRestarts: 1})

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	if err := child.Wait(waitCtx); err == nil {
		t.Fatal("expected the optional task to give up")
	}
	if err := a.sup.Context().Err(); err != nil {
		t.Fatalf("app supervisor canceled: %v", err)
	}
	if err := a.Err(); err != nil {
		t.Fatalf("app error = %v", err)
	}

	a.sup.Cancel()
	if err := a.sup.Wait(waitCtx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
