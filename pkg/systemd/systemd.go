// Package systemd reports service state to the systemd manager over the
// sd_notify socket. Every call is a no-op when NOTIFY_SOCKET is unset.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"notifyd/pkg/logx"
)

func Ready(log logx.Logger) { notify(log, daemon.SdNotifyReady) }

func Stopping(log logx.Logger) { notify(log, daemon.SdNotifyStopping) }

func Reloading(log logx.Logger) { notify(log, daemon.SdNotifyReloading) }

// Status sets the free-form status line shown by systemctl status.
func Status(log logx.Logger, msg string) { notify(log, "STATUS="+msg) }

func notify(log logx.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		log.Trace("sd_notify", logx.String("state", state))
	}
}

// Watchdog pings the systemd watchdog at half the configured WatchdogSec
// while healthy reports true. It returns when ctx is done or immediately
// when the unit has no watchdog.
func Watchdog(ctx context.Context, healthy func() bool, log logx.Logger) error {
	every, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return err
	}
	if every <= 0 {
		<-ctx.Done()
		return nil
	}
	every /= 2
	log.Info("systemd watchdog enabled", logx.Duration("ping_every", every))

	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if healthy != nil && !healthy() {
				log.Warn("watchdog ping withheld: unhealthy")
				continue
			}
			notify(log, daemon.SdNotifyWatchdog)
		}
	}
}
