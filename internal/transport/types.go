// Package transport defines the outbound delivery channel used by the engine.
package transport

import (
	"context"
	"errors"

	"notifyd/internal/attachment"
)

var (
	// ErrEmptyRecipient is returned when no channel address was given.
	ErrEmptyRecipient = errors.New("transport: empty recipient")
	// ErrTimeout is returned when a send did not finish within its bound.
	ErrTimeout = errors.New("transport: send timed out")
)

// Channel delivers messages to an opaque recipient handle (a chat id or
// channel name). Implementations must return once ctx is done.
//
// SendAttachment takes ownership of f and closes it once nothing reads it
// anymore, even when the upload outlives ctx.
type Channel interface {
	SendText(ctx context.Context, recipient, text string) error
	SendAttachment(ctx context.Context, recipient string, f *attachment.File, caption string) error
}
