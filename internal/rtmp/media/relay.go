package media

import (
	"io"
	"log/slog"

	"github.com/alxayo/go-kvs-producer/internal/rtmp/chunk"
)

// Subscriber is anything that wants a copy of a publisher's media messages.
// server.Stream.BroadcastMessage delivers to these; kvsbridge.Bridge is the
// only subscriber a producer deployment normally registers.
type Subscriber interface {
	SendMessage(*chunk.Message) error
}

// TrySendMessage is an optional interface for non‑blocking enqueue semantics.
// If a Subscriber implements it, BroadcastMessage prefers it over the
// blocking SendMessage so one slow subscriber cannot stall the others.
type TrySendMessage interface {
	TrySendMessage(*chunk.Message) bool
}

// NullLogger is a helper returning a no‑op slog.Logger for tests when caller
// doesn't care about output.
func NullLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }
