package toolserver

import (
	"context"
	"encoding/json"
)

// Transport carries JSON-RPC calls to the tool server. Implementations are
// safe for concurrent Call use; the pending-call bookkeeping lives inside the
// transport.
type Transport interface {
	// Connect establishes the connection (spawns the subprocess for stdio).
	Connect(ctx context.Context) error

	// Call sends one request and waits for its response or ctx expiry.
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)

	// Notifications delivers server-initiated messages.
	Notifications() <-chan *Notification

	// Connected reports whether the transport is usable.
	Connected() bool

	// Done is closed when the transport is lost or closed.
	Done() <-chan struct{}

	// Kind names the transport for logs and metrics: "stdio" or "http".
	Kind() string

	// Close tears the connection down.
	Close() error
}
