// Package agent is the gateway's side of the external agent runtime: the Turn a
// channel hands over, the Sink replies flow back through, and the runners that
// carry turns to a runtime.
package agent

import (
	"context"
	"errors"
)

// Dialects a turn can originate from.
const (
	DialectBot = "bot"
	DialectApp = "app"
)

var (
	// ErrNotConnected is returned when the remote runtime is unreachable.
	ErrNotConnected = errors.New("agent: runtime not connected")
	// ErrDisconnected is returned for runs in flight when the connection drops.
	ErrDisconnected = errors.New("agent: runtime disconnected")
)

// Turn is one conversational turn handed to the agent runtime.
type Turn struct {
	RunID      string
	AgentID    string
	Channel    string
	AccountID  string
	Dialect    string // DialectBot or DialectApp
	SessionKey string
	PeerKind   string // "direct" or "group"
	ChatID     string
	SenderID   string
	Body       string   // text the agent sees (merged batch when debounced)
	RawBody    string   // first message as received
	MessageIDs []string // provider message ids folded into this turn
	MediaPath  string   // saved inbound media, if any
	MediaType  string
}

// Reply is one unit of agent output.
type Reply struct {
	Text      string
	MediaURLs []string
	// Partial marks a streamed text delta that continues the previous one
	// rather than starting a new paragraph.
	Partial bool
}

// Sink receives agent output for one turn, in order.
type Sink interface {
	Deliver(ctx context.Context, reply Reply) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, reply Reply) error

// Deliver calls f.
func (f SinkFunc) Deliver(ctx context.Context, reply Reply) error { return f(ctx, reply) }

// Runner executes a turn, streaming output into sink. Run returns when the
// runtime reports the turn finished; a non-nil error marks the turn failed.
type Runner interface {
	Run(ctx context.Context, turn Turn, sink Sink) error
}
