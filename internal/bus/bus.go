// Package bus carries messages between the agent runtime and channels, and
// holds the shared inbound helpers (dedupe, debounce) channels build on.
package bus

import (
	"context"
	"log/slog"
)

const defaultOutboundBuffer = 256

// MessageBus is a buffered outbound queue. Publishing never blocks the caller:
// when the buffer is full the message is dropped and logged.
type MessageBus struct {
	outbound chan OutboundMessage
}

var _ MessageRouter = (*MessageBus)(nil)

// New creates a MessageBus with the default buffer size.
func New() *MessageBus {
	return NewWithBuffer(defaultOutboundBuffer)
}

// NewWithBuffer creates a MessageBus with an explicit outbound buffer size.
func NewWithBuffer(size int) *MessageBus {
	if size <= 0 {
		size = defaultOutboundBuffer
	}
	return &MessageBus{outbound: make(chan OutboundMessage, size)}
}

// PublishOutbound enqueues msg for the channel dispatcher.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	select {
	case b.outbound <- msg:
	default:
		slog.Warn("bus: outbound queue full, dropping message", "channel", msg.Channel, "chat_id", msg.ChatID)
	}
}

// SubscribeOutbound blocks until a message is available or ctx is done.
func (b *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg := <-b.outbound:
		return msg, true
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}

// OutboundLen reports the number of queued outbound messages.
func (b *MessageBus) OutboundLen() int { return len(b.outbound) }
