// Package channels provides the channel abstraction layer: a channel connects an
// external messaging platform to the agent runtime, and the Manager owns their
// lifecycle and routes outbound messages published on the bus.
//
// Shared policy helpers live here too:
// - DM/Group policies (pairing, allowlist, open, disabled)
// - allow lists with a "*" wildcard
package channels

import (
	"context"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/nextlevelbuilder/wecomgw/internal/bus"
)

// DMPolicy controls how DMs from unknown senders are handled.
type DMPolicy string

const (
	DMPolicyPairing   DMPolicy = "pairing"   // Pairing is handled by the agent runtime; treated as allowlist here
	DMPolicyAllowlist DMPolicy = "allowlist" // Only whitelisted senders
	DMPolicyOpen      DMPolicy = "open"      // Accept all
	DMPolicyDisabled  DMPolicy = "disabled"  // Reject all DMs
)

// GroupPolicy controls how group messages are handled.
type GroupPolicy string

const (
	GroupPolicyOpen      GroupPolicy = "open"      // Accept all groups
	GroupPolicyAllowlist GroupPolicy = "allowlist" // Only whitelisted senders
	GroupPolicyDisabled  GroupPolicy = "disabled"  // No group messages
)

// Peer kinds.
const (
	PeerDirect = "direct"
	PeerGroup  = "group"
)

// Channel defines the interface that all channel implementations must satisfy.
type Channel interface {
	// Name returns the channel identifier (e.g., "wecom").
	Name() string

	// Start begins listening for messages. Should be non-blocking after setup.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the channel.
	Stop(ctx context.Context) error

	// Send delivers an outbound message to the channel.
	Send(ctx context.Context, msg bus.OutboundMessage) error

	// IsRunning returns whether the channel is actively processing messages.
	IsRunning() bool
}

// WebhookChannel is a channel that receives provider callbacks over HTTP.
// The gateway mounts the handler on every pattern WebhookRoutes returns.
type WebhookChannel interface {
	Channel
	http.Handler
	WebhookRoutes() []string
}

// BaseChannel provides shared functionality for all channel implementations.
// Channel implementations should embed this struct.
type BaseChannel struct {
	name    string
	running atomic.Bool
}

// NewBaseChannel creates a new BaseChannel.
func NewBaseChannel(name string) *BaseChannel {
	return &BaseChannel{name: name}
}

// Name returns the channel name.
func (c *BaseChannel) Name() string { return c.name }

// IsRunning returns whether the channel is running.
func (c *BaseChannel) IsRunning() bool { return c.running.Load() }

// SetRunning updates the running state.
func (c *BaseChannel) SetRunning(running bool) { c.running.Store(running) }

// MatchAllowList reports whether senderID appears in list. "*" matches everyone.
// emptyAllows decides the result for an empty list.
func MatchAllowList(list []string, senderID string, emptyAllows bool) bool {
	if len(list) == 0 {
		return emptyAllows
	}
	for _, allowed := range list {
		allowed = strings.TrimSpace(allowed)
		if allowed == "*" || (allowed != "" && allowed == senderID) {
			return true
		}
	}
	return false
}

// EvaluatePolicy evaluates DM/Group policy for a message and reports whether it
// should be accepted. peerKind is "direct" or "group"; policies are "open"
// (default), "allowlist", "pairing" or "disabled". allowed is consulted for
// allowlist policies, since allow lists live per account.
func EvaluatePolicy(peerKind, dmPolicy, groupPolicy string, allowed func() bool) bool {
	policy := dmPolicy
	if peerKind == PeerGroup {
		policy = groupPolicy
	}
	if policy == "" {
		policy = string(DMPolicyOpen)
	}

	switch policy {
	case string(DMPolicyDisabled):
		return false
	case string(DMPolicyAllowlist), string(DMPolicyPairing):
		return allowed()
	default: // "open"
		return true
	}
}
