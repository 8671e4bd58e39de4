// Package sessions builds and parses the session keys handed to the agent runtime.
//
// Session keys follow the canonical format:
//
//	agent:{agentId}:{rest}
//
// Where {rest} is scoped by channel and account:
//
//	DM:    {channel}:{accountId}:direct:{peerId}
//	Group: {channel}:{accountId}:group:{chatId}
//
// Examples:
//
//	agent:default:wecom:default:direct:zhangsan
//	agent:sales:wecom:acct-a:group:wr123456
package sessions

import (
	"fmt"
	"strings"
)

// PeerKind distinguishes DM from group conversations.
type PeerKind string

const (
	PeerDirect PeerKind = "direct"
	PeerGroup  PeerKind = "group"
)

// BuildSessionKey builds the canonical agent session key for a channel conversation.
// The same peer on two accounts gets two sessions.
func BuildSessionKey(agentID, channel, accountID string, kind PeerKind, chatID string) string {
	if accountID == "" {
		accountID = "default"
	}
	return fmt.Sprintf("agent:%s:%s:%s:%s:%s", agentID, channel, accountID, kind, chatID)
}

// ParseSessionKey splits a canonical key into its agent id and the rest.
// Non-canonical keys return empty strings.
func ParseSessionKey(key string) (agentID, rest string) {
	if !strings.HasPrefix(key, "agent:") {
		return "", ""
	}
	parts := strings.SplitN(key[len("agent:"):], ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", ""
	}
	return parts[0], parts[1]
}
