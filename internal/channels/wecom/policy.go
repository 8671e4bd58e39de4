package wecom

import (
	"strings"

	"github.com/nextlevelbuilder/wecomgw/internal/channels"
	"github.com/nextlevelbuilder/wecomgw/internal/config"
)

var allowFromPrefixes = []string{"wecom:", "user:", "userid:"}

// normalizeAllowFrom canonicalises an allowFrom entry or sender id.
func normalizeAllowFrom(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	for _, p := range allowFromPrefixes {
		s = strings.TrimPrefix(s, p)
	}
	return s
}

// senderAllowed reports whether sender matches allowFrom. "*" allows everyone.
func senderAllowed(sender string, allowFrom []string) bool {
	list := make([]string, 0, len(allowFrom))
	for _, e := range allowFrom {
		if n := normalizeAllowFrom(e); n != "" {
			list = append(list, n)
		}
	}
	return channels.MatchAllowList(list, normalizeAllowFrom(sender), false)
}

// dmAllowed applies the direct-message policy of one bot or app. Group chats
// are not gated here.
func dmAllowed(dm config.WeComDMConfig, peerKind, sender string) bool {
	policy := dm.Policy
	if policy == "" {
		policy = string(channels.DMPolicyOpen)
	}
	return channels.EvaluatePolicy(peerKind, policy, string(channels.GroupPolicyOpen), func() bool {
		return senderAllowed(sender, dm.AllowFrom)
	})
}
