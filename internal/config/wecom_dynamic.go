package config

import "strings"

// MatchedByDynamic marks a route to a per-peer dynamic agent.
const MatchedByDynamic = "dynamic"

// WeComDynamicAgentsConfig gives each DM peer or group its own agent when no
// binding matches the turn.
type WeComDynamicAgentsConfig struct {
	Enabled       bool                `json:"enabled,omitempty"`
	DMCreateAgent *bool               `json:"dm_create_agent,omitempty"` // per-user agents for DMs (default true)
	GroupEnabled  *bool               `json:"group_enabled,omitempty"`   // per-group agents (default true)
	AdminUsers    FlexibleStringSlice `json:"admin_users,omitempty"`     // senders that stay on the default agent
}

// Applies reports whether a turn from senderID in a peerKind chat routes to a
// dynamic agent.
func (d WeComDynamicAgentsConfig) Applies(peerKind, senderID string) bool {
	if !d.Enabled {
		return false
	}
	sender := strings.ToLower(strings.TrimSpace(senderID))
	for _, admin := range d.AdminUsers {
		if a := strings.ToLower(strings.TrimSpace(admin)); a != "" && a == sender {
			return false
		}
	}
	if peerKind == "group" {
		return d.GroupEnabled == nil || *d.GroupEnabled
	}
	return d.DMCreateAgent == nil || *d.DMCreateAgent
}

// DynamicAgentID builds the agent id for a peer: wecom-<account>-<dm|group>-<peer>.
// Characters outside [a-z0-9_-] become "_".
func DynamicAgentID(accountID, peerKind, peerID string) string {
	if accountID = strings.TrimSpace(accountID); accountID == "" {
		accountID = DefaultWeComAccountID
	}
	kind := "dm"
	if peerKind == "group" {
		kind = "group"
	}
	return "wecom-" + sanitizeAgentPart(accountID) + "-" + kind + "-" + sanitizeAgentPart(peerID)
}

func sanitizeAgentPart(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}
