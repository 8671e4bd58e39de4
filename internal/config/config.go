package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// DefaultAgentID is the agent turns go to when no binding matches.
const DefaultAgentID = "default"

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// FlexibleInt accepts 1000002 and "1000002" in JSON. Zero means unset.
type FlexibleInt int64

func (f *FlexibleInt) UnmarshalJSON(data []byte) error {
	var n int64
	if err := json.Unmarshal(data, &n); err == nil {
		*f = FlexibleInt(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("expected number or numeric string: %w", err)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid integer %q: %w", s, err)
	}
	*f = FlexibleInt(n)
	return nil
}

// Config is the root configuration for the WeCom gateway.
type Config struct {
	Channels  ChannelsConfig  `json:"channels"`
	Gateway   GatewayConfig   `json:"gateway"`
	Agent     AgentConfig     `json:"agent"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Bindings  []AgentBinding  `json:"bindings,omitempty"`
	mu        sync.RWMutex
}

// GatewayConfig controls the HTTP listener.
type GatewayConfig struct {
	Host                string   `json:"host"`
	Port                int      `json:"port"`
	ReadTimeoutSec      int      `json:"read_timeout_sec,omitempty"`       // request read timeout (default 10)
	WebhookRateLimitRPM int      `json:"webhook_rate_limit_rpm,omitempty"` // callbacks per minute per remote IP (0 = disabled)
	WebhookRateBurst    int      `json:"webhook_rate_burst,omitempty"`     // burst allowance (default 60)
	MetricsEnabled      *bool    `json:"metrics_enabled,omitempty"`        // expose /metrics (default true)
	TrustedProxies      []string `json:"trusted_proxies,omitempty"`        // CIDRs or IPs whose X-Forwarded-For / X-Real-IP is honored
}

// AgentConfig configures the external agent runtime turns are handed to.
type AgentConfig struct {
	Mode          string `json:"mode,omitempty"`            // "echo" (default) or "remote"
	URL           string `json:"url,omitempty"`             // remote runtime WebSocket URL, e.g. "ws://127.0.0.1:18790/ws"
	Token         string `json:"token,omitempty"`           // bearer token for the remote runtime
	RunTimeoutSec int    `json:"run_timeout_sec,omitempty"` // per-turn deadline (default 600)
}

// DatabaseConfig selects the persistent dedup backend.
// PostgresDSN is NEVER read from config.json (secret), only from env WECOMGW_POSTGRES_DSN.
type DatabaseConfig struct {
	Driver      string `json:"driver,omitempty"`      // "memory" (default), "sqlite", "postgres"
	SQLitePath  string `json:"sqlite_path,omitempty"` // default ~/.wecomgw/dedup.db
	PostgresDSN string `json:"-"`
	PruneCron   string `json:"prune_cron,omitempty"` // cron expression for dedup pruning (default "*/5 * * * *")
}

// TelemetryConfig configures OpenTelemetry trace export.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`      // enable OTLP export (default false)
	Endpoint    string            `json:"endpoint,omitempty"`     // OTLP endpoint (e.g. "localhost:4317", "https://otel.example.com:4318")
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // plaintext transport (default false, set true for local dev)
	ServiceName string            `json:"service_name,omitempty"` // OTEL service name (default "wecomgw")
	Headers     map[string]string `json:"headers,omitempty"`      // extra headers (e.g. auth tokens for cloud backends)
}

// AgentBinding maps a channel/account/peer pattern to a specific agent.
type AgentBinding struct {
	AgentID string       `json:"agent_id"`
	Match   BindingMatch `json:"match"`
}

// BindingMatch specifies what turns this binding applies to.
type BindingMatch struct {
	Channel   string       `json:"channel"`              // "wecom"
	AccountID string       `json:"account_id,omitempty"` // WeCom account id ("default" in legacy mode)
	Peer      *BindingPeer `json:"peer,omitempty"`       // specific DM/group
}

// BindingPeer specifies a specific chat target.
type BindingPeer struct {
	Kind string `json:"kind"` // "direct" or "group"
	ID   string `json:"id"`
}

// Route match kinds returned by ResolveAgentRoute.
const (
	MatchedByPeer    = "binding.peer"
	MatchedByAccount = "binding.account"
	MatchedByChannel = "binding.channel"
	MatchedByDefault = "default"
)

// ResolveAgentRoute picks the agent for a turn. The most specific binding wins:
// peer, then account, then channel. With no match it returns DefaultAgentID
// and MatchedByDefault.
func (c *Config) ResolveAgentRoute(channel, accountID, peerKind, peerID string) (agentID, matchedBy string) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var byAccount, byChannel string
	for _, b := range c.Bindings {
		m := b.Match
		if m.Channel != "" && !strings.EqualFold(m.Channel, channel) {
			continue
		}
		if m.AccountID != "" && m.AccountID != "*" && m.AccountID != accountID {
			continue
		}
		switch {
		case m.Peer != nil:
			if m.Peer.Kind == peerKind && m.Peer.ID == peerID {
				return b.AgentID, MatchedByPeer
			}
		case m.AccountID != "" && m.AccountID != "*":
			if byAccount == "" {
				byAccount = b.AgentID
			}
		default:
			if byChannel == "" {
				byChannel = b.AgentID
			}
		}
	}
	if byAccount != "" {
		return byAccount, MatchedByAccount
	}
	if byChannel != "" {
		return byChannel, MatchedByChannel
	}
	return DefaultAgentID, MatchedByDefault
}

// WeComSnapshot returns a copy of the WeCom channel section, safe to use while a
// reload swaps the live config.
func (c *Config) WeComSnapshot() WeComConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Channels.WeCom
}

// ReplaceWeCom swaps the WeCom section and bindings after a reload.
func (c *Config) ReplaceWeCom(next *Config) {
	next.mu.RLock()
	wecom := next.Channels.WeCom
	bindings := append([]AgentBinding(nil), next.Bindings...)
	next.mu.RUnlock()

	c.mu.Lock()
	c.Channels.WeCom = wecom
	c.Bindings = bindings
	c.mu.Unlock()
}

// MetricsOn reports whether /metrics is exposed.
func (g GatewayConfig) MetricsOn() bool {
	return g.MetricsEnabled == nil || *g.MetricsEnabled
}
