package config

// ChannelsConfig contains per-channel configuration.
type ChannelsConfig struct {
	WeCom WeComConfig `json:"wecom"`
}

// WeComConfig is the WeCom channel section. A top-level bot/app pair is the
// legacy single-account layout; entries under accounts switch to matrix mode.
type WeComConfig struct {
	Enabled        bool                          `json:"enabled"`
	Bot            *WeComBotConfig               `json:"bot,omitempty"`
	App            *WeComAppConfig               `json:"app,omitempty"`
	Accounts       map[string]WeComAccountConfig `json:"accounts,omitempty"`
	DefaultAccount string                        `json:"default_account,omitempty"`
	Media          WeComMediaConfig              `json:"media,omitempty"`
	Network        WeComNetworkConfig            `json:"network,omitempty"`
	Routing        WeComRoutingConfig            `json:"routing,omitempty"`
	DynamicAgents  WeComDynamicAgentsConfig      `json:"dynamic_agents,omitempty"`
	DebounceMs     int                           `json:"debounce_ms,omitempty"` // merge rapid messages from same sender (default 500, -1 = disabled)
}

// WeComAccountConfig is one matrix-mode account: a bot and/or an app.
type WeComAccountConfig struct {
	Enabled *bool           `json:"enabled,omitempty"` // default true
	Name    string          `json:"name,omitempty"`
	Bot     *WeComBotConfig `json:"bot,omitempty"`
	App     *WeComAppConfig `json:"app,omitempty"`
}

// WeComBotConfig configures an intelligent-bot callback (JSON envelope, streamed replies).
type WeComBotConfig struct {
	AIBotID                  string              `json:"aibotid,omitempty"`                    // checked against decrypted aibotid (warn only)
	Token                    string              `json:"token"`                                // callback token
	EncodingAESKey           string              `json:"encoding_aes_key"`                     // 43-char callback key
	BotIDs                   FlexibleStringSlice `json:"bot_ids,omitempty"`                    // audit list, mismatches are logged
	ReceiveID                string              `json:"receive_id,omitempty"`                 // expected trailing id on decrypt (empty = unchecked)
	StreamPlaceholderContent string              `json:"stream_placeholder_content,omitempty"` // first stream frame (default "1")
	WelcomeText              string              `json:"welcome_text,omitempty"`
	DM                       WeComDMConfig       `json:"dm,omitempty"`
}

// WeComAppConfig configures a self-built application (XML envelope, API replies).
type WeComAppConfig struct {
	CorpID         string        `json:"corp_id"`
	CorpSecret     string        `json:"corp_secret"`
	AgentID        FlexibleInt   `json:"agent_id,omitempty"` // required for proactive sends
	Token          string        `json:"token"`
	EncodingAESKey string        `json:"encoding_aes_key"`
	WelcomeText    string        `json:"welcome_text,omitempty"`
	DM             WeComDMConfig `json:"dm,omitempty"`
}

// WeComDMConfig is the direct-message policy of one bot or app.
type WeComDMConfig struct {
	Policy    string              `json:"policy,omitempty"` // "open" (default), "pairing", "allowlist", "disabled"
	AllowFrom FlexibleStringSlice `json:"allow_from,omitempty"`
}

// WeComMediaConfig controls inbound media handling.
type WeComMediaConfig struct {
	TempDir        string `json:"temp_dir,omitempty"`        // default os.TempDir()/wecomgw-media
	RetentionHours int    `json:"retention_hours,omitempty"` // delete saved media older than this (default 24)
	CleanupOnStart bool   `json:"cleanup_on_start,omitempty"`
	MaxMB          int    `json:"max_mb,omitempty"` // inbound media cap (default 5)
}

// WeComNetworkConfig controls outbound HTTP to WeCom.
type WeComNetworkConfig struct {
	TimeoutMs      int    `json:"timeout_ms,omitempty"`       // per request (default 15000)
	Retries        int    `json:"retries,omitempty"`          // extra attempts on transport errors (default 0)
	RetryDelayMs   int    `json:"retry_delay_ms,omitempty"`   // pause between attempts (default 500)
	EgressProxyURL string `json:"egress_proxy_url,omitempty"` // e.g. "http://proxy.company.local:3128"
	APIBaseURL     string `json:"api_base_url,omitempty"`     // default "https://qyapi.weixin.qq.com"
}

// WeComRoutingConfig controls agent routing behaviour.
type WeComRoutingConfig struct {
	// FailClosedOnDefaultRoute rejects turns that match no binding instead of
	// falling back to the default agent. Defaults to true in matrix mode.
	FailClosedOnDefaultRoute *bool `json:"fail_closed_on_default_route,omitempty"`
}
