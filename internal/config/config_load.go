package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Channels: ChannelsConfig{
			WeCom: WeComConfig{
				DebounceMs: 500,
				Media: WeComMediaConfig{
					RetentionHours: 24,
					MaxMB:          5,
				},
				Network: WeComNetworkConfig{
					TimeoutMs:    15000,
					RetryDelayMs: 500,
					APIBaseURL:   "https://qyapi.weixin.qq.com",
				},
			},
		},
		Gateway: GatewayConfig{
			Host:             "0.0.0.0",
			Port:             18800,
			ReadTimeoutSec:   10,
			WebhookRateBurst: 60,
		},
		Agent: AgentConfig{
			Mode:          "echo",
			RunTimeoutSec: 600,
		},
		Database: DatabaseConfig{
			Driver:     "memory",
			SQLitePath: "~/.wecomgw/dedup.db",
			PruneCron:  "*/5 * * * *",
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "wecomgw",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file yields the defaults plus env overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	// Legacy single-account WeCom credentials
	w := &c.Channels.WeCom
	if os.Getenv("WECOMGW_WECOM_BOT_TOKEN") != "" || os.Getenv("WECOMGW_WECOM_BOT_AES_KEY") != "" {
		if w.Bot == nil {
			w.Bot = &WeComBotConfig{}
		}
		envStr("WECOMGW_WECOM_BOT_TOKEN", &w.Bot.Token)
		envStr("WECOMGW_WECOM_BOT_AES_KEY", &w.Bot.EncodingAESKey)
	}
	if os.Getenv("WECOMGW_WECOM_CORP_ID") != "" || os.Getenv("WECOMGW_WECOM_CORP_SECRET") != "" {
		if w.App == nil {
			w.App = &WeComAppConfig{}
		}
		envStr("WECOMGW_WECOM_CORP_ID", &w.App.CorpID)
		envStr("WECOMGW_WECOM_CORP_SECRET", &w.App.CorpSecret)
		envStr("WECOMGW_WECOM_APP_TOKEN", &w.App.Token)
		envStr("WECOMGW_WECOM_APP_AES_KEY", &w.App.EncodingAESKey)
		if v := os.Getenv("WECOMGW_WECOM_AGENT_ID"); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				w.App.AgentID = FlexibleInt(n)
			}
		}
	}
	envStr("WECOMGW_WECOM_EGRESS_PROXY", &w.Network.EgressProxyURL)

	// Auto-enable the channel if credentials are provided via env
	if w.Bot != nil && w.Bot.Token != "" && w.Bot.EncodingAESKey != "" && os.Getenv("WECOMGW_WECOM_BOT_TOKEN") != "" {
		w.Enabled = true
	}
	if w.App != nil && w.App.CorpID != "" && w.App.CorpSecret != "" && os.Getenv("WECOMGW_WECOM_CORP_ID") != "" {
		w.Enabled = true
	}
	envBool("WECOMGW_WECOM_ENABLED", &w.Enabled)

	// Gateway host/port
	envStr("WECOMGW_HOST", &c.Gateway.Host)
	if v := os.Getenv("WECOMGW_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}
	envInt("WECOMGW_WEBHOOK_RATE_LIMIT_RPM", &c.Gateway.WebhookRateLimitRPM)

	// Agent runtime
	envStr("WECOMGW_AGENT_MODE", &c.Agent.Mode)
	envStr("WECOMGW_AGENT_URL", &c.Agent.URL)
	envStr("WECOMGW_AGENT_TOKEN", &c.Agent.Token)

	// Database
	envStr("WECOMGW_DB_DRIVER", &c.Database.Driver)
	envStr("WECOMGW_SQLITE_PATH", &c.Database.SQLitePath)
	envStr("WECOMGW_POSTGRES_DSN", &c.Database.PostgresDSN)

	// Telemetry
	envStr("WECOMGW_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("WECOMGW_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("WECOMGW_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	envBool("WECOMGW_TELEMETRY_ENABLED", &c.Telemetry.Enabled)
	envBool("WECOMGW_TELEMETRY_INSECURE", &c.Telemetry.Insecure)
}

// Hash returns a short SHA-256 hash of the config, used to skip no-op reloads.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

const secretMask = "***"

// MaskedCopy returns a deep copy of the config with all secret fields masked.
// Used by doctor to print the effective config.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// Deep copy via JSON round-trip
	data, err := json.Marshal(c)
	if err != nil {
		return &Config{}
	}
	cp := &Config{}
	if err := json.Unmarshal(data, cp); err != nil {
		return &Config{}
	}

	maskNonEmpty(&cp.Agent.Token)
	for k, v := range cp.Telemetry.Headers {
		if v != "" {
			cp.Telemetry.Headers[k] = secretMask
		}
	}

	w := &cp.Channels.WeCom
	maskBot(w.Bot)
	maskApp(w.App)
	for id, acct := range w.Accounts {
		maskBot(acct.Bot)
		maskApp(acct.App)
		w.Accounts[id] = acct
	}
	return cp
}

func maskBot(b *WeComBotConfig) {
	if b == nil {
		return
	}
	maskNonEmpty(&b.Token)
	maskNonEmpty(&b.EncodingAESKey)
}

func maskApp(a *WeComAppConfig) {
	if a == nil {
		return
	}
	maskNonEmpty(&a.CorpSecret)
	maskNonEmpty(&a.Token)
	maskNonEmpty(&a.EncodingAESKey)
}

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = secretMask
	}
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
