// Package wecom implements the WeCom (企业微信) channel: the encrypted callback
// protocol of intelligent bots (JSON, streamed replies) and self-built apps
// (XML, replies pushed through the server API).
//
// Callbacks are served by a Router the gateway mounts under /wecom. Bot
// messages are debounced per sender and answered with a stream id that WeCom
// polls until the agent finishes; app messages are acknowledged with
// "success" and answered through message/send or appchat/send.
package wecom

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nextlevelbuilder/wecomgw/internal/agent"
	"github.com/nextlevelbuilder/wecomgw/internal/bus"
	"github.com/nextlevelbuilder/wecomgw/internal/channels"
	"github.com/nextlevelbuilder/wecomgw/internal/config"
	"github.com/nextlevelbuilder/wecomgw/internal/metrics"
	"github.com/nextlevelbuilder/wecomgw/internal/store"
)

// ChannelName is the channel identifier used on the bus and in session keys.
const ChannelName = "wecom"

const (
	defaultDebounce   = 500 * time.Millisecond
	defaultRunTimeout = 10 * time.Minute
	janitorInterval   = time.Minute
	defaultRetention  = 24 * time.Hour
)

var (
	ErrNoAppAccount = errors.New("wecom: outbound requires a configured app account")
	ErrNotRunning   = errors.New("wecom: channel not running")
)

// Options are the collaborators of a Channel.
type Options struct {
	Runner      agent.Runner
	Dedup       store.DedupStore             // nil = in-memory
	RateLimiter *channels.WebhookRateLimiter // nil = no per-IP limit
	RunTimeout  time.Duration                // default 10m
}

// Channel is the WeCom channel. It serves callbacks for every configured
// account and sends outbound messages through the app API.
type Channel struct {
	*channels.BaseChannel

	cfg        *config.Config
	runner     agent.Runner
	dedup      store.DedupStore
	runTimeout time.Duration

	router   *Router
	streams  *StreamStore
	replies  *ActiveReplies
	debounce time.Duration // < 0 flushes immediately

	mu         sync.RWMutex
	debouncer  *bus.InboundDebouncer[*pendingMessage]
	section    config.WeComConfig
	accounts   config.ResolvedAccounts
	clients    map[string]*APIClient // by apiClientKey
	httpc      *http.Client
	unregister []func()

	stopJanitor context.CancelFunc
	janitorDone chan struct{}
	runs        sync.WaitGroup
	closed      atomic.Bool
}

// New creates the channel from the live config. cfg is read again on Reload.
func New(cfg *config.Config, opts Options) (*Channel, error) {
	if opts.Runner == nil {
		return nil, fmt.Errorf("wecom: agent runner is required")
	}
	section := cfg.WeComSnapshot()
	if section.Mode() == config.WeComModeDisabled {
		return nil, fmt.Errorf("wecom: channel is disabled")
	}
	if opts.Dedup == nil {
		opts.Dedup = store.NewMemoryDedup(store.DefaultDedupTTL, store.DefaultDedupMaxKeys)
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = defaultRunTimeout
	}

	c := &Channel{
		BaseChannel: channels.NewBaseChannel(ChannelName),
		cfg:         cfg,
		runner:      opts.Runner,
		dedup:       opts.Dedup,
		runTimeout:  opts.RunTimeout,
		streams:     NewStreamStore(streamTTL),
		clients:     make(map[string]*APIClient),
		debounce:    debounceDelay(section.DebounceMs),
	}
	c.httpc = newHTTPClient(networkOptions(section.Network))
	c.replies = NewActiveReplies(activeReplyTTL, c.httpClient)
	c.router = NewRouter(opts.RateLimiter, c.handleCallback)
	c.debouncer = bus.NewInboundDebouncer(max(c.debounce, 0), c.flushBot)
	return c, nil
}

func debounceDelay(ms int) time.Duration {
	switch {
	case ms < 0:
		return -1
	case ms == 0:
		return defaultDebounce
	default:
		return time.Duration(ms) * time.Millisecond
	}
}

// Start registers webhook targets for every enabled account and starts the
// janitor. A stopped channel can be started again.
func (c *Channel) Start(ctx context.Context) error {
	if err := c.apply(c.cfg.WeComSnapshot()); err != nil {
		return err
	}
	if c.closed.Swap(false) {
		c.mu.Lock()
		c.debouncer = bus.NewInboundDebouncer(max(c.debounce, 0), c.flushBot)
		c.mu.Unlock()
	}

	if c.snapshot().Media.CleanupOnStart {
		if n := cleanupMediaDir(c.mediaDir(), c.mediaRetention(), time.Now()); n > 0 {
			slog.Info("wecom: removed stale media", "files", n)
		}
	}

	jctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.stopJanitor = cancel
	c.janitorDone = make(chan struct{})
	go c.janitor(jctx)

	c.SetRunning(true)
	slog.Info("wecom: channel started", "mode", c.snapshot().Mode(), "paths", c.router.Paths())
	return nil
}

// Stop unregisters targets and drops pending debounce batches. Agent runs
// already in flight finish on their own.
func (c *Channel) Stop(ctx context.Context) error {
	c.closed.Store(true)
	c.inbound().Stop()

	c.mu.Lock()
	for _, u := range c.unregister {
		u()
	}
	c.unregister = nil
	c.mu.Unlock()

	if c.stopJanitor != nil {
		c.stopJanitor()
		<-c.janitorDone
		c.stopJanitor = nil
	}
	c.SetRunning(false)
	slog.Info("wecom: channel stopped")
	return nil
}

// Reload re-reads the WeCom section from the live config and swaps targets
// and API clients. Open streams and pending batches are kept.
func (c *Channel) Reload() error {
	if !c.IsRunning() {
		return ErrNotRunning
	}
	section := c.cfg.WeComSnapshot()
	if d := debounceDelay(section.DebounceMs); d != c.debounce {
		slog.Warn("wecom: debounce_ms change takes effect after restart", "current", c.debounce, "configured", d)
	}
	if err := c.apply(section); err != nil {
		return err
	}
	slog.Info("wecom: config reloaded", "paths", c.router.Paths())
	return nil
}

// apply resolves accounts and replaces the registered webhook targets.
func (c *Channel) apply(section config.WeComConfig) error {
	all := section.ResolveAccounts()
	if all.Mode == config.WeComModeDisabled {
		return fmt.Errorf("wecom: channel is disabled")
	}

	ids := make([]string, 0, len(all.Accounts))
	for id := range all.Accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var targets []*webhookTarget
	for _, id := range ids {
		acct := all.Accounts[id]
		if !acct.Enabled {
			continue
		}
		if acct.Conflict != "" {
			slog.Warn("wecom: account conflicts with another, skipping", "account", id, "reason", acct.Conflict)
			continue
		}
		if !acct.Configured {
			slog.Warn("wecom: account not configured, skipping", "account", id)
			continue
		}
		if b := acct.Bot; b != nil && b.Configured {
			for _, p := range config.BotWebhookPaths(all.Mode, id) {
				targets = append(targets, &webhookTarget{
					accountID: id, dialect: agent.DialectBot, path: p,
					token: b.Token, aesKey: b.EncodingAESKey, receiveID: b.ReceiveID, bot: b,
				})
			}
		}
		if a := acct.App; a != nil && a.Configured {
			for _, p := range config.AppWebhookPaths(all.Mode, id) {
				targets = append(targets, &webhookTarget{
					accountID: id, dialect: agent.DialectApp, path: p,
					token: a.Token, aesKey: a.EncodingAESKey, receiveID: a.CorpID, app: a,
				})
			}
		}
	}
	if len(targets) == 0 {
		slog.Warn("wecom: no configured accounts; callbacks will 404")
	}

	opts := networkOptions(section.Network)

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, u := range c.unregister {
		u()
	}
	c.unregister = c.unregister[:0]
	for _, t := range targets {
		c.unregister = append(c.unregister, c.router.Register(t))
	}

	clients := make(map[string]*APIClient)
	for _, acct := range all.Accounts {
		a := acct.App
		if a == nil || !a.Configured || acct.Conflict != "" {
			continue
		}
		key := apiClientKey(a)
		if _, ok := clients[key]; ok {
			continue
		}
		if old, ok := c.clients[key]; ok && old.corpSecret == a.CorpSecret && old.opts == opts {
			clients[key] = old
			continue
		}
		clients[key] = NewAPIClient(a, opts)
	}
	c.clients = clients
	c.httpc = newHTTPClient(opts)
	c.section = section
	c.accounts = all
	return nil
}

// WebhookRoutes are the patterns the gateway mounts this channel on.
// Exact path matching happens in the Router, so reloads need no remount.
func (c *Channel) WebhookRoutes() []string {
	return []string{"/wecom", "/wecom/*"}
}

func (c *Channel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.router.ServeHTTP(w, r)
}

// Wait blocks until all agent runs started so far have returned.
func (c *Channel) Wait() { c.runs.Wait() }

// --- accessors ---

func (c *Channel) snapshot() config.WeComConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.section
}

func (c *Channel) account(id string) *config.ResolvedAccount {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if id == "" {
		id = c.accounts.DefaultAccountID
	}
	return c.accounts.Accounts[id]
}

func (c *Channel) clientFor(app *config.ResolvedApp) *APIClient {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clients[apiClientKey(app)]
}

func (c *Channel) inbound() *bus.InboundDebouncer[*pendingMessage] {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.debouncer
}

func (c *Channel) httpClient() *http.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.httpc
}

func (c *Channel) mediaMaxBytes() int64 {
	mb := c.snapshot().Media.MaxMB
	if mb <= 0 {
		mb = defaultInboundMediaMB
	}
	return int64(mb) << 20
}

func (c *Channel) mediaDir() string {
	if dir := strings.TrimSpace(c.snapshot().Media.TempDir); dir != "" {
		return config.ExpandHome(dir)
	}
	return filepath.Join(os.TempDir(), "wecomgw-media")
}

func (c *Channel) mediaRetention() time.Duration {
	if h := c.snapshot().Media.RetentionHours; h > 0 {
		return time.Duration(h) * time.Hour
	}
	return defaultRetention
}

// janitor evicts idle streams and expired active replies, and ages out saved media.
func (c *Channel) janitor(ctx context.Context) {
	defer close(c.janitorDone)
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	lastMedia := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			evicted := c.streams.Prune(now)
			expired := c.replies.Prune(now)
			metrics.ActiveStreams.Set(float64(c.streams.Len()))
			if evicted > 0 || expired > 0 {
				slog.Debug("wecom: janitor", "streams_evicted", evicted, "replies_expired", expired)
			}
			if now.Sub(lastMedia) >= time.Hour {
				lastMedia = now
				cleanupMediaDir(c.mediaDir(), c.mediaRetention(), now)
			}
		}
	}
}

// --- outbound ---

// Send delivers an outbound bus message through the app API. The target comes
// from msg.ChatID (see ParseTarget); the account from Metadata["account_id"].
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	acct := c.account(msg.Metadata["account_id"])
	if acct == nil || acct.App == nil || !acct.App.Configured {
		return ErrNoAppAccount
	}
	client := c.clientFor(acct.App)
	if client == nil {
		return ErrNoAppAccount
	}
	to, err := ParseTarget(msg.ChatID)
	if err != nil {
		return err
	}
	return c.pushViaAPI(ctx, client, to, msg.Content, msg.Media)
}

// pushViaAPI sends text (split into 2048-byte chunks) then each attachment.
func (c *Channel) pushViaAPI(ctx context.Context, client *APIClient, to Target, text string, media []bus.MediaAttachment) error {
	var errs []error
	for _, chunk := range SplitTextByBytes(strings.TrimSpace(text), textChunkBytes, true) {
		err := client.SendText(ctx, to, chunk)
		metrics.OutboundSends.WithLabelValues("text", metrics.Outcome(err)).Inc()
		if err != nil {
			errs = append(errs, err)
			break
		}
	}
	for _, m := range media {
		err := c.sendAttachment(ctx, client, to, m)
		metrics.OutboundSends.WithLabelValues("media", metrics.Outcome(err)).Inc()
		if err != nil {
			slog.Warn("wecom: send attachment failed", "to", to.String(), "ref", m.URL, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Channel) sendAttachment(ctx context.Context, client *APIClient, to Target, m bus.MediaAttachment) error {
	om, err := loadOutboundMedia(ctx, c.httpClient(), m.URL, outboundMediaMaxBytes)
	if err != nil {
		return err
	}
	ct := m.ContentType
	if ct == "" {
		ct = om.ContentType
	}
	kind := mediaTypeFor(ct)
	id, err := client.UploadMedia(ctx, kind, om.Filename, om.Data)
	if err != nil {
		return err
	}
	return client.SendMedia(ctx, to, id, kind, m.Caption, "")
}
