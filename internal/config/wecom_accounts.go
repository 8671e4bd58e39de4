package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// WeComMode is how the WeCom section is laid out.
type WeComMode string

const (
	WeComModeDisabled WeComMode = "disabled"
	WeComModeLegacy   WeComMode = "legacy" // top-level bot/app, single "default" account
	WeComModeMatrix   WeComMode = "matrix" // accounts map
)

// DefaultWeComAccountID is the account id used in legacy mode.
const DefaultWeComAccountID = "default"

// ResolvedBot is a bot account with defaults applied.
type ResolvedBot struct {
	AccountID          string
	Configured         bool
	Token              string
	EncodingAESKey     string
	ReceiveID          string
	AIBotID            string
	BotIDs             []string
	PlaceholderContent string
	WelcomeText        string
	DM                 WeComDMConfig
}

// ResolvedApp is an application account with defaults applied.
type ResolvedApp struct {
	AccountID      string
	Configured     bool
	CorpID         string
	CorpSecret     string
	AgentID        int64 // 0 = unset
	Token          string
	EncodingAESKey string
	WelcomeText    string
	DM             WeComDMConfig
}

// ResolvedAccount is one WeCom account: a bot, an app, or both.
type ResolvedAccount struct {
	ID         string
	Name       string
	Enabled    bool
	Configured bool   // at least one of Bot/App is configured, and no conflict
	Conflict   string // why the account was disabled as a duplicate, if it was
	Bot        *ResolvedBot
	App        *ResolvedApp
}

// ResolvedAccounts is the full account view of the WeCom section.
type ResolvedAccounts struct {
	Mode             WeComMode
	DefaultAccountID string
	Accounts         map[string]*ResolvedAccount
}

// Mode detects the account layout. Any enabled entry under accounts means matrix.
func (w WeComConfig) Mode() WeComMode {
	if !w.Enabled {
		return WeComModeDisabled
	}
	for _, entry := range w.Accounts {
		if entry.Enabled == nil || *entry.Enabled {
			return WeComModeMatrix
		}
	}
	return WeComModeLegacy
}

// AccountIDs lists account ids, sorted. Legacy and disabled modes have only "default".
func (w WeComConfig) AccountIDs() []string {
	if w.Mode() == WeComModeMatrix {
		ids := make([]string, 0, len(w.Accounts))
		for raw := range w.Accounts {
			if id := strings.TrimSpace(raw); id != "" {
				ids = append(ids, id)
			}
		}
		sort.Strings(ids)
		if len(ids) > 0 {
			return ids
		}
	}
	return []string{DefaultWeComAccountID}
}

// DefaultAccountID returns default_account when it names a known account,
// else the first sorted id.
func (w WeComConfig) DefaultAccountID() string {
	ids := w.AccountIDs()
	if preferred := strings.TrimSpace(w.DefaultAccount); preferred != "" {
		for _, id := range ids {
			if id == preferred {
				return preferred
			}
		}
	}
	return ids[0]
}

// FailClosedOnDefaultRoute reports whether turns that match no binding are rejected.
// An explicit setting wins; otherwise matrix mode fails closed and legacy does not.
func (w WeComConfig) FailClosedOnDefaultRoute() bool {
	if w.Routing.FailClosedOnDefaultRoute != nil {
		return *w.Routing.FailClosedOnDefaultRoute
	}
	return w.Mode() == WeComModeMatrix
}

// ResolveAccounts resolves every account of the section.
func (w WeComConfig) ResolveAccounts() ResolvedAccounts {
	mode := w.Mode()
	out := ResolvedAccounts{
		Mode:             mode,
		DefaultAccountID: DefaultWeComAccountID,
		Accounts:         make(map[string]*ResolvedAccount),
	}
	switch mode {
	case WeComModeDisabled:
		return out
	case WeComModeMatrix:
		for raw, entry := range w.Accounts {
			id := strings.TrimSpace(raw)
			if id == "" {
				continue
			}
			enabled := entry.Enabled == nil || *entry.Enabled
			out.Accounts[id] = resolveAccount(id, entry.Name, enabled, entry.Bot, entry.App)
		}
		out.DefaultAccountID = w.DefaultAccountID()
		markConflicts(out)
		return out
	default:
		out.Accounts[DefaultWeComAccountID] = resolveAccount(DefaultWeComAccountID, "", true, w.Bot, w.App)
	}
	out.DefaultAccountID = w.DefaultAccountID()
	return out
}

// markConflicts unconfigures accounts that reuse a bot token, a bot aibotid or
// a corp id / agent id pair already claimed by another enabled account. The
// default account claims first, then the rest in id order.
func markConflicts(all ResolvedAccounts) {
	ids := make([]string, 0, len(all.Accounts))
	for id := range all.Accounts {
		if id != all.DefaultAccountID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if _, ok := all.Accounts[all.DefaultAccountID]; ok {
		ids = append([]string{all.DefaultAccountID}, ids...)
	}

	tokens := make(map[string]string)
	botIDs := make(map[string]string)
	agents := make(map[string]string)
	for _, id := range ids {
		acct := all.Accounts[id]
		if !acct.Enabled || !acct.Configured {
			continue
		}
		var conflict string
		if b := acct.Bot; b != nil && b.Configured {
			if owner, ok := tokens[b.Token]; ok {
				conflict = fmt.Sprintf("duplicate WeCom bot token: already used by account %q", owner)
			} else if owner, ok := botIDs[b.AIBotID]; ok && b.AIBotID != "" {
				conflict = fmt.Sprintf("duplicate WeCom bot aibotid %s: already used by account %q", b.AIBotID, owner)
			}
		}
		if a := acct.App; conflict == "" && a != nil && a.Configured && a.AgentID != 0 {
			if owner, ok := agents[appIdentity(a)]; ok {
				conflict = fmt.Sprintf("duplicate WeCom agent identity %s: already used by account %q", appIdentity(a), owner)
			}
		}
		if conflict != "" {
			acct.Configured = false
			acct.Conflict = conflict
			continue
		}

		if b := acct.Bot; b != nil && b.Configured {
			tokens[b.Token] = id
			if b.AIBotID != "" {
				botIDs[b.AIBotID] = id
			}
		}
		if a := acct.App; a != nil && a.Configured && a.AgentID != 0 {
			agents[appIdentity(a)] = id
		}
	}
}

func appIdentity(a *ResolvedApp) string {
	return a.CorpID + "/" + strconv.FormatInt(a.AgentID, 10)
}

// ResolveAccount returns the account with the given id, or the default account
// when id is empty. An explicit id that does not exist resolves to a disabled,
// unconfigured account with that id rather than falling back.
func (w WeComConfig) ResolveAccount(id string) *ResolvedAccount {
	all := w.ResolveAccounts()
	id = strings.TrimSpace(id)
	if id == "" {
		id = all.DefaultAccountID
	}
	if acct, ok := all.Accounts[id]; ok {
		return acct
	}
	return &ResolvedAccount{ID: id}
}

func resolveAccount(id, name string, enabled bool, bot *WeComBotConfig, app *WeComAppConfig) *ResolvedAccount {
	acct := &ResolvedAccount{ID: id, Name: name, Enabled: enabled}
	if bot != nil {
		acct.Bot = &ResolvedBot{
			AccountID:          id,
			Configured:         bot.Token != "" && bot.EncodingAESKey != "",
			Token:              bot.Token,
			EncodingAESKey:     bot.EncodingAESKey,
			ReceiveID:          strings.TrimSpace(bot.ReceiveID),
			AIBotID:            strings.TrimSpace(bot.AIBotID),
			BotIDs:             trimAll(bot.BotIDs),
			PlaceholderContent: bot.StreamPlaceholderContent,
			WelcomeText:        bot.WelcomeText,
			DM:                 bot.DM,
		}
	}
	if app != nil {
		acct.App = &ResolvedApp{
			AccountID:      id,
			Configured:     app.CorpID != "" && app.CorpSecret != "" && app.Token != "" && app.EncodingAESKey != "",
			CorpID:         app.CorpID,
			CorpSecret:     app.CorpSecret,
			AgentID:        int64(app.AgentID),
			Token:          app.Token,
			EncodingAESKey: app.EncodingAESKey,
			WelcomeText:    app.WelcomeText,
			DM:             app.DM,
		}
	}
	acct.Configured = (acct.Bot != nil && acct.Bot.Configured) || (acct.App != nil && acct.App.Configured)
	return acct
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// BotWebhookPaths returns the callback paths a bot account listens on.
func BotWebhookPaths(mode WeComMode, accountID string) []string {
	if mode == WeComModeMatrix {
		return []string{"/wecom/bot/" + accountID}
	}
	return []string{"/wecom", "/wecom/bot"}
}

// AppWebhookPaths returns the callback paths an app account listens on.
func AppWebhookPaths(mode WeComMode, accountID string) []string {
	if mode == WeComModeMatrix {
		return []string{"/wecom/agent/" + accountID}
	}
	return []string{"/wecom/agent"}
}
