package wecom

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nextlevelbuilder/wecomgw/internal/agent"
	"github.com/nextlevelbuilder/wecomgw/internal/channels"
	"github.com/nextlevelbuilder/wecomgw/internal/metrics"
)

const eventEnterAgent = "enter_agent"

// handleApp acknowledges an app callback with "success" and processes it in
// the background. WeCom retries until it sees the acknowledgement, so
// deliveries are deduplicated before anything runs.
func (c *Channel) handleApp(w http.ResponseWriter, r *http.Request, cb *callback) {
	t := cb.target
	msg, err := parseAppMessage(cb.plain)
	if err != nil {
		slog.Warn("wecom: bad app message", "account", t.accountID, "error", err)
		textResponse(w, http.StatusBadRequest, "invalid message")
		return
	}
	if want, got := t.app.AgentID, msg.agentID(); want != 0 && got != 0 && want != got {
		slog.Warn("wecom: app agent id mismatch", "account", t.accountID, "configured", want, "received", got)
	}

	textResponse(w, http.StatusOK, "success")

	f := filterAppInbound(msg)
	if !f.Process {
		if msg.MsgType == "event" && strings.EqualFold(msg.Event, eventEnterAgent) {
			c.sendAppWelcome(r.Context(), t, msg)
			return
		}
		slog.Debug("wecom: app message skipped", "account", t.accountID, "reason", f.Reason)
		return
	}

	accepted, err := c.dedup.Remember(r.Context(), "app:"+t.accountID+":"+msg.dedupKey())
	if err != nil {
		slog.Warn("wecom: dedup store unavailable, processing anyway", "error", err)
	} else if !accepted {
		metrics.DedupHits.WithLabelValues(agent.DialectApp).Inc()
		slog.Debug("wecom: app retry ignored", "account", t.accountID, "key", msg.dedupKey())
		return
	}

	if !msg.isGroup() && !dmAllowed(t.app.DM, channels.PeerDirect, f.SenderID) {
		slog.Info("wecom: direct message rejected by policy", "account", t.accountID, "sender", f.SenderID, "policy", t.app.DM.Policy)
		return
	}

	client := c.clientFor(t.app)
	if client == nil {
		slog.Error("wecom: no api client for app account", "account", t.accountID)
		return
	}
	c.startRun(r.Context(), func(ctx context.Context) { c.runAppTurn(ctx, t, msg, f, client) })
}

func (c *Channel) runAppTurn(ctx context.Context, t *webhookTarget, msg *appMessage, f filterResult, client *APIClient) {
	body := appContent(msg)
	kind := channels.PeerDirect
	to := Target{ToUser: msg.FromUserName}
	if msg.isGroup() {
		kind = channels.PeerGroup
		to = Target{ChatID: msg.ChatID}
	}
	turn := agent.Turn{
		AccountID:  t.accountID,
		Dialect:    agent.DialectApp,
		PeerKind:   kind,
		ChatID:     f.ChatID,
		SenderID:   f.SenderID,
		Body:       body,
		RawBody:    body,
		MessageIDs: nonEmpty(msg.MsgID),
	}

	if mediaKind := appMediaKind(msg); mediaKind != "" {
		data, ct, err := client.DownloadMedia(ctx, msg.MediaID, c.mediaMaxBytes())
		if err != nil {
			slog.Warn("wecom: app media download failed", "type", mediaKind, "media_id", msg.MediaID, "error", err)
		} else {
			name := ""
			if msg.Format != "" {
				name = mediaKind + "." + strings.ToLower(msg.Format)
			}
			c.attachMedia(&turn, &inboundMedia{Data: data, ContentType: ct, Filename: name})
		}
	}

	c.runTurn(ctx, turn, &appSink{c: c, client: client, to: to})
}

// sendAppWelcome greets a user opening the app, when a welcome text is set.
func (c *Channel) sendAppWelcome(ctx context.Context, t *webhookTarget, msg *appMessage) {
	welcome := strings.TrimSpace(t.app.WelcomeText)
	client := c.clientFor(t.app)
	if welcome == "" || client == nil || msg.FromUserName == "" {
		return
	}
	to := Target{ToUser: msg.FromUserName}
	c.startRun(ctx, func(ctx context.Context) {
		if err := c.pushViaAPI(ctx, client, to, welcome, nil); err != nil {
			slog.Warn("wecom: welcome message failed", "account", t.accountID, "error", err)
		}
	})
}
