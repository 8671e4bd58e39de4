package wecom

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/nextlevelbuilder/wecomgw/internal/agent"
	"github.com/nextlevelbuilder/wecomgw/internal/channels"
	"github.com/nextlevelbuilder/wecomgw/internal/channels/wecom/wxcrypt"
	"github.com/nextlevelbuilder/wecomgw/internal/metrics"
)

// Bot event types.
const (
	eventTemplateCard = "template_card_event"
	eventEnterChat    = "enter_chat"
)

// encryptedReply is the JSON body of every bot callback response.
type encryptedReply struct {
	Encrypt      string `json:"encrypt"`
	MsgSignature string `json:"msgsignature"`
	Timestamp    string `json:"timestamp"`
	Nonce        string `json:"nonce"`
}

type textReply struct {
	MsgType string `json:"msgtype"`
	Text    struct {
		Content string `json:"content"`
	} `json:"text"`
}

var emptyReply = struct{}{}

func (c *Channel) handleBot(w http.ResponseWriter, r *http.Request, cb *callback) {
	msg, err := parseBotMessage(cb.plain)
	if err != nil {
		slog.Warn("wecom: bad bot message", "account", cb.target.accountID, "error", err)
		textResponse(w, http.StatusBadRequest, "invalid message")
		return
	}
	checkBotIdentity(cb.target, msg)

	switch msg.MsgType {
	case botMsgEvent:
		c.handleBotEvent(w, r, cb, msg)
	case botMsgStream:
		id := ""
		if msg.Stream != nil {
			id = strings.TrimSpace(msg.Stream.ID)
		}
		if st, ok := c.streams.Get(id); ok {
			writeBotReply(w, cb, snapshotReply(st, cb.target.bot.PlaceholderContent))
			return
		}
		writeBotReply(w, cb, unknownStreamReply(id))
	default:
		c.handleBotMessage(w, r, cb, msg)
	}
}

func (c *Channel) handleBotMessage(w http.ResponseWriter, r *http.Request, cb *callback, msg *botMessage) {
	t := cb.target
	f := filterBotInbound(msg)
	if !f.Process {
		slog.Debug("wecom: bot message skipped", "account", t.accountID, "reason", f.Reason, "msgid", msg.MsgID)
		writeBotReply(w, cb, emptyReply)
		return
	}
	if !msg.isGroup() && !dmAllowed(t.bot.DM, channels.PeerDirect, f.SenderID) {
		slog.Info("wecom: direct message rejected by policy", "account", t.accountID, "sender", f.SenderID, "policy", t.bot.DM.Policy)
		writeBotReply(w, cb, emptyReply)
		return
	}

	id, retry := c.enqueueBot(r.Context(), t, msg, f)
	if retry {
		if st, ok := c.streams.Get(id); ok {
			writeBotReply(w, cb, snapshotReply(st, t.bot.PlaceholderContent))
			return
		}
	}
	writeBotReply(w, cb, placeholderReply(id, t.bot.PlaceholderContent))
}

func (c *Channel) handleBotEvent(w http.ResponseWriter, r *http.Request, cb *callback, msg *botMessage) {
	t := cb.target
	switch msg.eventType() {
	case eventTemplateCard:
		id, created := c.streams.Create(msg.MsgID, true)
		writeBotReply(w, cb, emptyReply)
		if !created {
			metrics.DedupHits.WithLabelValues(agent.DialectBot).Inc()
			slog.Debug("wecom: card event already handled", "msgid", msg.MsgID)
			return
		}
		c.replies.Store(id, msg.ResponseURL)
		var ev *cardEvent
		if msg.Event != nil {
			ev = msg.Event.TemplateCardEvent
		}
		text := describeCardEvent(ev)
		turn := botTurn(t, msg, text, text, nonEmpty(msg.MsgID))
		if turn.SenderID == "" {
			slog.Debug("wecom: card event without sender", "msgid", msg.MsgID)
			c.streams.Finish(id)
			return
		}
		sink := newBotSink(c, id, !msg.isGroup())
		if !c.startRun(r.Context(), func(ctx context.Context) { c.runTurn(ctx, turn, sink) }) {
			c.streams.Fail(id, "gateway is shutting down")
		}

	case eventEnterChat:
		welcome := strings.TrimSpace(t.bot.WelcomeText)
		if welcome == "" {
			writeBotReply(w, cb, emptyReply)
			return
		}
		var reply textReply
		reply.MsgType = "text"
		reply.Text.Content = welcome
		writeBotReply(w, cb, reply)

	default:
		writeBotReply(w, cb, emptyReply)
	}
}

// checkBotIdentity logs, but does not reject, deliveries for another bot.
func checkBotIdentity(t *webhookTarget, msg *botMessage) {
	got := strings.TrimSpace(msg.AIBotID)
	if got == "" || t.bot == nil {
		return
	}
	if want := t.bot.AIBotID; want != "" && want != got {
		slog.Warn("wecom: aibotid mismatch", "account", t.accountID, "configured", want, "received", got)
	}
	if len(t.bot.BotIDs) > 0 && !slices.Contains(t.bot.BotIDs, got) {
		slog.Warn("wecom: aibotid not in bot_ids", "account", t.accountID, "received", got)
	}
}

// writeBotReply encrypts payload for the target and writes the JSON envelope.
// WeCom expects it as text/plain.
func writeBotReply(w http.ResponseWriter, cb *callback, payload any) {
	t := cb.target
	plain, err := json.Marshal(payload)
	if err != nil {
		textResponse(w, http.StatusInternalServerError, "encode reply failed")
		return
	}
	enc, err := wxcrypt.Encrypt(t.aesKey, t.receiveID, plain)
	if err != nil {
		slog.Error("wecom: encrypt reply failed", "account", t.accountID, "error", err)
		textResponse(w, http.StatusInternalServerError, "encrypt reply failed")
		return
	}
	body, _ := json.Marshal(encryptedReply{
		Encrypt:      enc,
		MsgSignature: wxcrypt.Signature(t.token, cb.timestamp, cb.nonce, enc),
		Timestamp:    cb.timestamp,
		Nonce:        cb.nonce,
	})
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func nonEmpty(ids ...string) []string {
	var out []string
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}
