package wecom

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/wecomgw/internal/agent"
	"github.com/nextlevelbuilder/wecomgw/internal/bus"
	"github.com/nextlevelbuilder/wecomgw/internal/config"
	"github.com/nextlevelbuilder/wecomgw/internal/metrics"
	"github.com/nextlevelbuilder/wecomgw/internal/sessions"
	"github.com/nextlevelbuilder/wecomgw/internal/tracing"
)

var errNoRoute = errors.New("no agent binding for wecom account")

// pendingMessage is one bot message waiting in a debounce batch.
type pendingMessage struct {
	ctx      context.Context
	target   *webhookTarget
	msg      *botMessage
	streamID string
}

func (c *Channel) handleCallback(w http.ResponseWriter, r *http.Request, cb *callback) {
	if cb.target.dialect == agent.DialectApp {
		c.handleApp(w, r, cb)
		return
	}
	c.handleBot(w, r, cb)
}

func pendingKey(accountID, sender, chatID string) string {
	return fmt.Sprintf("wecom:%s:%s:%s", accountID, sender, chatID)
}

// enqueueBot opens or joins the debounce batch for msg and returns the stream
// the delivery should be answered with. retry is true when msg.MsgID already
// had a stream, in which case nothing new is queued.
func (c *Channel) enqueueBot(ctx context.Context, t *webhookTarget, msg *botMessage, f filterResult) (id string, retry bool) {
	candidate, created := c.streams.Create(msg.MsgID, false)
	if !created {
		metrics.DedupHits.WithLabelValues(agent.DialectBot).Inc()
		slog.Debug("wecom: bot retry, reusing stream", "msgid", msg.MsgID, "stream", candidate)
		return candidate, true
	}

	c.replies.Store(candidate, msg.ResponseURL)
	pm := &pendingMessage{ctx: ctx, target: t, msg: msg, streamID: candidate}
	key := pendingKey(t.accountID, f.SenderID, f.ChatID)

	if c.debounce < 0 {
		c.flushBot(key, []*pendingMessage{pm})
		return candidate, false
	}

	head, opened, err := c.inbound().Push(key, pm)
	if err != nil {
		c.streams.Fail(candidate, "gateway is shutting down")
		return candidate, false
	}
	if !opened {
		c.streams.Merge(candidate, head.streamID)
		c.replies.Delete(candidate)
		metrics.DebounceMerges.Inc()
		slog.Debug("wecom: merged into pending turn", "key", key, "stream", head.streamID)
		return head.streamID, false
	}
	metrics.ActiveStreams.Set(float64(c.streams.Len()))
	return candidate, false
}

// flushBot runs when a debounce window closes.
func (c *Channel) flushBot(key string, items []*pendingMessage) {
	if len(items) == 0 {
		return
	}
	head := items[0]
	c.streams.MarkStarted(head.streamID)
	if len(items) > 1 {
		slog.Debug("wecom: flushing merged messages", "key", key, "count", len(items))
	}
	if !c.startRun(head.ctx, func(ctx context.Context) { c.runBotBatch(ctx, head, items) }) {
		c.streams.Fail(head.streamID, "gateway is shutting down")
	}
}

// startRun runs fn on its own goroutine with a context detached from the
// request and bounded by the run timeout.
func (c *Channel) startRun(parent context.Context, fn func(ctx context.Context)) bool {
	if c.closed.Load() {
		return false
	}
	c.runs.Add(1)
	go func() {
		defer c.runs.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), c.runTimeout)
		defer cancel()
		fn(ctx)
	}()
	return true
}

func (c *Channel) runBotBatch(ctx context.Context, head *pendingMessage, items []*pendingMessage) {
	var (
		bodies []string
		ids    []string
		media  *inboundMedia
	)
	for _, it := range items {
		body, m := c.botInbound(ctx, it.msg, head.target.aesKey)
		if strings.TrimSpace(body) != "" {
			bodies = append(bodies, body)
		}
		if media == nil {
			media = m
		}
		if it.msg.MsgID != "" {
			ids = append(ids, it.msg.MsgID)
		}
	}
	raw := ""
	if len(bodies) > 0 {
		raw = bodies[0]
	}
	body := raw
	if len(bodies) > 1 {
		body = strings.TrimSpace(strings.Join(bodies, "\n"))
	}

	turn := botTurn(head.target, head.msg, body, raw, ids)
	if media != nil {
		c.attachMedia(&turn, media)
	}
	c.runTurn(ctx, turn, newBotSink(c, head.streamID, !head.msg.isGroup()))
}

func botTurn(t *webhookTarget, msg *botMessage, body, raw string, ids []string) agent.Turn {
	f := filterBotInbound(msg)
	kind := sessions.PeerDirect
	if msg.isGroup() {
		kind = sessions.PeerGroup
	}
	return agent.Turn{
		AccountID:  t.accountID,
		Dialect:    agent.DialectBot,
		PeerKind:   string(kind),
		ChatID:     f.ChatID,
		SenderID:   f.SenderID,
		Body:       body,
		RawBody:    raw,
		MessageIDs: ids,
	}
}

func (c *Channel) attachMedia(turn *agent.Turn, m *inboundMedia) {
	p, err := saveMedia(c.mediaDir(), m)
	if err != nil {
		slog.Warn("wecom: save inbound media failed", "error", err)
		return
	}
	turn.MediaPath = p
	turn.MediaType = m.ContentType
}

// turnSink is an agent sink that also settles the turn once the runner returns.
type turnSink interface {
	agent.Sink
	finish(ctx context.Context, runErr error)
}

// runTurn routes the turn to an agent and runs it. A turn that matches no
// binding goes to its dynamic agent when those are on, and is otherwise
// rejected when the section fails closed.
func (c *Channel) runTurn(ctx context.Context, turn agent.Turn, sink turnSink) {
	agentID, matchedBy := c.cfg.ResolveAgentRoute(ChannelName, turn.AccountID, turn.PeerKind, turn.ChatID)
	section := c.snapshot()
	if matchedBy == config.MatchedByDefault && section.DynamicAgents.Applies(turn.PeerKind, turn.SenderID) {
		agentID, matchedBy = config.DynamicAgentID(turn.AccountID, turn.PeerKind, turn.ChatID), config.MatchedByDynamic
	}
	if matchedBy == config.MatchedByDefault && section.FailClosedOnDefaultRoute() {
		slog.Warn("wecom: no agent binding, rejecting turn",
			"account", turn.AccountID, "dialect", turn.Dialect, "peer", turn.ChatID)
		metrics.AgentRuns.WithLabelValues(turn.Dialect, "rejected").Inc()
		sink.finish(ctx, fmt.Errorf("%w %q", errNoRoute, turn.AccountID))
		return
	}

	turn.AgentID = agentID
	turn.Channel = ChannelName
	turn.RunID = uuid.NewString()
	turn.SessionKey = sessions.BuildSessionKey(agentID, ChannelName, turn.AccountID, sessions.PeerKind(turn.PeerKind), turn.ChatID)

	ctx, span := tracing.Tracer().Start(ctx, "wecom.agent_run", trace.WithAttributes(
		attribute.String("wecom.account", turn.AccountID),
		attribute.String("wecom.dialect", turn.Dialect),
		attribute.String("agent.id", agentID),
		attribute.String("agent.run_id", turn.RunID),
		attribute.Int("wecom.merged", len(turn.MessageIDs)),
	))
	defer span.End()

	slog.Info("wecom: agent run started", "run_id", turn.RunID, "agent", agentID, "matched_by", matchedBy,
		"account", turn.AccountID, "dialect", turn.Dialect, "session", turn.SessionKey)

	start := time.Now()
	err := c.runner.Run(ctx, turn, sink)
	metrics.AgentRunDuration.WithLabelValues(turn.Dialect).Observe(time.Since(start).Seconds())
	metrics.AgentRuns.WithLabelValues(turn.Dialect, metrics.Outcome(err)).Inc()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Warn("wecom: agent run failed", "run_id", turn.RunID, "error", err)
	}
	sink.finish(ctx, err)
}

// --- bot sink ---

// botSink writes agent output into a stream that WeCom polls.
type botSink struct {
	c        *Channel
	streamID string
	single   bool

	mu         sync.Mutex
	partial    string   // streamed text of the message in progress
	transcript []string // complete messages, for the response_url fallback
}

func newBotSink(c *Channel, streamID string, single bool) *botSink {
	return &botSink{c: c, streamID: streamID, single: single}
}

func (s *botSink) Deliver(ctx context.Context, reply agent.Reply) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if reply.Partial {
		if reply.Text != "" {
			s.c.streams.AppendPartial(s.streamID, reply.Text)
			s.partial += reply.Text
		}
		return nil
	}

	text := reply.Text
	if card, ok := parseTemplateCard(text); ok {
		if s.sendCard(ctx, card) {
			s.partial = ""
			return nil
		}
		text = card.fallbackText()
	}

	images, notes := s.c.streamMedia(ctx, reply.MediaURLs)
	text = joinParagraphs(append([]string{text}, notes...)...)

	// A complete message repeats what was already streamed as chunks.
	if s.partial != "" && strings.HasPrefix(text, s.partial) {
		s.c.streams.AppendPartial(s.streamID, strings.TrimPrefix(text, s.partial))
		s.c.streams.Append(s.streamID, "", images)
	} else {
		s.c.streams.Append(s.streamID, text, images)
	}
	s.partial = ""
	if text != "" {
		s.transcript = append(s.transcript, text)
	}
	return nil
}

// sendCard pushes a template card through the response_url. Only single
// chats can render cards.
func (s *botSink) sendCard(ctx context.Context, card *templateCard) bool {
	if !s.single {
		slog.Debug("wecom: template card in group chat, sending text", "stream", s.streamID)
		return false
	}
	if _, ok := s.c.replies.URL(s.streamID); !ok {
		return false
	}
	err := s.c.replies.SendTemplateCard(ctx, s.streamID, card.Raw)
	metrics.OutboundSends.WithLabelValues("active_reply", metrics.Outcome(err)).Inc()
	if err != nil {
		slog.Warn("wecom: send template card failed", "stream", s.streamID, "error", err)
		return false
	}
	slog.Debug("wecom: template card sent", "stream", s.streamID, "task_id", card.TaskID)
	s.c.streams.Replace(s.streamID, cardSentText)
	return true
}

func (s *botSink) finish(ctx context.Context, runErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, live := s.c.streams.Get(s.streamID); !live {
		s.pushFallback(ctx, runErr)
		return
	}
	if runErr != nil {
		s.c.streams.Fail(s.streamID, runErr.Error())
		return
	}
	s.c.streams.Finish(s.streamID)
}

// pushFallback sends the reply through the response_url when the stream was
// evicted before the agent finished and WeCom can no longer poll it.
func (s *botSink) pushFallback(ctx context.Context, runErr error) {
	text := strings.Join(s.transcript, "\n\n")
	if text == "" {
		text = s.partial
	}
	if text == "" && runErr != nil {
		text = "Error: " + runErr.Error()
	}
	if strings.TrimSpace(text) == "" {
		return
	}
	err := s.c.replies.SendActiveMessage(ctx, s.streamID, text)
	metrics.OutboundSends.WithLabelValues("active_reply", metrics.Outcome(err)).Inc()
	if err != nil && !errors.Is(err, ErrNoResponseURL) {
		slog.Warn("wecom: response_url fallback failed", "stream", s.streamID, "error", err)
	}
}

// streamMedia loads agent attachments. Images become msg_item entries; other
// files are listed as "[File: name]".
func (c *Channel) streamMedia(ctx context.Context, refs []string) ([]StreamImage, []string) {
	var (
		images []StreamImage
		notes  []string
	)
	for _, ref := range refs {
		m, err := loadOutboundMedia(ctx, c.httpClient(), ref, outboundMediaMaxBytes)
		if err != nil {
			slog.Warn("wecom: load reply media failed", "ref", ref, "error", err)
			notes = append(notes, "[File: "+path.Base(ref)+"]")
			continue
		}
		if strings.HasPrefix(m.ContentType, "image/") {
			data, err := normalizeStreamImage(m.Data, m.ContentType)
			if err == nil {
				images = append(images, streamImage(data))
				continue
			}
			slog.Warn("wecom: reply image unusable, listing as file", "ref", ref, "error", err)
		}
		notes = append(notes, "[File: "+m.Filename+"]")
	}
	return images, notes
}

func joinParagraphs(parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "\n\n")
}

// --- app sink ---

// appSink pushes agent output through message/send or appchat/send. The API
// cannot stream, so chunks are held until the complete message arrives.
type appSink struct {
	c      *Channel
	client *APIClient
	to     Target

	mu      sync.Mutex
	partial strings.Builder
}

func (s *appSink) Deliver(ctx context.Context, reply agent.Reply) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if reply.Partial {
		s.partial.WriteString(reply.Text)
		return nil
	}
	text := reply.Text
	if strings.TrimSpace(text) == "" {
		text = s.partial.String()
	}
	s.partial.Reset()
	if card, ok := parseTemplateCard(text); ok {
		text = card.fallbackText()
	}

	atts := make([]bus.MediaAttachment, 0, len(reply.MediaURLs))
	for _, u := range reply.MediaURLs {
		atts = append(atts, bus.MediaAttachment{URL: u})
	}
	return s.c.pushViaAPI(ctx, s.client, s.to, text, atts)
}

func (s *appSink) finish(ctx context.Context, runErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rest := strings.TrimSpace(s.partial.String()); rest != "" {
		s.partial.Reset()
		if err := s.c.pushViaAPI(ctx, s.client, s.to, rest, nil); err != nil {
			slog.Warn("wecom: app reply failed", "to", s.to.String(), "error", err)
		}
	}
	if runErr != nil {
		slog.Warn("wecom: app turn ended with error", "to", s.to.String(), "error", runErr)
	}
}
