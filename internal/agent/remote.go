package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/wecomgw/internal/bus"
	"github.com/nextlevelbuilder/wecomgw/pkg/protocol"
)

const (
	defaultDialTimeout  = 10 * time.Second
	defaultConnectWait  = 5 * time.Second
	defaultReconnectMin = time.Second
	defaultReconnectMax = 30 * time.Second
	handshakeTimeout    = 10 * time.Second
	maxFrameBytes       = 4 << 20
)

// RemoteConfig configures the WebSocket connection to the agent runtime.
type RemoteConfig struct {
	URL          string // ws:// or wss:// endpoint
	Token        string
	ClientName   string
	Version      string
	DialTimeout  time.Duration
	ConnectWait  time.Duration // how long Run waits for a connection before ErrNotConnected
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

func (c *RemoteConfig) applyDefaults() {
	if c.ClientName == "" {
		c.ClientName = "wecomgw"
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.ConnectWait <= 0 {
		c.ConnectWait = defaultConnectWait
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = defaultReconnectMin
	}
	if c.ReconnectMax < c.ReconnectMin {
		c.ReconnectMax = defaultReconnectMax
	}
}

// Remote runs turns on an external agent runtime over a persistent WebSocket.
// It reconnects with exponential backoff; runs in flight when the socket drops
// fail with ErrDisconnected.
type Remote struct {
	cfg    RemoteConfig
	bus    bus.MessageRouter
	dialer *websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	ready   chan struct{} // closed while conn != nil
	pending map[string]chan *protocol.ResponseFrame
	runs    map[string]*runState

	writeMu sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// runState buffers replies for one run so the read loop never blocks on a slow sink.
type runState struct {
	mu     sync.Mutex
	queue  []Reply
	notify chan struct{}
	lost   chan struct{}
	once   sync.Once
}

func newRunState() *runState {
	return &runState{notify: make(chan struct{}, 1), lost: make(chan struct{})}
}

func (s *runState) push(r Reply) {
	s.mu.Lock()
	s.queue = append(s.queue, r)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *runState) drain() []Reply {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queue
	s.queue = nil
	return q
}

func (s *runState) markLost() { s.once.Do(func() { close(s.lost) }) }

// NewRemote creates a runtime client. msgBus receives channel.send events; it may be nil.
func NewRemote(cfg RemoteConfig, msgBus bus.MessageRouter) *Remote {
	cfg.applyDefaults()
	return &Remote{
		cfg:     cfg,
		bus:     msgBus,
		dialer:  &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout, Proxy: http.ProxyFromEnvironment},
		ready:   make(chan struct{}),
		pending: make(map[string]chan *protocol.ResponseFrame),
		runs:    make(map[string]*runState),
	}
}

// Start launches the connect/reconnect loop. It returns immediately.
func (r *Remote) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.connectLoop(ctx)
	}()
}

// Close stops reconnecting and closes the socket.
func (r *Remote) Close() error {
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn != nil {
		r.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
			time.Now().Add(time.Second))
		r.writeMu.Unlock()
		conn.Close()
	}
	r.wg.Wait()
	return nil
}

// Connected reports whether the runtime socket is up.
func (r *Remote) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn != nil
}

func (r *Remote) connectLoop(ctx context.Context) {
	backoff := r.cfg.ReconnectMin
	for {
		conn, err := r.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("agent runtime connect failed", "url", r.cfg.URL, "error", err, "retry_in", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > r.cfg.ReconnectMax {
				backoff = r.cfg.ReconnectMax
			}
			continue
		}

		backoff = r.cfg.ReconnectMin
		r.setConn(conn)
		slog.Info("agent runtime connected", "url", r.cfg.URL)

		err = r.readLoop(conn)
		r.dropConn(conn)
		if ctx.Err() != nil {
			return
		}
		slog.Warn("agent runtime disconnected", "error", err)
	}
}

// dial opens the socket and performs the connect handshake.
func (r *Remote) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, r.cfg.DialTimeout)
	defer cancel()

	header := http.Header{}
	if r.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+r.cfg.Token)
	}
	conn, _, err := r.dialer.DialContext(dialCtx, r.cfg.URL, header)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	conn.SetReadLimit(maxFrameBytes)

	req, err := protocol.NewRequest("connect-"+uuid.NewString()[:8], protocol.MethodConnect, protocol.ConnectParams{
		Token:    r.cfg.Token,
		Client:   r.cfg.ClientName,
		Version:  r.cfg.Version,
		Protocol: protocol.ProtocolVersion,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}

	_ = conn.SetWriteDeadline(time.Now().Add(handshakeTimeout))
	if err := conn.WriteJSON(req); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send connect: %w", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	var resp protocol.ResponseFrame
	if err := conn.ReadJSON(&resp); err != nil {
		conn.Close()
		return nil, fmt.Errorf("read connect response: %w", err)
	}
	if !resp.OK {
		conn.Close()
		if resp.Error != nil {
			return nil, fmt.Errorf("connect rejected: %w", resp.Error)
		}
		return nil, fmt.Errorf("connect rejected")
	}
	_ = conn.SetWriteDeadline(time.Time{})
	_ = conn.SetReadDeadline(time.Time{})
	return conn, nil
}

func (r *Remote) setConn(conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conn = conn
	close(r.ready)
}

// dropConn clears conn and fails every in-flight run.
func (r *Remote) dropConn(conn *websocket.Conn) {
	conn.Close()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != conn {
		return
	}
	r.conn = nil
	r.ready = make(chan struct{})
	for _, st := range r.runs {
		st.markLost()
	}
	for id, ch := range r.pending {
		close(ch)
		delete(r.pending, id)
	}
}

func (r *Remote) readLoop(conn *websocket.Conn) error {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		frameType, err := protocol.ParseFrameType(raw)
		if err != nil {
			slog.Debug("agent runtime: unparseable frame", "error", err)
			continue
		}

		switch frameType {
		case protocol.FrameTypeResponse:
			var resp protocol.ResponseFrame
			if err := json.Unmarshal(raw, &resp); err != nil {
				continue
			}
			r.mu.Lock()
			ch, ok := r.pending[resp.ID]
			if ok {
				delete(r.pending, resp.ID)
			}
			r.mu.Unlock()
			if ok {
				ch <- &resp // buffered(1), one response per id
			}

		case protocol.FrameTypeEvent:
			var evt protocol.EventFrame
			if err := json.Unmarshal(raw, &evt); err != nil {
				continue
			}
			r.handleEvent(evt)
		}
	}
}

func (r *Remote) handleEvent(evt protocol.EventFrame) {
	switch evt.Event {
	case protocol.EventChat:
		var p protocol.ChatEventPayload
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			return
		}
		r.mu.Lock()
		st := r.runs[p.RunID]
		r.mu.Unlock()
		if st == nil {
			slog.Debug("agent runtime: chat event for unknown run", "run_id", p.RunID)
			return
		}
		switch p.Type {
		case protocol.ChatEventChunk:
			if p.Content != "" {
				st.push(Reply{Text: p.Content, Partial: true})
			}
		case protocol.ChatEventMessage:
			if p.Content != "" || len(p.MediaURL) > 0 {
				st.push(Reply{Text: p.Content, MediaURLs: p.MediaURL})
			}
		}

	case protocol.EventAgent:
		var p protocol.AgentEventPayload
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			return
		}
		if p.Type == protocol.AgentEventRunFailed {
			slog.Warn("agent run failed", "run_id", p.RunID, "error", p.Error)
		} else {
			slog.Debug("agent run event", "run_id", p.RunID, "type", p.Type)
		}

	case protocol.EventChannelSend:
		var p protocol.ChannelSendPayload
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			return
		}
		if r.bus == nil || p.To == "" {
			return
		}
		msg := bus.OutboundMessage{
			Channel: p.Channel,
			ChatID:  p.To,
			Content: p.Content,
		}
		if p.AccountID != "" {
			msg.Metadata = map[string]string{"account_id": p.AccountID}
		}
		for _, u := range p.MediaURLs {
			msg.Media = append(msg.Media, bus.MediaAttachment{URL: u})
		}
		r.bus.PublishOutbound(msg)
	}
}

func (r *Remote) waitConnected(ctx context.Context) (*websocket.Conn, error) {
	r.mu.Lock()
	conn, ready := r.conn, r.ready
	r.mu.Unlock()
	if conn != nil {
		return conn, nil
	}

	timer := time.NewTimer(r.cfg.ConnectWait)
	defer timer.Stop()
	select {
	case <-ready:
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.conn == nil {
			return nil, ErrNotConnected
		}
		return r.conn, nil
	case <-timer.C:
		return nil, ErrNotConnected
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run sends turn as an agent.run request and forwards streamed output to sink
// until the runtime answers the request.
func (r *Remote) Run(ctx context.Context, turn Turn, sink Sink) error {
	conn, err := r.waitConnected(ctx)
	if err != nil {
		return err
	}
	if turn.RunID == "" {
		turn.RunID = uuid.NewString()
	}

	req, err := protocol.NewRequest(uuid.NewString(), protocol.MethodAgentRun, protocol.AgentRunParams{
		RunID:      turn.RunID,
		AgentID:    turn.AgentID,
		SessionKey: turn.SessionKey,
		Channel:    turn.Channel,
		AccountID:  turn.AccountID,
		PeerKind:   turn.PeerKind,
		ChatID:     turn.ChatID,
		SenderID:   turn.SenderID,
		Message:    turn.Body,
		RawMessage: turn.RawBody,
		MessageIDs: turn.MessageIDs,
		MediaPath:  turn.MediaPath,
		MediaType:  turn.MediaType,
	})
	if err != nil {
		return err
	}

	st := newRunState()
	respCh := make(chan *protocol.ResponseFrame, 1)
	r.mu.Lock()
	if r.conn != conn {
		r.mu.Unlock()
		return ErrDisconnected
	}
	r.runs[turn.RunID] = st
	r.pending[req.ID] = respCh
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.runs, turn.RunID)
		if r.pending[req.ID] == respCh {
			delete(r.pending, req.ID)
		}
		r.mu.Unlock()
	}()

	r.writeMu.Lock()
	err = conn.WriteJSON(req)
	r.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("send agent.run: %w", err)
	}

	delivered := false
	flush := func() error {
		for _, reply := range st.drain() {
			if err := sink.Deliver(ctx, reply); err != nil {
				return err
			}
			delivered = true
		}
		return nil
	}

	for {
		select {
		case <-st.notify:
			if err := flush(); err != nil {
				return err
			}

		case resp, ok := <-respCh:
			if !ok {
				return ErrDisconnected
			}
			// Events precede the response on the socket, so the queue is complete.
			if err := flush(); err != nil {
				return err
			}
			if !resp.OK {
				if resp.Error != nil {
					return fmt.Errorf("agent run %s: %w", turn.RunID, resp.Error)
				}
				return fmt.Errorf("agent run %s failed", turn.RunID)
			}
			var result protocol.AgentRunResult
			if len(resp.Payload) > 0 {
				_ = json.Unmarshal(resp.Payload, &result)
			}
			if !delivered && result.Content != "" {
				return sink.Deliver(ctx, Reply{Text: result.Content})
			}
			return nil

		case <-st.lost:
			_ = flush()
			return ErrDisconnected

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
