package wecom

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

const activeReplyTTL = 60 * time.Minute

var (
	ErrNoResponseURL   = errors.New("wecom: no response_url for stream")
	ErrResponseURLUsed = errors.New("wecom: response_url already used")
)

type activeReply struct {
	url       string
	createdAt time.Time
	usedAt    time.Time
	lastError string
}

// ActiveReplies holds the single-use response_url WeCom hands out with each bot
// message, keyed by stream id.
type ActiveReplies struct {
	mu      sync.Mutex
	entries map[string]*activeReply
	ttl     time.Duration
	client  func() *http.Client
	now     func() time.Time
}

// NewActiveReplies creates the gate. client is called per send, so a channel
// reload that swaps its HTTP client is picked up.
func NewActiveReplies(ttl time.Duration, client func() *http.Client) *ActiveReplies {
	if ttl <= 0 {
		ttl = activeReplyTTL
	}
	if client == nil {
		fallback := &http.Client{Timeout: defaultHTTPTimeout}
		client = func() *http.Client { return fallback }
	}
	return &ActiveReplies{entries: make(map[string]*activeReply), ttl: ttl, client: client, now: time.Now}
}

// Store records url for streamID. An empty url is ignored.
func (a *ActiveReplies) Store(streamID, url string) {
	url = strings.TrimSpace(url)
	if url == "" {
		return
	}
	a.mu.Lock()
	a.entries[streamID] = &activeReply{url: url, createdAt: a.now()}
	a.mu.Unlock()
}

// URL returns the stored url for streamID, used or not.
func (a *ActiveReplies) URL(streamID string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.entries[streamID]
	if !ok {
		return "", false
	}
	return e.url, true
}

// LastError returns the error recorded by the most recent failed send.
func (a *ActiveReplies) LastError(streamID string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if e, ok := a.entries[streamID]; ok {
		return e.lastError
	}
	return ""
}

// Delete forgets streamID.
func (a *ActiveReplies) Delete(streamID string) {
	a.mu.Lock()
	delete(a.entries, streamID)
	a.mu.Unlock()
}

// UseOnce calls send with the stored url. The url is consumed only when send
// succeeds; a failed send records its error and may be retried.
func (a *ActiveReplies) UseOnce(ctx context.Context, streamID string, send func(ctx context.Context, url string) error) error {
	a.mu.Lock()
	e, ok := a.entries[streamID]
	if !ok || e.url == "" {
		a.mu.Unlock()
		return fmt.Errorf("%w %s", ErrNoResponseURL, streamID)
	}
	if !e.usedAt.IsZero() {
		a.mu.Unlock()
		return fmt.Errorf("%w for stream %s", ErrResponseURLUsed, streamID)
	}
	// Reserve the url so a concurrent caller cannot send twice.
	e.usedAt = a.now()
	url := e.url
	a.mu.Unlock()

	if err := send(ctx, url); err != nil {
		a.mu.Lock()
		e.usedAt = time.Time{}
		e.lastError = err.Error()
		a.mu.Unlock()
		return err
	}
	return nil
}

// SendActiveMessage pushes a text message through the stream's response_url.
func (a *ActiveReplies) SendActiveMessage(ctx context.Context, streamID, text string) error {
	return a.UseOnce(ctx, streamID, func(ctx context.Context, url string) error {
		return a.post(ctx, url, map[string]interface{}{
			"msgtype": "text",
			"text":    map[string]string{"content": text},
		})
	})
}

// SendTemplateCard pushes an interactive card through the stream's response_url.
func (a *ActiveReplies) SendTemplateCard(ctx context.Context, streamID string, card json.RawMessage) error {
	return a.UseOnce(ctx, streamID, func(ctx context.Context, url string) error {
		return a.post(ctx, url, map[string]interface{}{
			"msgtype":       "template_card",
			"template_card": card,
		})
	})
}

func (a *ActiveReplies) post(ctx context.Context, url string, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal active reply: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.client().Do(req)
	if err != nil {
		return fmt.Errorf("wecom active reply: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("wecom active reply: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var result apiStatus
	if len(raw) > 0 && json.Unmarshal(raw, &result) == nil && result.ErrCode != 0 {
		return &APIError{Op: "response_url", Code: result.ErrCode, Msg: result.ErrMsg}
	}
	return nil
}

// Prune drops entries created more than the TTL ago.
func (a *ActiveReplies) Prune(now time.Time) int {
	cutoff := now.Add(-a.ttl)
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for id, e := range a.entries {
		if e.createdAt.Before(cutoff) {
			delete(a.entries, id)
			n++
		}
	}
	return n
}
