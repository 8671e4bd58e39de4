package wecom

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/nextlevelbuilder/wecomgw/internal/agent"
	"github.com/nextlevelbuilder/wecomgw/internal/channels"
	"github.com/nextlevelbuilder/wecomgw/internal/channels/wecom/wxcrypt"
	"github.com/nextlevelbuilder/wecomgw/internal/config"
	"github.com/nextlevelbuilder/wecomgw/internal/metrics"
	"github.com/nextlevelbuilder/wecomgw/internal/tracing"
)

const maxBodyBytes = 1 << 20

// webhookTarget is one account listening on a callback path. Several targets
// may share a path; the one whose token verifies the signature wins.
type webhookTarget struct {
	accountID string
	dialect   string
	path      string
	token     string
	aesKey    string
	receiveID string
	bot       *config.ResolvedBot
	app       *config.ResolvedApp
}

// callback is a verified, decrypted delivery.
type callback struct {
	target    *webhookTarget
	timestamp string
	nonce     string
	plain     []byte
	envelope  *appEnvelope
}

// Router verifies and decrypts callbacks, then hands them to a dialect handler.
type Router struct {
	mu      sync.RWMutex
	targets map[string][]*webhookTarget
	limiter *channels.WebhookRateLimiter
	handle  func(w http.ResponseWriter, r *http.Request, cb *callback)
}

// NewRouter creates a router dispatching verified deliveries to handle.
// limiter may be nil.
func NewRouter(limiter *channels.WebhookRateLimiter, handle func(w http.ResponseWriter, r *http.Request, cb *callback)) *Router {
	return &Router{
		targets: make(map[string][]*webhookTarget),
		limiter: limiter,
		handle:  handle,
	}
}

func normalizePath(raw string) string {
	p := strings.TrimSpace(raw)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
		if p == "" {
			p = "/"
		}
	}
	return p
}

// Register adds t under its path and returns a func that removes it.
func (rt *Router) Register(t *webhookTarget) func() {
	key := normalizePath(t.path)
	t.path = key
	rt.mu.Lock()
	rt.targets[key] = append(rt.targets[key], t)
	rt.mu.Unlock()

	return func() {
		rt.mu.Lock()
		defer rt.mu.Unlock()
		list := rt.targets[key]
		for i, cur := range list {
			if cur == t {
				list = append(list[:i:i], list[i+1:]...)
				break
			}
		}
		if len(list) == 0 {
			delete(rt.targets, key)
		} else {
			rt.targets[key] = list
		}
	}
}

func (rt *Router) lookup(path string) []*webhookTarget {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	list := rt.targets[normalizePath(path)]
	return append([]*webhookTarget(nil), list...)
}

// Paths lists the registered paths.
func (rt *Router) Paths() []string {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	out := make([]string, 0, len(rt.targets))
	for p := range rt.targets {
		out = append(out, p)
	}
	return out
}

func signatureParam(q map[string][]string) string {
	for _, k := range []string{"msg_signature", "msgsignature", "signature"} {
		if v := q[k]; len(v) > 0 && v[0] != "" {
			return v[0]
		}
	}
	return ""
}

func verifying(targets []*webhookTarget, timestamp, nonce, encrypt, signature string) *webhookTarget {
	for _, t := range targets {
		if t.token != "" && t.aesKey != "" && wxcrypt.VerifySignature(t.token, timestamp, nonce, encrypt, signature) {
			return t
		}
	}
	return nil
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	targets := rt.lookup(r.URL.Path)
	if len(targets) == 0 {
		http.NotFound(w, r)
		return
	}
	dialect := targets[0].dialect

	ctx, span := tracing.Tracer().Start(r.Context(), "wecom.webhook")
	defer span.End()
	span.SetAttributes(
		attribute.String("wecom.dialect", dialect),
		attribute.String("http.method", r.Method),
		attribute.String("url.path", r.URL.Path),
	)
	r = r.WithContext(ctx)

	rec := &statusRecorder{ResponseWriter: w}
	defer func() {
		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		metrics.WebhookRequests.WithLabelValues(dialect, strconv.Itoa(status)).Inc()
		span.SetAttributes(attribute.Int("http.status_code", status))
		if status >= 400 {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
	}()

	if rt.limiter != nil && rt.limiter.Enabled() && !rt.limiter.Allow(remoteIP(r)) {
		slog.Warn("wecom: webhook rate limited", "remote", remoteIP(r), "path", r.URL.Path)
		textResponse(rec, http.StatusTooManyRequests, "rate limited")
		return
	}

	switch r.Method {
	case http.MethodGet:
		rt.handshake(rec, r, targets)
	case http.MethodPost:
		rt.deliver(rec, r, targets, dialect)
	default:
		rec.Header().Set("Allow", "GET, POST")
		textResponse(rec, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handshake answers WeCom's URL verification with the decrypted echostr.
func (rt *Router) handshake(w http.ResponseWriter, r *http.Request, targets []*webhookTarget) {
	q := r.URL.Query()
	timestamp, nonce, echo := q.Get("timestamp"), q.Get("nonce"), q.Get("echostr")

	t := verifying(targets, timestamp, nonce, echo, signatureParam(q))
	if t == nil {
		slog.Warn("wecom: handshake signature mismatch", "path", r.URL.Path)
		textResponse(w, http.StatusUnauthorized, "unauthorized: signature mismatch, check the callback token")
		return
	}
	plain, err := wxcrypt.Decrypt(t.aesKey, t.receiveID, echo)
	if err != nil {
		slog.Warn("wecom: handshake decrypt failed", "account", t.accountID, "error", err)
		textResponse(w, http.StatusBadRequest, "decrypt failed: check EncodingAESKey")
		return
	}
	slog.Info("wecom: callback url verified", "account", t.accountID, "dialect", t.dialect, "path", t.path)
	textResponse(w, http.StatusOK, string(plain))
}

// deliver verifies and decrypts a POSTed callback.
func (rt *Router) deliver(w http.ResponseWriter, r *http.Request, targets []*webhookTarget, dialect string) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		textResponse(w, http.StatusBadRequest, "read body failed")
		return
	}
	if len(body) > maxBodyBytes {
		textResponse(w, http.StatusBadRequest, "payload too large")
		return
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		textResponse(w, http.StatusBadRequest, "empty payload")
		return
	}

	var (
		encrypt string
		env     *appEnvelope
	)
	if dialect == agent.DialectApp {
		env, err = parseAppEnvelope(body)
		if err != nil {
			textResponse(w, http.StatusBadRequest, "invalid xml payload")
			return
		}
		encrypt = env.Encrypt
	} else {
		encrypt, err = jsonEncryptField(body)
		if err != nil {
			textResponse(w, http.StatusBadRequest, "invalid json payload")
			return
		}
	}

	q := r.URL.Query()
	timestamp, nonce := q.Get("timestamp"), q.Get("nonce")
	t := verifying(targets, timestamp, nonce, encrypt, signatureParam(q))
	if t == nil {
		slog.Warn("wecom: callback signature mismatch", "path", r.URL.Path, "dialect", dialect)
		textResponse(w, http.StatusUnauthorized, "unauthorized: signature mismatch")
		return
	}
	plain, err := wxcrypt.Decrypt(t.aesKey, t.receiveID, encrypt)
	if err != nil {
		slog.Warn("wecom: callback decrypt failed", "account", t.accountID, "error", err)
		textResponse(w, http.StatusBadRequest, "decrypt failed")
		return
	}

	rt.handle(w, r, &callback{target: t, timestamp: timestamp, nonce: nonce, plain: plain, envelope: env})
}

var errNoEncrypt = errors.New("wecom: payload has no encrypt field")

// jsonEncryptField pulls encrypt (or Encrypt) out of a bot callback body.
func jsonEncryptField(body []byte) (string, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return "", err
	}
	for _, k := range []string{"encrypt", "Encrypt"} {
		if v, ok := raw[k]; ok {
			var s string
			if err := json.Unmarshal(v, &s); err != nil {
				return "", err
			}
			return s, nil
		}
	}
	return "", errNoEncrypt
}

func textResponse(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}
