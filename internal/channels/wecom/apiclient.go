package wecom

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nextlevelbuilder/wecomgw/internal/config"
)

const (
	defaultHTTPTimeout = 15 * time.Second
	defaultAPIBaseURL  = "https://qyapi.weixin.qq.com"
	tokenRefreshBuffer = 60 * time.Second

	pathGetToken     = "/cgi-bin/gettoken"
	pathSendMessage  = "/cgi-bin/message/send"
	pathSendAppChat  = "/cgi-bin/appchat/send"
	pathUploadMedia  = "/cgi-bin/media/upload"
	pathDownloadFile = "/cgi-bin/media/get"
)

// APIError is a non-zero errcode returned by the WeCom server API.
type APIError struct {
	Op   string
	Code int
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("wecom %s: errcode=%d errmsg=%s", e.Op, e.Code, e.Msg)
}

// isTokenError returns true if the errcode means the access token is invalid or expired.
func isTokenError(code int) bool {
	return code == 40014 || code == 42001 || code == 40001
}

type apiStatus struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

// NetworkOptions are the resolved outbound HTTP settings.
type NetworkOptions struct {
	Timeout     time.Duration
	Retries     int
	RetryDelay  time.Duration
	EgressProxy string
	BaseURL     string
}

func networkOptions(n config.WeComNetworkConfig) NetworkOptions {
	o := NetworkOptions{
		Timeout:     time.Duration(n.TimeoutMs) * time.Millisecond,
		Retries:     n.Retries,
		RetryDelay:  time.Duration(n.RetryDelayMs) * time.Millisecond,
		EgressProxy: strings.TrimSpace(n.EgressProxyURL),
		BaseURL:     strings.TrimRight(strings.TrimSpace(n.APIBaseURL), "/"),
	}
	if o.Timeout <= 0 {
		o.Timeout = defaultHTTPTimeout
	}
	if o.Retries < 0 {
		o.Retries = 0
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 500 * time.Millisecond
	}
	if o.BaseURL == "" {
		o.BaseURL = defaultAPIBaseURL
	}
	return o
}

// newHTTPClient builds the client used for every outbound call to WeCom.
func newHTTPClient(o NetworkOptions) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if o.EgressProxy != "" {
		if u, err := url.Parse(o.EgressProxy); err == nil {
			transport.Proxy = http.ProxyURL(u)
		} else {
			slog.Warn("wecom: invalid egress proxy, ignoring", "proxy", o.EgressProxy, "error", err)
		}
	}
	return &http.Client{Timeout: o.Timeout, Transport: transport}
}

// APIClient talks to the WeCom server API for one application (corp + agent).
// The access token is cached and refreshed 60s before expiry; concurrent
// refreshes collapse into a single request.
type APIClient struct {
	corpID     string
	corpSecret string
	agentID    int64
	opts       NetworkOptions
	httpClient *http.Client

	sf       singleflight.Group
	mu       sync.Mutex
	token    string
	tokenExp time.Time
	now      func() time.Time
}

// NewAPIClient creates a client for the given app account.
func NewAPIClient(app *config.ResolvedApp, opts NetworkOptions) *APIClient {
	return &APIClient{
		corpID:     app.CorpID,
		corpSecret: app.CorpSecret,
		agentID:    app.AgentID,
		opts:       opts,
		httpClient: newHTTPClient(opts),
		now:        time.Now,
	}
}

func apiClientKey(app *config.ResolvedApp) string {
	return fmt.Sprintf("%s:%d", app.CorpID, app.AgentID)
}

// AgentID returns the application id sends are addressed from.
func (c *APIClient) AgentID() int64 { return c.agentID }

// --- Token management ---

// GetToken returns a valid access token, fetching one when needed.
func (c *APIClient) GetToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.token != "" && c.now().Add(tokenRefreshBuffer).Before(c.tokenExp) {
		tok := c.token
		c.mu.Unlock()
		return tok, nil
	}
	c.mu.Unlock()

	v, err, _ := c.sf.Do("token", func() (interface{}, error) {
		return c.fetchToken(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *APIClient) fetchToken(ctx context.Context) (string, error) {
	q := url.Values{"corpid": {c.corpID}, "corpsecret": {c.corpSecret}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.opts.BaseURL+pathGetToken+"?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}
	resp, err := c.do(req, nil)
	if err != nil {
		return "", fmt.Errorf("wecom gettoken: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		apiStatus
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("wecom gettoken decode: %w", err)
	}
	if result.AccessToken == "" {
		return "", &APIError{Op: "gettoken", Code: result.ErrCode, Msg: result.ErrMsg}
	}
	if result.ExpiresIn <= 0 {
		result.ExpiresIn = 7200
	}

	c.mu.Lock()
	c.token = result.AccessToken
	c.tokenExp = c.now().Add(time.Duration(result.ExpiresIn) * time.Second)
	c.mu.Unlock()
	return result.AccessToken, nil
}

func (c *APIClient) clearToken() {
	c.mu.Lock()
	c.token = ""
	c.tokenExp = time.Time{}
	c.mu.Unlock()
}

// --- Generic API helpers ---

// do sends req, retrying transport failures opts.Retries times. body, when
// non-nil, is replayed on each attempt.
func (c *APIClient) do(req *http.Request, body []byte) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= c.opts.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-req.Context().Done():
				return nil, req.Context().Err()
			case <-time.After(c.opts.RetryDelay):
			}
		}
		if body != nil {
			req.Body = io.NopCloser(bytes.NewReader(body))
			req.ContentLength = int64(len(body))
		}
		resp, err := c.httpClient.Do(req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if req.Context().Err() != nil {
			break
		}
	}
	return nil, lastErr
}

// postJSON performs an authenticated JSON call, retrying once on a token error.
func (c *APIClient) postJSON(ctx context.Context, op, path string, payload interface{}) error {
	err := c.postJSONOnce(ctx, op, path, payload)
	var apiErr *APIError
	if errors.As(err, &apiErr) && isTokenError(apiErr.Code) {
		c.clearToken()
		return c.postJSONOnce(ctx, op, path, payload)
	}
	return err
}

func (c *APIClient) postJSONOnce(ctx context.Context, op, path string, payload interface{}) error {
	token, err := c.GetToken(ctx)
	if err != nil {
		return err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", op, err)
	}

	u := c.opts.BaseURL + path + "?access_token=" + url.QueryEscape(token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.do(req, data)
	if err != nil {
		return fmt.Errorf("wecom %s: %w", op, err)
	}
	defer resp.Body.Close()

	var status apiStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("wecom %s decode: %w", op, err)
	}
	if status.ErrCode != 0 {
		return &APIError{Op: op, Code: status.ErrCode, Msg: status.ErrMsg}
	}
	return nil
}

// --- Messaging ---

func (c *APIClient) sendPayload(to Target, msgType string, content interface{}) (op, path string, body map[string]interface{}) {
	body = map[string]interface{}{"msgtype": msgType, msgType: content}
	if to.IsChat() {
		body["chatid"] = to.ChatID
		return "appchat/send", pathSendAppChat, body
	}
	if to.ToUser != "" {
		body["touser"] = to.ToUser
	}
	if to.ToParty != "" {
		body["toparty"] = to.ToParty
	}
	if to.ToTag != "" {
		body["totag"] = to.ToTag
	}
	body["agentid"] = c.agentID
	return "message/send", pathSendMessage, body
}

// SendText sends one text message. Callers split long text first.
func (c *APIClient) SendText(ctx context.Context, to Target, text string) error {
	if to.IsEmpty() {
		return ErrEmptyTarget
	}
	op, path, body := c.sendPayload(to, "text", map[string]string{"content": text})
	return c.postJSON(ctx, op, path, body)
}

// SendMedia sends an uploaded media id. title and desc apply to video only.
func (c *APIClient) SendMedia(ctx context.Context, to Target, mediaID, mediaType, title, desc string) error {
	if to.IsEmpty() {
		return ErrEmptyTarget
	}
	content := map[string]string{"media_id": mediaID}
	if mediaType == "video" {
		if title == "" {
			title = "Video"
		}
		content["title"] = title
		content["description"] = desc
	}
	op, path, body := c.sendPayload(to, mediaType, content)
	return c.postJSON(ctx, op, path, body)
}

// --- Media ---

// UploadMedia uploads data as temporary media and returns its media_id.
func (c *APIClient) UploadMedia(ctx context.Context, mediaType, filename string, data []byte) (string, error) {
	id, err := c.uploadOnce(ctx, mediaType, filename, data)
	var apiErr *APIError
	if errors.As(err, &apiErr) && isTokenError(apiErr.Code) {
		c.clearToken()
		return c.uploadOnce(ctx, mediaType, filename, data)
	}
	return id, err
}

func (c *APIClient) uploadOnce(ctx context.Context, mediaType, filename string, data []byte) (string, error) {
	token, err := c.GetToken(ctx)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="media"; filename="%s"; filelength=%d`,
		strings.ReplaceAll(filename, `"`, ""), len(data)))
	h.Set("Content-Type", uploadContentType(filename))
	part, err := w.CreatePart(h)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	q := url.Values{"access_token": {token}, "type": {mediaType}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.BaseURL+pathUploadMedia+"?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	resp, err := c.do(req, buf.Bytes())
	if err != nil {
		return "", fmt.Errorf("wecom media/upload: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		apiStatus
		MediaID string `json:"media_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("wecom media/upload decode: %w", err)
	}
	if result.MediaID == "" {
		return "", &APIError{Op: "media/upload", Code: result.ErrCode, Msg: result.ErrMsg}
	}
	return result.MediaID, nil
}

func uploadContentType(filename string) string {
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(filename))); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// DownloadMedia fetches temporary media by id. WeCom answers errors with a
// JSON body instead of an HTTP status, so the content type is checked.
func (c *APIClient) DownloadMedia(ctx context.Context, mediaID string, maxBytes int64) ([]byte, string, error) {
	data, ct, err := c.downloadOnce(ctx, mediaID, maxBytes)
	var apiErr *APIError
	if errors.As(err, &apiErr) && isTokenError(apiErr.Code) {
		c.clearToken()
		return c.downloadOnce(ctx, mediaID, maxBytes)
	}
	return data, ct, err
}

func (c *APIClient) downloadOnce(ctx context.Context, mediaID string, maxBytes int64) ([]byte, string, error) {
	token, err := c.GetToken(ctx)
	if err != nil {
		return nil, "", err
	}
	q := url.Values{"access_token": {token}, "media_id": {mediaID}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.opts.BaseURL+pathDownloadFile+"?"+q.Encode(), nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.do(req, nil)
	if err != nil {
		return nil, "", fmt.Errorf("wecom media/get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("wecom media/get: HTTP %d", resp.StatusCode)
	}
	ct := resp.Header.Get("Content-Type")
	if mt, _, _ := mime.ParseMediaType(ct); mt == "application/json" || mt == "text/plain" {
		var status apiStatus
		if err := json.NewDecoder(resp.Body).Decode(&status); err == nil && status.ErrCode != 0 {
			return nil, "", &APIError{Op: "media/get", Code: status.ErrCode, Msg: status.ErrMsg}
		}
		return nil, "", fmt.Errorf("wecom media/get: unexpected %s body", mt)
	}

	data, err := readLimited(resp.Body, maxBytes)
	if err != nil {
		return nil, "", fmt.Errorf("wecom media/get: %w", err)
	}
	if ct == "" {
		ct = http.DetectContentType(data)
	}
	return data, ct, nil
}
