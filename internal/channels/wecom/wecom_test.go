package wecom

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/wecomgw/internal/agent"
	"github.com/nextlevelbuilder/wecomgw/internal/bus"
	"github.com/nextlevelbuilder/wecomgw/internal/channels/wecom/wxcrypt"
	"github.com/nextlevelbuilder/wecomgw/internal/config"
)

const (
	testAESKey = "abcdefghijklmnopqrstuvwxyz0123456789ABCDEFG"
	testToken  = "callback-token"
	testCorpID = "ww0123456789"
)

func encryptMediaForTest(t *testing.T, key, plain []byte) []byte {
	t.Helper()
	pad := wxcrypt.BlockSize - len(plain)%wxcrypt.BlockSize
	padded := append(append([]byte(nil), plain...), bytes.Repeat([]byte{byte(pad)}, pad)...)
	block, err := aes.NewCipher(key)
	if err != nil {
		t.Fatal(err)
	}
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, key[:aes.BlockSize]).CryptBlocks(out, padded)
	return out
}

// scriptedRunner records turns and answers each with reply(turn).
type scriptedRunner struct {
	mu    sync.Mutex
	turns []agent.Turn
	reply func(ctx context.Context, turn agent.Turn, sink agent.Sink) error
}

func (r *scriptedRunner) Run(ctx context.Context, turn agent.Turn, sink agent.Sink) error {
	r.mu.Lock()
	r.turns = append(r.turns, turn)
	r.mu.Unlock()
	if r.reply != nil {
		return r.reply(ctx, turn, sink)
	}
	return agent.Echo{Prefix: "echo: "}.Run(ctx, turn, sink)
}

func (r *scriptedRunner) Turns() []agent.Turn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]agent.Turn(nil), r.turns...)
}

// legacyConfig is a single-account section with both a bot and an app.
func legacyConfig(t *testing.T, apiBase string) *config.Config {
	t.Helper()
	cfg := config.Default()
	w := &cfg.Channels.WeCom
	w.Enabled = true
	w.DebounceMs = 40
	w.Media.TempDir = t.TempDir()
	w.Network.APIBaseURL = apiBase
	w.Network.RetryDelayMs = 1
	w.Bot = &config.WeComBotConfig{Token: testToken, EncodingAESKey: testAESKey}
	w.App = &config.WeComAppConfig{
		CorpID: testCorpID, CorpSecret: "secret", AgentID: 1000002,
		Token: testToken, EncodingAESKey: testAESKey,
	}
	return cfg
}

func startChannel(t *testing.T, cfg *config.Config, runner agent.Runner, opts Options) *Channel {
	t.Helper()
	opts.Runner = runner
	ch, err := New(cfg, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := ch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		_ = ch.Stop(context.Background())
		ch.Wait()
	})
	return ch
}

func signedQuery(ts, nonce, encrypt string) string {
	q := url.Values{
		"msg_signature": {wxcrypt.Signature(testToken, ts, nonce, encrypt)},
		"timestamp":     {ts},
		"nonce":         {nonce},
	}
	return q.Encode()
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	req.RemoteAddr = "192.0.2.10:40000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// postBot encrypts payload as a bot callback and delivers it to path.
func postBot(t *testing.T, h http.Handler, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	plain, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	enc, err := wxcrypt.Encrypt(testAESKey, "", plain)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := json.Marshal(map[string]string{"encrypt": enc})
	req := httptest.NewRequest(http.MethodPost, path+"?"+signedQuery("1700000000", "n1", enc), bytes.NewReader(body))
	return serve(h, req)
}

// botReply verifies and decrypts a bot callback response.
func botReply(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %q", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("content type = %q", ct)
	}
	var env encryptedReply
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("reply envelope: %v (%q)", err, rec.Body.String())
	}
	if !wxcrypt.VerifySignature(testToken, env.Timestamp, env.Nonce, env.Encrypt, env.MsgSignature) {
		t.Fatal("reply signature does not verify")
	}
	plain, err := wxcrypt.Decrypt(testAESKey, "", env.Encrypt)
	if err != nil {
		t.Fatalf("decrypt reply: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(plain, &out); err != nil {
		t.Fatalf("reply json: %v", err)
	}
	return out
}

func streamOf(t *testing.T, reply map[string]any) map[string]any {
	t.Helper()
	s, ok := reply["stream"].(map[string]any)
	if !ok {
		t.Fatalf("not a stream reply: %v", reply)
	}
	return s
}

func botTextMsg(msgID, user, text string) map[string]any {
	return map[string]any{
		"msgid":    msgID,
		"aibotid":  "bot-1",
		"chattype": "single",
		"from":     map[string]string{"userid": user},
		"msgtype":  "text",
		"text":     map[string]string{"content": text},
	}
}

func botPoll(id string) map[string]any {
	return map[string]any{
		"msgid":    "poll-" + id,
		"chattype": "single",
		"from":     map[string]string{"userid": "alice"},
		"msgtype":  "stream",
		"stream":   map[string]string{"id": id},
	}
}

// postApp encrypts an inner XML message as an app callback.
func postApp(t *testing.T, h http.Handler, path, inner string) *httptest.ResponseRecorder {
	t.Helper()
	enc, err := wxcrypt.Encrypt(testAESKey, testCorpID, []byte(inner))
	if err != nil {
		t.Fatal(err)
	}
	body := fmt.Sprintf("<xml><ToUserName><![CDATA[%s]]></ToUserName><Encrypt><![CDATA[%s]]></Encrypt><AgentID><![CDATA[1000002]]></AgentID></xml>", testCorpID, enc)
	req := httptest.NewRequest(http.MethodPost, path+"?"+signedQuery("1700000000", "n2", enc), strings.NewReader(body))
	return serve(h, req)
}

func appText(msgID, from, content string) string {
	return fmt.Sprintf(`<xml><ToUserName><![CDATA[%s]]></ToUserName><FromUserName><![CDATA[%s]]></FromUserName>`+
		`<CreateTime>1700000000</CreateTime><MsgType><![CDATA[text]]></MsgType><Content><![CDATA[%s]]></Content>`+
		`<MsgId>%s</MsgId><AgentID>1000002</AgentID></xml>`, testCorpID, from, content, msgID)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNewRequiresRunner(t *testing.T) {
	if _, err := New(legacyConfig(t, ""), Options{}); err == nil {
		t.Error("New accepted a nil runner")
	}
	cfg := legacyConfig(t, "")
	cfg.Channels.WeCom.Enabled = false
	if _, err := New(cfg, Options{Runner: agent.Echo{}}); err == nil {
		t.Error("New accepted a disabled section")
	}
}

func TestDebounceDelay(t *testing.T) {
	tests := map[int]time.Duration{-1: -1, 0: defaultDebounce, 250: 250 * time.Millisecond}
	for ms, want := range tests {
		if got := debounceDelay(ms); got != want {
			t.Errorf("debounceDelay(%d) = %v, want %v", ms, got, want)
		}
	}
}

func TestChannelRoutesLegacyPaths(t *testing.T) {
	ch := startChannel(t, legacyConfig(t, ""), &scriptedRunner{}, Options{})
	paths := map[string]bool{}
	for _, p := range ch.router.Paths() {
		paths[p] = true
	}
	for _, want := range []string{"/wecom", "/wecom/bot", "/wecom/agent"} {
		if !paths[want] {
			t.Errorf("missing path %s in %v", want, ch.router.Paths())
		}
	}
}

func TestChannelReloadSwapsTargets(t *testing.T) {
	cfg := legacyConfig(t, "")
	ch := startChannel(t, cfg, &scriptedRunner{}, Options{})

	next := legacyConfig(t, "")
	next.Channels.WeCom.Bot = nil
	next.Channels.WeCom.Accounts = map[string]config.WeComAccountConfig{
		"sales": {Bot: &config.WeComBotConfig{Token: testToken, EncodingAESKey: testAESKey}},
	}
	cfg.ReplaceWeCom(next)
	if err := ch.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	paths := ch.router.Paths()
	if len(paths) != 1 || paths[0] != "/wecom/bot/sales" {
		t.Errorf("paths after reload = %v", paths)
	}
}

func TestChannelSkipsConflictingAccounts(t *testing.T) {
	cfg := legacyConfig(t, "")
	cfg.Channels.WeCom.Bot = nil
	cfg.Channels.WeCom.App = nil
	cfg.Channels.WeCom.Accounts = map[string]config.WeComAccountConfig{
		"acct-a": {Bot: &config.WeComBotConfig{Token: testToken, EncodingAESKey: testAESKey}},
		"acct-b": {Bot: &config.WeComBotConfig{Token: testToken, EncodingAESKey: testAESKey}},
	}
	ch := startChannel(t, cfg, &scriptedRunner{}, Options{})

	paths := ch.router.Paths()
	if len(paths) != 1 || paths[0] != "/wecom/bot/acct-a" {
		t.Errorf("paths = %v, want only /wecom/bot/acct-a", paths)
	}
}

func TestChannelReloadSwapsReplyClient(t *testing.T) {
	cfg := legacyConfig(t, "")
	ch := startChannel(t, cfg, &scriptedRunner{}, Options{})
	before := ch.replies.client()

	cfg.ReplaceWeCom(legacyConfig(t, ""))
	if err := ch.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	after := ch.replies.client()
	if after == before || after != ch.httpClient() {
		t.Error("active replies still use the pre-reload HTTP client")
	}
}

func TestChannelRestartAfterStop(t *testing.T) {
	runner := &scriptedRunner{}
	ch := startChannel(t, legacyConfig(t, ""), runner, Options{})

	if err := ch.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if rec := postBot(t, ch, "/wecom/bot", botTextMsg("m0", "alice", "hi")); rec.Code != http.StatusNotFound {
		t.Errorf("stopped channel answered %d, want 404", rec.Code)
	}
	if err := ch.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if !ch.IsRunning() {
		t.Fatal("channel not running after restart")
	}

	id := streamOf(t, botReply(t, postBot(t, ch, "/wecom/bot", botTextMsg("m1", "alice", "hello"))))["id"].(string)
	waitFor(t, "stream to finish after restart", func() bool {
		st, ok := ch.streams.Get(id)
		return ok && st.Finished
	})
	if n := len(runner.Turns()); n != 1 {
		t.Errorf("runner called %d times, want 1", n)
	}
}

func TestChannelSendOutbound(t *testing.T) {
	f := newFakeAPI(t)
	ch := startChannel(t, legacyConfig(t, f.srv.URL), &scriptedRunner{}, Options{})

	err := ch.Send(context.Background(), bus.OutboundMessage{Channel: ChannelName, ChatID: "wecom:user:bob", Content: "report ready"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	sends, _, _ := f.snapshot()
	if len(sends) != 1 || sends[0]["touser"] != "bob" {
		t.Fatalf("sends = %v", sends)
	}
	text, _ := sends[0]["text"].(map[string]any)
	if text["content"] != "report ready" {
		t.Errorf("content = %v", text["content"])
	}

	if err := ch.Send(context.Background(), bus.OutboundMessage{ChatID: "  "}); err == nil {
		t.Error("empty target accepted")
	}
}

func TestChannelSendWithoutApp(t *testing.T) {
	cfg := legacyConfig(t, "")
	cfg.Channels.WeCom.App = nil
	ch := startChannel(t, cfg, &scriptedRunner{}, Options{})
	if err := ch.Send(context.Background(), bus.OutboundMessage{ChatID: "bob", Content: "x"}); err != ErrNoAppAccount {
		t.Errorf("err = %v, want ErrNoAppAccount", err)
	}
}
