package wecom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/wecomgw/internal/config"
)

// fakeAPI is a minimal WeCom server API: tokens, sends, media upload/get.
type fakeAPI struct {
	srv *httptest.Server

	mu          sync.Mutex
	tokenCalls  int
	expireNext  bool // answer the next send with 42001
	sends       []map[string]any
	sendPaths   []string
	uploads     int
	sendFailure int // non-zero errcode for every send
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	f := &fakeAPI{}
	mux := http.NewServeMux()
	mux.HandleFunc(pathGetToken, func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.tokenCalls++
		n := f.tokenCalls
		f.mu.Unlock()
		if r.URL.Query().Get("corpsecret") == "wrong" {
			fmt.Fprint(w, `{"errcode":40001,"errmsg":"invalid credential"}`)
			return
		}
		fmt.Fprintf(w, `{"errcode":0,"access_token":"tok-%d","expires_in":7200}`, n)
	})
	send := func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.expireNext {
			f.expireNext = false
			fmt.Fprint(w, `{"errcode":42001,"errmsg":"access_token expired"}`)
			return
		}
		if f.sendFailure != 0 {
			fmt.Fprintf(w, `{"errcode":%d,"errmsg":"failed"}`, f.sendFailure)
			return
		}
		var m map[string]any
		_ = json.Unmarshal(body, &m)
		m["access_token"] = r.URL.Query().Get("access_token")
		f.sends = append(f.sends, m)
		f.sendPaths = append(f.sendPaths, r.URL.Path)
		fmt.Fprint(w, `{"errcode":0,"errmsg":"ok"}`)
	}
	mux.HandleFunc(pathSendMessage, send)
	mux.HandleFunc(pathSendAppChat, send)
	mux.HandleFunc(pathUploadMedia, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.uploads++
		f.mu.Unlock()
		fmt.Fprintf(w, `{"errcode":0,"type":%q,"media_id":"media-1"}`, r.URL.Query().Get("type"))
	})
	mux.HandleFunc(pathDownloadFile, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("media_id") == "gone" {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"errcode":40007,"errmsg":"invalid media_id"}`)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(pngBytes(t))
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeAPI) options() NetworkOptions {
	return NetworkOptions{Timeout: 5 * time.Second, RetryDelay: time.Millisecond, BaseURL: f.srv.URL}
}

func (f *fakeAPI) snapshot() ([]map[string]any, []string, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]any(nil), f.sends...), append([]string(nil), f.sendPaths...), f.tokenCalls
}

func testApp() *config.ResolvedApp {
	return &config.ResolvedApp{AccountID: "default", Configured: true, CorpID: "corp", CorpSecret: "secret", AgentID: 1000002}
}

func TestAPIClientTokenCached(t *testing.T) {
	f := newFakeAPI(t)
	c := NewAPIClient(testApp(), f.options())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := c.SendText(ctx, Target{ToUser: "alice"}, "hi"); err != nil {
			t.Fatalf("SendText: %v", err)
		}
	}
	sends, paths, calls := f.snapshot()
	if calls != 1 {
		t.Errorf("token fetched %d times, want 1", calls)
	}
	if len(sends) != 3 || paths[0] != pathSendMessage {
		t.Fatalf("sends = %d paths = %v", len(sends), paths)
	}
	if sends[0]["touser"] != "alice" || sends[0]["agentid"] != float64(1000002) {
		t.Errorf("payload = %v", sends[0])
	}
}

func TestAPIClientTokenRefreshBeforeExpiry(t *testing.T) {
	f := newFakeAPI(t)
	c := NewAPIClient(testApp(), f.options())
	now := time.Unix(1_700_000_000, 0)
	c.now = func() time.Time { return now }

	tok1, err := c.GetToken(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	// inside the 60s refresh buffer
	now = now.Add(7200*time.Second - 30*time.Second)
	tok2, err := c.GetToken(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if tok1 == tok2 {
		t.Errorf("token not refreshed: %s", tok2)
	}
}

func TestAPIClientRetriesOnExpiredToken(t *testing.T) {
	f := newFakeAPI(t)
	c := NewAPIClient(testApp(), f.options())
	ctx := context.Background()
	if _, err := c.GetToken(ctx); err != nil {
		t.Fatal(err)
	}

	f.mu.Lock()
	f.expireNext = true
	f.mu.Unlock()

	if err := c.SendText(ctx, Target{ChatID: "wr1"}, "hi"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	sends, paths, calls := f.snapshot()
	if calls != 2 {
		t.Errorf("token fetched %d times, want 2", calls)
	}
	if len(sends) != 1 || paths[0] != pathSendAppChat || sends[0]["chatid"] != "wr1" {
		t.Fatalf("sends = %v paths = %v", sends, paths)
	}
	if sends[0]["access_token"] != "tok-2" {
		t.Errorf("retried with %v", sends[0]["access_token"])
	}
}

func TestAPIClientErrors(t *testing.T) {
	f := newFakeAPI(t)
	ctx := context.Background()

	bad := testApp()
	bad.CorpSecret = "wrong"
	var apiErr *APIError
	if err := NewAPIClient(bad, f.options()).SendText(ctx, Target{ToUser: "a"}, "x"); !errors.As(err, &apiErr) || apiErr.Op != "gettoken" {
		t.Errorf("bad secret err = %v", err)
	}

	c := NewAPIClient(testApp(), f.options())
	if err := c.SendText(ctx, Target{}, "x"); !errors.Is(err, ErrEmptyTarget) {
		t.Errorf("empty target err = %v", err)
	}

	f.mu.Lock()
	f.sendFailure = 81013
	f.mu.Unlock()
	if err := c.SendText(ctx, Target{ToUser: "a"}, "x"); !errors.As(err, &apiErr) || apiErr.Code != 81013 {
		t.Errorf("send failure err = %v", err)
	}
}

func TestAPIClientMedia(t *testing.T) {
	f := newFakeAPI(t)
	c := NewAPIClient(testApp(), f.options())
	ctx := context.Background()

	id, err := c.UploadMedia(ctx, "image", "a.png", pngBytes(t))
	if err != nil || id != "media-1" {
		t.Fatalf("UploadMedia = %q, %v", id, err)
	}
	if err := c.SendMedia(ctx, Target{ToUser: "a"}, id, "video", "", ""); err != nil {
		t.Fatalf("SendMedia: %v", err)
	}
	sends, _, _ := f.snapshot()
	video, _ := sends[0]["video"].(map[string]any)
	if video["media_id"] != "media-1" || video["title"] != "Video" {
		t.Errorf("video payload = %v", sends[0])
	}

	data, ct, err := c.DownloadMedia(ctx, "m1", 1<<20)
	if err != nil || ct != "image/png" || len(data) == 0 {
		t.Fatalf("DownloadMedia = %d bytes, %q, %v", len(data), ct, err)
	}
	var apiErr *APIError
	if _, _, err := c.DownloadMedia(ctx, "gone", 1<<20); !errors.As(err, &apiErr) || apiErr.Code != 40007 {
		t.Errorf("json error body err = %v", err)
	}
	if _, _, err := c.DownloadMedia(ctx, "m1", 8); !errors.Is(err, ErrMediaTooLarge) {
		t.Errorf("size limit err = %v", err)
	}
}

func TestNetworkOptionsDefaults(t *testing.T) {
	o := networkOptions(config.WeComNetworkConfig{Retries: -1, APIBaseURL: " https://proxy.example/ "})
	if o.Timeout != defaultHTTPTimeout || o.Retries != 0 || o.BaseURL != "https://proxy.example" {
		t.Errorf("options = %+v", o)
	}
	if !strings.HasPrefix(networkOptions(config.WeComNetworkConfig{}).BaseURL, "https://qyapi") {
		t.Error("default base url missing")
	}
}
