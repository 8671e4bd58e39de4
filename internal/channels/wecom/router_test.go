package wecom

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/wecomgw/internal/channels"
	"github.com/nextlevelbuilder/wecomgw/internal/channels/wecom/wxcrypt"
)

func TestNormalizePath(t *testing.T) {
	tests := map[string]string{
		"":            "/",
		"wecom":       "/wecom",
		"/wecom/":     "/wecom",
		" /wecom/bot": "/wecom/bot",
		"/":           "/",
	}
	for in, want := range tests {
		if got := normalizePath(in); got != want {
			t.Errorf("normalizePath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRouterRegisterUnregister(t *testing.T) {
	rt := NewRouter(nil, nil)
	a := &webhookTarget{accountID: "a", path: "/wecom/"}
	b := &webhookTarget{accountID: "b", path: "/wecom"}
	ua := rt.Register(a)
	ub := rt.Register(b)

	if got := rt.lookup("/wecom"); len(got) != 2 {
		t.Fatalf("lookup = %d targets, want 2", len(got))
	}
	ua()
	if got := rt.lookup("/wecom"); len(got) != 1 || got[0] != b {
		t.Fatalf("after unregister: %v", got)
	}
	ub()
	if len(rt.Paths()) != 0 {
		t.Errorf("paths left: %v", rt.Paths())
	}
}

func TestHandshake(t *testing.T) {
	ch := startChannel(t, legacyConfig(t, ""), &scriptedRunner{}, Options{})

	tests := []struct {
		name       string
		path       string
		receiveID  string
		tamper     bool
		wantStatus int
		wantBody   string
	}{
		{"bot", "/wecom/bot", "", false, http.StatusOK, "ping"},
		{"bot legacy root", "/wecom", "", false, http.StatusOK, "ping"},
		{"app", "/wecom/agent", testCorpID, false, http.StatusOK, "ping"},
		{"bad signature", "/wecom/bot", "", true, http.StatusUnauthorized, ""},
		{"app wrong receiver", "/wecom/agent", "other-corp", false, http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			echo, err := wxcrypt.Encrypt(testAESKey, tt.receiveID, []byte("ping"))
			if err != nil {
				t.Fatal(err)
			}
			q := signedQuery("1700000000", "abc", echo)
			if tt.tamper {
				q = strings.Replace(q, "msg_signature=", "msg_signature=0", 1)
			}
			req := httptest.NewRequest(http.MethodGet, tt.path+"?"+q+"&echostr="+url.QueryEscape(echo), nil)
			rec := serve(ch, req)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d (%q), want %d", rec.Code, rec.Body.String(), tt.wantStatus)
			}
			if tt.wantBody != "" && rec.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestDeliverRejects(t *testing.T) {
	ch := startChannel(t, legacyConfig(t, ""), &scriptedRunner{}, Options{})
	enc, _ := wxcrypt.Encrypt(testAESKey, "", []byte(`{"msgtype":"text"}`))
	good := signedQuery("1700000000", "n", enc)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		query  string
		want   int
	}{
		{"unknown path", http.MethodPost, "/wecom/nope", `{}`, good, http.StatusNotFound},
		{"method", http.MethodPut, "/wecom/bot", `{}`, good, http.StatusMethodNotAllowed},
		{"empty body", http.MethodPost, "/wecom/bot", "  ", good, http.StatusBadRequest},
		{"not json", http.MethodPost, "/wecom/bot", "<xml/>", good, http.StatusBadRequest},
		{"no encrypt", http.MethodPost, "/wecom/bot", `{"foo":"bar"}`, good, http.StatusBadRequest},
		{"bad signature", http.MethodPost, "/wecom/bot", `{"encrypt":"` + enc + `"}`, signedQuery("1", "n", enc), http.StatusUnauthorized},
		{"app not xml", http.MethodPost, "/wecom/agent", `{"encrypt":"x"}`, good, http.StatusBadRequest},
		{"too large", http.MethodPost, "/wecom/bot", strings.Repeat("x", maxBodyBytes+1), good, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path+"?"+tt.query, strings.NewReader(tt.body))
			rec := serve(ch, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d (%q), want %d", rec.Code, rec.Body.String(), tt.want)
			}
		})
	}

	req := httptest.NewRequest(http.MethodDelete, "/wecom/bot", nil)
	if rec := serve(ch, req); rec.Header().Get("Allow") != "GET, POST" {
		t.Errorf("Allow = %q", rec.Header().Get("Allow"))
	}
}

func TestDeliverCapitalizedEncrypt(t *testing.T) {
	enc, _ := wxcrypt.Encrypt(testAESKey, "", []byte("{}"))
	got, err := jsonEncryptField([]byte(`{"Encrypt":"` + enc + `"}`))
	if err != nil || got != enc {
		t.Fatalf("jsonEncryptField = %q, %v", got, err)
	}
}

func TestRateLimitedCallbacks(t *testing.T) {
	limiter := channels.NewWebhookRateLimiter(1, 1)
	ch := startChannel(t, legacyConfig(t, ""), &scriptedRunner{}, Options{RateLimiter: limiter})

	first := serve(ch, httptest.NewRequest(http.MethodGet, "/wecom/bot", nil))
	if first.Code == http.StatusTooManyRequests {
		t.Fatal("first request limited")
	}
	second := serve(ch, httptest.NewRequest(http.MethodGet, "/wecom/bot", nil))
	if second.Code != http.StatusTooManyRequests {
		t.Errorf("second status = %d, want 429", second.Code)
	}
}

func TestRateLimitIgnoresForwardedFor(t *testing.T) {
	limiter := channels.NewWebhookRateLimiter(1, 1)
	ch := startChannel(t, legacyConfig(t, ""), &scriptedRunner{}, Options{RateLimiter: limiter})

	for i, xff := range []string{"198.51.100.1", "198.51.100.2"} {
		req := httptest.NewRequest(http.MethodGet, "/wecom/bot", nil)
		req.Header.Set("X-Forwarded-For", xff)
		rec := serve(ch, req)
		if limited := rec.Code == http.StatusTooManyRequests; limited != (i == 1) {
			t.Errorf("request %d with X-Forwarded-For %s: status %d", i, xff, rec.Code)
		}
	}
}

func TestSignatureParamAliases(t *testing.T) {
	for _, k := range []string{"msg_signature", "msgsignature", "signature"} {
		if got := signatureParam(map[string][]string{k: {"sig"}}); got != "sig" {
			t.Errorf("%s: got %q", k, got)
		}
	}
}
