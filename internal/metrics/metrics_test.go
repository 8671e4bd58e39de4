package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestOutcome(t *testing.T) {
	if Outcome(nil) != "ok" || Outcome(errors.New("x")) != "error" {
		t.Error("Outcome labels")
	}
}

func TestHandlerExposesCollectors(t *testing.T) {
	WebhookRequests.WithLabelValues("bot", "200").Inc()
	DedupHits.WithLabelValues("app").Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	for _, name := range []string{
		"wecomgw_webhook_requests_total",
		"wecomgw_dedup_hits_total",
		"wecomgw_active_streams",
	} {
		if !strings.Contains(string(body), name) {
			t.Errorf("/metrics missing %s", name)
		}
	}
}
