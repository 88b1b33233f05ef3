package notification

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWebhookNotifier_Send(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" {
			t.Errorf("expected POST, got %s", r.Method)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL)
	err := n.Send(context.Background(), Alert{
		Level:   AlertCritical,
		Title:   "worker failed",
		Message: "worker-2 exceeded crash budget",
		Venue:   "BINANCE",
		Symbol:  "BTCUSDT",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got["level"] != "CRITICAL" || got["title"] != "worker failed" {
		t.Errorf("unexpected payload: %v", got)
	}
	if got["service"] != "footprint-ingest" || got["venue"] != "BINANCE" || got["symbol"] != "BTCUSDT" {
		t.Errorf("missing scope fields: %v", got)
	}
	if _, ok := got["sent_at"]; !ok {
		t.Error("payload missing sent_at")
	}
}

func TestWebhookNotifier_OmitsEmptyScope(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL)
	if err := n.Send(context.Background(), Alert{Level: AlertWarning, Title: "sidecar restarting"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, ok := got["venue"]; ok {
		t.Error("process-level alert must omit venue")
	}
	if _, ok := got["symbol"]; ok {
		t.Error("process-level alert must omit symbol")
	}
}

func TestWebhookNotifier_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL)
	if err := n.Send(context.Background(), Alert{Level: AlertInfo, Title: "t"}); err == nil {
		t.Fatal("expected error on 502 response")
	}
}

func TestMulti_FansOut(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer srv.Close()

	m := Multi{NewLogNotifier(), NewWebhookNotifier(srv.URL)}
	if err := m.Send(context.Background(), Alert{Level: AlertWarning, Title: "gap recovery stalled"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected webhook hit once, got %d", calls)
	}
}
