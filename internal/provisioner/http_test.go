package provisioner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"botherd/internal/config"
	"botherd/internal/model"
	logx "botherd/pkg/logx"
)

func TestHTTPRequest(t *testing.T) {
	var got launchRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	p := newHTTP(config.ProvisionerSettings{
		Mode:    "http",
		URL:     srv.URL,
		Token:   "s3cret",
		Timeout: 5 * time.Second,
	}, logx.Nop())

	join := time.Date(2026, 8, 26, 15, 0, 0, 0, time.UTC)
	err := p.Request(context.Background(),
		model.CapacityRequest{RequestID: "req-1", BotID: "bot-1"},
		model.Bot{BotID: "bot-1", MeetingURL: "https://meet.example.com/abc", JoinAt: join})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if auth != "Bearer s3cret" {
		t.Errorf("Authorization = %q, want bearer token", auth)
	}
	if got.RequestID != "req-1" || got.BotID != "bot-1" {
		t.Errorf("payload = %+v", got)
	}
	if got.JoinAt != "2026-08-26T15:00:00Z" {
		t.Errorf("JoinAt = %q, want RFC 3339 UTC", got.JoinAt)
	}
}

func TestHTTPRequestNonSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "full", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := newHTTP(config.ProvisionerSettings{Mode: "http", URL: srv.URL, Timeout: time.Second}, logx.Nop())
	err := p.Request(context.Background(), model.CapacityRequest{RequestID: "req-1"}, model.Bot{BotID: "bot-1"})
	if err == nil {
		t.Fatal("expected error for 503 response")
	}
}

func TestNewSelectsMode(t *testing.T) {
	if _, ok := New(config.ProvisionerSettings{Mode: "none"}, logx.Nop()).(Nop); !ok {
		t.Error("mode none should yield Nop")
	}
	if _, ok := New(config.ProvisionerSettings{Mode: "http", URL: "http://localhost:1"}, logx.Nop()).(*httpProvisioner); !ok {
		t.Error("mode http should yield httpProvisioner")
	}
}
