package observe

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"botherd/internal/dedup"
	"botherd/internal/eventbus"
	"botherd/internal/ingest"
	"botherd/internal/lifecycle"
	"botherd/internal/metrics"
	"botherd/internal/model"
	"botherd/internal/store"
	logx "botherd/pkg/logx"
)

func newTestAPI(t *testing.T) (*httptest.Server, store.Store) {
	t.Helper()
	st := store.NewMemory()
	t.Cleanup(func() { _ = st.Close() })
	bus := eventbus.New()
	met := metrics.New()
	life := lifecycle.NewService(st, met, logx.Nop())
	res := dedup.NewResolver(st, life, logx.Nop())
	ing := ingest.NewService(st, bus, met, logx.Nop())
	api := NewAPI(st, ing, life, res, met, logx.Nop())
	srv := httptest.NewServer(api.Router())
	t.Cleanup(srv.Close)
	return srv, st
}

func doJSON(t *testing.T, method, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestAPI(t)
	resp, body := doJSON(t, http.MethodGet, srv.URL+"/healthz", "")
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("healthz = %d %v", resp.StatusCode, body)
	}
}

func TestCreateBotAndStates(t *testing.T) {
	srv, _ := newTestAPI(t)
	join := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/bots",
		`{"meeting_url":"https://meet.example.com/abc","join_at":"`+join+`"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create = %d %v", resp.StatusCode, body)
	}
	botID, _ := body["bot_id"].(string)
	if botID == "" || body["state"] != "SCHEDULED" {
		t.Fatalf("create body = %v", body)
	}

	// same meeting again returns the existing bot
	resp, body = doJSON(t, http.MethodPost, srv.URL+"/api/v1/bots",
		`{"meeting_url":"https://meet.example.com/abc","join_at":"`+join+`"}`)
	if resp.StatusCode != http.StatusOK || body["bot_id"] != botID {
		t.Fatalf("dedup create = %d %v", resp.StatusCode, body)
	}

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/v1/bots/states", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("states = %d", resp.StatusCode)
	}
	states, _ := body["states"].(map[string]any)
	if states["SCHEDULED"] != float64(1) {
		t.Fatalf("states = %v, want 1 SCHEDULED", states)
	}
}

func TestCreateBotValidation(t *testing.T) {
	srv, _ := newTestAPI(t)
	for _, body := range []string{
		`{"join_at":"2026-08-26T10:00:00Z"}`,
		`{"meeting_url":"https://meet.example.com/abc","join_at":"tomorrow"}`,
		`{"meeting_url":"https://meet.example.com/abc","join_at":"2026-08-26T10:00:00Z","bogus":true}`,
	} {
		resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/v1/bots", body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("body %s: status = %d, want 400", body, resp.StatusCode)
		}
	}
}

func TestBotReportAndHistory(t *testing.T) {
	srv, st := newTestAPI(t)
	ctx := context.Background()

	join := time.Now().Add(time.Hour)
	if err := st.CreateBot(ctx, model.Bot{
		BotID: "bot-1", MeetingURL: "https://meet.example.com/abc",
		JoinAt: join, State: model.StateScheduled,
		Source: model.SourceScheduler, DedupKey: "auto-x",
	}); err != nil {
		t.Fatal(err)
	}

	for _, state := range []string{"JOINING", "JOINED_RECORDING"} {
		resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/bots/bot-1/report",
			`{"state":"`+state+`"}`)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("report %s = %d %v", state, resp.StatusCode, body)
		}
	}
	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/v1/bots/bot-1/report",
		`{"event":"RECORDING_STARTED"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("milestone = %d", resp.StatusCode)
	}
	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/bots/bot-1/report",
		`{"state":"FATAL_ERROR","sub_type":"HEARTBEAT_TIMEOUT"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("failure report = %d %v", resp.StatusCode, body)
	}

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/v1/bots/bot-1/history", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("history = %d", resp.StatusCode)
	}
	events, _ := body["events"].([]any)
	if len(events) != 3 { // JOINED, RECORDING_STARTED, FATAL_ERROR
		t.Fatalf("history events = %d, want 3: %v", len(events), body)
	}
	last, _ := events[2].(map[string]any)
	if last["type"] != "FATAL_ERROR" || last["label"] != "Heartbeat Timeout" {
		t.Fatalf("last event = %v", last)
	}
}

func TestBotReportErrors(t *testing.T) {
	srv, st := newTestAPI(t)
	ctx := context.Background()
	if err := st.CreateBot(ctx, model.Bot{
		BotID: "bot-1", MeetingURL: "u", JoinAt: time.Now(),
		State: model.StateScheduled, Source: model.SourceScheduler, DedupKey: "k",
	}); err != nil {
		t.Fatal(err)
	}

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/v1/bots/nope/report", `{"state":"JOINING"}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown bot = %d, want 404", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/v1/bots/bot-1/report", `{"state":"ENDED"}`)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("illegal transition = %d, want 409", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/v1/bots/bot-1/report", `{}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty report = %d, want 400", resp.StatusCode)
	}
}

func TestFailuresAggregate(t *testing.T) {
	srv, st := newTestAPI(t)
	ctx := context.Background()

	for i, sub := range []model.EventSubType{model.SubWaitingRoomTimeout, model.SubWaitingRoomTimeout, model.SubHeartbeatTimeout} {
		typ := model.EventCouldNotJoin
		if sub == model.SubHeartbeatTimeout {
			typ = model.EventFatalError
		}
		ev, err := model.NewBotEvent("bot-"+string(rune('a'+i)), typ, sub)
		if err != nil {
			t.Fatal(err)
		}
		if err := st.AppendBotEvent(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/v1/failures?window=1h", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("failures = %d", resp.StatusCode)
	}
	rows, _ := body["failures"].([]any)
	got := map[string]float64{}
	for _, raw := range rows {
		row := raw.(map[string]any)
		got[row["sub_type"].(string)] = row["count"].(float64)
	}
	if got["WAITING_ROOM_TIMEOUT"] != 2 || got["HEARTBEAT_TIMEOUT"] != 1 {
		t.Fatalf("aggregate = %v", got)
	}

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/api/v1/failures?window=banana", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad window = %d, want 400", resp.StatusCode)
	}
}

func TestCalendarEndpoints(t *testing.T) {
	srv, st := newTestAPI(t)
	start := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/v1/calendar/events",
		`{"calendar_id":"cal-1","event_id":"ev-1","meeting_url":"https://meet.example.com/abc","start_time":"`+start+`"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("upsert = %d", resp.StatusCode)
	}
	if _, err := st.GetCalendarEvent(context.Background(), "cal-1", "ev-1"); err != nil {
		t.Fatalf("event not stored: %v", err)
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/v1/calendar/events/cal-1/ev-1", nil)
	dresp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	dresp.Body.Close()
	if dresp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete = %d", dresp.StatusCode)
	}
	ev, err := st.GetCalendarEvent(context.Background(), "cal-1", "ev-1")
	if err != nil || !ev.Deleted {
		t.Fatalf("event = %+v err=%v, want deleted", ev, err)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestAPI(t)
	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics = %d", resp.StatusCode)
	}
}
