// Package observe is the HTTP surface: calendar webhooks, the worker report
// endpoint, read-only fleet APIs, health and Prometheus metrics.
package observe

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"botherd/internal/dedup"
	"botherd/internal/ingest"
	"botherd/internal/lifecycle"
	"botherd/internal/metrics"
	"botherd/internal/model"
	"botherd/internal/store"
	logx "botherd/pkg/logx"
)

// defaultFailureWindow bounds the failure aggregate when no window is given.
const defaultFailureWindow = 24 * time.Hour

type API struct {
	st    store.Store
	ing   *ingest.Service
	life  *lifecycle.Service
	res   *dedup.Resolver
	met   *metrics.Metrics
	log   logx.Logger
	clock func() time.Time
}

func NewAPI(st store.Store, ing *ingest.Service, life *lifecycle.Service, res *dedup.Resolver, met *metrics.Metrics, log logx.Logger) *API {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &API{
		st:    st,
		ing:   ing,
		life:  life,
		res:   res,
		met:   met,
		log:   log.With(logx.String("component", "api")),
		clock: time.Now,
	}
}

// Router builds the HTTP routing table.
func (a *API) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(a.instrument)

	r.HandleFunc("/healthz", a.handleHealth).Methods(http.MethodGet)
	if a.met != nil {
		r.Handle("/metrics", a.met.Handler()).Methods(http.MethodGet)
	}

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/calendar/events", a.handleCalendarUpsert).Methods(http.MethodPost)
	v1.HandleFunc("/calendar/events/{calendarID}/{eventID}", a.handleCalendarDelete).Methods(http.MethodDelete)
	v1.HandleFunc("/bots", a.handleCreateBot).Methods(http.MethodPost)
	v1.HandleFunc("/bots/states", a.handleBotStates).Methods(http.MethodGet)
	v1.HandleFunc("/bots/{botID}", a.handleGetBot).Methods(http.MethodGet)
	v1.HandleFunc("/bots/{botID}/history", a.handleBotHistory).Methods(http.MethodGet)
	v1.HandleFunc("/bots/{botID}/report", a.handleBotReport).Methods(http.MethodPost)
	v1.HandleFunc("/failures", a.handleFailures).Methods(http.MethodGet)
	return r
}

// instrument records request counters and latency per route template.
func (a *API) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.met == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		a.met.HTTPRequests.WithLabelValues(route, r.Method, strconv.Itoa(sw.status)).Inc()
		a.met.HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type calendarEventRequest struct {
	CalendarID     string `json:"calendar_id"`
	EventID        string `json:"event_id"`
	MeetingURL     string `json:"meeting_url"`
	StartTime      string `json:"start_time"` // RFC 3339
	OrganizerEmail string `json:"organizer_email"`
	RawMetadata    string `json:"raw_metadata"`
}

func (a *API) handleCalendarUpsert(w http.ResponseWriter, r *http.Request) {
	var req calendarEventRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.CalendarID == "" || req.EventID == "" {
		writeError(w, http.StatusBadRequest, errors.New("calendar_id and event_id are required"))
		return
	}
	start, err := time.Parse(time.RFC3339, req.StartTime)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("start_time must be RFC 3339"))
		return
	}
	ev := model.CalendarEvent{
		CalendarID:     req.CalendarID,
		EventID:        req.EventID,
		MeetingURL:     req.MeetingURL,
		StartTime:      start,
		OrganizerEmail: req.OrganizerEmail,
		RawMetadata:    req.RawMetadata,
	}
	if err := a.ing.UpsertEvent(r.Context(), ev); err != nil {
		a.log.Error("calendar upsert failed", logx.String("event", ev.Key()), logx.Err(err))
		writeError(w, http.StatusInternalServerError, errors.New("internal error"))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"event": ev.Key()})
}

func (a *API) handleCalendarDelete(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := a.ing.DeleteEvent(r.Context(), vars["calendarID"], vars["eventID"]); err != nil {
		a.log.Error("calendar delete failed",
			logx.String("calendar_id", vars["calendarID"]),
			logx.String("event_id", vars["eventID"]),
			logx.Err(err))
		writeError(w, http.StatusInternalServerError, errors.New("internal error"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createBotRequest struct {
	MeetingURL string `json:"meeting_url"`
	JoinAt     string `json:"join_at"` // RFC 3339
	Source     string `json:"source,omitempty"`
}

func (a *API) handleCreateBot(w http.ResponseWriter, r *http.Request) {
	var req createBotRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.MeetingURL == "" {
		writeError(w, http.StatusBadRequest, errors.New("meeting_url is required"))
		return
	}
	joinAt, err := time.Parse(time.RFC3339, req.JoinAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("join_at must be RFC 3339"))
		return
	}
	source := model.SourceAPI
	if req.Source == string(model.SourceManual) {
		source = model.SourceManual
	}
	b, created, err := a.res.Resolve(r.Context(), req.MeetingURL, joinAt, source, "")
	if err != nil {
		a.log.Error("manual bot creation failed", logx.String("meeting_url", req.MeetingURL), logx.Err(err))
		writeError(w, http.StatusInternalServerError, errors.New("internal error"))
		return
	}
	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	writeJSON(w, code, botJSON(b))
}

func (a *API) handleBotStates(w http.ResponseWriter, r *http.Request) {
	counts, err := a.st.CountBotsByState(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, errors.New("internal error"))
		return
	}
	out := make(map[string]int, len(model.States))
	for _, s := range model.States {
		out[string(s)] = counts[s]
	}
	writeJSON(w, http.StatusOK, map[string]any{"states": out})
}

func (a *API) handleGetBot(w http.ResponseWriter, r *http.Request) {
	b, err := a.st.GetBot(r.Context(), mux.Vars(r)["botID"])
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, errors.New("bot not found"))
			return
		}
		writeError(w, http.StatusInternalServerError, errors.New("internal error"))
		return
	}
	writeJSON(w, http.StatusOK, botJSON(b))
}

func (a *API) handleBotHistory(w http.ResponseWriter, r *http.Request) {
	botID := mux.Vars(r)["botID"]
	if _, err := a.st.GetBot(r.Context(), botID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, errors.New("bot not found"))
			return
		}
		writeError(w, http.StatusInternalServerError, errors.New("internal error"))
		return
	}
	evs, err := a.st.ListBotEvents(r.Context(), botID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, errors.New("internal error"))
		return
	}
	out := make([]map[string]any, 0, len(evs))
	for _, ev := range evs {
		out = append(out, map[string]any{
			"type":       string(ev.Type),
			"sub_type":   string(ev.SubType),
			"label":      ev.SubType.Label(),
			"created_at": ev.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"bot_id": botID, "events": out})
}

type botReportRequest struct {
	State   string `json:"state,omitempty"`
	SubType string `json:"sub_type,omitempty"`
	Event   string `json:"event,omitempty"` // milestone without a state change
}

// handleBotReport is the worker callback. A worker either reports a state
// (with a subtype for failures) or a bare milestone event.
func (a *API) handleBotReport(w http.ResponseWriter, r *http.Request) {
	botID := mux.Vars(r)["botID"]
	var req botReportRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	switch {
	case req.Event != "":
		if err := a.life.RecordMilestone(r.Context(), botID, model.EventType(req.Event)); err != nil {
			a.reportError(w, botID, err)
			return
		}
	case req.State != "":
		st, err := model.ParseState(req.State)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := a.life.ReportTransition(r.Context(), botID, st, model.EventSubType(req.SubType)); err != nil {
			a.reportError(w, botID, err)
			return
		}
	default:
		writeError(w, http.StatusBadRequest, errors.New("state or event is required"))
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"bot_id": botID, "status": "accepted"})
}

func (a *API) reportError(w http.ResponseWriter, botID string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, errors.New("bot not found"))
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err)
	default:
		a.log.Error("bot report failed", logx.String("bot_id", botID), logx.Err(err))
		writeError(w, http.StatusBadRequest, err)
	}
}

// handleFailures aggregates failure events over a trailing window
// (?window=24h), grouped by type and subtype with display labels.
func (a *API) handleFailures(w http.ResponseWriter, r *http.Request) {
	window := defaultFailureWindow
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("window must be a positive duration"))
			return
		}
		window = d
	}
	counts, err := a.st.CountBotEventsByType(r.Context(), a.clock().Add(-window))
	if err != nil {
		writeError(w, http.StatusInternalServerError, errors.New("internal error"))
		return
	}
	out := make([]map[string]any, 0, len(counts))
	for key, n := range counts {
		if !key.Type.Failure() {
			continue
		}
		out = append(out, map[string]any{
			"type":     string(key.Type),
			"sub_type": string(key.SubType),
			"label":    key.SubType.Label(),
			"count":    n,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"window":   window.String(),
		"failures": out,
	})
}

func botJSON(b model.Bot) map[string]any {
	return map[string]any{
		"bot_id":          b.BotID,
		"meeting_url":     b.MeetingURL,
		"join_at":         b.JoinAt.UTC().Format(time.RFC3339),
		"state":           string(b.State),
		"source":          string(b.Source),
		"linked_event_id": b.LinkedEventID,
		"dedup_key":       b.DedupKey,
	}
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid request body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// Server hosts the API with sane timeouts.
type Server struct {
	srv *http.Server
	log logx.Logger
}

func NewServer(addr string, handler http.Handler, readTimeout, writeTimeout, idleTimeout time.Duration, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{
		srv: &http.Server{
			Addr:         addr,
			Handler:      handler,
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
			IdleTimeout:  idleTimeout,
		},
		log: log.With(logx.String("component", "api")),
	}
}

// Run serves until ctx is cancelled, then drains with a short grace period.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("api listening", logx.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shCtx); err != nil {
		return s.srv.Close()
	}
	return <-errCh
}
