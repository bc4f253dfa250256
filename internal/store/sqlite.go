package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"botherd/internal/model"
	logx "botherd/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func ms(t time.Time) int64     { return t.UnixMilli() }
func fromMS(v int64) time.Time { return time.UnixMilli(v).UTC() }

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// dayRange returns the [start, end) UTC millisecond bounds of t's calendar day.
func dayRange(t time.Time) (int64, int64) {
	y, m, d := t.UTC().Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return start.UnixMilli(), start.Add(24 * time.Hour).UnixMilli()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func stateArgs(states []model.State) []any {
	out := make([]any, 0, len(states))
	for _, st := range states {
		out = append(out, string(st))
	}
	return out
}

// ---- Calendar events ----

func (s *sqliteStore) UpsertCalendarEvent(ctx context.Context, ev model.CalendarEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO calendar_events(calendar_id, event_id, meeting_url, start_time, organizer_email, raw_metadata, deleted, updated_at)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(calendar_id, event_id) DO UPDATE SET
		   meeting_url=excluded.meeting_url,
		   start_time=excluded.start_time,
		   organizer_email=excluded.organizer_email,
		   raw_metadata=excluded.raw_metadata,
		   deleted=excluded.deleted,
		   updated_at=excluded.updated_at`,
		ev.CalendarID, ev.EventID, ev.MeetingURL, ms(ev.StartTime),
		ev.OrganizerEmail, ev.RawMetadata, boolInt(ev.Deleted), ms(time.Now()),
	)
	return err
}

const calendarEventCols = `calendar_id, event_id, meeting_url, start_time, organizer_email, raw_metadata, deleted, updated_at`

func scanCalendarEvent(row interface{ Scan(...any) error }) (model.CalendarEvent, error) {
	var ev model.CalendarEvent
	var start, updated int64
	var deleted int
	err := row.Scan(&ev.CalendarID, &ev.EventID, &ev.MeetingURL, &start, &ev.OrganizerEmail, &ev.RawMetadata, &deleted, &updated)
	if err != nil {
		return model.CalendarEvent{}, err
	}
	ev.StartTime = fromMS(start)
	ev.UpdatedAt = fromMS(updated)
	ev.Deleted = deleted != 0
	return ev, nil
}

func (s *sqliteStore) GetCalendarEvent(ctx context.Context, calendarID, eventID string) (model.CalendarEvent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+calendarEventCols+` FROM calendar_events WHERE calendar_id=? AND event_id=?`,
		calendarID, eventID)
	ev, err := scanCalendarEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.CalendarEvent{}, ErrNotFound
	}
	return ev, err
}

func (s *sqliteStore) MarkCalendarEventDeleted(ctx context.Context, calendarID, eventID string) (model.CalendarEvent, bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE calendar_events SET deleted=1, updated_at=? WHERE calendar_id=? AND event_id=? AND deleted=0`,
		ms(time.Now()), calendarID, eventID)
	if err != nil {
		return model.CalendarEvent{}, false, err
	}
	n, _ := res.RowsAffected()
	ev, err := s.GetCalendarEvent(ctx, calendarID, eventID)
	if err != nil {
		return model.CalendarEvent{}, false, err
	}
	return ev, n > 0, nil
}

func (s *sqliteStore) FindAlternateEvent(ctx context.Context, meetingURL string, day time.Time, excludeKey string) (model.CalendarEvent, bool, error) {
	lo, hi := dayRange(day)
	row := s.db.QueryRowContext(ctx,
		`SELECT `+calendarEventCols+` FROM calendar_events
		 WHERE meeting_url=? AND deleted=0 AND start_time >= ? AND start_time < ?
		   AND calendar_id || '/' || event_id <> ?
		 ORDER BY calendar_id, event_id LIMIT 1`,
		meetingURL, lo, hi, excludeKey)
	ev, err := scanCalendarEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.CalendarEvent{}, false, nil
	}
	if err != nil {
		return model.CalendarEvent{}, false, err
	}
	return ev, true, nil
}

// ---- Bots ----

const botCols = `bot_id, meeting_url, join_at, state, source, linked_event_id, dedup_key, created_at, updated_at`

func scanBot(row interface{ Scan(...any) error }) (model.Bot, error) {
	var b model.Bot
	var join, created, updated int64
	var state, source string
	err := row.Scan(&b.BotID, &b.MeetingURL, &join, &state, &source, &b.LinkedEventID, &b.DedupKey, &created, &updated)
	if err != nil {
		return model.Bot{}, err
	}
	b.JoinAt = fromMS(join)
	b.CreatedAt = fromMS(created)
	b.UpdatedAt = fromMS(updated)
	b.State = model.State(state)
	b.Source = model.CreationSource(source)
	return b, nil
}

func (s *sqliteStore) CreateBot(ctx context.Context, b model.Bot) error {
	now := time.Now()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bots(bot_id, meeting_url, join_at, state, source, linked_event_id, dedup_key, terminal, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		b.BotID, b.MeetingURL, ms(b.JoinAt), string(b.State), string(b.Source),
		b.LinkedEventID, b.DedupKey, boolInt(b.State.Terminal()), ms(b.CreatedAt), ms(now),
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (s *sqliteStore) GetBot(ctx context.Context, botID string) (model.Bot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+botCols+` FROM bots WHERE bot_id=?`, botID)
	b, err := scanBot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Bot{}, ErrNotFound
	}
	return b, err
}

func (s *sqliteStore) FindActiveBotByDedupKey(ctx context.Context, key string) (model.Bot, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+botCols+` FROM bots WHERE dedup_key=? AND terminal=0 LIMIT 1`, key)
	b, err := scanBot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Bot{}, false, nil
	}
	if err != nil {
		return model.Bot{}, false, err
	}
	return b, true, nil
}

func (s *sqliteStore) FindBotForMeetingDay(ctx context.Context, meetingURL string, day time.Time, states []model.State) (model.Bot, bool, error) {
	if len(states) == 0 {
		return model.Bot{}, false, nil
	}
	lo, hi := dayRange(day)
	args := append([]any{meetingURL, lo, hi}, stateArgs(states)...)
	row := s.db.QueryRowContext(ctx,
		`SELECT `+botCols+` FROM bots
		 WHERE meeting_url=? AND join_at >= ? AND join_at < ? AND state IN (`+placeholders(len(states))+`)
		 ORDER BY bot_id LIMIT 1`, args...)
	b, err := scanBot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Bot{}, false, nil
	}
	if err != nil {
		return model.Bot{}, false, err
	}
	return b, true, nil
}

func (s *sqliteStore) FindBotsByLinkedEvent(ctx context.Context, eventKey string, states []model.State) ([]model.Bot, error) {
	if len(states) == 0 {
		return nil, nil
	}
	args := append([]any{eventKey}, stateArgs(states)...)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+botCols+` FROM bots
		 WHERE linked_event_id=? AND state IN (`+placeholders(len(states))+`)
		 ORDER BY bot_id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Bot
	for rows.Next() {
		b, err := scanBot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpdateBotLink(ctx context.Context, botID, linkedEventKey string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE bots SET linked_event_id=?, updated_at=? WHERE bot_id=?`,
		linkedEventKey, ms(time.Now()), botID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) TransitionBot(ctx context.Context, botID string, from []model.State, to model.State) (bool, error) {
	return s.transitionTx(ctx, s.db, botID, from, to)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *sqliteStore) transitionTx(ctx context.Context, db execer, botID string, from []model.State, to model.State) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}
	args := append([]any{string(to), boolInt(to.Terminal()), ms(time.Now()), botID}, stateArgs(from)...)
	res, err := db.ExecContext(ctx,
		`UPDATE bots SET state=?, terminal=?, updated_at=?
		 WHERE bot_id=? AND state IN (`+placeholders(len(from))+`)`, args...)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		return true, nil
	}
	// Distinguish "wrong state" from "missing bot".
	var one int
	err = db.QueryRowContext(ctx, `SELECT 1 FROM bots WHERE bot_id=?`, botID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	return false, err
}

func (s *sqliteStore) ListDueBots(ctx context.Context, from, to time.Time) ([]model.Bot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+botCols+` FROM bots
		 WHERE state=? AND join_at >= ? AND join_at <= ?
		 ORDER BY join_at, bot_id`,
		string(model.StateScheduled), ms(from), ms(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Bot
	for rows.Next() {
		b, err := scanBot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *sqliteStore) CountStaleScheduled(ctx context.Context, before time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM bots WHERE state=? AND join_at < ?`,
		string(model.StateScheduled), ms(before)).Scan(&n)
	return n, err
}

func (s *sqliteStore) CountActiveBots(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM bots WHERE state IN (?,?)`,
		string(model.StateJoining), string(model.StateJoinedRecording)).Scan(&n)
	return n, err
}

func (s *sqliteStore) CountBotsByState(ctx context.Context) (map[model.State]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM bots GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[model.State]int{}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		out[model.State(state)] = n
	}
	return out, rows.Err()
}

// ---- Bot events ----

func (s *sqliteStore) AppendBotEvent(ctx context.Context, ev model.BotEvent) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bot_events(bot_id, event_type, event_sub_type, created_at) VALUES(?,?,?,?)`,
		ev.BotID, string(ev.Type), string(ev.SubType), ms(ev.CreatedAt))
	return err
}

func (s *sqliteStore) ListBotEvents(ctx context.Context, botID string) ([]model.BotEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, bot_id, event_type, event_sub_type, created_at FROM bot_events
		 WHERE bot_id=? ORDER BY created_at, id`, botID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.BotEvent
	for rows.Next() {
		var ev model.BotEvent
		var typ, sub string
		var created int64
		if err := rows.Scan(&ev.ID, &ev.BotID, &typ, &sub, &created); err != nil {
			return nil, err
		}
		ev.Type = model.EventType(typ)
		ev.SubType = model.EventSubType(sub)
		ev.CreatedAt = fromMS(created)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *sqliteStore) CountBotEventsByType(ctx context.Context, since time.Time) (map[FailureKey]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_type, event_sub_type, COUNT(*) FROM bot_events
		 WHERE created_at >= ? GROUP BY event_type, event_sub_type`, ms(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[FailureKey]int{}
	for rows.Next() {
		var typ, sub string
		var n int
		if err := rows.Scan(&typ, &sub, &n); err != nil {
			return nil, err
		}
		out[FailureKey{Type: model.EventType(typ), SubType: model.EventSubType(sub)}] = n
	}
	return out, rows.Err()
}

// ---- Capacity requests ----

func (s *sqliteStore) SubmitForLaunch(ctx context.Context, botID string, req model.CapacityRequest) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	ok, err := s.transitionTx(ctx, tx, botID, []model.State{model.StateScheduled}, model.StateJoining)
	if err != nil || !ok {
		return false, err
	}

	now := time.Now()
	if req.RequestedAt.IsZero() {
		req.RequestedAt = now
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO capacity_requests(request_id, bot_id, requested_at, status, updated_at) VALUES(?,?,?,?,?)`,
		req.RequestID, botID, ms(req.RequestedAt), string(model.CapacityPending), ms(now))
	if isUniqueViolation(err) {
		return false, ErrConflict
	}
	if err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (s *sqliteStore) RevertLaunch(ctx context.Context, botID, requestID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`UPDATE capacity_requests SET status=?, updated_at=? WHERE request_id=?`,
		string(model.CapacityFailed), ms(time.Now()), requestID)
	if err != nil {
		return err
	}
	if _, err := s.transitionTx(ctx, tx, botID, []model.State{model.StateJoining}, model.StateScheduled); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) SetCapacityRequestStatus(ctx context.Context, requestID string, st model.CapacityRequestStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE capacity_requests SET status=?, updated_at=? WHERE request_id=?`,
		string(st), ms(time.Now()), requestID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) OutstandingCapacityRequest(ctx context.Context, botID string) (model.CapacityRequest, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT request_id, bot_id, requested_at, status, updated_at FROM capacity_requests
		 WHERE bot_id=? AND status=? LIMIT 1`, botID, string(model.CapacityPending))
	var r model.CapacityRequest
	var requested, updated int64
	var status string
	err := row.Scan(&r.RequestID, &r.BotID, &requested, &status, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return model.CapacityRequest{}, false, nil
	}
	if err != nil {
		return model.CapacityRequest{}, false, err
	}
	r.RequestedAt = fromMS(requested)
	r.UpdatedAt = fromMS(updated)
	r.Status = model.CapacityRequestStatus(status)
	return r, true, nil
}
