package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"botherd/internal/model"
	logx "botherd/pkg/logx"
)

// Both drivers must honor the same contract; every test runs against each.
func eachStore(t *testing.T, fn func(t *testing.T, st Store)) {
	t.Helper()
	t.Run("memory", func(t *testing.T) {
		st := NewMemory()
		defer st.Close()
		fn(t, st)
	})
	t.Run("sqlite", func(t *testing.T) {
		st, err := Open(Config{
			Driver:      "sqlite",
			Path:        filepath.Join(t.TempDir(), "botherd.db"),
			BusyTimeout: time.Second,
		}, logx.Nop())
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		defer st.Close()
		fn(t, st)
	})
}

func testBot(id, url, dedupKey string, joinAt time.Time) model.Bot {
	return model.Bot{
		BotID:      id,
		MeetingURL: url,
		JoinAt:     joinAt,
		State:      model.StateScheduled,
		Source:     model.SourceScheduler,
		DedupKey:   dedupKey,
	}
}

func TestCreateBotDedupBackstop(t *testing.T) {
	eachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		join := time.Now().Add(time.Hour)

		if err := st.CreateBot(ctx, testBot("bot-1", "u", "k1", join)); err != nil {
			t.Fatalf("CreateBot: %v", err)
		}
		err := st.CreateBot(ctx, testBot("bot-2", "u", "k1", join))
		if !errors.Is(err, ErrConflict) {
			t.Fatalf("duplicate active dedup key: err = %v, want ErrConflict", err)
		}

		// a terminal bot releases the key
		for _, to := range []model.State{model.StateJoining, model.StateCouldNotJoin} {
			if ok, err := st.TransitionBot(ctx, "bot-1", []model.State{model.StateScheduled, model.StateJoining}, to); err != nil || !ok {
				t.Fatalf("transition to %s: ok=%v err=%v", to, ok, err)
			}
		}
		if err := st.CreateBot(ctx, testBot("bot-2", "u", "k1", join)); err != nil {
			t.Fatalf("CreateBot after terminal: %v", err)
		}
	})
}

func TestTransitionBotCAS(t *testing.T) {
	eachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		if err := st.CreateBot(ctx, testBot("bot-1", "u", "k1", time.Now())); err != nil {
			t.Fatal(err)
		}

		ok, err := st.TransitionBot(ctx, "bot-1", []model.State{model.StateJoining}, model.StateEnded)
		if err != nil || ok {
			t.Fatalf("wrong-state CAS = (%v, %v), want (false, nil)", ok, err)
		}
		if got, _ := st.GetBot(ctx, "bot-1"); got.State != model.StateScheduled {
			t.Fatalf("state = %s, want untouched SCHEDULED", got.State)
		}

		ok, err = st.TransitionBot(ctx, "bot-1", []model.State{model.StateScheduled}, model.StateJoining)
		if err != nil || !ok {
			t.Fatalf("valid CAS = (%v, %v), want (true, nil)", ok, err)
		}

		if _, err := st.TransitionBot(ctx, "ghost", []model.State{model.StateScheduled}, model.StateJoining); !errors.Is(err, ErrNotFound) {
			t.Fatalf("missing bot: err = %v, want ErrNotFound", err)
		}
	})
}

func TestListDueBotsWindowAndOrder(t *testing.T) {
	eachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		base := time.Now().Truncate(time.Millisecond)

		bots := []model.Bot{
			testBot("bot-d", "u1", "k1", base.Add(3*time.Minute)),
			testBot("bot-b", "u2", "k2", base.Add(time.Minute)),
			testBot("bot-a", "u3", "k3", base.Add(time.Minute)), // tie with bot-b
			testBot("bot-x", "u4", "k4", base.Add(20*time.Minute)),
			testBot("bot-y", "u5", "k5", base.Add(-20*time.Minute)),
		}
		for _, b := range bots {
			if err := st.CreateBot(ctx, b); err != nil {
				t.Fatal(err)
			}
		}
		// non-SCHEDULED bots never show up
		if ok, err := st.TransitionBot(ctx, "bot-d", []model.State{model.StateScheduled}, model.StateJoining); err != nil || !ok {
			t.Fatal(ok, err)
		}

		due, err := st.ListDueBots(ctx, base.Add(-5*time.Minute), base.Add(5*time.Minute))
		if err != nil {
			t.Fatalf("ListDueBots: %v", err)
		}
		var ids []string
		for _, b := range due {
			ids = append(ids, b.BotID)
		}
		want := []string{"bot-a", "bot-b"}
		if len(ids) != len(want) {
			t.Fatalf("due = %v, want %v", ids, want)
		}
		for i := range want {
			if ids[i] != want[i] {
				t.Fatalf("due = %v, want %v", ids, want)
			}
		}
	})
}

func TestSubmitAndRevertLaunch(t *testing.T) {
	eachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		if err := st.CreateBot(ctx, testBot("bot-1", "u", "k1", time.Now())); err != nil {
			t.Fatal(err)
		}

		ok, err := st.SubmitForLaunch(ctx, "bot-1", model.CapacityRequest{RequestID: "req-1"})
		if err != nil || !ok {
			t.Fatalf("SubmitForLaunch = (%v, %v)", ok, err)
		}
		if got, _ := st.GetBot(ctx, "bot-1"); got.State != model.StateJoining {
			t.Fatalf("state = %s, want JOINING", got.State)
		}
		req, ok, err := st.OutstandingCapacityRequest(ctx, "bot-1")
		if err != nil || !ok || req.RequestID != "req-1" || req.Status != model.CapacityPending {
			t.Fatalf("outstanding = (%+v, %v, %v)", req, ok, err)
		}

		// not SCHEDULED anymore: no second submission
		ok, err = st.SubmitForLaunch(ctx, "bot-1", model.CapacityRequest{RequestID: "req-2"})
		if ok || (err != nil && !errors.Is(err, ErrConflict)) {
			t.Fatalf("second submit = (%v, %v), want rejected", ok, err)
		}

		if err := st.RevertLaunch(ctx, "bot-1", "req-1"); err != nil {
			t.Fatalf("RevertLaunch: %v", err)
		}
		if got, _ := st.GetBot(ctx, "bot-1"); got.State != model.StateScheduled {
			t.Fatalf("state after revert = %s, want SCHEDULED", got.State)
		}
		if _, ok, _ := st.OutstandingCapacityRequest(ctx, "bot-1"); ok {
			t.Fatal("request still outstanding after revert")
		}

		// a later cycle can submit again
		ok, err = st.SubmitForLaunch(ctx, "bot-1", model.CapacityRequest{RequestID: "req-3"})
		if err != nil || !ok {
			t.Fatalf("resubmit = (%v, %v)", ok, err)
		}
		if err := st.SetCapacityRequestStatus(ctx, "req-3", model.CapacitySatisfied); err != nil {
			t.Fatalf("SetCapacityRequestStatus: %v", err)
		}
		if _, ok, _ := st.OutstandingCapacityRequest(ctx, "bot-1"); ok {
			t.Fatal("satisfied request still reported outstanding")
		}
	})
}

func TestCalendarEventLifecycle(t *testing.T) {
	eachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		start := time.Now().Add(time.Hour)

		ev := model.CalendarEvent{
			CalendarID: "cal-1", EventID: "ev-1",
			MeetingURL: "https://meet.example.com/abc", StartTime: start,
		}
		if err := st.UpsertCalendarEvent(ctx, ev); err != nil {
			t.Fatal(err)
		}
		alt := ev
		alt.CalendarID, alt.EventID = "cal-2", "ev-2"
		if err := st.UpsertCalendarEvent(ctx, alt); err != nil {
			t.Fatal(err)
		}

		got, changed, err := st.MarkCalendarEventDeleted(ctx, "cal-1", "ev-1")
		if err != nil || !changed || !got.Deleted {
			t.Fatalf("delete = (%+v, %v, %v)", got, changed, err)
		}
		// second delete is absorbed
		_, changed, err = st.MarkCalendarEventDeleted(ctx, "cal-1", "ev-1")
		if err != nil || changed {
			t.Fatalf("repeat delete = (%v, %v), want (false, nil)", changed, err)
		}
		if _, _, err := st.MarkCalendarEventDeleted(ctx, "cal-9", "ev-9"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("missing delete err = %v, want ErrNotFound", err)
		}

		// the deleted event is never an alternate; the live one is
		found, ok, err := st.FindAlternateEvent(ctx, ev.MeetingURL, start, "cal-2/ev-2")
		if err != nil || ok {
			t.Fatalf("alternate for cal-2 = (%+v, %v, %v), want none", found, ok, err)
		}
		found, ok, err = st.FindAlternateEvent(ctx, ev.MeetingURL, start, "cal-1/ev-1")
		if err != nil || !ok || found.Key() != "cal-2/ev-2" {
			t.Fatalf("alternate for cal-1 = (%+v, %v, %v), want cal-2/ev-2", found, ok, err)
		}
	})
}

func TestFindBotForMeetingDay(t *testing.T) {
	eachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		day := time.Date(2026, 8, 26, 15, 0, 0, 0, time.UTC)

		if err := st.CreateBot(ctx, testBot("bot-1", "u", "k1", day)); err != nil {
			t.Fatal(err)
		}
		if err := st.CreateBot(ctx, testBot("bot-2", "u", "k2", day.Add(24*time.Hour))); err != nil {
			t.Fatal(err)
		}

		b, ok, err := st.FindBotForMeetingDay(ctx, "u", day.Add(5*time.Hour), []model.State{model.StateScheduled})
		if err != nil || !ok || b.BotID != "bot-1" {
			t.Fatalf("same-day lookup = (%+v, %v, %v), want bot-1", b, ok, err)
		}
		if _, ok, _ := st.FindBotForMeetingDay(ctx, "u", day, []model.State{model.StateEnded}); ok {
			t.Fatal("state filter ignored")
		}
	})
}

func TestFleetCounts(t *testing.T) {
	eachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		now := time.Now()

		for i, b := range []model.Bot{
			testBot("bot-1", "u1", "k1", now.Add(-time.Hour)),
			testBot("bot-2", "u2", "k2", now.Add(time.Hour)),
			testBot("bot-3", "u3", "k3", now.Add(time.Hour)),
		} {
			if err := st.CreateBot(ctx, b); err != nil {
				t.Fatalf("bot %d: %v", i, err)
			}
		}
		if ok, err := st.TransitionBot(ctx, "bot-2", []model.State{model.StateScheduled}, model.StateJoining); err != nil || !ok {
			t.Fatal(ok, err)
		}

		if n, err := st.CountActiveBots(ctx); err != nil || n != 1 {
			t.Fatalf("active = (%d, %v), want 1", n, err)
		}
		if n, err := st.CountStaleScheduled(ctx, now.Add(-30*time.Minute)); err != nil || n != 1 {
			t.Fatalf("stale = (%d, %v), want 1", n, err)
		}
		counts, err := st.CountBotsByState(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if counts[model.StateScheduled] != 2 || counts[model.StateJoining] != 1 {
			t.Fatalf("counts = %v", counts)
		}
	})
}

func TestBotEventsHistory(t *testing.T) {
	eachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		base := time.Now().Add(-time.Hour).Truncate(time.Millisecond)

		appendAt := func(botID string, typ model.EventType, sub model.EventSubType, at time.Time) {
			t.Helper()
			ev, err := model.NewBotEvent(botID, typ, sub)
			if err != nil {
				t.Fatal(err)
			}
			ev.CreatedAt = at
			if err := st.AppendBotEvent(ctx, ev); err != nil {
				t.Fatal(err)
			}
		}

		appendAt("bot-1", model.EventJoined, model.SubNone, base)
		appendAt("bot-1", model.EventFatalError, model.SubHeartbeatTimeout, base.Add(time.Minute))
		appendAt("bot-2", model.EventCouldNotJoin, model.SubMeetingNotFound, base.Add(2*time.Minute))

		evs, err := st.ListBotEvents(ctx, "bot-1")
		if err != nil {
			t.Fatal(err)
		}
		if len(evs) != 2 || evs[0].Type != model.EventJoined || evs[1].Type != model.EventFatalError {
			t.Fatalf("events = %+v", evs)
		}

		counts, err := st.CountBotEventsByType(ctx, base.Add(30*time.Second))
		if err != nil {
			t.Fatal(err)
		}
		if counts[FailureKey{Type: model.EventFatalError, SubType: model.SubHeartbeatTimeout}] != 1 {
			t.Fatalf("counts = %v", counts)
		}
		if _, ok := counts[FailureKey{Type: model.EventJoined}]; ok {
			t.Fatal("since filter ignored")
		}
	})
}

func TestSameDay(t *testing.T) {
	utc := time.Date(2026, 8, 26, 23, 30, 0, 0, time.UTC)
	plus2 := time.Date(2026, 8, 27, 1, 0, 0, 0, time.FixedZone("UTC+2", 2*3600)) // 23:00 UTC on the 26th
	if !SameDay(utc, plus2) {
		t.Error("instants on the same UTC day must match")
	}
	if SameDay(utc, utc.Add(time.Hour)) {
		t.Error("crossing UTC midnight must not match")
	}
}
