// Package reactor keeps bots consistent with calendar reality. It is the
// only component that creates, relinks or administratively ends bots in
// response to calendar signals.
package reactor

import (
	"context"
	"time"

	"botherd/internal/dedup"
	"botherd/internal/eventbus"
	"botherd/internal/lifecycle"
	"botherd/internal/model"
	"botherd/internal/store"
	logx "botherd/pkg/logx"
)

type Reactor struct {
	st    store.Store
	res   *dedup.Resolver
	life  *lifecycle.Service
	bus   eventbus.Bus
	log   logx.Logger
	clock func() time.Time
}

func New(st store.Store, res *dedup.Resolver, life *lifecycle.Service, bus eventbus.Bus, log logx.Logger) *Reactor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Reactor{
		st:    st,
		res:   res,
		life:  life,
		bus:   bus,
		log:   log.With(logx.String("component", "reactor")),
		clock: time.Now,
	}
}

// Run consumes calendar signals until ctx is cancelled or the bus closes.
func (r *Reactor) Run(ctx context.Context) error {
	ch, unsub := r.bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			switch data := ev.Data.(type) {
			case eventbus.CalendarEventCreated:
				r.HandleCreated(ctx, data.Event)
			case eventbus.CalendarEventDeleted:
				r.HandleDeleted(ctx, data.Event)
			}
		}
	}
}

// HandleCreated ensures a bot exists for a freshly seen meeting occurrence.
// Meetings that already started are left alone; a late bot would join an
// empty room.
func (r *Reactor) HandleCreated(ctx context.Context, ev model.CalendarEvent) {
	if ev.MeetingURL == "" {
		return
	}
	if !ev.StartTime.After(r.clock()) {
		r.log.Debug("ignoring past meeting",
			logx.String("event", ev.Key()),
			logx.Time("start_time", ev.StartTime))
		return
	}
	b, created, err := r.res.Resolve(ctx, ev.MeetingURL, ev.StartTime, model.SourceScheduler, ev.Key())
	if err != nil {
		r.log.Error("bot resolution failed",
			logx.String("event", ev.Key()),
			logx.String("meeting_url", ev.MeetingURL),
			logx.Err(err))
		return
	}
	if created {
		r.log.Info("bot scheduled for meeting",
			logx.String("bot_id", b.BotID),
			logx.String("event", ev.Key()),
			logx.Time("join_at", b.JoinAt))
	}
}

// HandleDeleted reacts to a calendar event disappearing. If another live
// event still references the same meeting on the same day, linked bots are
// relinked to it; the recording is still wanted by somebody. Only when the
// last reference is gone are the bots administratively ended.
//
// The handler is idempotent: replayed deletions find either no linked bots
// or bots that are already relinked or terminal.
func (r *Reactor) HandleDeleted(ctx context.Context, ev model.CalendarEvent) {
	if ev.MeetingURL == "" {
		return
	}
	live := []model.State{model.StateScheduled, model.StateJoining, model.StateJoinedRecording}
	bots, err := r.st.FindBotsByLinkedEvent(ctx, ev.Key(), live)
	if err != nil {
		r.log.Error("linked bot lookup failed", logx.String("event", ev.Key()), logx.Err(err))
		return
	}
	if len(bots) == 0 {
		return
	}

	alt, found, err := r.st.FindAlternateEvent(ctx, ev.MeetingURL, ev.StartTime, ev.Key())
	if err != nil {
		r.log.Error("alternate event lookup failed", logx.String("event", ev.Key()), logx.Err(err))
		return
	}

	for _, b := range bots {
		if found {
			if err := r.st.UpdateBotLink(ctx, b.BotID, alt.Key()); err != nil {
				r.log.Error("relink failed",
					logx.String("bot_id", b.BotID),
					logx.String("to_event", alt.Key()),
					logx.Err(err))
				continue
			}
			r.log.Info("bot relinked",
				logx.String("bot_id", b.BotID),
				logx.String("from_event", ev.Key()),
				logx.String("to_event", alt.Key()))
			continue
		}
		if err := r.life.AdminEnd(ctx, b.BotID); err != nil {
			r.log.Error("administrative end failed",
				logx.String("bot_id", b.BotID), logx.Err(err))
			continue
		}
		r.log.Info("bot ended, meeting lost its last calendar event",
			logx.String("bot_id", b.BotID),
			logx.String("event", ev.Key()))
	}
}
