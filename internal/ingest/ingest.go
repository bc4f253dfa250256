// Package ingest is the calendar boundary: it records change notifications
// from calendar providers and publishes typed signals for the reactor.
// Ingestion itself never creates or ends bots.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"botherd/internal/eventbus"
	"botherd/internal/metrics"
	"botherd/internal/model"
	"botherd/internal/store"
	logx "botherd/pkg/logx"
)

type Service struct {
	st    store.Store
	bus   eventbus.Bus
	met   *metrics.Metrics
	log   logx.Logger
	clock func() time.Time
}

func NewService(st store.Store, bus eventbus.Bus, met *metrics.Metrics, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		st:    st,
		bus:   bus,
		met:   met,
		log:   log.With(logx.String("component", "ingest")),
		clock: time.Now,
	}
}

// UpsertEvent records a created or updated calendar event and publishes a
// creation signal. Events without a meeting URL are stored (the metadata may
// matter later) but never signalled, since no bot could ever serve them.
func (s *Service) UpsertEvent(ctx context.Context, ev model.CalendarEvent) error {
	if ev.CalendarID == "" || ev.EventID == "" {
		return errors.New("ingest: calendar_id and event_id are required")
	}
	ev.Deleted = false
	ev.UpdatedAt = s.clock()
	if err := s.st.UpsertCalendarEvent(ctx, ev); err != nil {
		return fmt.Errorf("ingest upsert %s: %w", ev.Key(), err)
	}
	if s.met != nil {
		s.met.CalendarOps.WithLabelValues("upsert").Inc()
	}
	s.log.Debug("calendar event recorded",
		logx.String("event", ev.Key()),
		logx.String("meeting_url", ev.MeetingURL),
		logx.Time("start_time", ev.StartTime))

	if ev.MeetingURL != "" {
		eventbus.PublishCreated(s.bus, ev)
	}
	return nil
}

// DeleteEvent flags a calendar event deleted and publishes a deletion signal.
// Repeated deletions of the same event are absorbed without a second signal.
func (s *Service) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	ev, changed, err := s.st.MarkCalendarEventDeleted(ctx, calendarID, eventID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// deletion of something we never saw; nothing to react to
			return nil
		}
		return fmt.Errorf("ingest delete %s/%s: %w", calendarID, eventID, err)
	}
	if !changed {
		return nil
	}
	if s.met != nil {
		s.met.CalendarOps.WithLabelValues("delete").Inc()
	}
	s.log.Debug("calendar event deleted", logx.String("event", ev.Key()))

	if ev.MeetingURL != "" {
		eventbus.PublishDeleted(s.bus, ev)
	}
	return nil
}
