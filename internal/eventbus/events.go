package eventbus

import "botherd/internal/model"

// Typed calendar signals published by the ingestion boundary. The relink
// reactor subscribes to these; nothing else mutates bots in response to
// calendar changes.
const (
	TypeCalendarEventCreated = "calendar.event.created"
	TypeCalendarEventDeleted = "calendar.event.deleted"
)

// CalendarEventCreated is the payload for TypeCalendarEventCreated.
type CalendarEventCreated struct {
	Event model.CalendarEvent
}

// CalendarEventDeleted is the payload for TypeCalendarEventDeleted.
// Event carries the row as it was at deletion time.
type CalendarEventDeleted struct {
	Event model.CalendarEvent
}

// PublishCreated publishes a typed creation signal.
func PublishCreated(b Bus, ev model.CalendarEvent) {
	b.Publish(Event{Type: TypeCalendarEventCreated, Data: CalendarEventCreated{Event: ev}})
}

// PublishDeleted publishes a typed deletion signal.
func PublishDeleted(b Bus, ev model.CalendarEvent) {
	b.Publish(Event{Type: TypeCalendarEventDeleted, Data: CalendarEventDeleted{Event: ev}})
}
