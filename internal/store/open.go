package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"botherd/internal/model"
	logx "botherd/pkg/logx"
)

// Store is the persistence API used by the core services.
type Store interface {
	// Calendar events.
	UpsertCalendarEvent(ctx context.Context, ev model.CalendarEvent) error
	GetCalendarEvent(ctx context.Context, calendarID, eventID string) (model.CalendarEvent, error)
	// MarkCalendarEventDeleted flags the row deleted and reports whether this
	// call changed it (false when already deleted or missing).
	MarkCalendarEventDeleted(ctx context.Context, calendarID, eventID string) (model.CalendarEvent, bool, error)
	// FindAlternateEvent returns another non-deleted event with the same
	// meeting URL on the same calendar day, excluding the given identity.
	FindAlternateEvent(ctx context.Context, meetingURL string, day time.Time, excludeKey string) (model.CalendarEvent, bool, error)

	// Bots.
	// CreateBot inserts a new bot; ErrConflict when a non-terminal bot
	// already holds the same dedup key.
	CreateBot(ctx context.Context, b model.Bot) error
	GetBot(ctx context.Context, botID string) (model.Bot, error)
	FindActiveBotByDedupKey(ctx context.Context, key string) (model.Bot, bool, error)
	// FindBotForMeetingDay returns a bot for the meeting URL whose join_at
	// falls on the given day and whose state is in states.
	FindBotForMeetingDay(ctx context.Context, meetingURL string, day time.Time, states []model.State) (model.Bot, bool, error)
	FindBotsByLinkedEvent(ctx context.Context, eventKey string, states []model.State) ([]model.Bot, error)
	// UpdateBotLink rewrites the weak calendar back-reference only.
	UpdateBotLink(ctx context.Context, botID, linkedEventKey string) error
	// TransitionBot compare-and-swaps the bot state. It reports false when
	// the bot was not in any of the expected `from` states.
	TransitionBot(ctx context.Context, botID string, from []model.State, to model.State) (bool, error)
	// ListDueBots returns SCHEDULED bots with join_at in [from, to],
	// ordered by join_at ascending then bot_id ascending.
	ListDueBots(ctx context.Context, from, to time.Time) ([]model.Bot, error)
	// CountStaleScheduled counts SCHEDULED bots whose join_at fell before
	// the cutoff (launch window missed).
	CountStaleScheduled(ctx context.Context, before time.Time) (int, error)
	CountActiveBots(ctx context.Context) (int, error)
	CountBotsByState(ctx context.Context) (map[model.State]int, error)

	// Bot events (append-only).
	AppendBotEvent(ctx context.Context, ev model.BotEvent) error
	ListBotEvents(ctx context.Context, botID string) ([]model.BotEvent, error)
	CountBotEventsByType(ctx context.Context, since time.Time) (map[FailureKey]int, error)

	// Capacity requests.
	// SubmitForLaunch atomically transitions SCHEDULED -> JOINING and
	// records the capacity request. Reports false (without error) when the
	// bot is no longer SCHEDULED; ErrConflict when a PENDING request is
	// already outstanding for the bot.
	SubmitForLaunch(ctx context.Context, botID string, req model.CapacityRequest) (bool, error)
	// RevertLaunch undoes a submit whose provisioning call failed:
	// JOINING -> SCHEDULED plus request status FAILED.
	RevertLaunch(ctx context.Context, botID, requestID string) error
	SetCapacityRequestStatus(ctx context.Context, requestID string, st model.CapacityRequestStatus) error
	OutstandingCapacityRequest(ctx context.Context, botID string) (model.CapacityRequest, bool, error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory", "mem":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

// SameDay reports whether two instants fall on the same UTC calendar day.
// Dedup keys and relink lookups bucket meetings by day.
func SameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}
