// Package model defines the durable records of the orchestration core and
// the bot lifecycle rules that govern them.
package model

import (
	"time"
)

// CreationSource records who asked for a bot.
type CreationSource string

const (
	SourceScheduler CreationSource = "SCHEDULER"
	SourceManual    CreationSource = "MANUAL"
	SourceAPI       CreationSource = "API"
)

// CalendarEvent is one occurrence of a meeting on one user's calendar.
// Uniquely identified by (CalendarID, EventID). Several events across
// different calendars may share a MeetingURL (same meeting, many attendees).
type CalendarEvent struct {
	EventID        string
	CalendarID     string
	MeetingURL     string // normalized join URL; may be empty
	StartTime      time.Time
	OrganizerEmail string
	RawMetadata    string
	Deleted        bool
	UpdatedAt      time.Time
}

// Key returns the (calendar, event) identity tuple as a single string.
func (e CalendarEvent) Key() string { return e.CalendarID + "/" + e.EventID }

// Bot is one scheduled or running worker tied to a single meeting occurrence.
//
// Terminal bots are never deleted; they are retained for audit.
type Bot struct {
	BotID         string
	MeetingURL    string
	JoinAt        time.Time
	State         State
	Source        CreationSource
	LinkedEventID string // weak back-reference, not ownership
	DedupKey      string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// BotEvent is an immutable log entry recording a worker's observed occurrence.
// Ordering by CreatedAt reconstructs the worker's history.
type BotEvent struct {
	ID        int64
	BotID     string
	Type      EventType
	SubType   EventSubType
	CreatedAt time.Time
}

// CapacityRequestStatus tracks one provisioning attempt.
type CapacityRequestStatus string

const (
	CapacityPending   CapacityRequestStatus = "PENDING"
	CapacitySatisfied CapacityRequestStatus = "SATISFIED"
	CapacityFailed    CapacityRequestStatus = "FAILED"
)

// CapacityRequest is the unit of communication with the external autoscaler.
// At most one outstanding (PENDING) request per bot at a time.
type CapacityRequest struct {
	RequestID   string
	BotID       string
	RequestedAt time.Time
	Status      CapacityRequestStatus
	UpdatedAt   time.Time
}
