package model

import "fmt"

// EventType classifies a BotEvent.
//
// The COULD_NOT_JOIN / FATAL_ERROR split is load-bearing for downstream
// reporting: COULD_NOT_JOIN means the worker never gained meeting entry,
// FATAL_ERROR means it was admitted and failed afterward. A pre-admission
// failure must never surface as a post-admission one.
type EventType string

const (
	EventCouldNotJoin     EventType = "COULD_NOT_JOIN"
	EventFatalError       EventType = "FATAL_ERROR"
	EventJoined           EventType = "JOINED"
	EventRecordingStarted EventType = "RECORDING_STARTED"
	EventMeetingEnded     EventType = "MEETING_ENDED"
)

// EventSubType refines an EventType. Each failure type owns a closed set of
// subtypes; constructing a (type, subtype) pair outside those sets fails.
type EventSubType string

const (
	SubNone EventSubType = ""

	// COULD_NOT_JOIN subtypes.
	SubRequestDenied      EventSubType = "REQUEST_DENIED"
	SubWaitingRoomTimeout EventSubType = "WAITING_ROOM_TIMEOUT"
	SubMeetingNotFound    EventSubType = "MEETING_NOT_FOUND"
	SubBotNotLaunched     EventSubType = "BOT_NOT_LAUNCHED"
	SubLoginRequired      EventSubType = "LOGIN_REQUIRED"
	SubLoginFailed        EventSubType = "LOGIN_FAILED"

	// FATAL_ERROR subtypes.
	SubHeartbeatTimeout  EventSubType = "HEARTBEAT_TIMEOUT"
	SubProcessTerminated EventSubType = "PROCESS_TERMINATED"
	SubRTMPFailed        EventSubType = "RTMP_CONNECTION_FAILED"
	SubUIElementNotFound EventSubType = "UI_ELEMENT_NOT_FOUND"
	SubMaxUptimeExceeded EventSubType = "MAX_UPTIME_EXCEEDED"
)

var subtypes = map[EventType]map[EventSubType]bool{
	EventCouldNotJoin: {
		SubRequestDenied:      true,
		SubWaitingRoomTimeout: true,
		SubMeetingNotFound:    true,
		SubBotNotLaunched:     true,
		SubLoginRequired:      true,
		SubLoginFailed:        true,
	},
	EventFatalError: {
		SubHeartbeatTimeout:  true,
		SubProcessTerminated: true,
		SubRTMPFailed:        true,
		SubUIElementNotFound: true,
		SubMaxUptimeExceeded: true,
	},
	// Milestones carry no subtype.
	EventJoined:           {SubNone: true},
	EventRecordingStarted: {SubNone: true},
	EventMeetingEnded:     {SubNone: true},
}

// subtypeLabels maps subtypes to short human-readable labels for read APIs.
var subtypeLabels = map[EventSubType]string{
	SubRequestDenied:      "Join Denied",
	SubWaitingRoomTimeout: "Waiting Room Timeout",
	SubMeetingNotFound:    "Meeting Not Found",
	SubBotNotLaunched:     "Bot Not Launched",
	SubLoginRequired:      "Login Required",
	SubLoginFailed:        "Login Failed",
	SubHeartbeatTimeout:   "Heartbeat Timeout",
	SubProcessTerminated:  "Process Terminated",
	SubRTMPFailed:         "RTMP Connection Failed",
	SubUIElementNotFound:  "UI Element Not Found",
	SubMaxUptimeExceeded:  "Max Uptime Exceeded",
}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	_, ok := subtypes[t]
	return ok
}

// Failure reports whether t records a failure outcome.
func (t EventType) Failure() bool {
	return t == EventCouldNotJoin || t == EventFatalError
}

// Allows reports whether sub belongs to t's subtype set.
func (t EventType) Allows(sub EventSubType) bool {
	set, ok := subtypes[t]
	return ok && set[sub]
}

// Label returns a short human-readable label for a subtype, or the raw value
// when no label is known.
func (s EventSubType) Label() string {
	if l, ok := subtypeLabels[s]; ok {
		return l
	}
	if s == SubNone {
		return ""
	}
	return string(s)
}

// NewBotEvent validates the (type, subtype) pair and returns the event.
// It is the only way core code should build BotEvent values.
func NewBotEvent(botID string, t EventType, sub EventSubType) (BotEvent, error) {
	if !t.Valid() {
		return BotEvent{}, fmt.Errorf("unknown bot event type %q", t)
	}
	if !t.Allows(sub) {
		return BotEvent{}, fmt.Errorf("subtype %q is not valid for event type %q", sub, t)
	}
	return BotEvent{BotID: botID, Type: t, SubType: sub}, nil
}

// FailureFor returns the event type a failure in the given state maps to:
// failing while JOINING is an admission failure, failing after admission is
// a fatal error.
func FailureFor(s State) EventType {
	if s == StateJoining {
		return EventCouldNotJoin
	}
	return EventFatalError
}
