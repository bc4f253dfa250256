package model

import "testing"

func TestCanTransition(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		from State
		to   State
		ok   bool
	}{
		{name: "scheduled to joining", from: StateScheduled, to: StateJoining, ok: true},
		{name: "joining to recording", from: StateJoining, to: StateJoinedRecording, ok: true},
		{name: "recording to ended", from: StateJoinedRecording, to: StateEnded, ok: true},
		{name: "joining to could_not_join", from: StateJoining, to: StateCouldNotJoin, ok: true},
		{name: "joining to fatal", from: StateJoining, to: StateFatalError, ok: true},
		{name: "recording to fatal", from: StateJoinedRecording, to: StateFatalError, ok: true},
		{name: "no scheduled to ended", from: StateScheduled, to: StateEnded, ok: false},
		{name: "no scheduled to recording", from: StateScheduled, to: StateJoinedRecording, ok: false},
		{name: "no recording to could_not_join", from: StateJoinedRecording, to: StateCouldNotJoin, ok: false},
		{name: "no backwards", from: StateJoinedRecording, to: StateJoining, ok: false},
		{name: "terminal is final", from: StateEnded, to: StateJoining, ok: false},
		{name: "terminal is final 2", from: StateFatalError, to: StateScheduled, ok: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.ok {
				t.Fatalf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.ok)
			}
		})
	}
}

func TestTerminalAndActive(t *testing.T) {
	t.Parallel()
	for _, s := range []State{StateEnded, StateFatalError, StateCouldNotJoin} {
		if !s.Terminal() {
			t.Fatalf("%s should be terminal", s)
		}
		if s.Active() {
			t.Fatalf("%s should not be active", s)
		}
	}
	for _, s := range []State{StateJoining, StateJoinedRecording} {
		if !s.Active() {
			t.Fatalf("%s should be active", s)
		}
	}
	if StateScheduled.Active() || StateScheduled.Terminal() {
		t.Fatal("SCHEDULED is neither active nor terminal")
	}
}

func TestSubtypeSetsAreDisjoint(t *testing.T) {
	t.Parallel()
	couldNotJoin := []EventSubType{
		SubRequestDenied, SubWaitingRoomTimeout, SubMeetingNotFound,
		SubBotNotLaunched, SubLoginRequired, SubLoginFailed,
	}
	fatal := []EventSubType{
		SubHeartbeatTimeout, SubProcessTerminated, SubRTMPFailed,
		SubUIElementNotFound, SubMaxUptimeExceeded,
	}

	for _, sub := range couldNotJoin {
		if !EventCouldNotJoin.Allows(sub) {
			t.Fatalf("COULD_NOT_JOIN should allow %s", sub)
		}
		if EventFatalError.Allows(sub) {
			t.Fatalf("FATAL_ERROR must not allow %s", sub)
		}
	}
	for _, sub := range fatal {
		if !EventFatalError.Allows(sub) {
			t.Fatalf("FATAL_ERROR should allow %s", sub)
		}
		if EventCouldNotJoin.Allows(sub) {
			t.Fatalf("COULD_NOT_JOIN must not allow %s", sub)
		}
	}
}

func TestNewBotEventRejectsInvalidPairs(t *testing.T) {
	t.Parallel()
	if _, err := NewBotEvent("b1", EventCouldNotJoin, SubHeartbeatTimeout); err == nil {
		t.Fatal("expected error for COULD_NOT_JOIN + HEARTBEAT_TIMEOUT")
	}
	if _, err := NewBotEvent("b1", EventFatalError, SubRequestDenied); err == nil {
		t.Fatal("expected error for FATAL_ERROR + REQUEST_DENIED")
	}
	if _, err := NewBotEvent("b1", EventType("BOGUS"), SubNone); err == nil {
		t.Fatal("expected error for unknown event type")
	}
	ev, err := NewBotEvent("b1", EventCouldNotJoin, SubWaitingRoomTimeout)
	if err != nil {
		t.Fatalf("valid pair rejected: %v", err)
	}
	if ev.BotID != "b1" || ev.Type != EventCouldNotJoin {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestFailureFor(t *testing.T) {
	t.Parallel()
	if got := FailureFor(StateJoining); got != EventCouldNotJoin {
		t.Fatalf("FailureFor(JOINING) = %s, want COULD_NOT_JOIN", got)
	}
	if got := FailureFor(StateJoinedRecording); got != EventFatalError {
		t.Fatalf("FailureFor(JOINED_RECORDING) = %s, want FATAL_ERROR", got)
	}
}
