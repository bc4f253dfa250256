package model

import "fmt"

// State is a bot's lifecycle state.
//
// Flow:
//
//	SCHEDULED -> JOINING -> JOINED_RECORDING -> ENDED
//	JOINING          -> COULD_NOT_JOIN (admission failure, terminal)
//	JOINING          -> FATAL_ERROR    (terminal)
//	JOINED_RECORDING -> FATAL_ERROR    (terminal)
//
// SCHEDULED is the initial state. ENDED, FATAL_ERROR and COULD_NOT_JOIN are
// terminal. Only the worker execution boundary reports JOINING,
// JOINED_RECORDING and terminal outcomes; the single exception is the
// administrative end used by the relink reactor when a meeting loses its
// last calendar event.
type State string

const (
	StateScheduled       State = "SCHEDULED"
	StateJoining         State = "JOINING"
	StateJoinedRecording State = "JOINED_RECORDING"
	StateEnded           State = "ENDED"
	StateFatalError      State = "FATAL_ERROR"
	StateCouldNotJoin    State = "COULD_NOT_JOIN"
)

// States lists every valid state, in lifecycle order.
var States = []State{
	StateScheduled,
	StateJoining,
	StateJoinedRecording,
	StateEnded,
	StateFatalError,
	StateCouldNotJoin,
}

var transitions = map[State][]State{
	StateScheduled:       {StateJoining},
	StateJoining:         {StateJoinedRecording, StateCouldNotJoin, StateFatalError},
	StateJoinedRecording: {StateEnded, StateFatalError},
}

// Terminal reports whether s is a terminal state.
func (s State) Terminal() bool {
	switch s {
	case StateEnded, StateFatalError, StateCouldNotJoin:
		return true
	}
	return false
}

// Active reports whether a bot in this state occupies cluster capacity.
// Used by the scheduler's concurrency cap.
func (s State) Active() bool {
	return s == StateJoining || s == StateJoinedRecording
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	for _, v := range States {
		if s == v {
			return true
		}
	}
	return false
}

// CanTransition reports whether from -> to is a legal worker-reported
// transition. Administrative transitions (AdminEnd, Reactivate) are not
// covered here on purpose.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ParseState converts a wire string into a State.
func ParseState(s string) (State, error) {
	st := State(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown bot state %q", s)
	}
	return st, nil
}
