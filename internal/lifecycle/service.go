// Package lifecycle applies worker-reported and administrative state changes
// to bots, enforcing the transition rules and the failure taxonomy.
package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"botherd/internal/metrics"
	"botherd/internal/model"
	"botherd/internal/store"
	logx "botherd/pkg/logx"
)

// ErrInvalidTransition is returned when a report asks for a state change the
// lifecycle rules forbid.
var ErrInvalidTransition = errors.New("invalid bot state transition")

type Service struct {
	st  store.Store
	met *metrics.Metrics
	log logx.Logger
}

func NewService(st store.Store, met *metrics.Metrics, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{st: st, met: met, log: log.With(logx.String("component", "lifecycle"))}
}

// recordEvent persists a bot event and bumps the outcome counter. History is
// best-effort once the state has moved.
func (s *Service) recordEvent(ctx context.Context, ev model.BotEvent) {
	if err := s.st.AppendBotEvent(ctx, ev); err != nil {
		s.log.Warn("bot event append failed",
			logx.String("bot_id", ev.BotID),
			logx.String("type", string(ev.Type)),
			logx.Err(err))
		return
	}
	if s.met != nil {
		s.met.BotEvents.WithLabelValues(string(ev.Type), string(ev.SubType)).Inc()
	}
}

// milestoneFor maps a target state to the event logged when a worker reaches
// it. Failure states are handled separately because they carry subtypes.
func milestoneFor(to model.State) (model.EventType, bool) {
	switch to {
	case model.StateJoinedRecording:
		return model.EventJoined, true
	case model.StateEnded:
		return model.EventMeetingEnded, true
	}
	return "", false
}

func stateFor(t model.EventType) (model.State, bool) {
	switch t {
	case model.EventCouldNotJoin:
		return model.StateCouldNotJoin, true
	case model.EventFatalError:
		return model.StateFatalError, true
	}
	return "", false
}

// ReportTransition applies a worker-reported state change.
//
// Reports are idempotent: if the bot is already in the target state, or
// already terminal, the report is absorbed without error. Late or duplicate
// worker callbacks therefore never corrupt history. Anything else that the
// transition rules forbid returns ErrInvalidTransition.
//
// For failure targets (COULD_NOT_JOIN, FATAL_ERROR) sub must belong to the
// target's subtype set; for milestone targets sub must be empty.
func (s *Service) ReportTransition(ctx context.Context, botID string, to model.State, sub model.EventSubType) error {
	if !to.Valid() {
		return fmt.Errorf("report for bot %s: unknown state %q", botID, to)
	}

	b, err := s.st.GetBot(ctx, botID)
	if err != nil {
		return fmt.Errorf("report for bot %s: %w", botID, err)
	}
	if b.State == to || b.State.Terminal() {
		s.log.Debug("transition report absorbed",
			logx.String("bot_id", botID),
			logx.String("state", string(b.State)),
			logx.String("reported", string(to)))
		return nil
	}
	if !model.CanTransition(b.State, to) {
		return fmt.Errorf("bot %s: %s -> %s: %w", botID, b.State, to, ErrInvalidTransition)
	}

	// Build the event before touching state so an invalid (type, subtype)
	// pair rejects the whole report.
	var ev model.BotEvent
	haveEvent := false
	if to.Terminal() && to != model.StateEnded {
		t := model.EventFatalError
		if to == model.StateCouldNotJoin {
			t = model.EventCouldNotJoin
		}
		ev, err = model.NewBotEvent(botID, t, sub)
		if err != nil {
			return fmt.Errorf("bot %s: %w", botID, err)
		}
		haveEvent = true
	} else {
		if sub != model.SubNone {
			return fmt.Errorf("bot %s: subtype %q is not valid for state %q", botID, sub, to)
		}
		if t, ok := milestoneFor(to); ok {
			ev, _ = model.NewBotEvent(botID, t, model.SubNone)
			haveEvent = true
		}
	}

	ok, err := s.st.TransitionBot(ctx, botID, []model.State{b.State}, to)
	if err != nil {
		return fmt.Errorf("bot %s: transition: %w", botID, err)
	}
	if !ok {
		// Lost a race. Re-read and absorb if the outcome is compatible.
		cur, err := s.st.GetBot(ctx, botID)
		if err != nil {
			return fmt.Errorf("report for bot %s: %w", botID, err)
		}
		if cur.State == to || cur.State.Terminal() {
			return nil
		}
		return fmt.Errorf("bot %s: %s -> %s: %w", botID, cur.State, to, ErrInvalidTransition)
	}

	if haveEvent {
		s.recordEvent(ctx, ev)
	}

	s.log.Info("bot transitioned",
		logx.String("bot_id", botID),
		logx.String("from", string(b.State)),
		logx.String("to", string(to)),
		logx.String("sub_type", string(sub)))
	return nil
}

// ReportFailure records a failure without the caller naming the target state.
// The failure class follows from where the bot was: failing while JOINING is
// an admission failure, failing after admission is fatal.
func (s *Service) ReportFailure(ctx context.Context, botID string, sub model.EventSubType) error {
	b, err := s.st.GetBot(ctx, botID)
	if err != nil {
		return fmt.Errorf("failure for bot %s: %w", botID, err)
	}
	if b.State.Terminal() {
		return nil
	}
	t := model.FailureFor(b.State)
	to, _ := stateFor(t)
	if !t.Allows(sub) {
		return fmt.Errorf("bot %s: subtype %q is not valid for event type %q", botID, sub, t)
	}
	return s.ReportTransition(ctx, botID, to, sub)
}

// RecordMilestone appends a non-failure event without changing state
// (RECORDING_STARTED arrives while the bot stays JOINED_RECORDING).
func (s *Service) RecordMilestone(ctx context.Context, botID string, t model.EventType) error {
	if t.Failure() {
		return fmt.Errorf("bot %s: %q is not a milestone", botID, t)
	}
	ev, err := model.NewBotEvent(botID, t, model.SubNone)
	if err != nil {
		return fmt.Errorf("bot %s: %w", botID, err)
	}
	if _, err := s.st.GetBot(ctx, botID); err != nil {
		return fmt.Errorf("milestone for bot %s: %w", botID, err)
	}
	if err := s.st.AppendBotEvent(ctx, ev); err != nil {
		return fmt.Errorf("milestone for bot %s: %w", botID, err)
	}
	if s.met != nil {
		s.met.BotEvents.WithLabelValues(string(ev.Type), string(ev.SubType)).Inc()
	}
	return nil
}

// AdminEnd forces a bot to ENDED from any non-terminal state. Used when a
// meeting loses its last calendar event and nobody wants the recording.
// Idempotent: already-terminal bots are left alone.
func (s *Service) AdminEnd(ctx context.Context, botID string) error {
	from := []model.State{model.StateScheduled, model.StateJoining, model.StateJoinedRecording}
	ok, err := s.st.TransitionBot(ctx, botID, from, model.StateEnded)
	if err != nil {
		return fmt.Errorf("admin end bot %s: %w", botID, err)
	}
	if ok {
		s.log.Info("bot ended administratively", logx.String("bot_id", botID))
	}
	return nil
}

// Reactivate returns an ENDED bot to SCHEDULED and relinks it to a live
// calendar event. Used when a meeting that was administratively ended gains
// a calendar event again before its join time.
func (s *Service) Reactivate(ctx context.Context, botID, linkedEventKey string) (bool, error) {
	ok, err := s.st.TransitionBot(ctx, botID, []model.State{model.StateEnded}, model.StateScheduled)
	if err != nil {
		return false, fmt.Errorf("reactivate bot %s: %w", botID, err)
	}
	if !ok {
		return false, nil
	}
	if err := s.st.UpdateBotLink(ctx, botID, linkedEventKey); err != nil {
		return true, fmt.Errorf("reactivate bot %s: relink: %w", botID, err)
	}
	s.log.Info("bot reactivated",
		logx.String("bot_id", botID),
		logx.String("linked_event", linkedEventKey))
	return true, nil
}
