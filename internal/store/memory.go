package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"botherd/internal/model"
)

// memoryStore keeps all rows in process. It honors the same invariants as
// the sqlite driver (one active bot per dedup key, one outstanding capacity
// request per bot) under a single mutex.
type memoryStore struct {
	mu sync.Mutex

	events   map[string]model.CalendarEvent // key: calendarID/eventID
	bots     map[string]model.Bot
	botEvIDs int64
	botEvs   []model.BotEvent
	requests map[string]model.CapacityRequest // key: requestID
}

// NewMemory returns an empty in-memory store.
func NewMemory() Store {
	return &memoryStore{
		events:   map[string]model.CalendarEvent{},
		bots:     map[string]model.Bot{},
		requests: map[string]model.CapacityRequest{},
	}
}

func (s *memoryStore) Close() error { return nil }

// ---- Calendar events ----

func (s *memoryStore) UpsertCalendarEvent(_ context.Context, ev model.CalendarEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev.UpdatedAt = time.Now()
	s.events[ev.Key()] = ev
	return nil
}

func (s *memoryStore) GetCalendarEvent(_ context.Context, calendarID, eventID string) (model.CalendarEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[calendarID+"/"+eventID]
	if !ok {
		return model.CalendarEvent{}, ErrNotFound
	}
	return ev, nil
}

func (s *memoryStore) MarkCalendarEventDeleted(_ context.Context, calendarID, eventID string) (model.CalendarEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := calendarID + "/" + eventID
	ev, ok := s.events[key]
	if !ok {
		return model.CalendarEvent{}, false, ErrNotFound
	}
	if ev.Deleted {
		return ev, false, nil
	}
	ev.Deleted = true
	ev.UpdatedAt = time.Now()
	s.events[key] = ev
	return ev, true, nil
}

func (s *memoryStore) FindAlternateEvent(_ context.Context, meetingURL string, day time.Time, excludeKey string) (model.CalendarEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Deterministic pick: smallest key wins.
	var best model.CalendarEvent
	found := false
	for key, ev := range s.events {
		if key == excludeKey || ev.Deleted || ev.MeetingURL != meetingURL {
			continue
		}
		if !SameDay(ev.StartTime, day) {
			continue
		}
		if !found || key < best.Key() {
			best = ev
			found = true
		}
	}
	return best, found, nil
}

// ---- Bots ----

func (s *memoryStore) CreateBot(_ context.Context, b model.Bot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, other := range s.bots {
		if other.DedupKey == b.DedupKey && !other.State.Terminal() {
			return ErrConflict
		}
	}
	if _, exists := s.bots[b.BotID]; exists {
		return ErrConflict
	}
	now := time.Now()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
	s.bots[b.BotID] = b
	return nil
}

func (s *memoryStore) GetBot(_ context.Context, botID string) (model.Bot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bots[botID]
	if !ok {
		return model.Bot{}, ErrNotFound
	}
	return b, nil
}

func (s *memoryStore) FindActiveBotByDedupKey(_ context.Context, key string) (model.Bot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.bots {
		if b.DedupKey == key && !b.State.Terminal() {
			return b, true, nil
		}
	}
	return model.Bot{}, false, nil
}

func stateIn(s model.State, states []model.State) bool {
	for _, st := range states {
		if s == st {
			return true
		}
	}
	return false
}

func (s *memoryStore) FindBotForMeetingDay(_ context.Context, meetingURL string, day time.Time, states []model.State) (model.Bot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best model.Bot
	found := false
	for _, b := range s.bots {
		if b.MeetingURL != meetingURL || !SameDay(b.JoinAt, day) || !stateIn(b.State, states) {
			continue
		}
		if !found || b.BotID < best.BotID {
			best = b
			found = true
		}
	}
	return best, found, nil
}

func (s *memoryStore) FindBotsByLinkedEvent(_ context.Context, eventKey string, states []model.State) ([]model.Bot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Bot
	for _, b := range s.bots {
		if b.LinkedEventID == eventKey && stateIn(b.State, states) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BotID < out[j].BotID })
	return out, nil
}

func (s *memoryStore) UpdateBotLink(_ context.Context, botID, linkedEventKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bots[botID]
	if !ok {
		return ErrNotFound
	}
	b.LinkedEventID = linkedEventKey
	b.UpdatedAt = time.Now()
	s.bots[botID] = b
	return nil
}

func (s *memoryStore) TransitionBot(_ context.Context, botID string, from []model.State, to model.State) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(botID, from, to)
}

func (s *memoryStore) transitionLocked(botID string, from []model.State, to model.State) (bool, error) {
	b, ok := s.bots[botID]
	if !ok {
		return false, ErrNotFound
	}
	if !stateIn(b.State, from) {
		return false, nil
	}
	b.State = to
	b.UpdatedAt = time.Now()
	s.bots[botID] = b
	return true, nil
}

func (s *memoryStore) ListDueBots(_ context.Context, from, to time.Time) ([]model.Bot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Bot
	for _, b := range s.bots {
		if b.State != model.StateScheduled {
			continue
		}
		if b.JoinAt.Before(from) || b.JoinAt.After(to) {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinAt.Equal(out[j].JoinAt) {
			return out[i].JoinAt.Before(out[j].JoinAt)
		}
		return out[i].BotID < out[j].BotID
	})
	return out, nil
}

func (s *memoryStore) CountStaleScheduled(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.bots {
		if b.State == model.StateScheduled && b.JoinAt.Before(before) {
			n++
		}
	}
	return n, nil
}

func (s *memoryStore) CountActiveBots(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.bots {
		if b.State.Active() {
			n++
		}
	}
	return n, nil
}

func (s *memoryStore) CountBotsByState(_ context.Context) (map[model.State]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[model.State]int{}
	for _, b := range s.bots {
		out[b.State]++
	}
	return out, nil
}

// ---- Bot events ----

func (s *memoryStore) AppendBotEvent(_ context.Context, ev model.BotEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.botEvIDs++
	ev.ID = s.botEvIDs
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	s.botEvs = append(s.botEvs, ev)
	return nil
}

func (s *memoryStore) ListBotEvents(_ context.Context, botID string) ([]model.BotEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.BotEvent
	for _, ev := range s.botEvs {
		if ev.BotID == botID {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *memoryStore) CountBotEventsByType(_ context.Context, since time.Time) (map[FailureKey]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[FailureKey]int{}
	for _, ev := range s.botEvs {
		if ev.CreatedAt.Before(since) {
			continue
		}
		out[FailureKey{Type: ev.Type, SubType: ev.SubType}]++
	}
	return out, nil
}

// ---- Capacity requests ----

func (s *memoryStore) SubmitForLaunch(_ context.Context, botID string, req model.CapacityRequest) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.requests {
		if r.BotID == botID && r.Status == model.CapacityPending {
			return false, ErrConflict
		}
	}
	ok, err := s.transitionLocked(botID, []model.State{model.StateScheduled}, model.StateJoining)
	if err != nil || !ok {
		return false, err
	}
	now := time.Now()
	if req.RequestedAt.IsZero() {
		req.RequestedAt = now
	}
	req.BotID = botID
	req.Status = model.CapacityPending
	req.UpdatedAt = now
	s.requests[req.RequestID] = req
	return true, nil
}

func (s *memoryStore) RevertLaunch(_ context.Context, botID, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.requests[requestID]; ok {
		r.Status = model.CapacityFailed
		r.UpdatedAt = time.Now()
		s.requests[requestID] = r
	}
	_, err := s.transitionLocked(botID, []model.State{model.StateJoining}, model.StateScheduled)
	return err
}

func (s *memoryStore) SetCapacityRequestStatus(_ context.Context, requestID string, st model.CapacityRequestStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[requestID]
	if !ok {
		return ErrNotFound
	}
	r.Status = st
	r.UpdatedAt = time.Now()
	s.requests[requestID] = r
	return nil
}

func (s *memoryStore) OutstandingCapacityRequest(_ context.Context, botID string) (model.CapacityRequest, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.requests {
		if r.BotID == botID && r.Status == model.CapacityPending {
			return r, true, nil
		}
	}
	return model.CapacityRequest{}, false, nil
}
