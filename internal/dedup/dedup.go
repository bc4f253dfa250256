// Package dedup guarantees at most one live bot per meeting occurrence.
//
// The identity of an occurrence is its dedup key: creation mode, UTC calendar
// day of the join time, and the meeting URL truncated to a fixed prefix.
// Resolution is serialized per key in-process; the storage layer's partial
// unique index on non-terminal bots backstops races across processes.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"botherd/internal/model"
	"botherd/internal/store"
	logx "botherd/pkg/logx"
)

// urlKeyLen bounds the URL part of the key so provider-appended query noise
// does not split one meeting into several identities.
const urlKeyLen = 50

// Key builds the dedup key for one meeting occurrence.
func Key(source model.CreationSource, joinAt time.Time, meetingURL string) string {
	mode := "auto"
	switch source {
	case model.SourceManual:
		mode = "manual"
	case model.SourceAPI:
		mode = "api"
	}
	u := meetingURL
	if len(u) > urlKeyLen {
		u = u[:urlKeyLen]
	}
	return fmt.Sprintf("%s-%s-%s", mode, joinAt.UTC().Format("2006-01-02"), u)
}

// reactivator is the slice of the lifecycle service Resolve needs.
type reactivator interface {
	Reactivate(ctx context.Context, botID, linkedEventKey string) (bool, error)
}

type Resolver struct {
	st    store.Store
	life  reactivator
	log   logx.Logger
	clock func() time.Time

	mu    sync.Mutex
	locks map[string]*keyLock
}

// keyLock serializes resolution for one dedup key. Entries are refcounted and
// evicted once the last holder releases, so the map never outgrows the set of
// keys currently being resolved.
type keyLock struct {
	mu   sync.Mutex
	refs int
}

func NewResolver(st store.Store, life reactivator, log logx.Logger) *Resolver {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Resolver{
		st:    st,
		life:  life,
		log:   log.With(logx.String("component", "dedup")),
		clock: time.Now,
		locks: make(map[string]*keyLock),
	}
}

// lockKey acquires the per-key lock and returns its release func.
func (r *Resolver) lockKey(key string) func() {
	r.mu.Lock()
	l, ok := r.locks[key]
	if !ok {
		l = &keyLock{}
		r.locks[key] = l
	}
	l.refs++
	r.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		r.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.locks, key)
		}
		r.mu.Unlock()
	}
}

// Resolve returns the bot owning the meeting occurrence, creating one only
// when no usable bot exists. It reports whether a new bot was created.
//
// Resolution order:
//  1. a non-terminal bot already holds the key: reuse it (adopting it onto
//     linkedEventKey if it has no calendar link)
//  2. an ENDED bot exists for the same URL and day with the join still
//     ahead: reactivate it
//  3. otherwise create a fresh SCHEDULED bot
func (r *Resolver) Resolve(ctx context.Context, meetingURL string, joinAt time.Time, source model.CreationSource, linkedEventKey string) (model.Bot, bool, error) {
	if meetingURL == "" {
		return model.Bot{}, false, errors.New("dedup: empty meeting url")
	}
	key := Key(source, joinAt, meetingURL)

	unlock := r.lockKey(key)
	defer unlock()

	if b, ok, err := r.st.FindActiveBotByDedupKey(ctx, key); err != nil {
		return model.Bot{}, false, fmt.Errorf("dedup lookup %q: %w", key, err)
	} else if ok {
		if b.LinkedEventID == "" && linkedEventKey != "" {
			if err := r.st.UpdateBotLink(ctx, b.BotID, linkedEventKey); err != nil {
				return model.Bot{}, false, fmt.Errorf("adopt bot %s: %w", b.BotID, err)
			}
			b.LinkedEventID = linkedEventKey
			r.log.Info("orphan bot adopted",
				logx.String("bot_id", b.BotID),
				logx.String("linked_event", linkedEventKey))
		}
		return b, false, nil
	}

	if r.life != nil && joinAt.After(r.clock()) {
		if b, ok, err := r.st.FindBotForMeetingDay(ctx, meetingURL, joinAt, []model.State{model.StateEnded}); err != nil {
			return model.Bot{}, false, fmt.Errorf("dedup ended lookup: %w", err)
		} else if ok {
			done, err := r.life.Reactivate(ctx, b.BotID, linkedEventKey)
			if err != nil {
				return model.Bot{}, false, err
			}
			if done {
				b.State = model.StateScheduled
				b.LinkedEventID = linkedEventKey
				return b, false, nil
			}
		}
	}

	now := r.clock()
	b := model.Bot{
		BotID:         uuid.NewString(),
		MeetingURL:    meetingURL,
		JoinAt:        joinAt,
		State:         model.StateScheduled,
		Source:        source,
		LinkedEventID: linkedEventKey,
		DedupKey:      key,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := r.st.CreateBot(ctx, b); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Another process won the insert between our lookup and now.
			if cur, ok, lerr := r.st.FindActiveBotByDedupKey(ctx, key); lerr == nil && ok {
				return cur, false, nil
			}
			return model.Bot{}, false, fmt.Errorf("dedup conflict on %q: %w", key, err)
		}
		return model.Bot{}, false, fmt.Errorf("create bot: %w", err)
	}

	r.log.Info("bot created",
		logx.String("bot_id", b.BotID),
		logx.String("dedup_key", key),
		logx.String("source", string(source)),
		logx.Time("join_at", joinAt))
	return b, true, nil
}
