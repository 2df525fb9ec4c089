// Package session holds per-session chat histories in process memory.
//
// The store is bounded: it keeps at most MaxSessions histories, evicting the
// least recently used one on overflow, and drops histories idle for longer
// than IdleTTL. Turns on one session are serialized through a per-session
// lock whose wait honours the caller's context. A session that is held or
// waited on is never expired or evicted, so the store may briefly exceed
// MaxSessions when every entry is in use.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"github.com/stupiduntilnot/chaaya/internal/model"
)

// DefaultMaxSessions is the LRU capacity used when Options.MaxSessions is 0.
const DefaultMaxSessions = 10000

// Reason explains why a session left the store.
type Reason string

const (
	ReasonEnded   Reason = "ended"
	ReasonExpired Reason = "expired"
	ReasonEvicted Reason = "evicted"
)

// Options configures a Store.
type Options struct {
	MaxSessions int
	// IdleTTL of 0 disables idle expiry.
	IdleTTL time.Duration
	// OnRemove is called outside the store lock for every removed session.
	OnRemove func(id string, reason Reason)
	Now      func() time.Time
}

type entry struct {
	id   string
	lock *semaphore.Weighted

	// guarded by lock
	messages []model.Message

	// guarded by Store.mu
	lastUsed time.Time
	removed  bool
	// refs counts callers holding or waiting for lock through Acquire.
	refs int
}

type removal struct {
	id     string
	reason Reason
}

// Store is safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	cache    *lru.Cache
	index    map[string]*entry
	max      int
	ttl      time.Duration
	now      func() time.Time
	onRemove func(string, Reason)

	// reason applied by the OnEvicted hook; capacity eviction unless set.
	reason  Reason
	pending []removal
}

func NewStore(opts Options) *Store {
	max := opts.MaxSessions
	if max <= 0 {
		max = DefaultMaxSessions
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	s := &Store{
		// Capacity is enforced by evictOverflowLocked, not by the cache.
		cache:    lru.New(0),
		index:    make(map[string]*entry),
		max:      max,
		ttl:      opts.IdleTTL,
		now:      now,
		onRemove: opts.OnRemove,
		reason:   ReasonEvicted,
	}
	s.cache.OnEvicted = s.evicted
	return s
}

// evicted runs under s.mu, from both Remove and capacity eviction. An
// in-use entry picked for capacity eviction is put back as most recent.
func (s *Store) evicted(key lru.Key, value interface{}) {
	e := value.(*entry)
	if s.reason == ReasonEvicted && e.refs > 0 {
		s.cache.Add(key, e)
		return
	}
	e.removed = true
	delete(s.index, e.id)
	s.pending = append(s.pending, removal{id: e.id, reason: s.reason})
}

func (s *Store) removeLocked(id string, reason Reason) {
	s.reason = reason
	s.cache.Remove(id)
	s.reason = ReasonEvicted
}

// evictOverflowLocked drops least recently used idle entries until the store
// is within capacity. Each entry is visited at most once.
func (s *Store) evictOverflowLocked() {
	for tries := s.cache.Len(); s.cache.Len() > s.max && tries > 0; tries-- {
		s.cache.RemoveOldest()
	}
}

func (s *Store) expiredLocked(e *entry, now time.Time) bool {
	return s.ttl > 0 && e.refs == 0 && now.Sub(e.lastUsed) > s.ttl
}

// lookupLocked returns the live entry for id, expiring it first if idle.
func (s *Store) lookupLocked(id string, now time.Time) *entry {
	v, ok := s.cache.Get(id)
	if !ok {
		return nil
	}
	e := v.(*entry)
	if s.expiredLocked(e, now) {
		s.removeLocked(id, ReasonExpired)
		return nil
	}
	return e
}

func (s *Store) unlockAndNotify() {
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	if s.onRemove == nil {
		return
	}
	for _, r := range pending {
		s.onRemove(r.id, r.reason)
	}
}

// Acquire returns the session for id, creating an empty one if absent, and
// holds its lock until Release. It blocks while another caller holds the
// same session and fails only if ctx ends first.
func (s *Store) Acquire(ctx context.Context, id string) (*Session, error) {
	for {
		s.mu.Lock()
		now := s.now()
		e := s.lookupLocked(id, now)
		created := e == nil
		if created {
			e = &entry{id: id, lock: semaphore.NewWeighted(1)}
			s.cache.Add(id, e)
			s.index[id] = e
		}
		e.refs++
		e.lastUsed = now
		if created {
			s.evictOverflowLocked()
		}
		s.unlockAndNotify()

		if err := e.lock.Acquire(ctx, 1); err != nil {
			s.mu.Lock()
			e.refs--
			s.mu.Unlock()
			return nil, errors.Wrapf(err, "wait for session %s", id)
		}

		s.mu.Lock()
		removed := e.removed
		if removed {
			e.refs--
		} else {
			e.lastUsed = s.now()
		}
		s.mu.Unlock()
		if !removed {
			return &Session{store: s, e: e}, nil
		}
		// Ended while we waited; start over with a fresh entry.
		e.lock.Release(1)
	}
}

// End removes the session for id once any in-flight turn on it finishes.
// It reports whether a session was removed.
func (s *Store) End(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	e := s.lookupLocked(id, s.now())
	s.unlockAndNotify()
	if e == nil {
		return false, nil
	}

	if err := e.lock.Acquire(ctx, 1); err != nil {
		return false, errors.Wrapf(err, "wait for session %s", id)
	}
	defer e.lock.Release(1)

	s.mu.Lock()
	ended := !e.removed
	if ended {
		s.removeLocked(id, ReasonEnded)
	}
	s.unlockAndNotify()
	return ended, nil
}

// Snapshot returns a copy of the history for id without creating or
// touching the session.
func (s *Store) Snapshot(ctx context.Context, id string) ([]model.Message, bool, error) {
	s.mu.Lock()
	e, ok := s.index[id]
	s.mu.Unlock()
	if !ok {
		return nil, false, nil
	}
	if err := e.lock.Acquire(ctx, 1); err != nil {
		return nil, false, errors.Wrapf(err, "wait for session %s", id)
	}
	defer e.lock.Release(1)
	return copyMessages(e.messages), true, nil
}

// Sweep drops every idle-expired session that is not currently in use and
// returns how many were removed.
func (s *Store) Sweep() int {
	if s.ttl <= 0 {
		return 0
	}
	s.mu.Lock()
	now := s.now()
	n := 0
	for id, e := range s.index {
		if !s.expiredLocked(e, now) || !e.lock.TryAcquire(1) {
			continue
		}
		s.removeLocked(id, ReasonExpired)
		e.lock.Release(1)
		n++
	}
	s.unlockAndNotify()
	return n
}

// Len returns the number of sessions held.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Len()
}

// Session is an exclusively held history. It must be released exactly once;
// extra Release calls are ignored.
type Session struct {
	store *Store
	e     *entry
	once  sync.Once
}

func (s *Session) ID() string { return s.e.id }

func (s *Session) Len() int { return len(s.e.messages) }

// Messages returns a copy of the history in insertion order.
func (s *Session) Messages() []model.Message { return copyMessages(s.e.messages) }

func (s *Session) Append(msgs ...model.Message) {
	s.e.messages = append(s.e.messages, msgs...)
}

// Truncate drops every message after the first n.
func (s *Session) Truncate(n int) {
	if n < 0 {
		n = 0
	}
	if n < len(s.e.messages) {
		s.e.messages = s.e.messages[:n]
	}
}

func (s *Session) Release() {
	s.once.Do(func() {
		s.store.mu.Lock()
		s.e.refs--
		if !s.e.removed {
			s.e.lastUsed = s.store.now()
		}
		s.store.mu.Unlock()
		s.e.lock.Release(1)
	})
}

func copyMessages(msgs []model.Message) []model.Message {
	out := make([]model.Message, len(msgs))
	copy(out, msgs)
	return out
}
