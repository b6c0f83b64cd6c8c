// Package session keeps the in-memory binding between opaque session ids
// and the upstream credentials they unlock.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"xtream-gate/work/logger"
	"xtream-gate/work/metrics"
	"xtream-gate/work/types"

	"github.com/puzpuzpuz/xsync/v3"
)

// idBytes is the session id entropy: 24 bytes = 192 bits.
const idBytes = 24

// Session is an authenticated binding. It is never mutated after creation.
type Session struct {
	ID          string
	Credentials types.Credentials
	ExpiresAt   time.Time
}

// Store is a concurrency-safe session table with lazy and periodic expiry.
type Store struct {
	sessions *xsync.MapOf[string, Session]
	ttl      time.Duration
	interval time.Duration
	now      func() time.Time

	startOnce sync.Once
	stopOnce  sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// Option customizes a Store.
type Option func(*Store)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a Store whose sessions live for ttl and whose sweep task
// runs every interval once Start is called.
func NewStore(ttl, interval time.Duration, opts ...Option) *Store {
	s := &Store{
		sessions: xsync.NewMapOf[string, Session](),
		ttl:      ttl,
		interval: interval,
		now:      time.Now,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create stores creds under a fresh random id.
func (s *Store) Create(creds types.Credentials) (Session, error) {
	id, err := newID()
	if err != nil {
		return Session{}, err
	}
	sess := Session{
		ID:          id,
		Credentials: creds,
		ExpiresAt:   s.now().Add(s.ttl),
	}
	s.sessions.Store(id, sess)
	metrics.ActiveSessions.Set(float64(s.sessions.Size()))
	return sess, nil
}

// Get returns the live session for id. An expired session is removed on the spot.
func (s *Store) Get(id string) (Session, bool) {
	if id == "" {
		return Session{}, false
	}
	sess, ok := s.sessions.Load(id)
	if !ok {
		return Session{}, false
	}
	if !sess.ExpiresAt.After(s.now()) {
		s.deleteIfExpired(id)
		return Session{}, false
	}
	return sess, true
}

// Delete removes id unconditionally.
func (s *Store) Delete(id string) {
	s.sessions.Delete(id)
	metrics.ActiveSessions.Set(float64(s.sessions.Size()))
}

// Len reports the number of stored sessions, expired ones included until swept.
func (s *Store) Len() int {
	return s.sessions.Size()
}

// Sweep removes every expired session and returns how many went.
func (s *Store) Sweep() int {
	removed := 0
	s.sessions.Range(func(id string, sess Session) bool {
		if !sess.ExpiresAt.After(s.now()) && s.deleteIfExpired(id) {
			removed++
		}
		return true
	})
	metrics.ActiveSessions.Set(float64(s.sessions.Size()))
	if removed > 0 {
		logger.Info("{session - Sweep} removed %d expired session(s), active: %d", removed, s.sessions.Size())
	}
	return removed
}

// Start runs the sweep task until ctx is done or Stop is called.
func (s *Store) Start(ctx context.Context) {
	s.startOnce.Do(func() { go s.run(ctx) })
}

func (s *Store) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Stop ends the sweep task and waits for it. Safe to call more than once,
// and before Start, after which Start does nothing.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.startOnce.Do(func() { close(s.done) })
	<-s.done
}

// deleteIfExpired removes id only if the stored session is still expired,
// so a concurrent Create under the same id is never lost.
func (s *Store) deleteIfExpired(id string) bool {
	deleted := false
	s.sessions.Compute(id, func(old Session, loaded bool) (Session, bool) {
		if !loaded {
			return old, true
		}
		if old.ExpiresAt.After(s.now()) {
			return old, false
		}
		deleted = true
		return old, true
	})
	return deleted
}

func newID() (string, error) {
	b := make([]byte, idBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("session: failed to generate id: %w", err)
	}
	return hex.EncodeToString(b), nil
}
