// Package session tracks streamable HTTP sessions: allocation, activity,
// resource subscriptions and the per-session SSE event queue used for
// stream resumption.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// defaultMaxQueuedEvents bounds the per-session SSE replay queue.
const defaultMaxQueuedEvents = 1000

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns a Clock backed by time.Now.
func SystemClock() Clock { return systemClock{} }

// Session is the server-side state for one Mcp-Session-Id.
type Session struct {
	ID        string
	UserID    string
	CreatedAt time.Time

	mu              sync.Mutex
	protocolVersion string
	lastActivity    time.Time
	subscriptions   map[string]struct{}
	events          []Event
	nextEventID     int64
	maxEvents       int
}

// LastActivity returns the time of the most recent inbound message.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// ProtocolVersion returns the version negotiated at initialize.
func (s *Session) ProtocolVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocolVersion
}

// SetProtocolVersion records the version negotiated at initialize.
func (s *Session) SetProtocolVersion(v string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.protocolVersion = v
}

// Subscriptions returns a snapshot of the subscribed resource URIs.
func (s *Session) Subscriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	uris := make([]string, 0, len(s.subscriptions))
	for uri := range s.subscriptions {
		uris = append(uris, uri)
	}
	return uris
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = now
}

// StoreConfig configures a session store.
type StoreConfig struct {
	// Clock supplies timestamps. Defaults to the system clock.
	Clock Clock

	// MaxQueuedEvents bounds each session's SSE replay queue.
	MaxQueuedEvents int

	Logger *zap.Logger
}

// Store manages the live session set for the HTTP transport.
type Store struct {
	mu        sync.RWMutex
	sessions  map[string]*Session
	clock     Clock
	maxEvents int
	log       *zap.Logger
}

// NewStore creates an empty session store.
func NewStore(cfg StoreConfig) *Store {
	clock := cfg.Clock
	if clock == nil {
		clock = systemClock{}
	}
	maxEvents := cfg.MaxQueuedEvents
	if maxEvents <= 0 {
		maxEvents = defaultMaxQueuedEvents
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		sessions:  make(map[string]*Session),
		clock:     clock,
		maxEvents: maxEvents,
		log:       logger,
	}
}

// Allocate creates a session with a fresh random id. userID may be empty
// for anonymous sessions.
func (s *Store) Allocate(userID string) *Session {
	now := s.clock.Now()
	sess := &Session{
		ID:            uuid.NewString(),
		UserID:        userID,
		CreatedAt:     now,
		lastActivity:  now,
		subscriptions: make(map[string]struct{}),
		maxEvents:     s.maxEvents,
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	s.log.Debug("session allocated", zap.String("sessionID", sess.ID), zap.String("userID", userID))
	return sess
}

// Lookup returns the session for id, or nil if it does not exist.
func (s *Store) Lookup(id string) *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[id]
}

// Touch marks activity on a session. Reports whether the session exists.
// Called for every inbound message before dispatch.
func (s *Store) Touch(id string) bool {
	sess := s.Lookup(id)
	if sess == nil {
		return false
	}
	sess.touch(s.clock.Now())
	return true
}

// Terminate removes a session, its subscriptions and its queued events.
// Idempotent: terminating an unknown id reports false without error.
func (s *Store) Terminate(id string) bool {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()

	if !ok {
		return false
	}

	sess.mu.Lock()
	sess.subscriptions = make(map[string]struct{})
	sess.events = nil
	sess.mu.Unlock()

	s.log.Debug("session terminated", zap.String("sessionID", id))
	return true
}

// SubscribeResource adds uri to the session's subscription set.
// Reports whether the session exists; re-subscribing is a no-op.
func (s *Store) SubscribeResource(id, uri string) bool {
	sess := s.Lookup(id)
	if sess == nil {
		return false
	}
	sess.mu.Lock()
	sess.subscriptions[uri] = struct{}{}
	sess.mu.Unlock()
	return true
}

// UnsubscribeResource removes uri from the session's subscription set.
// Reports whether the session exists; removing an absent uri is a no-op.
func (s *Store) UnsubscribeResource(id, uri string) bool {
	sess := s.Lookup(id)
	if sess == nil {
		return false
	}
	sess.mu.Lock()
	delete(sess.subscriptions, uri)
	sess.mu.Unlock()
	return true
}

// Subscribers returns the ids of every session subscribed to uri.
func (s *Store) Subscribers(uri string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id, sess := range s.sessions {
		sess.mu.Lock()
		_, subscribed := sess.subscriptions[uri]
		sess.mu.Unlock()
		if subscribed {
			ids = append(ids, id)
		}
	}
	return ids
}

// SweepInactive terminates every session idle for longer than maxIdle and
// returns the number removed.
func (s *Store) SweepInactive(maxIdle time.Duration) int {
	cutoff := s.clock.Now().Add(-maxIdle)

	s.mu.Lock()
	var expired []string
	for id, sess := range s.sessions {
		if sess.LastActivity().Before(cutoff) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	if len(expired) > 0 {
		s.log.Info("swept inactive sessions",
			zap.Int("removed", len(expired)),
			zap.Duration("maxIdle", maxIdle))
	}
	return len(expired)
}

// IDs returns the ids of every live session.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of live sessions.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
