package session

import "encoding/json"

// Event is one entry in a session's SSE replay queue. IDs are sequential
// per session so a reconnecting client can resume with Last-Event-ID.
type Event struct {
	ID   int64
	Data json.RawMessage
}

// AppendEvent queues data on the session's event queue and returns the
// assigned event id. The queue is pruned to the configured bound, oldest
// first. Reports false if the session does not exist.
func (s *Store) AppendEvent(sessionID string, data json.RawMessage) (Event, bool) {
	sess := s.Lookup(sessionID)
	if sess == nil {
		return Event{}, false
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	ev := Event{ID: sess.nextEventID, Data: data}
	sess.nextEventID++
	sess.events = append(sess.events, ev)
	if len(sess.events) > sess.maxEvents {
		sess.events = sess.events[1:]
	}
	return ev, true
}

// NextEventID allocates an event id without queueing a payload. Used for
// priming events that carry no data.
func (s *Store) NextEventID(sessionID string) (int64, bool) {
	sess := s.Lookup(sessionID)
	if sess == nil {
		return 0, false
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	id := sess.nextEventID
	sess.nextEventID++
	return id, true
}

// EventsSince returns every queued event with an id greater than lastID,
// in order. Events older than the queue bound are gone and not replayed.
func (s *Store) EventsSince(sessionID string, lastID int64) []Event {
	sess := s.Lookup(sessionID)
	if sess == nil {
		return nil
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	var out []Event
	for _, ev := range sess.events {
		if ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}
