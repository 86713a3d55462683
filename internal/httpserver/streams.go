package httpserver

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/Bigsy/mcpd/internal/protocol"
	"github.com/Bigsy/mcpd/internal/session"
)

// streamEventBuffer bounds the per-stream delivery channel. A stream
// that falls this far behind is closed; the client resumes with
// Last-Event-ID and replays from the session queue.
const streamEventBuffer = 64

// sseStream is one live GET side-channel connection.
type sseStream struct {
	sessionID string
	events    chan session.Event

	closeOnce sync.Once
	done      chan struct{}
}

func (st *sseStream) close() {
	st.closeOnce.Do(func() { close(st.done) })
}

// streamRegistry tracks live side-channel streams per session.
type streamRegistry struct {
	mu      sync.Mutex
	streams map[string][]*sseStream
}

func newStreamRegistry() *streamRegistry {
	return &streamRegistry{streams: make(map[string][]*sseStream)}
}

func (r *streamRegistry) add(sessionID string) *sseStream {
	st := &sseStream{
		sessionID: sessionID,
		events:    make(chan session.Event, streamEventBuffer),
		done:      make(chan struct{}),
	}
	r.mu.Lock()
	r.streams[sessionID] = append(r.streams[sessionID], st)
	r.mu.Unlock()
	return st
}

func (r *streamRegistry) remove(st *sseStream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.streams[st.sessionID]
	for i, cand := range list {
		if cand == st {
			r.streams[st.sessionID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(r.streams[st.sessionID]) == 0 {
		delete(r.streams, st.sessionID)
	}
}

// deliver hands ev to every live stream for the session. A stream whose
// buffer is full is closed so its client falls back to resumption.
func (r *streamRegistry) deliver(sessionID string, ev session.Event) {
	r.mu.Lock()
	list := append([]*sseStream(nil), r.streams[sessionID]...)
	r.mu.Unlock()

	for _, st := range list {
		select {
		case st.events <- ev:
		default:
			st.close()
		}
	}
}

func (r *streamRegistry) closeSession(sessionID string) {
	r.mu.Lock()
	list := r.streams[sessionID]
	delete(r.streams, sessionID)
	r.mu.Unlock()
	for _, st := range list {
		st.close()
	}
}

func (r *streamRegistry) closeAll() {
	r.mu.Lock()
	var all []*sseStream
	for _, list := range r.streams {
		all = append(all, list...)
	}
	r.streams = make(map[string][]*sseStream)
	r.mu.Unlock()
	for _, st := range all {
		st.close()
	}
}

// orphaned returns stream session ids whose session no longer exists.
func (r *streamRegistry) orphaned(store *session.Store) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id := range r.streams {
		if store.Lookup(id) == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

// Notify queues a server-initiated message on the session's event queue
// and wakes its live side-channel streams. Implements server.Notifier.
func (s *Server) Notify(sessionID string, msg *protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ev, ok := s.sessions.AppendEvent(sessionID, data)
	if !ok {
		return nil
	}
	s.streams.deliver(sessionID, ev)
	return nil
}

// Broadcast sends a server-initiated message to every live session.
func (s *Server) Broadcast(msg *protocol.Message) {
	for _, id := range s.sessions.IDs() {
		if err := s.Notify(id, msg); err != nil {
			s.log.Warn("broadcast failed", zap.String("sessionId", id), zap.Error(err))
		}
	}
}
