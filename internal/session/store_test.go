package session

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(clock Clock) *Store {
	return NewStore(StoreConfig{Clock: clock})
}

func TestAllocateAndLookup(t *testing.T) {
	store := newTestStore(newFakeClock())

	sess := store.Allocate("user-1")
	require.NotNil(t, sess)
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, "user-1", sess.UserID)

	found := store.Lookup(sess.ID)
	require.NotNil(t, found)
	assert.Equal(t, sess.ID, found.ID)

	assert.Nil(t, store.Lookup("no-such-session"))
}

func TestAllocateUniqueIDs(t *testing.T) {
	store := newTestStore(newFakeClock())

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		sess := store.Allocate("")
		assert.False(t, seen[sess.ID], "duplicate session id %s", sess.ID)
		seen[sess.ID] = true
	}
	assert.Equal(t, 50, store.Count())
}

func TestTouchUpdatesLastActivity(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(clock)

	sess := store.Allocate("")
	start := sess.LastActivity()

	clock.Advance(3 * time.Minute)
	require.True(t, store.Touch(sess.ID))
	assert.Equal(t, start.Add(3*time.Minute), sess.LastActivity())

	assert.False(t, store.Touch("no-such-session"))
}

func TestTerminateIdempotent(t *testing.T) {
	store := newTestStore(newFakeClock())

	sess := store.Allocate("")
	assert.True(t, store.Terminate(sess.ID))
	assert.Nil(t, store.Lookup(sess.ID))

	// Second terminate is a no-op, not an error.
	assert.False(t, store.Terminate(sess.ID))
	assert.False(t, store.Terminate("never-existed"))
}

func TestTerminateClearsSubscriptions(t *testing.T) {
	store := newTestStore(newFakeClock())

	sess := store.Allocate("")
	require.True(t, store.SubscribeResource(sess.ID, "file:///a.txt"))
	require.Len(t, store.Subscribers("file:///a.txt"), 1)

	store.Terminate(sess.ID)
	assert.Empty(t, store.Subscribers("file:///a.txt"))
}

func TestSubscribeUnsubscribe(t *testing.T) {
	store := newTestStore(newFakeClock())
	sess := store.Allocate("")

	assert.True(t, store.SubscribeResource(sess.ID, "file:///a.txt"))
	// Re-subscribing is idempotent.
	assert.True(t, store.SubscribeResource(sess.ID, "file:///a.txt"))
	assert.Equal(t, []string{"file:///a.txt"}, sess.Subscriptions())

	assert.True(t, store.UnsubscribeResource(sess.ID, "file:///a.txt"))
	assert.Empty(t, sess.Subscriptions())
	// Unsubscribing an absent uri is a no-op.
	assert.True(t, store.UnsubscribeResource(sess.ID, "file:///a.txt"))

	assert.False(t, store.SubscribeResource("no-such-session", "file:///a.txt"))
	assert.False(t, store.UnsubscribeResource("no-such-session", "file:///a.txt"))
}

func TestSubscribersSpansSessions(t *testing.T) {
	store := newTestStore(newFakeClock())

	a := store.Allocate("")
	b := store.Allocate("")
	c := store.Allocate("")

	store.SubscribeResource(a.ID, "file:///shared.txt")
	store.SubscribeResource(b.ID, "file:///shared.txt")
	store.SubscribeResource(c.ID, "file:///other.txt")

	subs := store.Subscribers("file:///shared.txt")
	assert.Len(t, subs, 2)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, subs)
}

func TestSweepInactive(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(clock)

	stale := store.Allocate("")
	fresh1 := store.Allocate("")
	fresh2 := store.Allocate("")

	// Age only the first session past the idle cutoff.
	clock.Advance(10 * time.Minute)
	store.Touch(fresh1.ID)
	store.Touch(fresh2.ID)

	removed := store.SweepInactive(5 * time.Minute)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 2, store.Count())
	assert.Nil(t, store.Lookup(stale.ID))
	assert.NotNil(t, store.Lookup(fresh1.ID))
	assert.NotNil(t, store.Lookup(fresh2.ID))
}

func TestSweepInactiveNothingExpired(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(clock)

	store.Allocate("")
	store.Allocate("")

	clock.Advance(time.Minute)
	assert.Equal(t, 0, store.SweepInactive(5*time.Minute))
	assert.Equal(t, 2, store.Count())
}

func TestAppendEventSequentialIDs(t *testing.T) {
	store := newTestStore(newFakeClock())
	sess := store.Allocate("")

	for i := 0; i < 3; i++ {
		ev, ok := store.AppendEvent(sess.ID, json.RawMessage(`{"n":1}`))
		require.True(t, ok)
		assert.Equal(t, int64(i), ev.ID)
	}

	_, ok := store.AppendEvent("no-such-session", json.RawMessage(`{}`))
	assert.False(t, ok)
}

func TestEventsSince(t *testing.T) {
	store := newTestStore(newFakeClock())
	sess := store.Allocate("")

	for i := 0; i < 5; i++ {
		payload := json.RawMessage(fmt.Sprintf(`{"seq":%d}`, i))
		_, ok := store.AppendEvent(sess.ID, payload)
		require.True(t, ok)
	}

	events := store.EventsSince(sess.ID, 2)
	require.Len(t, events, 2)
	assert.Equal(t, int64(3), events[0].ID)
	assert.Equal(t, int64(4), events[1].ID)
	assert.JSONEq(t, `{"seq":3}`, string(events[0].Data))

	// Resuming from before the queue start replays everything retained.
	assert.Len(t, store.EventsSince(sess.ID, -1), 5)
	assert.Empty(t, store.EventsSince("no-such-session", -1))
}

func TestEventQueuePruned(t *testing.T) {
	store := NewStore(StoreConfig{Clock: newFakeClock(), MaxQueuedEvents: 3})
	sess := store.Allocate("")

	for i := 0; i < 5; i++ {
		_, ok := store.AppendEvent(sess.ID, json.RawMessage(`{}`))
		require.True(t, ok)
	}

	events := store.EventsSince(sess.ID, -1)
	require.Len(t, events, 3)
	// Oldest events were dropped; ids keep advancing.
	assert.Equal(t, int64(2), events[0].ID)
	assert.Equal(t, int64(4), events[2].ID)
}

func TestNextEventIDInterleavesWithAppends(t *testing.T) {
	store := newTestStore(newFakeClock())
	sess := store.Allocate("")

	id, ok := store.NextEventID(sess.ID)
	require.True(t, ok)
	assert.Equal(t, int64(0), id)

	ev, ok := store.AppendEvent(sess.ID, json.RawMessage(`{}`))
	require.True(t, ok)
	assert.Equal(t, int64(1), ev.ID)

	_, ok = store.NextEventID("no-such-session")
	assert.False(t, ok)
}
