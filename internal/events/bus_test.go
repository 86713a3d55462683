package events

import (
	"bytes"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type stubEvent struct {
	seq      int
	serverID string
	at       time.Time
}

func (e stubEvent) Type() EventType      { return EventStatusChanged }
func (e stubEvent) ServerID() string     { return e.serverID }
func (e stubEvent) Timestamp() time.Time { return e.at }

func stub(seq int, serverID string) stubEvent {
	return stubEvent{seq: seq, serverID: serverID, at: time.Now()}
}

// stallBus returns a bus whose single subscriber blocks until release is
// closed, plus a channel that signals when the handler has started. With
// the dispatch goroutine parked in the handler, the queue fills
// deterministically.
func stallBus(t *testing.T, capacity int) (bus *Bus, started chan struct{}, release chan struct{}) {
	t.Helper()
	bus = newBusWithCapacity(capacity)
	started = make(chan struct{})
	release = make(chan struct{})
	var once sync.Once
	bus.Subscribe(func(Event) {
		once.Do(func() { close(started) })
		<-release
	})
	t.Cleanup(func() {
		close(release)
		bus.Close()
	})
	return bus, started, release
}

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := log.Writer()
	log.SetOutput(&buf)
	t.Cleanup(func() { log.SetOutput(prev) })
	return &buf
}

func TestBus_PublishDelivers(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	received := make(chan Event, 1)
	bus.Subscribe(func(e Event) { received <- e })

	bus.Publish(stub(7, "alpha"))

	select {
	case got := <-received:
		if got.(stubEvent).seq != 7 {
			t.Errorf("seq = %d, want 7", got.(stubEvent).seq)
		}
		if got.ServerID() != "alpha" {
			t.Errorf("server = %q, want alpha", got.ServerID())
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestBus_FanOut(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var wg sync.WaitGroup
	var calls atomic.Int32
	for i := 0; i < 3; i++ {
		wg.Add(1)
		bus.Subscribe(func(Event) {
			calls.Add(1)
			wg.Done()
		})
	}

	bus.Publish(stub(1, "alpha"))

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("timeout: only %d handlers called", calls.Load())
	}
	if calls.Load() != 3 {
		t.Errorf("handlers called = %d, want 3", calls.Load())
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var calls atomic.Int32
	unsubscribe := bus.Subscribe(func(Event) { calls.Add(1) })

	bus.Publish(stub(1, "alpha"))
	time.Sleep(50 * time.Millisecond)
	if calls.Load() != 1 {
		t.Fatalf("calls before unsubscribe = %d, want 1", calls.Load())
	}

	unsubscribe()

	bus.Publish(stub(2, "alpha"))
	time.Sleep(50 * time.Millisecond)
	if calls.Load() != 1 {
		t.Errorf("calls after unsubscribe = %d, want 1", calls.Load())
	}
}

func TestBus_OverflowDropsAndCounts(t *testing.T) {
	bus, started, _ := stallBus(t, 4)
	logBuf := captureLog(t)

	// Park the dispatcher in the blocking handler.
	bus.Publish(stub(0, "alpha"))
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("handler never started")
	}

	// Fill the queue, then overflow it.
	for i := 1; i <= 4; i++ {
		bus.Publish(stub(i, "alpha"))
	}
	if got := bus.Dropped(); got != 0 {
		t.Fatalf("dropped before overflow = %d, want 0", got)
	}

	for i := 5; i <= 7; i++ {
		bus.Publish(stub(i, "overflow-server"))
	}

	if got := bus.Dropped(); got != 3 {
		t.Errorf("dropped = %d, want 3", got)
	}
	out := logBuf.String()
	if !strings.Contains(out, "dropping event") {
		t.Error("expected drop message in log output")
	}
	if !strings.Contains(out, "overflow-server") {
		t.Error("expected server ID in log output")
	}
}

func TestBus_DropLogIncludesEventType(t *testing.T) {
	bus, started, _ := stallBus(t, 1)
	logBuf := captureLog(t)

	bus.Publish(stub(0, "alpha"))
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("handler never started")
	}

	bus.Publish(stub(1, "alpha")) // fills the queue
	bus.Publish(NewErrorEvent("error-server", nil, "boom"))

	out := logBuf.String()
	if !strings.Contains(out, "type=") {
		t.Error("expected event type in drop message")
	}
	if !strings.Contains(out, "error-server") {
		t.Error("expected server ID in drop message")
	}
}

func TestBus_PreservesOrder(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	const n = 50
	var mu sync.Mutex
	received := make([]int, 0, n)
	done := make(chan struct{})

	bus.Subscribe(func(e Event) {
		mu.Lock()
		received = append(received, e.(stubEvent).seq)
		if len(received) == n {
			close(done)
		}
		mu.Unlock()
	})

	for i := 0; i < n; i++ {
		bus.Publish(stub(i, "alpha"))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		mu.Lock()
		defer mu.Unlock()
		t.Fatalf("timeout: received %d of %d events", len(received), n)
	}

	mu.Lock()
	defer mu.Unlock()
	for i, seq := range received {
		if seq != i {
			t.Errorf("position %d: seq = %d, want %d", i, seq, i)
		}
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	// Stay under the queue capacity so nothing is dropped; this test is
	// about concurrent safety, not overflow.
	const goroutines = 5
	const perGoroutine = 10
	total := int32(goroutines * perGoroutine)

	var received atomic.Int32
	done := make(chan struct{})
	bus.Subscribe(func(Event) {
		if received.Add(1) == total {
			close(done)
		}
	})

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				bus.Publish(stub(g*100+i, fmt.Sprintf("server-%d", g)))
			}
		}(g)
	}
	wg.Wait()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout: received %d of %d events", received.Load(), total)
	}
}

func TestBus_SlowHandlerDoesNotBlockPublish(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	bus.Subscribe(func(Event) { time.Sleep(100 * time.Millisecond) })

	start := time.Now()
	for i := 0; i < 10; i++ {
		bus.Publish(stub(i, "alpha"))
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("publishing took %v, suggests blocking", elapsed)
	}
}

func TestBus_PublishAfterClose(t *testing.T) {
	bus := NewBus()

	received := make(chan Event, 1)
	bus.Subscribe(func(e Event) { received <- e })

	bus.Publish(stub(1, "alpha"))
	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event before close")
	}

	bus.Close()
	time.Sleep(50 * time.Millisecond)

	// Must not panic; the event is simply never delivered.
	bus.Publish(stub(2, "alpha"))
}
