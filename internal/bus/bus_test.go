package bus

import (
	"sync"
	"testing"
	"time"
)

func TestDedupeCache(t *testing.T) {
	d := NewDedupeCache(time.Minute, 100)
	if d.IsDuplicate("a") {
		t.Fatal("first sighting is not a duplicate")
	}
	if !d.IsDuplicate("a") {
		t.Fatal("second sighting is a duplicate")
	}
	if d.IsDuplicate("b") {
		t.Fatal("distinct keys are independent")
	}
}

func TestDedupeCacheCapEviction(t *testing.T) {
	d := NewDedupeCache(time.Minute, 3)
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		d.IsDuplicate(k)
	}
	if len(d.seen) > 3 {
		t.Fatalf("cache exceeded cap: %d entries", len(d.seen))
	}
}

func TestInboundDebouncerMergesRapidMessages(t *testing.T) {
	var mu sync.Mutex
	var flushed []InboundMessage
	d := NewInboundDebouncer(30*time.Millisecond, func(m InboundMessage) {
		mu.Lock()
		flushed = append(flushed, m)
		mu.Unlock()
	})
	defer d.Stop()

	base := InboundMessage{Channel: "telegram", SenderID: "1", ChatID: "c"}
	m1, m2 := base, base
	m1.Content = "first line"
	m2.Content = "second line"
	d.Push(m1)
	d.Push(m2)

	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(flushed) != 1 {
		t.Fatalf("expected one merged flush, got %d", len(flushed))
	}
	if flushed[0].Content != "first line\nsecond line" {
		t.Fatalf("merged content = %q", flushed[0].Content)
	}
}

func TestInboundDebouncerCommandBypassesWindow(t *testing.T) {
	var mu sync.Mutex
	var flushed []InboundMessage
	d := NewInboundDebouncer(time.Hour, func(m InboundMessage) {
		mu.Lock()
		flushed = append(flushed, m)
		mu.Unlock()
	})
	defer d.Stop()

	d.Push(InboundMessage{
		Channel: "telegram", SenderID: "1", ChatID: "c",
		Content:  "/stop",
		Metadata: map[string]string{"command": "stop"},
	})

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(flushed) != 1 {
		t.Fatal("commands must flush immediately")
	}
}

func TestBroadcastReachesAllSubscribers(t *testing.T) {
	b := New()
	var wg sync.WaitGroup
	wg.Add(2)
	for _, id := range []string{"a", "b"} {
		b.Subscribe(id, func(Event) { wg.Done() })
	}
	b.Broadcast(Event{Name: "health"})

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast did not reach all subscribers")
	}
}
