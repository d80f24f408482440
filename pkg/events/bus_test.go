package events

import (
	"sync"
	"testing"
	"time"
)

// chanSink buffers delivered events in a channel, mirroring how the
// transport layer consumes them.
type chanSink struct {
	ch chan Event
}

func newChanSink(size int) *chanSink {
	return &chanSink{ch: make(chan Event, size)}
}

func (s *chanSink) Deliver(ev Event) bool {
	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}

func (s *chanSink) drain() []Event {
	var out []Event
	for {
		select {
		case ev := <-s.ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func pageLoad(url string) Event {
	return Event{
		Type:      TypePage,
		Name:      "page.load",
		Timestamp: time.Now(),
		PageID:    "page-1",
		PageURL:   url,
	}
}

func TestPublishDeliversToMatchingSubscription(t *testing.T) {
	bus := NewBus(nil)
	sink := newChanSink(8)
	bus.Register("client-1", sink)

	sub, err := bus.Subscribe("client-1", []Type{TypeConsole}, Filters{})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if sub.ID == "" {
		t.Fatal("expected non-empty subscription id")
	}

	bus.Publish(Event{Type: TypeConsole, Name: "console.error", Timestamp: time.Now()})
	bus.Publish(pageLoad("https://example.com")) // wrong type, must not deliver

	got := sink.drain()
	if len(got) != 1 {
		t.Fatalf("expected exactly 1 delivery, got %d", len(got))
	}
	if got[0].Name != "console.error" {
		t.Fatalf("unexpected event %q", got[0].Name)
	}
}

func TestPublishDeliversOncePerConnection(t *testing.T) {
	bus := NewBus(nil)
	sink := newChanSink(8)
	bus.Register("client-1", sink)

	// Two overlapping subscriptions on the same connection.
	if _, err := bus.Subscribe("client-1", []Type{TypePage}, Filters{}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := bus.Subscribe("client-1", []Type{TypePage, TypeDOM}, Filters{}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	bus.Publish(pageLoad("https://example.com"))

	if got := sink.drain(); len(got) != 1 {
		t.Fatalf("expected 1 delivery for overlapping subscriptions, got %d", len(got))
	}
}

func TestURLPatternAndPageIDFilters(t *testing.T) {
	bus := NewBus(nil)
	sink := newChanSink(8)
	bus.Register("client-1", sink)

	_, err := bus.Subscribe("client-1", []Type{TypePage}, Filters{
		URLPattern: `^https://example\.com/`,
		PageID:     "page-1",
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	bus.Publish(pageLoad("https://example.com/docs"))
	bus.Publish(pageLoad("https://other.com/"))
	ev := pageLoad("https://example.com/about")
	ev.PageID = "page-2"
	bus.Publish(ev)

	got := sink.drain()
	if len(got) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(got))
	}
	if got[0].PageURL != "https://example.com/docs" {
		t.Fatalf("unexpected url %q", got[0].PageURL)
	}
}

func TestSubscribeRejectsInvalidRegex(t *testing.T) {
	bus := NewBus(nil)
	bus.Register("client-1", newChanSink(1))

	if _, err := bus.Subscribe("client-1", []Type{TypePage}, Filters{URLPattern: "["}); err == nil {
		t.Fatal("expected error for invalid regex")
	}
}

func TestSubscribeRejectsUnknownTypeAndEmptyTypes(t *testing.T) {
	bus := NewBus(nil)
	bus.Register("client-1", newChanSink(1))

	if _, err := bus.Subscribe("client-1", []Type{"BOGUS"}, Filters{}); err == nil {
		t.Fatal("expected error for unknown type")
	}
	if _, err := bus.Subscribe("client-1", nil, Filters{}); err == nil {
		t.Fatal("expected error for empty type list")
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	bus := NewBus(nil)
	sink := newChanSink(8)
	bus.Register("client-1", sink)

	sub, err := bus.Subscribe("client-1", []Type{TypePage}, Filters{})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if !bus.Unsubscribe(sub.ID) {
		t.Fatal("first unsubscribe should remove")
	}
	if bus.Unsubscribe(sub.ID) {
		t.Fatal("second unsubscribe should find nothing")
	}
	if bus.Unsubscribe("sub_NEVER_EXISTED") {
		t.Fatal("unknown id should find nothing")
	}

	bus.Publish(pageLoad("https://example.com"))
	if got := sink.drain(); len(got) != 0 {
		t.Fatalf("expected no deliveries after unsubscribe, got %d", len(got))
	}
}

func TestDeregisterCascadesSubscriptions(t *testing.T) {
	bus := NewBus(nil)
	sink := newChanSink(8)
	bus.Register("client-1", sink)

	sub, err := bus.Subscribe("client-1", []Type{TypePage}, Filters{})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	bus.Deregister("client-1")

	// Subscription is gone from the global registry too.
	if bus.Unsubscribe(sub.ID) {
		t.Fatal("subscription should have been removed by deregister")
	}
	bus.Publish(pageLoad("https://example.com"))
	if got := sink.drain(); len(got) != 0 {
		t.Fatalf("expected no deliveries after deregister, got %d", len(got))
	}
}

func TestListReturnsConnectionSubscriptions(t *testing.T) {
	bus := NewBus(nil)
	bus.Register("client-1", newChanSink(1))
	bus.Register("client-2", newChanSink(1))

	s1, _ := bus.Subscribe("client-1", []Type{TypePage}, Filters{})
	s2, _ := bus.Subscribe("client-1", []Type{TypeConsole}, Filters{PageID: "page-9"})
	if _, err := bus.Subscribe("client-2", []Type{TypeDOM}, Filters{}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	infos := bus.List("client-1")
	if len(infos) != 2 {
		t.Fatalf("expected 2 subscriptions, got %d", len(infos))
	}
	ids := map[string]bool{infos[0].SubscriptionID: true, infos[1].SubscriptionID: true}
	if !ids[s1.ID] || !ids[s2.ID] {
		t.Fatalf("list missing expected ids: %v", ids)
	}

	if got := bus.List("client-unknown"); len(got) != 0 {
		t.Fatalf("expected empty list for unknown connection, got %d", len(got))
	}
}

func TestSlowConsumerIsDropped(t *testing.T) {
	bus := NewBus(nil)

	var mu sync.Mutex
	var dropped []string
	bus.OnSlowConsumer(func(connID string) {
		mu.Lock()
		dropped = append(dropped, connID)
		mu.Unlock()
	})

	slow := newChanSink(1)
	healthy := newChanSink(16)
	bus.Register("slow", slow)
	bus.Register("healthy", healthy)
	if _, err := bus.Subscribe("slow", []Type{TypePage}, Filters{}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := bus.Subscribe("healthy", []Type{TypePage}, Filters{}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// First event fills the slow buffer, second overflows it.
	bus.Publish(pageLoad("https://example.com/1"))
	bus.Publish(pageLoad("https://example.com/2"))

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(dropped)
		mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("slow consumer was not dropped")
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	if dropped[0] != "slow" {
		t.Fatalf("dropped wrong connection: %v", dropped)
	}
	mu.Unlock()

	// The healthy consumer got both events.
	if got := healthy.drain(); len(got) != 2 {
		t.Fatalf("healthy consumer expected 2 events, got %d", len(got))
	}

	// Dropped connection no longer receives.
	bus.Publish(pageLoad("https://example.com/3"))
	if got := slow.drain(); len(got) > 1 {
		t.Fatalf("slow consumer received events after drop: %d", len(got))
	}
}
