package pubsub

import (
	"testing"

	"github.com/rs/zerolog"
)

func newTestHub() *Hub {
	return New(nil, zerolog.Nop())
}

func TestPublishExactChannelDeliversToSubscriber(t *testing.T) {
	h := newTestHub()
	var got string
	h.Subscribe(0, "chat", false, func(m *Message) { got = string(m.Payload) }, nil)

	h.Publish(&Message{Channel: []byte("chat"), Payload: []byte("hi")}, Process)

	if got != "hi" {
		t.Fatalf("got %q, want hi", got)
	}
}

func TestPublishPatternChannelMatchesGlob(t *testing.T) {
	h := newTestHub()
	var got string
	h.Subscribe(0, "chat.*", true, func(m *Message) { got = string(m.Channel) }, nil)

	h.Publish(&Message{Channel: []byte("chat.general")}, Process)

	if got != "chat.general" {
		t.Fatalf("got %q, want chat.general", got)
	}
}

func TestPublishFilteredIsProcessLocalRegardlessOfMode(t *testing.T) {
	h := newTestHub()
	delivered := false
	h.Subscribe(7, "", false, func(*Message) { delivered = true }, nil)

	h.Publish(&Message{Filter: 7}, Cluster)

	if !delivered {
		t.Fatal("filtered subscription should receive a matching filtered publish")
	}
}

func TestPublishDifferentFilterDoesNotDeliver(t *testing.T) {
	h := newTestHub()
	delivered := false
	h.Subscribe(7, "", false, func(*Message) { delivered = true }, nil)

	h.Publish(&Message{Filter: 8}, Cluster)

	if delivered {
		t.Fatal("publish with a different filter should not deliver")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	h := newTestHub()
	delivered := 0
	sub := h.Subscribe(0, "chat", false, func(*Message) { delivered++ }, nil)

	h.Publish(&Message{Channel: []byte("chat")}, Process)
	h.Unsubscribe(sub)
	h.Publish(&Message{Channel: []byte("chat")}, Process)

	if delivered != 1 {
		t.Fatalf("delivered = %d, want 1", delivered)
	}
}

func TestMetadataFuncRunsOncePerPublish(t *testing.T) {
	h := newTestHub()
	calls := 0
	h.AddMetadataFunc(func(m *Message) {
		calls++
		m.SetMetadata(1, "encoded")
	})
	var seen any
	var ok bool
	h.Subscribe(0, "chat", false, func(m *Message) { seen, ok = m.Metadata(1) }, nil)

	h.Publish(&Message{Channel: []byte("chat")}, Process)

	if calls != 1 {
		t.Fatalf("metadata func ran %d times, want 1", calls)
	}
	if !ok || seen != "encoded" {
		t.Fatalf("subscriber observed metadata (%v,%v), want (encoded,true)", seen, ok)
	}
}

func TestMessageDeferRedeliversToSameSubscription(t *testing.T) {
	h := newTestHub()
	var count int
	sub := h.Subscribe(0, "chat", false, func(*Message) { count++ }, nil)

	m := &Message{Channel: []byte("chat")}
	h.Publish(m, Process)
	h.MessageDefer(sub, m)

	if count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}
}
