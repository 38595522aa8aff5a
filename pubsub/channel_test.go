package pubsub

import "testing"

func TestGlobMatchStarAndQuestion(t *testing.T) {
	cases := []struct {
		pattern, name string
		want          bool
	}{
		{"chat.*", "chat.general", true},
		{"chat.*", "lobby", false},
		{"user.?", "user.1", true},
		{"user.?", "user.12", false},
		{"*", "anything", true},
		{"exact", "exact", true},
		{"exact", "exactly", false},
	}
	for _, c := range cases {
		if got := globMatch([]byte(c.pattern), []byte(c.name)); got != c.want {
			t.Errorf("globMatch(%q, %q) = %v, want %v", c.pattern, c.name, got, c.want)
		}
	}
}

func TestChannelDestroyedWhenSubscribersAndRefcountBothEmpty(t *testing.T) {
	r := newRegistry()
	ch := r.getOrCreate("x", nil)
	sub := &Subscription{}
	ch.addSubscriber(sub)

	if _, ok := r.get("x"); !ok {
		t.Fatal("channel should exist while it has a subscriber")
	}

	ch.removeSubscriber(sub)
	if _, ok := r.get("x"); ok {
		t.Fatal("channel should be destroyed once its subscriber list is empty")
	}
}

func TestPatternCacheReusesCompiledMatcher(t *testing.T) {
	pc := newPatternCache(8)
	m1 := pc.compile("chat.*")
	m2 := pc.compile("chat.*")
	if !m1("chat.x") || !m2("chat.x") {
		t.Fatal("cached matcher should still match")
	}
}

func TestSubscriptionCancelPreventsFurtherDelivery(t *testing.T) {
	r := newRegistry()
	ch := r.getOrCreate("x", nil)
	delivered := 0
	sub := &Subscription{OnMessage: func(*Message) { delivered++ }}
	ch.addSubscriber(sub)

	ch.snapshot()[0].deliver(&Message{})
	sub.Cancel()
	for _, s := range ch.snapshot() {
		s.deliver(&Message{})
	}
	if delivered != 1 {
		t.Fatalf("delivered = %d, want 1 (cancel should stop further delivery)", delivered)
	}
}
