package pubsub

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Subscription is one channel subscriber, owned jointly by its
// channel's subscriber list and any in-flight dispatch task, hence the
// running-lock that keeps its callback from ever executing
// concurrently with itself.
type Subscription struct {
	channel      *channel
	OnMessage    func(*Message)
	OnUnsub      func()
	running      sync.Mutex
	cancelled    bool
	deferredOnce sync.Once
}

// Cancel unsubscribes s. Safe to call more than once; only the first
// call has any effect — the callback pointer is nulled immediately so
// no in-flight dispatch can invoke it after this returns.
func (s *Subscription) Cancel() {
	if s.channel == nil {
		return
	}
	s.running.Lock()
	if s.cancelled {
		s.running.Unlock()
		return
	}
	s.cancelled = true
	onUnsub := s.OnUnsub
	s.OnMessage = nil
	s.running.Unlock()
	s.channel.removeSubscriber(s)
	if onUnsub != nil {
		onUnsub()
	}
}

func (s *Subscription) deliver(m *Message) {
	s.running.Lock()
	defer s.running.Unlock()
	if s.cancelled || s.OnMessage == nil {
		return
	}
	s.OnMessage(m)
}

// matcher reports whether a published channel name matches a pattern
// subscription's glob. Only '*' (any run of bytes) and '?' (single
// byte) are recognized, a minimal glob sufficient for redis-style
// channel patterns.
type matcher func(name []byte) bool

func compileGlob(pattern []byte) matcher {
	p := append([]byte(nil), pattern...)
	return func(name []byte) bool { return globMatch(p, name) }
}

func globMatch(pattern, name []byte) bool {
	if len(pattern) == 0 {
		return len(name) == 0
	}
	switch pattern[0] {
	case '*':
		if globMatch(pattern[1:], name) {
			return true
		}
		for i := 0; i < len(name); i++ {
			if globMatch(pattern[1:], name[i+1:]) {
				return true
			}
		}
		return false
	case '?':
		if len(name) == 0 {
			return false
		}
		return globMatch(pattern[1:], name[1:])
	default:
		if len(name) == 0 || name[0] != pattern[0] {
			return false
		}
		return globMatch(pattern[1:], name[1:])
	}
}

// channel holds one channel's subscriber list plus the reference
// counting its life-cycle rule needs: created on first subscription,
// destroyed when the subscriber list becomes empty and the reference
// count reaches zero.
type channel struct {
	mu          sync.Mutex
	subscribers []*Subscription
	refcount    int
	glob        matcher // nil for exact/filtered channels
	onEmpty     func()
}

func (c *channel) addSubscriber(s *Subscription) {
	c.mu.Lock()
	s.channel = c
	c.subscribers = append(c.subscribers, s)
	c.mu.Unlock()
}

func (c *channel) removeSubscriber(s *Subscription) {
	c.mu.Lock()
	for i, sub := range c.subscribers {
		if sub == s {
			c.subscribers = append(c.subscribers[:i], c.subscribers[i+1:]...)
			break
		}
	}
	empty := len(c.subscribers) == 0 && c.refcount == 0
	onEmpty := c.onEmpty
	c.mu.Unlock()
	if empty && onEmpty != nil {
		onEmpty()
	}
}

func (c *channel) snapshot() []*Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Subscription(nil), c.subscribers...)
}

// registry backs the exact and pattern channel collections, both keyed
// by byte-string (pattern channels also carry a compiled matcher); the
// filtered collection is a sync.Map on Hub instead. Each registry owns
// a single mutex over its own map rather than sharing a global lock.
type registry struct {
	mu    sync.Mutex
	exact map[string]*channel
}

func newRegistry() *registry {
	return &registry{exact: make(map[string]*channel)}
}

func (r *registry) getOrCreate(key string, glob matcher) *channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.exact[key]; ok {
		return ch
	}
	ch := &channel{glob: glob}
	ch.onEmpty = func() {
		r.mu.Lock()
		if cur, ok := r.exact[key]; ok && len(cur.subscribers) == 0 && cur.refcount == 0 {
			delete(r.exact, key)
		}
		r.mu.Unlock()
	}
	r.exact[key] = ch
	return ch
}

func (r *registry) get(key string) (*channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.exact[key]
	return ch, ok
}

func (r *registry) snapshotAll() []*channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*channel, 0, len(r.exact))
	for _, ch := range r.exact {
		out = append(out, ch)
	}
	return out
}

// patternCache memoizes compiled glob matchers so a hot publish path
// doesn't recompile the same pattern string on every message, using
// the same bounded-LRU technique nabbar/golib's cache layer wraps
// around client libraries that don't cache compiled expressions
// themselves.
type patternCache struct {
	cache *lru.Cache[string, matcher]
}

func newPatternCache(size int) *patternCache {
	c, _ := lru.New[string, matcher](size)
	return &patternCache{cache: c}
}

func (p *patternCache) compile(pattern string) matcher {
	if m, ok := p.cache.Get(pattern); ok {
		return m
	}
	m := compileGlob([]byte(pattern))
	p.cache.Add(pattern, m)
	return m
}
