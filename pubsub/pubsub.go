package pubsub

import (
	"sync"

	"github.com/rs/zerolog"
)

// Mode selects which processes a Publish call targets.
type Mode int

const (
	// Cluster delivers to every process, including the publisher.
	Cluster Mode = iota
	// Siblings delivers to every other process, excluding the publisher.
	Siblings
	// Process delivers to the publishing process only.
	Process
	// Root delivers to the master process only.
	Root
)

// Dispatcher hands a subscription task to the host reactor's task
// queue; pubsub has no opinion about priorities or worker pools of its
// own, and imports nothing from the reactor package that embeds it.
type Dispatcher func(fn func())

// Hub is one process's pub/sub fabric: the three channel collections
// plus an optional Transport wiring it into a multi-process cluster.
type Hub struct {
	filtered sync.Map // int32 -> *channel
	exact    *registry
	pattern  *registry
	patterns *patternCache

	dispatch Dispatcher
	transport Transport
	log       zerolog.Logger

	metadataFns   []MetadataFunc
	metadataFnsMu sync.Mutex
}

// MetadataFunc runs once per published message, within the publishing
// process only, attaching typed auxiliary data via Message.SetMetadata.
type MetadataFunc func(m *Message)

// Transport is the cluster-forwarding contract a Hub calls into for
// any Mode other than Process; the concrete implementation lives in
// cluster.go and is nil in single-process mode.
type Transport interface {
	Forward(m *Message, mode Mode) error
	NotifySubscribe(channel string, pattern bool)
	NotifyUnsubscribe(channel string, pattern bool)
}

// New constructs an empty Hub. dispatch is called once per delivered
// message per subscription; pass nil to run callbacks inline (useful
// in tests), though production use should hand it the reactor's
// Defer-onto-normal-queue method to honor "per-subscription
// task... enqueued onto the normal task queue."
func New(dispatch Dispatcher, log zerolog.Logger) *Hub {
	if dispatch == nil {
		dispatch = func(fn func()) { fn() }
	}
	return &Hub{
		exact:    newRegistry(),
		pattern:  newRegistry(),
		patterns: newPatternCache(256),
		dispatch: dispatch,
		log:      log,
	}
}

// SetTransport installs the cluster transport, enabling any Mode other
// than Process to actually cross a process boundary.
func (h *Hub) SetTransport(t Transport) { h.transport = t }

// AddMetadataFunc registers a publish-time metadata callback.
func (h *Hub) AddMetadataFunc(fn MetadataFunc) {
	h.metadataFnsMu.Lock()
	h.metadataFns = append(h.metadataFns, fn)
	h.metadataFnsMu.Unlock()
}

// Subscribe registers a filtered (filter != 0), exact, or pattern
// subscription depending on which of filter/pattern is set: exactly one
// of channel or pattern should be meaningful per three
// collections, and filter takes priority when non-zero.
func (h *Hub) Subscribe(filter int32, channelName string, isPattern bool, onMessage func(*Message), onUnsub func()) *Subscription {
	sub := &Subscription{OnMessage: onMessage, OnUnsub: onUnsub}

	switch {
	case filter != 0:
		v, _ := h.filtered.LoadOrStore(filter, &channel{})
		ch := v.(*channel)
		ch.addSubscriber(sub)
		return sub
	case isPattern:
		ch := h.pattern.getOrCreate(channelName, h.patterns.compile(channelName))
		ch.addSubscriber(sub)
		if h.transport != nil {
			h.transport.NotifySubscribe(channelName, true)
		}
		return sub
	default:
		ch := h.exact.getOrCreate(channelName, nil)
		ch.addSubscriber(sub)
		if h.transport != nil {
			h.transport.NotifySubscribe(channelName, false)
		}
		return sub
	}
}

// Unsubscribe is a convenience wrapper around Subscription.Cancel kept
// for symmetry with the C API's explicit unsubscribe(subscription_t*).
func (h *Hub) Unsubscribe(sub *Subscription) {
	sub.Cancel()
}

// Publish delivers m according to mode. Filtered messages (Filter !=
// 0) are always process-local regardless of mode: delivered only to
// exact-filter matches within the calling process, never cross-process.
// Metadata callbacks run once here, before any delivery, local or
// remote.
func (h *Hub) Publish(m *Message, mode Mode) {
	h.runMetadataFns(m)

	if m.Filter != 0 {
		h.deliverLocal(m)
		return
	}

	switch mode {
	case Process:
		h.deliverLocal(m)
	case Root:
		if h.transport != nil {
			h.transport.Forward(m, Root)
		}
	case Siblings:
		if h.transport != nil {
			h.transport.Forward(m, Siblings)
		}
	default: // Cluster
		h.deliverLocal(m)
		if h.transport != nil {
			h.transport.Forward(m, Siblings)
		}
	}
}

func (h *Hub) runMetadataFns(m *Message) {
	h.metadataFnsMu.Lock()
	fns := append([]MetadataFunc(nil), h.metadataFns...)
	h.metadataFnsMu.Unlock()
	for _, fn := range fns {
		fn(m)
	}
}

// deliverLocal is also the entry point cluster.go calls for an inbound
// forwarded message, so a message arriving from another process fans
// out through exactly the same matching logic as one published in this
// process.
func (h *Hub) deliverLocal(m *Message) {
	if m.Filter != 0 {
		if v, ok := h.filtered.Load(m.Filter); ok {
			h.fanOut(v.(*channel).snapshot(), m)
		}
		return
	}

	if ch, ok := h.exact.get(string(m.Channel)); ok {
		h.fanOut(ch.snapshot(), m)
	}
	for _, ch := range h.pattern.snapshotAll() {
		if ch.glob != nil && ch.glob(m.Channel) {
			h.fanOut(ch.snapshot(), m)
		}
	}
}

func (h *Hub) fanOut(subs []*Subscription, m *Message) {
	for _, sub := range subs {
		sub := sub
		h.dispatch(func() { sub.deliver(m) })
	}
}

// MessageDefer re-queues m to sub's dispatch task again, for a
// subscriber that wants to postpone handling without losing the
// message (e.g. waiting on backpressure).
func (h *Hub) MessageDefer(sub *Subscription, m *Message) {
	h.dispatch(func() { sub.deliver(m) })
}
