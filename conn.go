package fio

import (
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/fio-reactor/fio/internal/conc"
)

// linkEntry is a uuid-linked object: a (pointer, destructor) pair
// invoked exactly once when the owning connection closes.
type linkEntry struct {
	obj     any
	destroy func()
}

// conn is one Connection Record: per-fd state protected by
// its own socket and protocol spinlocks, with no global lock except the
// table's max-fd watermark.
type conn struct {
	fd int

	generation atomic.Uint32 // only the low 8 bits are ever meaningful

	open        atomic.Bool
	closing     atomic.Bool // close requested, graceful drain in progress
	closeFlight atomic.Bool // force-close teardown actually running

	socketLock   conc.Spinlock
	protocolLock conc.Spinlock

	protocol Protocol
	hook     RWHook
	hookData any

	packets      *conc.List[packet]
	packetCount  int
	writeInFlightOnce atomic.Bool // true while a write-ready task is outstanding

	dataScheduled atomic.Bool

	lastActivity atomic.Int64 // unix nanos
	timeoutSec   atomic.Int32 // 0 falls back to the reactor's configured default
	eternal      atomic.Bool

	peerAddr []byte

	// slowloris guard bookkeeping: lastHeadPacket/bytesAtLastHead record
	// the head packet and its remaining byte count as of the previous
	// flush observation, so the next flush can tell whether that same
	// packet actually made progress in the meantime.
	lastHeadPacket  *packet
	bytesAtLastHead int64
	attacked        bool

	linksMu sync.Mutex
	links   []*linkEntry

	r *Reactor
}

func newConn() *conn {
	c := &conn{}
	c.packets = conc.NewList[packet](packetNode)
	return c
}

func (c *conn) resetForOpen(fd int) Handle {
	gen := uint8(c.generation.Load()+1) & genMask
	c.generation.Store(uint32(gen))
	c.fd = fd
	c.open.Store(true)
	c.closing.Store(false)
	c.closeFlight.Store(false)
	c.protocol = nil
	c.hook = defaultRWHook
	c.hookData = nil
	c.packets = conc.NewList[packet](packetNode)
	c.packetCount = 0
	c.dataScheduled.Store(false)
	c.writeInFlightOnce.Store(false)
	c.lastActivity.Store(time.Now().UnixNano())
	c.timeoutSec.Store(0)
	c.eternal.Store(false)
	c.peerAddr = nil
	c.lastHeadPacket = nil
	c.bytesAtLastHead = 0
	c.attacked = false
	c.links = nil
	return makeHandle(fd, gen)
}

func (c *conn) valid(h Handle) bool {
	return c.open.Load() && uint8(c.generation.Load())&genMask == h.Generation()
}

func (c *conn) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// link registers a destructor invoked exactly once on close.
// The returned token can be passed to unlink to cancel registration
// before close.
func (c *conn) link(obj any, destroy func()) *linkEntry {
	e := &linkEntry{obj: obj, destroy: destroy}
	c.linksMu.Lock()
	c.links = append(c.links, e)
	c.linksMu.Unlock()
	return e
}

func (c *conn) unlink(e *linkEntry) {
	c.linksMu.Lock()
	for i, l := range c.links {
		if l == e {
			c.links = append(c.links[:i], c.links[i+1:]...)
			break
		}
	}
	c.linksMu.Unlock()
}

func (c *conn) runLinkDestructors() {
	c.linksMu.Lock()
	links := c.links
	c.links = nil
	c.linksMu.Unlock()
	for _, e := range links {
		e.destroy()
	}
}

// table is the connection table (/§4.E): one conn per possible
// descriptor, sized once at startup.
type table struct {
	entries []*conn
	maxFD   atomic.Int64 // watermark; shrunk each cycle
}

func newTable(capacity int) *table {
	t := &table{entries: make([]*conn, capacity)}
	for i := range t.entries {
		t.entries[i] = newConn()
	}
	return t
}

func (t *table) capacity() int { return len(t.entries) }

func (t *table) get(fd int) (*conn, bool) {
	if fd < 0 || fd >= len(t.entries) {
		return nil, false
	}
	return t.entries[fd], true
}

// lookup validates a handle against the table, returning the live *conn
// only if fd is in range and the generation matches.
func (t *table) lookup(h Handle) (*conn, bool) {
	c, ok := t.get(h.FD())
	if !ok || !c.valid(h) {
		return nil, false
	}
	return c, true
}

func (t *table) noteOpen(fd int) {
	if fd64 := int64(fd); fd64 > t.maxFD.Load() {
		t.maxFD.Store(fd64)
	}
}

// shrinkWatermark recomputes the highest open fd; called once per
// reactor cycle ("shrink the max-fd watermark").
func (t *table) shrinkWatermark() {
	hi := int64(-1)
	for fd := len(t.entries) - 1; fd >= 0; fd-- {
		if t.entries[fd].open.Load() {
			hi = int64(fd)
			break
		}
	}
	t.maxFD.Store(hi)
}

// forEachOpen calls fn for every currently open connection. fn must not
// mutate the table's slice (only per-conn fields, which is safe since
// each conn guards its own mutable state).
func (t *table) forEachOpen(fn func(h Handle, c *conn)) {
	hi := t.maxFD.Load()
	for fd := 0; fd <= int(hi) && fd < len(t.entries); fd++ {
		c := t.entries[fd]
		if c.open.Load() {
			fn(makeHandle(fd, uint8(c.generation.Load())&genMask), c)
		}
	}
}

func (t *table) openCount() int {
	n := 0
	t.forEachOpen(func(Handle, *conn) { n++ })
	return n
}
