package pubsub

import (
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// ClusterSocketPath builds the master's well-known Unix-socket path in
// tmpDir, derived from its pid. A random UUID suffix (rather than the
// bare pid) avoids a stale-socket collision when a prior master
// crashed without unlinking its socket and the OS has since recycled
// its pid.
func ClusterSocketPath(tmpDir string) string {
	return filepath.Join(tmpDir, fmt.Sprintf("fio-%d-%s.sock", os.Getpid(), uuid.NewString()))
}

// Master listens on the cluster Unix socket and fans published
// messages out to every connected worker except the sender. It is
// itself a Hub's Transport when running in the root process of a
// multi-worker reactor.
type Master struct {
	hub  *Hub
	log  zerolog.Logger
	path string

	ln net.Listener

	mu      sync.Mutex
	workers map[net.Conn]*workerSubs
}

type workerSubs struct {
	exact   map[string]bool
	pattern map[string]bool
}

// interested reports whether this worker has an exact or pattern
// subscription matching channel.
func (ws *workerSubs) interested(channel string) bool {
	if ws.exact[channel] {
		return true
	}
	for pattern := range ws.pattern {
		if globMatch([]byte(pattern), []byte(channel)) {
			return true
		}
	}
	return false
}

// NewMaster creates and binds the cluster listener at path.
func NewMaster(hub *Hub, path string, log zerolog.Logger) (*Master, error) {
	os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	m := &Master{hub: hub, log: log, path: path, ln: ln, workers: make(map[net.Conn]*workerSubs)}
	hub.SetTransport(m)
	return m, nil
}

// Serve accepts worker connections until the listener is closed.
func (m *Master) Serve() {
	for {
		conn, err := m.ln.Accept()
		if err != nil {
			return
		}
		m.mu.Lock()
		m.workers[conn] = &workerSubs{exact: map[string]bool{}, pattern: map[string]bool{}}
		m.mu.Unlock()
		go m.readLoop(conn)
	}
}

// Shutdown broadcasts a shutdown frame to every connected worker; the
// root process uses this to tell its workers to drain and exit before
// it tears down the cluster socket.
func (m *Master) Shutdown() {
	m.broadcast(nil, &Message{Type: FrameShutdown})
}

// Close unlinks the cluster socket and stops accepting connections.
func (m *Master) Close() error {
	err := m.ln.Close()
	os.Remove(m.path)
	return err
}

func (m *Master) readLoop(conn net.Conn) {
	defer func() {
		m.mu.Lock()
		delete(m.workers, conn)
		m.mu.Unlock()
		conn.Close()
	}()

	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 4096)
	for {
		n, err := conn.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		for {
			msg, consumed, derr := Decode(buf)
			if derr != nil {
				break
			}
			buf = buf[consumed:]
			m.handleFrame(conn, msg)
		}
		if err != nil {
			return
		}
	}
}

func (m *Master) handleFrame(from net.Conn, msg *Message) {
	m.mu.Lock()
	ws := m.workers[from]
	m.mu.Unlock()
	if ws == nil {
		return
	}

	switch msg.Type {
	case FrameSubscribe:
		ws.exact[string(msg.Channel)] = true
	case FrameUnsubscribe:
		delete(ws.exact, string(msg.Channel))
	case FramePatternSubscribe:
		ws.pattern[string(msg.Channel)] = true
	case FramePatternUnsubscribe:
		delete(ws.pattern, string(msg.Channel))
	case FrameForward, FrameForwardJSON:
		m.broadcast(from, msg)
	case FrameRootOnly, FrameRootOnlyJSON:
		m.hub.deliverLocal(msg)
	case FramePing:
		// no-op keepalive
	}
}

// broadcast fans msg out to every connected worker except from.
// Control frames (shutdown) always reach every worker; a forwarded
// publish is additionally filtered by each worker's tracked
// subscriptions, so a worker with no matching exact or pattern
// subscription is never woken for a message it would just drop.
// Delivery is at-most-once; a write failure on one worker's socket
// does not block the others.
func (m *Master) broadcast(from net.Conn, msg *Message) {
	frame := Encode(msg)
	filterBySubscription := msg.Type == FrameForward || msg.Type == FrameForwardJSON
	channel := string(msg.Channel)

	m.mu.Lock()
	conns := make([]net.Conn, 0, len(m.workers))
	for c, ws := range m.workers {
		if c == from {
			continue
		}
		if filterBySubscription && !ws.interested(channel) {
			continue
		}
		conns = append(conns, c)
	}
	m.mu.Unlock()
	for _, c := range conns {
		c.Write(frame)
	}
}

// Forward implements Transport for the Master itself: a message
// published directly in the root process (which has no socket to
// itself) goes straight to broadcast, except a Root publish, which is
// delivered to the root's own Hub only.
func (m *Master) Forward(msg *Message, mode Mode) error {
	if mode == Root {
		m.hub.deliverLocal(msg)
		return nil
	}
	m.broadcast(nil, msg)
	return nil
}

func (m *Master) NotifySubscribe(channel string, pattern bool)   {}
func (m *Master) NotifyUnsubscribe(channel string, pattern bool) {}

// WorkerClient is a worker process's Transport: it dials the master's
// Unix socket, forwards local subscriptions and published messages,
// and feeds inbound broadcasts back into its own Hub. Hub.Unsubscribe
// does not call NotifyUnsubscribe, so the master keeps a worker's
// channel interest after that worker unsubscribes. Redials through a
// circuit breaker so a crashed-and-respawning master doesn't get
// hammered by every worker's connect retries simultaneously.
type WorkerClient struct {
	hub  *Hub
	path string
	log  zerolog.Logger

	breaker *gobreaker.CircuitBreaker[any]

	mu   sync.Mutex
	conn net.Conn
}

// NewWorkerClient creates a client bound to hub, not yet connected.
func NewWorkerClient(hub *Hub, path string, log zerolog.Logger) *WorkerClient {
	wc := &WorkerClient{hub: hub, path: path, log: log}
	wc.breaker = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "fio-cluster-dial",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     2 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	hub.SetTransport(wc)
	return wc
}

// Connect dials the master and starts the read loop, retrying with the
// circuit breaker's backoff until stop closes.
func (w *WorkerClient) Connect(retry time.Duration, stop <-chan struct{}) error {
	for {
		_, err := w.breaker.Execute(func() (any, error) {
			c, derr := net.Dial("unix", w.path)
			if derr != nil {
				return nil, derr
			}
			w.mu.Lock()
			w.conn = c
			w.mu.Unlock()
			go w.readLoop(c)
			return nil, nil
		})
		if err == nil {
			return nil
		}
		select {
		case <-stop:
			return err
		case <-time.After(retry):
		}
	}
}

func (w *WorkerClient) readLoop(conn net.Conn) {
	defer func() {
		w.mu.Lock()
		if w.conn == conn {
			w.conn = nil
		}
		w.mu.Unlock()
		conn.Close()
	}()

	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 4096)
	for {
		n, err := conn.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		for {
			msg, consumed, derr := Decode(buf)
			if derr != nil {
				break
			}
			buf = buf[consumed:]
			if msg.Type == FrameShutdown {
				return
			}
			w.hub.deliverLocal(msg)
		}
		if err != nil {
			if err != io.EOF {
				w.log.Warn().Err(err).Msg("cluster connection read failed")
			}
			return
		}
	}
}

func (w *WorkerClient) send(frame []byte) error {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return net.ErrClosed
	}
	_, err := conn.Write(frame)
	return err
}

// Forward implements Transport: every non-Process publish from a
// worker is sent to the master, which re-broadcasts per Mode.
func (w *WorkerClient) Forward(msg *Message, mode Mode) error {
	switch mode {
	case Root:
		msg.Type = FrameRootOnly
	default:
		msg.Type = FrameForward
	}
	return w.send(Encode(msg))
}

func (w *WorkerClient) NotifySubscribe(channel string, pattern bool) {
	typ := FrameSubscribe
	if pattern {
		typ = FramePatternSubscribe
	}
	w.send(Encode(&Message{Channel: []byte(channel), Type: typ}))
}

func (w *WorkerClient) NotifyUnsubscribe(channel string, pattern bool) {
	typ := FrameUnsubscribe
	if pattern {
		typ = FramePatternUnsubscribe
	}
	w.send(Encode(&Message{Channel: []byte(channel), Type: typ}))
}
