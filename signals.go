package fio

import (
	"os"
	"os/signal"
	"sync"

	"golang.org/x/sys/unix"
)

// signalState is package-level because os/signal itself is a process
// singleton; a second Reactor in the same process (tests spin up more
// than one) shares the same channel, which is harmless since each
// Reactor's Stop is idempotent.
var (
	sigMu   sync.Mutex
	sigCh   chan os.Signal
	sigDone chan struct{}
)

// installSignalHandlers wires SIGINT/SIGTERM to a single graceful Stop
// (a second delivery of either is a no-op rather than forcing an
// immediate exit, resolving open question about "the C
// source's default disposition, which terminates" in favor of the
// safer, idempotent behavior expected of a library embedded in a
// larger Go program), SIGPIPE ignored (broken-pipe writes are reported
// through the normal error path instead), and SIGCHLD/SIGUSR1 routed to
// the worker-lifecycle handlers (in every process, root or worker).
func installSignalHandlers(r *Reactor) {
	sigMu.Lock()
	defer sigMu.Unlock()

	sigCh = make(chan os.Signal, 8)
	sigDone = make(chan struct{})
	signal.Notify(sigCh, unix.SIGINT, unix.SIGTERM, unix.SIGPIPE, unix.SIGUSR1, unix.SIGCHLD)

	go func() {
		var stopOnce sync.Once
		for {
			select {
			case sig, ok := <-sigCh:
				if !ok {
					return
				}
				switch sig {
				case unix.SIGINT, unix.SIGTERM:
					stopOnce.Do(func() {
						r.log.Info().Str("signal", sig.String()).Msg("stop requested")
						r.stopReq.Store(true)
					})
				case unix.SIGPIPE:
					// ignored: broken-pipe writes surface as EPIPE instead
				case unix.SIGUSR1:
					r.callbacks.Force(OnParentCrush)
				case unix.SIGCHLD:
					reapWorkers(r)
				}
			case <-sigDone:
				return
			}
		}
	}()
}

// resetSignalHandlers restores default disposition and stops the
// goroutine started by installSignalHandlers, called once the reactor
// has finished its unwind phase.
func resetSignalHandlers() {
	sigMu.Lock()
	defer sigMu.Unlock()
	if sigCh == nil {
		return
	}
	signal.Stop(sigCh)
	close(sigDone)
	sigCh = nil
	sigDone = nil
}
