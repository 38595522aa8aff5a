// Package fio is an evented network reactor: an epoll/kqueue/poll
// event loop, a per-connection write-buffered connection table, task
// and timer queues, and a multi-process worker lifecycle, generalized
// from xtaci/gaio's proactor-style watcher into a callback-driven
// reactor. TLS, HTTP/WebSocket parsing, and CLI argument handling are
// deliberately left to callers: fio owns the IO reactor core only.
package fio

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/fio-reactor/fio/config"
	"github.com/fio-reactor/fio/internal/poller"
	"github.com/fio-reactor/fio/internal/task"
	"github.com/fio-reactor/fio/internal/timer"
	"github.com/fio-reactor/fio/metrics"
	"github.com/fio-reactor/fio/pubsub"
)

// defaultMaxFDCap bounds the connection table even on hosts with a huge
// RLIMIT_NOFILE, capped at an implementation maximum.
const defaultMaxFDCap = 1 << 20

// Reactor is the top-level handle created at startup and passed
// explicitly by callers: every process-wide singleton lives on this
// struct rather than as file-scope global state.
type Reactor struct {
	cfg    config.Config
	log    zerolog.Logger
	mtr    *metrics.Collectors

	table   *table
	queue   *task.Queue
	timers  *timer.Wheel
	pfd     poller.Poller
	callbacks *callbackRegistry
	hub       *pubsub.Hub
	clusterMaster *pubsub.Master
	clusterWorker *pubsub.WorkerClient

	active    atomic.Bool
	idle      atomic.Bool
	stopReq   atomic.Bool
	lastTick  atomic.Int64

	workerID    int  // 0 in the root/single-process case
	workerCount int
	isWorker    bool
	parentPID   int

	cycleWG sync.WaitGroup
	done    chan struct{}
	once    sync.Once
}

// New constructs a Reactor with the given configuration. It raises
// RLIMIT_NOFILE, sizes the connection table to the resulting
// soft limit (capped at defaultMaxFDCap), and opens the platform
// poller. A failure in either step is returned to the caller as an
// error; New does not abort the process.
func New(cfg config.Config) (*Reactor, error) {
	capacity, err := raiseAndSizeRLimit()
	if err != nil {
		return nil, err
	}

	pfd, err := poller.Open()
	if err != nil {
		return nil, err
	}

	r := &Reactor{
		cfg:       cfg,
		log:       newLogger(cfg.PrintLevel),
		mtr:       metrics.New("fio"),
		table:     newTable(capacity),
		queue:     task.New(),
		timers:    timer.New(),
		pfd:       pfd,
		callbacks: newCallbackRegistry(),
		done:      make(chan struct{}),
	}
	r.parentPID = os.Getppid()
	r.hub = pubsub.New(func(fn func()) {
		r.queue.Enqueue(task.Normal, func(arg1, arg2 any) { fn() }, nil, nil)
	}, r.log)
	r.callbacks.Force(OnInitialize)
	return r, nil
}

// PubSub returns the reactor's process-local/cluster channel fabric
//.
func (r *Reactor) PubSub() *pubsub.Hub { return r.hub }

// setupCluster wires the root process as a Master (or, running as a
// prefork worker, dials out with a WorkerClient) so Hub.Publish's
// Siblings/Cluster/Root modes reach every process. Errors
// are logged rather than fatal: the reactor still functions with
// process-local pub/sub only if the cluster socket can't be created.
func (r *Reactor) setupCluster(isRootOfMultiProcess bool) {
	if r.workerCount <= 1 {
		return
	}
	path := pubsub.ClusterSocketPath(r.cfg.TmpDir)
	if isRootOfMultiProcess {
		m, err := pubsub.NewMaster(r.hub, path, r.log)
		if err != nil {
			r.log.Error().Err(err).Msg("failed to bind cluster socket")
			return
		}
		r.clusterMaster = m
		go m.Serve()
		os.Setenv(clusterPathEnv, path)
		return
	}
	socketPath := os.Getenv(clusterPathEnv)
	if socketPath == "" {
		return
	}
	wc := pubsub.NewWorkerClient(r.hub, socketPath, r.log)
	r.clusterWorker = wc
	go wc.Connect(500*time.Millisecond, r.done)
}

// clusterPathEnv threads the master's cluster socket path to re-exec'd
// workers, which have no other way to discover a path containing a
// random UUID generated after they were spawned.
const clusterPathEnv = "FIO_CLUSTER_SOCKET"

func newLogger(level int) zerolog.Logger {
	zl := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	switch {
	case level <= 0:
		zl = zl.Level(zerolog.Disabled)
	case level == 1:
		zl = zl.Level(zerolog.ErrorLevel)
	case level == 2:
		zl = zl.Level(zerolog.WarnLevel)
	case level == 3:
		zl = zl.Level(zerolog.InfoLevel)
	case level == 4:
		zl = zl.Level(zerolog.DebugLevel)
	default:
		zl = zl.Level(zerolog.TraceLevel)
	}
	return zl
}

// Logger returns the reactor's structured logger.
func (r *Reactor) Logger() zerolog.Logger { return r.log }

// Metrics returns the reactor's Prometheus collectors.
func (r *Reactor) Metrics() *metrics.Collectors { return r.mtr }

// StateCallbackAdd registers fn to run when hook fires.
func (r *Reactor) StateCallbackAdd(hook Hook, fn func()) {
	r.callbacks.Add(hook, fn, nil)
}

// StateCallbackRemove drops fn's registration for hook, comparing by
// the same func value passed to StateCallbackAdd.
func (r *Reactor) StateCallbackRemove(hook Hook, fn func()) {
	r.callbacks.Remove(hook, fn)
}

// StateCallbackClear drops every registration for hook.
func (r *Reactor) StateCallbackClear(hook Hook) {
	r.callbacks.Clear(hook)
}

// StateCallbackForce fires every callback registered for hook
// immediately, bypassing the reactor's own lifecycle.
func (r *Reactor) StateCallbackForce(hook Hook) {
	r.callbacks.Force(hook)
}

// IsRunning reports whether the reactor's active flag is set.
func (r *Reactor) IsRunning() bool { return r.active.Load() }

// IsWorker reports whether this process is a forked worker (always
// true in single-worker mode, where the root acts as the sole worker).
func (r *Reactor) IsWorker() bool { return r.isWorker }

// IsMaster reports whether this process is the root/master.
func (r *Reactor) IsMaster() bool { return !r.isWorker || r.workerCount <= 1 }

// ParentPID returns the OS parent process id captured at New.
func (r *Reactor) ParentPID() int { return r.parentPID }

// LastTick returns the monotonic-sampled "now" from the most recently
// completed reactor cycle (fio_last_tick).
func (r *Reactor) LastTick() time.Time {
	return time.Unix(0, r.lastTick.Load())
}

// Defer schedules fn to run on the normal task queue.
func (r *Reactor) Defer(fn func(arg1, arg2 any), arg1, arg2 any) {
	r.queue.Enqueue(task.Normal, fn, arg1, arg2)
}

// RunEvery schedules fn to run every interval, repetitions times
// (repetitions<0 runs forever until cancelled), enqueuing onFinish (if
// non-nil) once done (run_every / §8 S2).
func (r *Reactor) RunEvery(interval time.Duration, repetitions int, fn func(arg any), arg any, onFinish func(arg any)) {
	r.timers.Schedule(r.LastTick(), interval, interval, repetitions, fn, arg, onFinish)
}

// resolveCounts implements CPU-relative argument
// resolution: 0,0 defaults to a cores x cores matrix (capped); a
// negative n means cores/|n|; a negative count on either argument
// alone leaves one core free for the kernel when cores > 3.
func resolveCounts(threads, workers int) (int, int) {
	cores := runtime.NumCPU()

	resolve := func(n int) int {
		switch {
		case n > 0:
			return n
		case n < 0:
			if d := cores / -n; d > 0 {
				return d
			}
			return 1
		default:
			return 0
		}
	}

	t, w := resolve(threads), resolve(workers)
	if t == 0 && w == 0 {
		t, w = cores, cores
		const cap = 64
		if t > cap {
			t = cap
		}
		if w > cap {
			w = cap
		}
	} else {
		if t == 0 {
			t = 1
		}
		if w == 0 {
			w = 1
		}
	}

	if cores > 3 {
		if threads < 0 && t == cores {
			t = cores - 1
		}
		if workers < 0 && w == cores {
			w = cores - 1
		}
	}
	return t, w
}

// Start brings the reactor up: resolves thread/worker counts, installs
// signal handlers, fires PRE_START, forks worker processes, and in
// single-worker mode runs the cycle loop in the calling goroutine tree
// directly. It blocks until Stop completes shutdown.
func (r *Reactor) Start(ctx context.Context, threads, workers int) error {
	if r.active.Load() {
		return ErrReactorNotRunning
	}
	nThreads, nWorkers := resolveCounts(threads, workers)
	r.workerCount = nWorkers

	installSignalHandlers(r)

	r.active.Store(true)
	r.callbacks.Force(PreStart)

	if nWorkers > 1 {
		return r.startMultiProcess(ctx, nThreads, nWorkers)
	}
	r.isWorker = true
	return r.runWorker(ctx, nThreads)
}

// runWorker drives one worker process's full lifecycle: AFTER_FORK/
// IN_CHILD or IN_MASTER, ON_START, the cycle loop until stop, then the
// unwind phase.
func (r *Reactor) runWorker(ctx context.Context, nThreads int) error {
	if r.isWorker && r.workerCount > 1 {
		r.callbacks.Force(InChild)
	} else {
		r.callbacks.Force(InMaster)
	}
	r.callbacks.Force(OnStart)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < nThreads; i++ {
		g.Go(func() error {
			r.queue.Run()
			return nil
		})
	}

	r.cycleWG.Add(1)
	go func() {
		defer r.cycleWG.Done()
		r.cycleLoop(gctx)
	}()

	r.cycleWG.Wait()
	r.queue.Stop()
	return g.Wait()
}

// cycleLoop is the per-cycle task described in re-posted
// until the reactor is asked to stop, at which point it transitions
// into the unwind phase before returning.
func (r *Reactor) cycleLoop(ctx context.Context) {
	for r.active.Load() && !r.stopReq.Load() {
		select {
		case <-ctx.Done():
			r.stopReq.Store(true)
		default:
		}
		r.cycleOnce()
	}
	r.unwind()
}

func (r *Reactor) cycleOnce() {
	now := time.Now()
	r.lastTick.Store(now.UnixNano())

	fired := r.timers.Due(now)
	for _, f := range fired {
		ff, aa := f.Func(), f.Arg()
		r.queue.Enqueue(task.Normal, func(arg1, arg2 any) { ff(arg1) }, aa, nil)
	}
	r.mtr.TimersScheduled.Set(float64(r.timers.Len()))
	r.mtr.QueueDepthUrgent.Set(float64(r.queue.UrgentDepth()))
	r.mtr.QueueDepthNormal.Set(float64(r.queue.NormalDepth()))

	r.table.shrinkWatermark()

	timeoutMs := 1000
	if due, ok := r.timers.NextDue(); ok {
		if d := time.Until(due); d > 0 && d < time.Second {
			timeoutMs = int(d.Milliseconds())
		} else if d <= 0 {
			timeoutMs = 0
		}
	}

	start := time.Now()
	events, err := r.pfd.Poll(timeoutMs, nil)
	r.mtr.PollWaitSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		r.log.Error().Err(err).Msg("poller wait failed")
	}

	if len(events) == 0 {
		if !r.idle.Swap(true) {
			r.callbacks.Force(OnIdle)
		}
	} else {
		r.idle.Store(false)
		r.dispatchEvents(events)
	}

	if r.cfg.ReviewTimeouts {
		r.reviewTimeouts(now)
	}

	r.mtr.OpenConnections.Set(float64(r.table.openCount()))
}

// dispatchEvents implements readiness dispatch: writable ->
// urgent write-flush task; readable -> normal on-data task gated by the
// scheduled-flag; error/hangup -> force-close.
func (r *Reactor) dispatchEvents(events []poller.Event) {
	for _, ev := range events {
		c, ok := r.table.get(ev.FD)
		if !ok || !c.open.Load() {
			continue
		}
		h := makeHandle(ev.FD, uint8(c.generation.Load())&genMask)

		if ev.Error {
			r.forceClose(h, c)
			continue
		}
		if ev.Writable {
			r.queue.Enqueue(task.Urgent, func(arg1, arg2 any) {
				r.flush(h)
			}, nil, nil)
		}
		if ev.Readable {
			if c.dataScheduled.CompareAndSwap(false, true) {
				r.queue.Enqueue(task.Normal, func(arg1, arg2 any) {
					r.runOnData(h)
				}, nil, nil)
			}
		}
	}
}

func (r *Reactor) runOnData(h Handle) {
	defer func() {
		if c, ok := r.table.lookup(h); ok {
			c.dataScheduled.Store(false)
		}
	}()
	c, ok := r.table.lookup(h)
	if !ok || !c.open.Load() {
		return
	}
	proto := c.protocol
	if proto == nil {
		return
	}
	proto.OnData(h)
}

// reviewTimeouts walks the table, scheduling a Ping task for every
// connection whose last activity plus its configured (or default)
// timeout has elapsed. cycleOnce calls it on every reactor cycle while
// Config.ReviewTimeouts is set; the walk is not limited to once per
// second.
func (r *Reactor) reviewTimeouts(now time.Time) {
	r.table.forEachOpen(func(h Handle, c *conn) {
		if c.eternal.Load() {
			return
		}
		timeoutSec := c.timeoutSec.Load()
		if timeoutSec == 0 {
			timeoutSec = int32(r.cfg.DefaultTimeout.Seconds())
		}
		if timeoutSec == 0 {
			return
		}
		last := time.Unix(0, c.lastActivity.Load())
		if now.Sub(last) < time.Duration(timeoutSec)*time.Second {
			return
		}
		r.queue.Enqueue(task.Normal, func(arg1, arg2 any) {
			r.pingTimeout(h)
		}, nil, nil)
	})
}

func (r *Reactor) pingTimeout(h Handle) {
	c, ok := r.table.lookup(h)
	if !ok || !c.open.Load() || c.protocol == nil {
		return
	}
	switch c.protocol.Ping(h) {
	case eternalPing:
		c.eternal.Store(true)
	default:
	}
}

// unwind is the per-worker shutdown phase: fire
// ON_SHUTDOWN, schedule on_shutdown for every live protocol, cycle
// until the connection count reaches zero (respecting each protocol's
// requested grace period), force-close stragglers, clear timers, and
// fire ON_FINISH.
func (r *Reactor) unwind() {
	r.callbacks.Force(OnShutdownHook)

	deadline := make(map[Handle]time.Time)
	r.table.forEachOpen(func(h Handle, c *conn) {
		if c.protocol == nil {
			r.forceClose(h, c)
			return
		}
		grace := c.protocol.OnShutdown(h)
		if grace <= 0 {
			r.forceClose(h, c)
			return
		}
		deadline[h] = time.Now().Add(time.Duration(grace) * time.Second)
	})

	for r.table.openCount() > 0 {
		r.queue.PerformAll()
		now := time.Now()
		r.table.forEachOpen(func(h Handle, c *conn) {
			if dl, ok := deadline[h]; ok && now.After(dl) {
				r.forceClose(h, c)
			}
		})
		if r.table.openCount() > 0 {
			time.Sleep(10 * time.Millisecond)
		}
	}

	r.table.forEachOpen(func(h Handle, c *conn) { r.forceClose(h, c) })

	r.callbacks.Force(OnFinish)
	resetSignalHandlers()
	r.active.Store(false)
	r.callbacks.Force(AtExit)
}

// Stop requests graceful shutdown: clears the active flag's intent
// (the cycle loop observes stopReq and transitions to unwind on its
// next iteration) and waits for the worker's cycle goroutine to finish
// tearing down.
func (r *Reactor) Stop() {
	r.stopReq.Store(true)
	r.once.Do(func() { close(r.done) })
	r.cycleWG.Wait()
}
