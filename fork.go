package fio

import (
	"context"
	"os"
	"os/exec"
	"sync"
	"time"
)

// workerRoleEnv signals a re-exec'd child that it should run as a
// worker rather than re-entering root startup. Raw fork() is unsafe in
// a multi-threaded Go process (the runtime's own goroutines/threads do
// not survive a fork without exec), so the prefork worker model is
// reimplemented here as re-exec of os.Args[0] with role signaled
// through the environment: forking must reinitialize every lock and
// re-create the poller inside the child, and re-exec gets both for
// free, since the child starts from main() with nothing inherited but
// the descriptors passed explicitly.
const workerRoleEnv = "FIO_WORKER_INDEX"

var workerProcs struct {
	mu      sync.Mutex
	cmds    []*exec.Cmd
	stopped bool
}

// startMultiProcess handles the nWorkers > 1 case: BEFORE_FORK
// fires once in the root, then nWorkers children are re-exec'd with
// FIO_WORKER_INDEX set; the root waits on all of them (respawning ones
// that exit unexpectedly, per Config.RespawnWorkers) and never itself
// runs a cycle loop.
func (r *Reactor) startMultiProcess(ctx context.Context, nThreads, nWorkers int) error {
	if idx, isChild := workerIndexFromEnv(); isChild {
		r.workerID = idx
		r.isWorker = true
		r.callbacks.Force(AfterFork)
		r.setupCluster(false)
		return r.runWorker(ctx, nThreads)
	}

	r.callbacks.Force(BeforeFork)
	r.setupCluster(true)

	for i := 0; i < nWorkers; i++ {
		if err := r.spawnWorker(i); err != nil {
			return err
		}
	}

	go r.superviseWorkers(ctx, nWorkers)

	<-ctx.Done()
	r.stopReq.Store(true)
	if r.clusterMaster != nil {
		r.clusterMaster.Shutdown()
	}
	workerProcs.mu.Lock()
	workerProcs.stopped = true
	cmds := append([]*exec.Cmd(nil), workerProcs.cmds...)
	workerProcs.mu.Unlock()
	for _, cmd := range cmds {
		if cmd.Process != nil {
			cmd.Process.Signal(os.Interrupt)
		}
	}
	return nil
}

func workerIndexFromEnv() (int, bool) {
	v, ok := os.LookupEnv(workerRoleEnv)
	if !ok {
		return 0, false
	}
	idx := 0
	for _, c := range v {
		if c < '0' || c > '9' {
			return 0, false
		}
		idx = idx*10 + int(c-'0')
	}
	return idx, true
}

func (r *Reactor) spawnWorker(index int) error {
	cmd := exec.Command(os.Args[0], os.Args[1:]...)
	cmd.Env = append(os.Environ(), workerRoleEnvAssignment(index))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin
	if err := cmd.Start(); err != nil {
		return err
	}
	workerProcs.mu.Lock()
	for len(workerProcs.cmds) <= index {
		workerProcs.cmds = append(workerProcs.cmds, nil)
	}
	workerProcs.cmds[index] = cmd
	workerProcs.mu.Unlock()
	r.log.Info().Int("worker", index).Int("pid", cmd.Process.Pid).Msg("worker started")
	return nil
}

func workerRoleEnvAssignment(index int) string {
	digits := []byte{}
	if index == 0 {
		digits = []byte{'0'}
	}
	for index > 0 {
		digits = append([]byte{byte('0' + index%10)}, digits...)
		index /= 10
	}
	return workerRoleEnv + "=" + string(digits)
}

// superviseWorkers waits on each child in its own goroutine, respawning
// it (when Config.RespawnWorkers is set) unless shutdown is underway,
// matching crash-recovery behavior.
func (r *Reactor) superviseWorkers(ctx context.Context, nWorkers int) {
	for i := 0; i < nWorkers; i++ {
		go r.watchWorker(ctx, i)
	}
}

func (r *Reactor) watchWorker(ctx context.Context, index int) {
	for {
		workerProcs.mu.Lock()
		var cmd *exec.Cmd
		if index < len(workerProcs.cmds) {
			cmd = workerProcs.cmds[index]
		}
		workerProcs.mu.Unlock()
		if cmd == nil {
			return
		}

		err := cmd.Wait()

		workerProcs.mu.Lock()
		stopped := workerProcs.stopped
		workerProcs.mu.Unlock()
		if stopped || !r.active.Load() {
			return
		}

		r.callbacks.Force(OnChildCrush)
		if err != nil {
			r.log.Warn().Int("worker", index).Err(err).Msg("worker exited unexpectedly")
		}
		if !r.cfg.RespawnWorkers {
			r.stopReq.Store(true)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(200 * time.Millisecond):
		}
		if err := r.spawnWorker(index); err != nil {
			r.log.Error().Int("worker", index).Err(err).Msg("failed to respawn worker")
			return
		}
	}
}

// reapWorkers collects any zombie children on SIGCHLD when running as
// root with workers spawned via os/exec; exec.Cmd.Wait (invoked from
// watchWorker's own goroutine per child) already reaps its own child,
// so this is a best-effort sweep for descendants started outside that
// bookkeeping (e.g. a protocol that shells out directly).
func reapWorkers(r *Reactor) {
	for {
		var ws int
		pid, err := waitNonBlocking(&ws)
		if pid <= 0 || err != nil {
			return
		}
	}
}
