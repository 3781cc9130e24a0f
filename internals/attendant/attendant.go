// Copyright (c) 2024 Canonical Ltd
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License version 3 as
// published by the Free Software Foundation.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package attendant is an in-process supervisor that launches, monitors
// and restarts a single long-lived server process on behalf of a host
// application that cannot be trusted to cooperate with classical process
// monitoring (it may mask SIGCHLD, reap children it didn't create, or be
// multi-threaded enough that forking directly would be hazardous).
//
// A ProcessAttendant forks a small relay helper, which scrubs inherited
// resources and execs the real server; it detects the server's exit via a
// canary pipe rather than waitpid, and it serializes concurrent restart
// requests from multiple host threads into at most one restart per server
// instance.
package attendant

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/tomb.v2"

	"github.com/canonical/attendant/internals/attendant/errcode"
	"github.com/canonical/attendant/internals/logger"
)

// Starter is invoked from the reaper worker's goroutine whenever the
// server has terminated and a restart decision is required. If it calls
// Start again, the attendant begins a new instance; otherwise the
// attendant latches terminal shutdown.
type Starter func(restart bool)

// Connector is invoked from the launcher worker's goroutine once per
// instance, with the parent ends of the server's standard input and
// output, so the host can bootstrap its own IPC channel over them.
type Connector func(stdin, stdout *os.File)

// Options configures a new ProcessAttendant.
type Options struct {
	// RelayPath is the absolute path to the relay helper executable.
	RelayPath string
	// CanaryFd is the numeric fd slot the relay must inherit the canary
	// pipe's child end into.
	CanaryFd int
	// Starter is invoked on unplanned server termination.
	Starter Starter
	// Connector is invoked once per instance after a successful launch.
	Connector Connector
	// StderrSink, if non-nil, receives each chunk of the server's
	// standard error as the reaper loop drains it. It must not block.
	StderrSink func([]byte)
}

// ProcessAttendant is a process-wide supervisor for a single server
// process. Create one with Initialize and release it with Destroy.
type ProcessAttendant struct {
	relayPath  string
	canaryFd   int
	starter    Starter
	connector  Connector
	stderrSink func([]byte)

	pipes *pipeRegistry

	mu           sync.Mutex
	condRunning  *sync.Cond
	condShutdown *sync.Cond

	running    bool
	restarting bool
	shutdown   bool
	waitable   bool
	instance   int64
	pid        int
	lastError  *errcode.Error

	// reaperTomb is the tomb of the most recently spawned reaper worker.
	// Every launcher joins it before forking (ensuring no reaper ever
	// runs concurrently with a fork), and Done joins it to wait for the
	// reaper's cleanup after the server has exited.
	reaperTomb *tomb.Tomb
}

// RetryTracker holds the per-caller "instance last seen healthy" state
// Retry needs to collapse concurrent restart requests. The spec models
// this as thread-local storage; Go has no portable equivalent for an
// in-process library embedded by an arbitrary (possibly non-Go) host, so
// callers instead create one RetryTracker per host thread and keep it in
// whatever thread-local slot their own runtime provides.
type RetryTracker struct {
	lastObservedInstance int64
}

// NewRetryTracker returns a tracker initialized the way the spec requires:
// as if instance 1 had already been observed healthy.
func NewRetryTracker() *RetryTracker {
	return &RetryTracker{lastObservedInstance: 1}
}

// Initialize creates a new ProcessAttendant. Both Starter and Connector
// must be supplied. Initialize is idempotent only in the sense that it may
// safely be called once; calling it again on an attendant that has
// already been used is undefined.
func Initialize(opts Options) (*ProcessAttendant, error) {
	if opts.Starter == nil {
		return nil, errcode.New(errcode.InitStarterRequired, 0)
	}
	if opts.Connector == nil {
		return nil, errcode.New(errcode.InitConnectorRequired, 0)
	}

	a := &ProcessAttendant{
		relayPath:  opts.RelayPath,
		canaryFd:   opts.CanaryFd,
		starter:    opts.Starter,
		connector:  opts.Connector,
		stderrSink: opts.StderrSink,
		waitable:   !sigchldIgnored(),
	}
	a.condRunning = sync.NewCond(&a.mu)
	a.condShutdown = sync.NewCond(&a.mu)

	pipes, err := newPipeRegistry()
	if err != nil {
		return nil, errcode.New(errcode.InitStdioPipe, 0)
	}
	a.pipes = pipes

	// Stand in as "the previous reaper" for the first launcher to join:
	// an already-finished tomb, so the first Join returns immediately.
	var idle tomb.Tomb
	idle.Go(func() error { return nil })
	idle.Wait()
	a.reaperTomb = &idle

	return a, nil
}

// Start begins the first server instance (when called right after
// Initialize) or a subsequent one (when called from inside the Starter
// callback with restart=true). It returns as soon as the launcher worker
// has been spawned; callers that want to know the instance actually came
// up should call Ready.
func (a *ProcessAttendant) Start(serverPath string, argv []string) error {
	a.mu.Lock()

	if a.running {
		a.mu.Unlock()
		return errcode.New(errcode.StartAlreadyRunning, 0)
	}

	a.lastError = nil
	a.instance++
	instance := a.instance
	a.pipes.closeLaunchPipes()

	args := make([]string, 0, len(argv)+4)
	args = append(args, a.relayPath, "", fmt.Sprintf("%d", a.canaryFd), serverPath)
	args = append(args, argv...)

	prevReaper := a.reaperTomb
	a.mu.Unlock()

	lw := &launcherWorker{
		a:          a,
		instance:   instance,
		serverPath: serverPath,
		args:       args,
		prevReaper: prevReaper,
	}

	go lw.run()
	return nil
}

// Ready blocks until the current instance is running or the attendant has
// latched terminal shutdown, and reports which.
func (a *ProcessAttendant) Ready() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for !a.running && !a.shutdown {
		a.condRunning.Wait()
	}
	return a.running
}

// Running reports whether the current instance is running right now,
// without waiting for a pending launch or restart to resolve. Unlike Ready,
// it never blocks, so it's the right primitive for a status endpoint that
// must answer promptly even mid-restart.
func (a *ProcessAttendant) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// Retry collapses a thundering herd of host threads that all notice their
// IPC has failed into a single restart request. tracker must be the
// caller's own per-thread RetryTracker (see its doc comment). It returns
// true if the caller should retry its IPC connection (a new or still
// running instance is, or will shortly be, available), or false if the
// attendant has latched terminal shutdown.
func (a *ProcessAttendant) Retry(tracker *RetryTracker, timeout time.Duration) bool {
	a.mu.Lock()
	terminate := false
	if a.instance == tracker.lastObservedInstance && a.running {
		// First thread to report staleness for the current instance.
		a.running = false
		terminate = true
	}
	a.mu.Unlock()

	if terminate {
		a.writeReaperCommand(tracker.lastObservedInstance, timeout)
	}

	ok := a.Ready()
	if ok {
		a.mu.Lock()
		tracker.lastObservedInstance = a.instance
		a.mu.Unlock()
	}
	return ok
}

// Shutdown asks the reaper to latch terminal shutdown: once the server
// exits there is no restart, regardless of what the Starter callback would
// otherwise decide. It sends the server no signal. It blocks until the
// terminal state is latched and returns whether the server was still
// running at that point (true: go tell it to exit via your own IPC; false:
// it's already gone).
func (a *ProcessAttendant) Shutdown() bool {
	a.writeReaperCommand(-1, 0)

	a.mu.Lock()
	defer a.mu.Unlock()
	for a.restarting {
		a.condRunning.Wait()
	}
	for !a.shutdown {
		a.condShutdown.Wait()
	}
	return a.running
}

// Done reports whether the server is no longer running. Once the attendant
// has latched terminal shutdown, it first waits for the server to stop,
// bounded by timeout (timeout <= 0 waits indefinitely); before that it
// does not wait at all. It must only ever be called from a single caller
// thread. On success it joins the reaper worker.
func (a *ProcessAttendant) Done(timeout time.Duration) bool {
	a.mu.Lock()
	if a.shutdown {
		waitRelative(a.condRunning, func() bool { return !a.running }, timeout)
	}
	done := !a.running
	reaperTomb := a.currentReaperTomb()
	a.mu.Unlock()

	if done && reaperTomb != nil {
		reaperTomb.Wait()
	}
	return done
}

// Scram forces progress when a graceful Shutdown can't complete: it calls
// Shutdown, and if the server was still alive, tells the reaper to skip
// the SIGTERM grace window and jump straight to SIGKILL.
func (a *ProcessAttendant) Scram() bool {
	alive := a.Shutdown()
	if alive {
		a.writeReaperCommand(intMax, -1)
	}
	return alive
}

// LastError returns the error recorded by the most recent failing
// operation. It's cleared by the next call to Start.
func (a *ProcessAttendant) LastError() *errcode.Error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastError
}

// Instance returns the current instance counter, for callers that want to
// export it (e.g. as a metric) without participating in the retry protocol.
func (a *ProcessAttendant) Instance() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.instance
}

// Destroy releases the attendant's resources. The attendant must not be
// used again afterwards.
func (a *ProcessAttendant) Destroy() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pipes.close()
	return nil
}

func (a *ProcessAttendant) setLastError(code errcode.Code, osCode int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastError = errcode.New(code, osCode)
}

// latchReaperAnomaly records a fatal reaper-loop error and forces terminal
// shutdown, bypassing the restart decision Starter would otherwise make:
// spec §7's reaper anomalies are unconditionally fatal.
func (a *ProcessAttendant) latchReaperAnomaly(code errcode.Code, osCode int) {
	a.mu.Lock()
	a.lastError = errcode.New(code, osCode)
	a.shutdown = true
	a.condRunning.Broadcast()
	a.condShutdown.Broadcast()
	a.mu.Unlock()
}

const intMax = int64(1<<63 - 1)

func (a *ProcessAttendant) currentReaperTomb() *tomb.Tomb {
	return a.reaperTomb
}

// writeReaperCommand writes a (payload, auxMillis) message to the REAPER
// pipe. Writes of this size are atomic (well under PIPE_BUF), so no
// framing or locking beyond the kernel's own guarantee is needed.
func (a *ProcessAttendant) writeReaperCommand(payload int64, aux time.Duration) {
	msg := reaperMessage{Payload: payload, AuxMillis: aux.Milliseconds()}
	buf := msg.encode()
	a.mu.Lock()
	w := a.pipes.reaper.write
	a.mu.Unlock()
	for {
		_, err := w.Write(buf[:])
		if err == nil || !isEINTR(err) {
			if err != nil {
				logger.Noticef("attendant: cannot write reaper command: %v", err)
			}
			return
		}
	}
}
