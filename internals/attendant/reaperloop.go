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

package attendant

import (
	"errors"
	"io"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/canonical/attendant/internals/attendant/errcode"
	"github.com/canonical/attendant/internals/logger"
)

// tickInterval bounds how long the reaper loop can go between checking the
// canary pipe, the REAPER command pipe and the SIGTERM/SIGKILL escalation
// clock. It stands in for poll(2)'s timeout argument: instead of building a
// single multiplexed poll set, each fd gets its own short read deadline and
// the loop visits them in turn, which is simpler to get right in Go and
// just as responsive at this granularity.
const tickInterval = 50 * time.Millisecond

// reapPollInterval is the non-waitable fallback's pid-liveness check period
// (spec §4.4's "250 ms timed wait").
const reapPollInterval = 250 * time.Millisecond

// reaperWorker owns one server instance's post-launch lifetime: it watches
// for the canary pipe to hang up, relays REAPER commands into SIGTERM/
// SIGKILL escalation, drains stderr, and performs the supervisor state
// transition once the server is confirmed gone.
type reaperWorker struct {
	a        *ProcessAttendant
	instance int64
	pid      int
	canary   *os.File
}

func (w *reaperWorker) run() error {
	a := w.a
	defer w.canary.Close()

	a.mu.Lock()
	a.running = true
	a.restarting = false
	a.pid = w.pid
	a.condRunning.Broadcast()
	a.mu.Unlock()

	localInstance := int64(0)
	sigtermSent := false
	var sigtermDeadline time.Time

	hangup := false
	for !hangup {
		switch hu, violation := w.pollCanary(); {
		case violation:
			// The canary side never legitimately writes; any byte means
			// something outside this package has the fd wrong. Per spec
			// §7, reaper anomalies are always fatal: SIGKILL and latch
			// terminal shutdown regardless of what the Starter would
			// otherwise decide.
			logger.Noticef("attendant: unexpected data on canary pipe")
			a.latchReaperAnomaly(errcode.ReaperUnexpectedCanaryPipeEvent, 0)
			w.killNow()
			hangup = true
			continue
		case hu:
			hangup = true
			continue
		}

		w.drainStderr()

		msg, event, err := w.pollReaperPipe()
		switch event {
		case reaperPipeError:
			logger.Noticef("attendant: reaper pipe read failed: %v", err)
			a.latchReaperAnomaly(errcode.ReaperUnexpectedReaperPipeEvent, exitStatusErrno(err))
			w.killNow()
			hangup = true
			continue
		case reaperPipeSetupFailed:
			logger.Noticef("attendant: cannot arm reaper pipe deadline: %v", err)
			a.latchReaperAnomaly(errcode.ReaperCannotReadReaperPipe, exitStatusErrno(err))
			w.killNow()
			hangup = true
			continue
		case reaperPipeClosed:
			logger.Noticef("attendant: reaper pipe closed unexpectedly")
			a.latchReaperAnomaly(errcode.ReaperTruncatedReadReaperPipe, 0)
			w.killNow()
			hangup = true
			continue
		case reaperPipeMessage:
			switch {
			case msg.Payload == -1:
				a.mu.Lock()
				a.shutdown = true
				a.condRunning.Broadcast()
				a.condShutdown.Broadcast()
				a.mu.Unlock()
			case msg.Payload > localInstance:
				localInstance = msg.Payload
				sigtermDeadline = time.Now().Add(time.Duration(msg.AuxMillis) * time.Millisecond)
				if msg.AuxMillis < 0 {
					sigtermSent = true // skip straight to SIGKILL below
				}
			}
		}

		if localInstance > 0 {
			if !sigtermSent {
				w.signal(syscall.SIGTERM)
				sigtermSent = true
			} else if time.Now().After(sigtermDeadline) {
				w.signal(syscall.SIGKILL)
			}
		}
	}

	w.reap()
	a.signalTermination()
	return nil
}

// pollCanary reports whether the canary pipe has hung up (the server is
// gone) and separately whether it saw a protocol violation: the canary side
// never legitimately writes, so any byte read from it means something
// outside this package has the fd wrong. A violation is never a hang-up in
// the same poll; the caller treats it as a fatal reaper anomaly instead.
func (w *reaperWorker) pollCanary() (hungUp, violation bool) {
	if err := w.canary.SetReadDeadline(time.Now().Add(tickInterval)); err != nil {
		return false, false
	}
	var buf [1]byte
	n, err := w.canary.Read(buf[:])
	if n > 0 {
		return false, true
	}
	if err == nil || errors.Is(err, io.EOF) {
		return true, false
	}
	return false, false // timeout or transient error: not a hang-up yet
}

func (w *reaperWorker) drainStderr() {
	f := w.a.pipes.stderr.parent
	if f == nil {
		return
	}
	if err := f.SetReadDeadline(time.Now().Add(tickInterval)); err != nil {
		return
	}
	var buf [4096]byte
	for {
		n, err := f.Read(buf[:])
		if n > 0 && w.a.stderrSink != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			w.a.stderrSink(chunk)
		}
		if n == 0 || err != nil {
			return
		}
	}
}

// reaperPipeEvent classifies the outcome of one pollReaperPipe poll, so the
// caller can tell an ordinary timeout (keep polling) apart from the three
// distinct reaper-pipe anomalies spec §7 enumerates.
type reaperPipeEvent int

const (
	reaperPipeNone reaperPipeEvent = iota
	reaperPipeMessage
	reaperPipeSetupFailed // couldn't even arm the read deadline
	reaperPipeClosed      // read() returned a clean or mid-message close
	reaperPipeError       // read() itself failed for a reason other than EOF
)

func (w *reaperWorker) pollReaperPipe() (reaperMessage, reaperPipeEvent, error) {
	f := w.a.pipes.reaper.read
	if err := f.SetReadDeadline(time.Now().Add(tickInterval)); err != nil {
		return reaperMessage{}, reaperPipeSetupFailed, err
	}
	var buf [reaperMessageSize]byte
	n, err := readFullRetry(f, buf[:])
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return reaperMessage{}, reaperPipeNone, nil
		}
		return reaperMessage{}, reaperPipeError, err
	}
	if n == 0 {
		// The REAPER pipe is never closed during the attendant's
		// lifetime; a hang-up here means something outside this
		// package closed it or truncated a message mid-read.
		return reaperMessage{}, reaperPipeClosed, nil
	}
	return decodeReaperMessage(buf[:]), reaperPipeMessage, nil
}

func (w *reaperWorker) signal(sig syscall.Signal) {
	if w.pid <= 0 {
		return
	}
	if err := unix.Kill(w.pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		logger.Noticef("attendant: cannot signal pid %d: %v", w.pid, err)
	}
}

func (w *reaperWorker) killNow() {
	w.signal(syscall.SIGKILL)
}

// reap collects the exited child. When waitable, a blocking wait4 is used
// directly (ECHILD is treated as success: the host stole the child from
// under us). Otherwise -- SIGCHLD is SIG_IGN and wait() may never succeed
// -- it falls back to polling for the pid's continued existence, accepting
// the documented pid-reuse race noted in the spec's design notes.
func (w *reaperWorker) reap() {
	if w.pid <= 0 {
		return
	}
	if w.a.waitable {
		var ws unix.WaitStatus
		for {
			_, err := unix.Wait4(w.pid, &ws, 0, nil)
			if err == nil || errors.Is(err, unix.ECHILD) {
				return
			}
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return
		}
	}

	for {
		if err := unix.Kill(w.pid, 0); errors.Is(err, unix.ESRCH) {
			return
		}
		time.Sleep(reapPollInterval)
	}
}

// signalTermination is the supervisor state transition of spec §4.5: it
// clears pid, decides whether this is a restart or a terminal shutdown,
// and -- if restarting -- invokes the starter callback from this (reaper)
// goroutine, re-checking afterwards whether the starter actually launched
// a new instance.
func (a *ProcessAttendant) signalTermination() {
	a.mu.Lock()
	a.pid = 0
	previousInstance := a.instance
	a.restarting = !a.shutdown
	a.running = false
	a.condRunning.Broadcast()
	restarting := a.restarting
	a.mu.Unlock()

	if restarting {
		a.starter(true)

		a.mu.Lock()
		if a.instance == previousInstance {
			a.restarting = false
			a.shutdown = true
			a.condRunning.Broadcast()
			a.condShutdown.Broadcast()
		}
		a.mu.Unlock()
	}
}
