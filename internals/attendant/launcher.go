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
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"

	"gopkg.in/tomb.v2"

	"github.com/canonical/attendant/internals/attendant/errcode"
)

// launcherWorker performs one instance's launch: join the previous reaper,
// recycle the standard-I/O pipes, fork+exec the relay, validate its
// handshake, and either hand off to a freshly spawned reaper worker or
// unwind and signal termination.
//
// What the spec models as "fork, then in the child dup2 stdio/canary onto
// fixed slots and exec the relay, all using only async-signal-safe calls"
// is done here with a single os/exec.Cmd: its Stdin/Stdout/Stderr fields
// dup2 our pipe ends onto 0/1/2, and ExtraFiles lands the status and
// canary pipes onto exact fd numbers, all via the Go runtime's own
// fork+exec trampoline -- the one piece of this system genuinely
// constrained to async-signal-safe code, and not something a Go program is
// allowed to reimplement by hand (there is no safe, supported way to call
// a bare fork() from a multi-threaded Go process and do work before exec).
type launcherWorker struct {
	a          *ProcessAttendant
	instance   int64
	serverPath string
	args       []string
	prevReaper *tomb.Tomb
}

func (lw *launcherWorker) run() {
	a := lw.a

	lw.prevReaper.Wait()

	if err := a.pipes.recycleStdio(); err != nil {
		lw.fail(errcode.LaunchStdinPipe, exitStatusErrno(err))
		return
	}
	if err := a.pipes.openLaunchPipes(); err != nil {
		lw.fail(errcode.LaunchRelayPipe, exitStatusErrno(err))
		return
	}

	if !filepath.IsAbs(a.relayPath) {
		lw.fail(errcode.RelayProgramPathNotAbsolute, 0)
		return
	}

	statusFd := chooseStatusFd(a.canaryFd)
	lw.args[1] = strconv.Itoa(statusFd)

	cmd := &exec.Cmd{
		Path:       a.relayPath,
		Args:       lw.args,
		Stdin:      a.pipes.stdin.child,
		Stdout:     a.pipes.stdout.child,
		Stderr:     a.pipes.stderr.child,
		ExtraFiles: extraFileSlots(statusFd, a.pipes.relay.child, a.canaryFd, a.pipes.canary.child),
	}

	err := cmd.Start()

	// The child ends are only useful to the relay process; whether or not
	// Start succeeded, our own copies must go so that a later close of
	// the relay/server's copies is what the parent observes as hang-up.
	a.pipes.stdin.child.Close()
	a.pipes.stdout.child.Close()
	a.pipes.stderr.child.Close()
	a.pipes.relay.closeChild()
	a.pipes.canary.closeChild()

	if err != nil {
		lw.fail(errcode.StartCannotExecv, exitStatusErrno(err))
		return
	}

	pid := cmd.Process.Pid

	if ok, code, osCode := lw.handshake(statusFd); !ok {
		unix.Kill(pid, syscall.SIGKILL)
		if a.waitable {
			var ws unix.WaitStatus
			unix.Wait4(pid, &ws, 0, nil)
		}
		lw.fail(code, osCode)
		return
	}

	a.connector(a.pipes.stdin.parent, a.pipes.stdout.parent)

	rt := &reaperWorker{a: a, instance: lw.instance, pid: pid, canary: a.pipes.takeCanary()}
	var t tomb.Tomb
	t.Go(rt.run)

	a.mu.Lock()
	a.reaperTomb = &t
	a.mu.Unlock()
}

// handshake performs spec §4.3 step 6b-6d: the two placeholder-integer
// round trips (proof the relay received intact arguments and that the
// status channel itself works) followed by the final status read, whose
// hang-up is the success signal.
func (lw *launcherWorker) handshake(statusFd int) (ok bool, code errcode.Code, osCode int) {
	a := lw.a

	v, got, err := readInt64(a.pipes.stdout.parent)
	if err != nil {
		return false, errcode.LaunchRelayPipeStdoutFailed, exitStatusErrno(err)
	}
	if !got {
		msg, _, _ := readStatusMessage(a.pipes.relay.parent)
		return false, errcode.Code(msg.Code), int(msg.OSCode)
	}
	if v != int64(statusFd) {
		return false, errcode.PartialStdoutStatusPipeNumber, 0
	}

	v, got, err = readInt64(a.pipes.relay.parent)
	if err != nil {
		return false, errcode.PartialStatusPipeNumber, exitStatusErrno(err)
	}
	if !got {
		return false, errcode.LaunchRelayPipeHungUp, 0
	}
	if v != int64(statusFd) {
		return false, errcode.PartialStatusPipeNumber, 0
	}

	msg, got, err := readStatusMessage(a.pipes.relay.parent)
	if err != nil {
		return false, errcode.LaunchImmediateRelayExit, exitStatusErrno(err)
	}
	if !got {
		return true, 0, 0
	}
	return false, errcode.Code(msg.Code), int(msg.OSCode)
}

// fail unwinds a launch that never reached a running instance: there is no
// reaper worker to do it, so the launcher itself performs the supervisor
// transition.
func (lw *launcherWorker) fail(code errcode.Code, osCode int) {
	a := lw.a
	a.pipes.closeLaunchPipes()
	a.setLastError(code, osCode)
	a.signalTermination()
}
