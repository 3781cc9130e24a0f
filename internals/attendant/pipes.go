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
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// The attendant's pipe registry holds six logical pipes. STDIN, STDOUT and
// STDERR are long-lived: their parent-side file descriptor numbers stay
// constant across restarts so the host library can cache them. RELAY and
// CANARY are recreated for every launch. REAPER is created once and lives
// for the whole lifetime of the attendant.
//
// A seventh pipe, FORK, appears in the wire-protocol model this package is
// built from: a pipe whose child end is close-on-exec, so its hang-up tells
// the parent "the forked child reached a successful exec of the relay".
// os/exec's Cmd.Start already gives us that signal synchronously (it
// maintains an equivalent close-on-exec status pipe internally and blocks
// until the exec either succeeds or reports why it didn't), so a second,
// redundant pipe would only duplicate a guarantee the standard library
// already makes before Start returns. See launcher.go.

// pipeEnd is one end of a pipe, wrapped so callers get a stable fd number.
type pipeEnd struct {
	file *os.File
}

func (e *pipeEnd) Fd() uintptr {
	if e.file == nil {
		return ^uintptr(0)
	}
	return e.file.Fd()
}

func (e *pipeEnd) Close() error {
	if e.file == nil {
		return nil
	}
	err := e.file.Close()
	e.file = nil
	return err
}

// newPipe creates a pipe with both ends close-on-exec, matching the
// default posture: a fd only survives into the relay/server if something
// explicitly clears FD_CLOEXEC on it (via dup2 onto a fixed slot) before
// the corresponding exec. With pollableRead, the read end is put in
// non-blocking mode first, so its *os.File supports SetReadDeadline.
func newPipe(pollableRead bool) (read, write *os.File, err error) {
	var fds [2]int
	err = unix.Pipe2(fds[:], unix.O_CLOEXEC)
	if err != nil {
		return nil, nil, err
	}
	if pollableRead {
		if err = unix.SetNonblock(fds[0], true); err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			return nil, nil, err
		}
	}
	return os.NewFile(uintptr(fds[0]), "pipe-r"), os.NewFile(uintptr(fds[1]), "pipe-w"), nil
}

func setCloexec(f *os.File, on bool) error {
	fd := int(f.Fd())
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	if err != nil {
		return err
	}
	if on {
		flags |= unix.FD_CLOEXEC
	} else {
		flags &^= unix.FD_CLOEXEC
	}
	_, err = unix.FcntlInt(uintptr(fd), unix.F_SETFD, flags)
	return err
}

// stdioPipe is a long-lived parent/child pipe pair for STDIN, STDOUT or
// STDERR. The parent end's fd number is fixed for the attendant's lifetime;
// recycle() replaces the pipe but keeps that number stable by dup2'ing the
// fresh parent end onto it.
type stdioPipe struct {
	name        string
	parentIsRead bool // true for STDOUT/STDERR (parent reads), false for STDIN (parent writes)
	parent      *os.File // stable fd across restarts
	child       *os.File // fresh each launch
}

func newStdioPipe(name string, parentIsRead bool) (*stdioPipe, error) {
	r, w, err := newPipe(false)
	if err != nil {
		return nil, err
	}
	p := &stdioPipe{name: name, parentIsRead: parentIsRead}
	if parentIsRead {
		p.parent, p.child = r, w
	} else {
		p.parent, p.child = w, r
	}
	// The parent end is cached and handed to the connector callback: it
	// must never be close-on-exec, since the attendant process itself
	// never execs, but defensively keep it cloexec false so a future
	// exec by the host wouldn't silently lose it either.
	if err := setCloexec(p.parent, false); err != nil {
		p.parent.Close()
		p.child.Close()
		return nil, err
	}
	return p, nil
}

// recycle creates a fresh pipe and dup2's the new parent end onto the
// preserved fd number, so the integer identity the host cached stays
// valid. The stale child end (if any, from a previous launch) is closed.
func (p *stdioPipe) recycle() error {
	r, w, err := newPipe(false)
	if err != nil {
		return err
	}
	var newParent, newChild *os.File
	if p.parentIsRead {
		newParent, newChild = r, w
	} else {
		newParent, newChild = w, r
	}

	stableFd := int(p.parent.Fd())
	err = unix.Dup2(int(newParent.Fd()), stableFd)
	if err != nil {
		newParent.Close()
		newChild.Close()
		return fmt.Errorf("cannot recycle %s pipe: %w", p.name, err)
	}
	// The stable fd now refers to the new pipe; the transient copy can be
	// discarded. p.parent (the *os.File) keeps wrapping stableFd, so
	// callers holding a reference to it are unaffected.
	newParent.Close()
	if err := setCloexec(p.parent, false); err != nil {
		return err
	}

	if p.child != nil {
		p.child.Close()
	}
	p.child = newChild
	return nil
}

func (p *stdioPipe) close() {
	if p.parent != nil {
		p.parent.Close()
		p.parent = nil
	}
	if p.child != nil {
		p.child.Close()
		p.child = nil
	}
}

// launchPipe is a per-launch pipe (RELAY or CANARY): created fresh
// for every launch and closed once the handshake (or the failure path)
// has finished with it.
type launchPipe struct {
	parent *os.File // read end, held by the attendant
	child  *os.File // write end, inherited by the forked child
}

func newLaunchPipe() (*launchPipe, error) {
	r, w, err := newPipe(true)
	if err != nil {
		return nil, err
	}
	return &launchPipe{parent: r, child: w}, nil
}

func (p *launchPipe) closeParent() {
	if p.parent != nil {
		p.parent.Close()
		p.parent = nil
	}
}

func (p *launchPipe) closeChild() {
	if p.child != nil {
		p.child.Close()
		p.child = nil
	}
}

// reaperPipe is the host->reaper command channel. It's created once at
// Initialize, lives for the attendant's entire lifetime, and is never
// exposed to any child (both ends are close-on-exec and neither is ever
// duped onto a low numbered slot before a fork).
type reaperPipe struct {
	read  *os.File
	write *os.File
}

func newReaperPipe() (*reaperPipe, error) {
	r, w, err := newPipe(true)
	if err != nil {
		return nil, err
	}
	return &reaperPipe{read: r, write: w}, nil
}

// pipeRegistry is the fixed set of six logical pipes owned by a single
// ProcessAttendant.
type pipeRegistry struct {
	stdin  *stdioPipe
	stdout *stdioPipe
	stderr *stdioPipe

	relay  *launchPipe
	canary *launchPipe

	reaper *reaperPipe
}

func newPipeRegistry() (*pipeRegistry, error) {
	stdin, err := newStdioPipe("stdin", false)
	if err != nil {
		return nil, fmt.Errorf("cannot create stdin pipe: %w", err)
	}
	stdout, err := newStdioPipe("stdout", true)
	if err != nil {
		stdin.close()
		return nil, fmt.Errorf("cannot create stdout pipe: %w", err)
	}
	stderr, err := newStdioPipe("stderr", true)
	if err != nil {
		stdin.close()
		stdout.close()
		return nil, fmt.Errorf("cannot create stderr pipe: %w", err)
	}
	reaper, err := newReaperPipe()
	if err != nil {
		stdin.close()
		stdout.close()
		stderr.close()
		return nil, fmt.Errorf("cannot create reaper pipe: %w", err)
	}
	return &pipeRegistry{stdin: stdin, stdout: stdout, stderr: stderr, reaper: reaper}, nil
}

// recycleStdio replaces the STDIN/STDOUT/STDERR pipes ahead of a launch,
// preserving the parent-side fd numbers.
func (r *pipeRegistry) recycleStdio() error {
	if err := r.stdin.recycle(); err != nil {
		return err
	}
	if err := r.stdout.recycle(); err != nil {
		return err
	}
	if err := r.stderr.recycle(); err != nil {
		return err
	}
	return nil
}

// openLaunchPipes creates the two per-launch pipes (RELAY, CANARY), closing
// any residual ones from a previous failed launch first.
func (r *pipeRegistry) openLaunchPipes() error {
	r.closeLaunchPipes()

	relay, err := newLaunchPipe()
	if err != nil {
		return fmt.Errorf("cannot create relay pipe: %w", err)
	}
	canary, err := newLaunchPipe()
	if err != nil {
		relay.closeParent()
		relay.closeChild()
		return fmt.Errorf("cannot create canary pipe: %w", err)
	}

	r.relay, r.canary = relay, canary
	return nil
}

func (r *pipeRegistry) closeLaunchPipes() {
	if r.relay != nil {
		r.relay.closeParent()
		r.relay.closeChild()
		r.relay = nil
	}
	// Note: r.canary's parent end deliberately is NOT closed here once a
	// launch has succeeded -- ownership passes to the reaper loop, which
	// polls it for the server's exit. closeLaunchPipes is only called
	// before a launch attempt and after a failed one.
	if r.canary != nil {
		r.canary.closeParent()
		r.canary.closeChild()
		r.canary = nil
	}
}

// takeCanary detaches the canary pipe's parent end from the registry so
// the reaper loop can own its lifetime independently of future launches.
func (r *pipeRegistry) takeCanary() *os.File {
	f := r.canary.parent
	r.canary.parent = nil
	r.canary = nil
	return f
}

func (r *pipeRegistry) close() {
	r.stdin.close()
	r.stdout.close()
	r.stderr.close()
	r.closeLaunchPipes()
	if r.reaper != nil {
		r.reaper.read.Close()
		r.reaper.write.Close()
	}
}
