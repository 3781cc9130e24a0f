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

// Command relay is the small helper the attendant forks and execs for
// every server launch. It inherits standard input/output/error already in
// place at fds 0/1/2, a status pipe write end and the canary pipe write
// end at two fds named on its own command line, and its only job is to
// prove those fds are intact, scrub anything else it inherited, and
// replace itself with the real server program.
//
// Usage: relay <status-fd> <canary-fd> <server-path> [server-args...]
package main

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"
)

// Domain codes, mirroring internals/attendant/errcode -- duplicated rather
// than imported so this binary never needs to pull in the library's
// concurrency-heavy package graph just to report a number.
const (
	codeRelayCannotExec             = 16
	codeRelayProgramMissing         = 17
	codeRelayProgramPathNotAbsolute = 18
)

func main() {
	if len(os.Args) < 4 {
		fmt.Fprintln(os.Stderr, "usage: relay <status-fd> <canary-fd> <server-path> [server-args...]")
		os.Exit(1)
	}

	statusFd, err := strconv.Atoi(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "relay: bad status fd %q: %v\n", os.Args[1], err)
		os.Exit(1)
	}
	canaryFd, err := strconv.Atoi(os.Args[2])
	if err != nil {
		fmt.Fprintf(os.Stderr, "relay: bad canary fd %q: %v\n", os.Args[2], err)
		os.Exit(1)
	}
	serverPath := os.Args[3]
	serverArgv := os.Args[3:]

	status := os.NewFile(uintptr(statusFd), "status")

	if !filepath.IsAbs(serverPath) {
		reportAndExit(status, codeRelayProgramPathNotAbsolute, 0)
	}
	if _, err := os.Stat(serverPath); err != nil {
		reportAndExit(status, codeRelayProgramMissing, int(errnoOf(err)))
	}

	resetIgnoredSignals()
	scrubInheritedFds(statusFd, canaryFd)

	if err := setCloexec(statusFd, true); err != nil {
		reportAndExit(status, codeRelayCannotExec, int(errnoOf(err)))
	}

	if err := echoFd(int64(statusFd)); err != nil {
		os.Exit(1)
	}
	if err := writeInt64(status, int64(statusFd)); err != nil {
		os.Exit(1)
	}

	env := os.Environ()
	err = syscall.Exec(serverPath, serverArgv, env)
	// Only reached if exec failed; on success the process image is gone.
	reportAndExit(status, codeRelayCannotExec, int(errnoOf(err)))
}

// echoFd writes the status fd number to our own stdout, which is the
// attendant's STDOUT pipe -- the first leg of the handshake, proving the
// relay received its arguments intact.
func echoFd(v int64) error {
	return writeInt64(os.Stdout, v)
}

func writeInt64(f *os.File, v int64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v))
	_, err := f.Write(buf[:])
	return err
}

func reportAndExit(status *os.File, code, osCode int) {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], uint64(code))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(osCode))
	status.Write(buf[:])
	os.Exit(1)
}

func errnoOf(err error) syscall.Errno {
	var errno syscall.Errno
	if e, ok := err.(*os.PathError); ok {
		if errno, ok = e.Err.(syscall.Errno); ok {
			return errno
		}
	}
	if e, ok := err.(syscall.Errno); ok {
		return e
	}
	return 0
}

// resetIgnoredSignals puts every signal whose disposition is SIG_IGN back
// to SIG_DFL, so the server doesn't inherit dispositions the attendant (or
// its host) set for its own purposes.
func resetIgnoredSignals() {
	for sig := 1; sig < 32; sig++ {
		var act unix.Sigaction
		s := syscall.Signal(sig)
		if s == syscall.SIGKILL || s == syscall.SIGSTOP {
			continue
		}
		if err := unix.Sigaction(sig, nil, &act); err != nil {
			continue
		}
		if act.Handler == 1 { // SIG_IGN
			act.Handler = 0 // SIG_DFL
			unix.Sigaction(sig, &act, nil)
		}
	}
}

// scrubInheritedFds sets close-on-exec on every open fd above stderr
// except the two the attendant explicitly handed us, so nothing else the
// relay happened to inherit leaks into the server.
func scrubInheritedFds(keep ...int) {
	const maxScan = 256
	for fd := 3; fd < maxScan; fd++ {
		skip := false
		for _, k := range keep {
			if fd == k {
				skip = true
				break
			}
		}
		if skip {
			continue
		}
		setCloexec(fd, true)
	}
}

func setCloexec(fd int, on bool) error {
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	if err != nil {
		return nil // not an open fd; nothing to do
	}
	if on {
		flags |= unix.FD_CLOEXEC
	} else {
		flags &^= unix.FD_CLOEXEC
	}
	_, err = unix.FcntlInt(uintptr(fd), unix.F_SETFD, flags)
	return err
}
