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
	"os"
	"syscall"
)

// extraFileSlots computes an os/exec.Cmd.ExtraFiles slice that lands
// statusFile at fd statusFd and canaryFile at exactly fd canaryFd in the
// relay's address space. A nil entry in ExtraFiles tells the runtime to
// close that descriptor number in the child rather than duplicate anything
// onto it, so the unused slots between fd 3 and the two targets never hand
// the relay an unintended copy of some other inherited file.
//
// Both fds must be >= 3 and distinct; stdin/stdout/stderr already occupy
// 0/1/2 via Cmd.Stdin/Stdout/Stderr.
func extraFileSlots(statusFd int, statusFile *os.File, canaryFd int, canaryFile *os.File) []*os.File {
	n := statusFd
	if canaryFd > n {
		n = canaryFd
	}
	extra := make([]*os.File, n-2) // index i holds fd i+3
	extra[statusFd-3] = statusFile
	extra[canaryFd-3] = canaryFile
	return extra
}

// chooseStatusFd picks a relay-status pipe fd distinct from canaryFd,
// preferring the lowest available slot.
func chooseStatusFd(canaryFd int) int {
	if canaryFd != 3 {
		return 3
	}
	return 4
}

// exitStatusErrno extracts the OS errno behind a failed Cmd.Start, when
// one is available (ENOENT for a missing relay binary, EACCES for a
// non-executable one, EAGAIN/ENOMEM for fork exhaustion, and so on).
func exitStatusErrno(err error) int {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return int(errno)
	}
	return 0
}
