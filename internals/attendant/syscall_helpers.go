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
	"encoding/binary"
	"errors"
	"io"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

func isEINTR(err error) bool {
	return errors.Is(err, syscall.EINTR)
}

// sigchldIgnored reports whether SIGCHLD's disposition is currently
// SIG_IGN, in which case the host has told the kernel it doesn't care
// about child exit status and we can't rely on wait() ever succeeding for
// our own children (waitable=false in that case).
func sigchldIgnored() bool {
	var act unix.Sigaction
	err := unix.Sigaction(unix.SIGCHLD, nil, &act)
	if err != nil {
		return false
	}
	// SIG_IGN is 1 on Linux.
	return act.Handler == 1
}

// reaperMessage is the REAPER pipe's wire format: two native-width
// integers. payload=-1 means shutdown, payload>0 is an instance whose IPC
// failed, auxMillis is the SIGTERM grace window (-1 skips SIGTERM).
type reaperMessage struct {
	Payload   int64
	AuxMillis int64
}

const reaperMessageSize = 16

func (m reaperMessage) encode() [reaperMessageSize]byte {
	var buf [reaperMessageSize]byte
	binary.LittleEndian.PutUint64(buf[0:8], uint64(m.Payload))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(m.AuxMillis))
	return buf
}

func decodeReaperMessage(buf []byte) reaperMessage {
	return reaperMessage{
		Payload:   int64(binary.LittleEndian.Uint64(buf[0:8])),
		AuxMillis: int64(binary.LittleEndian.Uint64(buf[8:16])),
	}
}

// readFullRetry reads exactly len(buf) bytes, retrying on EINTR, and
// reports io.EOF-as-zero (a clean hang-up) by returning n=0, err=nil.
func readFullRetry(f *os.File, buf []byte) (n int, err error) {
	for {
		n, err = io.ReadFull(f, buf)
		if err == nil {
			return n, nil
		}
		if isEINTR(err) {
			continue
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, nil
		}
		return n, err
	}
}

// writeRetry writes the whole buffer, retrying on EINTR.
func writeRetry(f *os.File, buf []byte) error {
	for {
		_, err := f.Write(buf)
		if err == nil || !isEINTR(err) {
			return err
		}
	}
}

// readInt64 reads one fixed-width (8 byte) integer, used by the launcher's
// handshake reads of the relay's echoed status-pipe fd number. ok=false
// means a clean hang-up (zero bytes read) rather than the integer itself.
func readInt64(f *os.File) (v int64, ok bool, err error) {
	var buf [8]byte
	n, err := readFullRetry(f, buf[:])
	if err != nil {
		return 0, false, err
	}
	if n == 0 {
		return 0, false, nil
	}
	return int64(binary.LittleEndian.Uint64(buf[:])), true, nil
}

// statusMessage is the wire format the relay (and, transitively, its own
// exec failures) reports over the status pipe: a (domain_code, os_code)
// pair, using the spec's own numbering for domain_code.
type statusMessage struct {
	Code   int64
	OSCode int64
}

const statusMessageSize = 16

func (m statusMessage) encode() [statusMessageSize]byte {
	var buf [statusMessageSize]byte
	binary.LittleEndian.PutUint64(buf[0:8], uint64(m.Code))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(m.OSCode))
	return buf
}

// readStatusMessage reads one statusMessage, reporting ok=false on a clean
// hang-up (the relay successfully exec-replaced itself and never wrote
// anything -- the expected success path).
func readStatusMessage(f *os.File) (msg statusMessage, ok bool, err error) {
	var buf [statusMessageSize]byte
	n, err := readFullRetry(f, buf[:])
	if err != nil {
		return statusMessage{}, false, err
	}
	if n == 0 {
		return statusMessage{}, false, nil
	}
	return statusMessage{
		Code:   int64(binary.LittleEndian.Uint64(buf[0:8])),
		OSCode: int64(binary.LittleEndian.Uint64(buf[8:16])),
	}, true, nil
}
