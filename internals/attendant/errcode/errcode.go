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

// Package errcode holds the attendant's error taxonomy: a disjoint set of
// small positive domain codes, one per failure kind, each of which may be
// paired with the OS errno observed at the point of failure.
//
// The original C implementation this was ported from reused numeric codes
// across unrelated conditions. This renumbers every failure kind to its own
// code, keeping the historical C name for traceability.
package errcode

import "fmt"

// Code is a domain error code. Unlike an errno, a Code always identifies
// exactly one failure kind.
type Code int

const (
	_ Code = iota

	// StartAlreadyRunning is returned from Start when a server instance
	// is already live.
	StartAlreadyRunning

	// Configuration errors, returned from Initialize.
	InitStarterRequired
	InitConnectorRequired
	InitStdioPipe
	InitReaperPipe

	// Resource exhaustion, returned from Start or the launcher worker.
	LaunchStdinPipe
	LaunchStdoutPipe
	LaunchStderrPipe
	LaunchForkPipe
	LaunchRelayPipe
	LaunchCanaryPipe
	LaunchCannotFork
	LaunchCannotMalloc
	StartCannotSpawnThread

	// Exec failures.
	StartCannotExecv
	RelayCannotExec
	RelayProgramMissing
	RelayProgramPathNotAbsolute

	// Handshake assertion failures: the attendant's own assumptions about
	// pipe atomicity were violated. Always fatal.
	LaunchImmediateRelayExit
	LaunchRelayPipeHungUp
	LaunchRelayPipeStdoutFailed
	PartialForkErrorCode
	PartialExecErrorCode
	PartialStatusPipeNumber
	PartialStdoutStatusPipeNumber

	// Reaper anomalies: force SIGKILL and latch terminal shutdown.
	ReaperCannotReadReaperPipe
	ReaperTruncatedReadReaperPipe
	ReaperUnexpectedCanaryPipeEvent
	ReaperUnexpectedReaperPipeEvent
)

var names = map[Code]string{
	StartAlreadyRunning:             "StartAlreadyRunning",
	InitStarterRequired:             "InitStarterRequired",
	InitConnectorRequired:           "InitConnectorRequired",
	InitStdioPipe:                   "InitStdioPipe",
	InitReaperPipe:                  "InitReaperPipe",
	LaunchStdinPipe:                 "LaunchStdinPipe",
	LaunchStdoutPipe:                "LaunchStdoutPipe",
	LaunchStderrPipe:                "LaunchStderrPipe",
	LaunchForkPipe:                  "LaunchForkPipe",
	LaunchRelayPipe:                 "LaunchRelayPipe",
	LaunchCanaryPipe:                "LaunchCanaryPipe",
	LaunchCannotFork:                "LaunchCannotFork",
	LaunchCannotMalloc:              "LaunchCannotMalloc",
	StartCannotSpawnThread:          "StartCannotSpawnThread",
	StartCannotExecv:                "StartCannotExecv",
	RelayCannotExec:                 "RelayCannotExec",
	RelayProgramMissing:             "RelayProgramMissing",
	RelayProgramPathNotAbsolute:     "RelayProgramPathNotAbsolute",
	LaunchImmediateRelayExit:        "LaunchImmediateRelayExit",
	LaunchRelayPipeHungUp:           "LaunchRelayPipeHungUp",
	LaunchRelayPipeStdoutFailed:     "LaunchRelayPipeStdoutFailed",
	PartialForkErrorCode:            "PartialForkErrorCode",
	PartialExecErrorCode:            "PartialExecErrorCode",
	PartialStatusPipeNumber:         "PartialStatusPipeNumber",
	PartialStdoutStatusPipeNumber:   "PartialStdoutStatusPipeNumber",
	ReaperCannotReadReaperPipe:      "ReaperCannotReadReaperPipe",
	ReaperTruncatedReadReaperPipe:   "ReaperTruncatedReadReaperPipe",
	ReaperUnexpectedCanaryPipeEvent: "ReaperUnexpectedCanaryPipeEvent",
	ReaperUnexpectedReaperPipeEvent: "ReaperUnexpectedReaperPipeEvent",
}

func (c Code) String() string {
	if name, ok := names[c]; ok {
		return name
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

// Error is a (domain code, OS errno) pair, matching spec §3's last_error
// field and the wire format the relay reports over the status pipe.
type Error struct {
	Code   Code
	OSCode int // errno at the point of failure, or 0 if not applicable
}

func New(code Code, osCode int) *Error {
	return &Error{Code: code, OSCode: osCode}
}

func (e *Error) Error() string {
	if e.OSCode == 0 {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: errno %d", e.Code, e.OSCode)
}
