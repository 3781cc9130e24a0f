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

package attendant_test

import (
	"encoding/binary"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	. "gopkg.in/check.v1"
	"golang.org/x/sys/unix"

	"github.com/canonical/attendant/internals/attendant"
	"github.com/canonical/attendant/internals/attendant/errcode"
)

func Test(t *testing.T) { TestingT(t) }

// TestMain re-execs this same test binary to play both the relay helper
// and the fixture server, the same trick servstate's manager_test.go uses
// for PEBBLE_TEST_CREATE_CHILD: the binary recognizes its own fixture
// environment or arguments and takes on a different role instead of
// running "go test".
//
// Two re-execs happen per launch, same as production: the attendant execs
// this binary as the "relay" (ATTENDANT_TEST_RELAY=1 in the environment),
// which performs the real status-pipe handshake and then execs this binary
// a second time as the fixture server (selected by argv, the same way the
// real relay passes the server's own argv through unchanged).
func TestMain(m *testing.M) {
	if os.Getenv("ATTENDANT_TEST_RELAY") == "1" {
		runFixtureRelay()
		os.Exit(1) // only reached if the second exec failed
	}
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "when", "crasher":
			runFixtureServer(os.Args[1])
			os.Exit(0)
		}
	}
	os.Exit(m.Run())
}

// runFixtureRelay stands in for cmd/relay: it performs the same two-phase
// status-pipe handshake (echo the status fd over stdout and the status
// pipe, then let a successful exec close the status fd) before replacing
// itself with the fixture server.
func runFixtureRelay() {
	args := os.Args[1:] // statusFd, canaryFd, serverPath, argv...
	if len(args) < 3 {
		os.Exit(1)
	}
	statusFd, err := strconv.Atoi(args[0])
	if err != nil {
		os.Exit(1)
	}
	serverPath := args[2]
	serverArgv := append([]string{serverPath}, args[3:]...)

	status := os.NewFile(uintptr(statusFd), "status")

	writeInt64(os.Stdout, int64(statusFd))
	writeInt64(status, int64(statusFd))

	if err := setCloexec(statusFd, true); err != nil {
		os.Exit(1)
	}
	os.Unsetenv("ATTENDANT_TEST_RELAY")

	syscall.Exec(serverPath, serverArgv, os.Environ())
	// Only reached if exec itself failed.
	var msg [16]byte
	binary.LittleEndian.PutUint64(msg[0:8], uint64(errcode.RelayCannotExec))
	status.Write(msg[:])
}

// runFixtureServer emulates spec §8's "when" (well-behaved, exits only
// when told to over stdin) and "crasher" (exits immediately) servers.
func runFixtureServer(mode string) {
	switch mode {
	case "when":
		buf := make([]byte, 1)
		os.Stdin.Read(buf)
		os.Exit(0)
	case "crasher":
		os.Exit(7)
	}
}

func writeInt64(f *os.File, v int64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v))
	f.Write(buf[:])
}

func setCloexec(fd int, on bool) error {
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

var _ = Suite(&AttendantSuite{})

type AttendantSuite struct {
	selfPath string
}

func (s *AttendantSuite) SetUpSuite(c *C) {
	p, err := os.Executable()
	c.Assert(err, IsNil)
	s.selfPath = p
}

func (s *AttendantSuite) SetUpTest(c *C) {
	os.Setenv("ATTENDANT_TEST_RELAY", "1")
}

func (s *AttendantSuite) TearDownTest(c *C) {
	os.Unsetenv("ATTENDANT_TEST_RELAY")
}

// fixture wraps a ProcessAttendant wired to record connector/starter
// invocations so tests can assert on them without reaching into the
// package's internals.
type fixture struct {
	a          *attendant.ProcessAttendant
	connected  chan *os.File
	restarts   int32
	nextAction func(restart bool)
}

func newFixture(c *C, relayPath string) *fixture {
	f := &fixture{connected: make(chan *os.File, 8)}
	var err error
	f.a, err = attendant.Initialize(attendant.Options{
		RelayPath: relayPath,
		CanaryFd:  31,
		Starter: func(restart bool) {
			atomic.AddInt32(&f.restarts, 1)
			if f.nextAction != nil {
				f.nextAction(restart)
			}
		},
		Connector: func(stdin, stdout *os.File) {
			f.connected <- stdin
		},
	})
	c.Assert(err, IsNil)
	return f
}

// waitTerminal waits, up to timeout, for the attendant to latch terminal
// shutdown: Ready reports false only from then on. Done itself does not
// wait until shutdown has latched.
func (f *fixture) waitTerminal(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for f.a.Ready() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
}

func (s *AttendantSuite) TestOrderlyShutdown(c *C) {
	f := newFixture(c, s.selfPath)
	defer f.a.Destroy()

	c.Assert(f.a.Start(s.selfPath, []string{"when"}), IsNil)
	c.Assert(f.a.Ready(), Equals, true)

	var stdin *os.File
	select {
	case stdin = <-f.connected:
	case <-time.After(5 * time.Second):
		c.Fatal("connector was never invoked")
	}

	// Still running at the moment shutdown is requested: the host's own
	// IPC, not the attendant, is what tells the server to exit.
	c.Assert(f.a.Shutdown(), Equals, true)

	_, err := stdin.Write([]byte{0})
	c.Assert(err, IsNil)

	c.Assert(f.a.Done(30*time.Second), Equals, true)
	c.Assert(f.a.LastError(), IsNil)
}

func (s *AttendantSuite) TestCrashAndRestart(c *C) {
	f := newFixture(c, s.selfPath)
	defer f.a.Destroy()

	f.nextAction = func(restart bool) {
		c.Check(restart, Equals, true)
		c.Check(f.a.Start(s.selfPath, []string{"when"}), IsNil)
	}

	c.Assert(f.a.Start(s.selfPath, []string{"crasher"}), IsNil)
	c.Assert(f.a.Ready(), Equals, true)

	// The restart launches a "when" instance; wait for its connector call
	// to confirm the second instance actually came up.
	var stdin *os.File
	select {
	case <-f.connected: // first instance (crasher), may or may not fire before it dies
	case <-time.After(5 * time.Second):
	}
	select {
	case stdin = <-f.connected:
	case <-time.After(5 * time.Second):
		c.Fatal("restarted instance never connected")
	}
	c.Assert(f.a.Ready(), Equals, true)

	c.Assert(f.a.Shutdown(), Equals, true)
	_, err := stdin.Write([]byte{0})
	c.Assert(err, IsNil)
	c.Assert(f.a.Done(30*time.Second), Equals, true)

	c.Check(atomic.LoadInt32(&f.restarts) >= 1, Equals, true)
}

func (s *AttendantSuite) TestScramPath(c *C) {
	f := newFixture(c, s.selfPath)
	defer f.a.Destroy()

	c.Assert(f.a.Start(s.selfPath, []string{"when"}), IsNil)
	c.Assert(f.a.Ready(), Equals, true)

	c.Assert(f.a.Shutdown(), Equals, true)
	c.Assert(f.a.Done(250*time.Millisecond), Equals, false)

	c.Assert(f.a.Scram(), Equals, true)
	c.Assert(f.a.Done(10*time.Second), Equals, true)
}

func (s *AttendantSuite) TestStarterRefusesRestart(c *C) {
	f := newFixture(c, s.selfPath)
	defer f.a.Destroy()
	// f.nextAction is left nil: the starter records the call but never
	// launches a replacement, so the attendant must latch shutdown.

	c.Assert(f.a.Start(s.selfPath, []string{"crasher"}), IsNil)
	f.waitTerminal(10 * time.Second)
	c.Assert(f.a.Done(10*time.Second), Equals, true)
	c.Check(f.a.Ready(), Equals, false)
	c.Check(atomic.LoadInt32(&f.restarts), Equals, int32(1))
}

func (s *AttendantSuite) TestMissingRelay(c *C) {
	f := newFixture(c, "/nonexistent-attendant-relay-binary-xyz")
	defer f.a.Destroy()

	c.Assert(f.a.Start(s.selfPath, nil), IsNil)
	f.waitTerminal(10 * time.Second)
	c.Assert(f.a.Done(10*time.Second), Equals, true)

	e := f.a.LastError()
	c.Assert(e, NotNil)
	c.Check(e.Code, Equals, errcode.StartCannotExecv)
	c.Check(e.OSCode, Equals, int(syscall.ENOENT))
}

func (s *AttendantSuite) TestRetryCollapse(c *C) {
	f := newFixture(c, s.selfPath)
	defer f.a.Destroy()

	f.nextAction = func(restart bool) {
		c.Check(f.a.Start(s.selfPath, []string{"when"}), IsNil)
	}

	c.Assert(f.a.Start(s.selfPath, []string{"when"}), IsNil)
	c.Assert(f.a.Ready(), Equals, true)
	<-f.connected

	t1 := attendant.NewRetryTracker()
	t2 := attendant.NewRetryTracker()

	results := make([]bool, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); results[0] = f.a.Retry(t1, time.Second) }()
	go func() { defer wg.Done(); results[1] = f.a.Retry(t2, time.Second) }()
	wg.Wait()

	c.Check(results[0], Equals, true)
	c.Check(results[1], Equals, true)
	c.Check(atomic.LoadInt32(&f.restarts), Equals, int32(1))
	c.Check(f.a.Instance(), Equals, int64(2))

	select {
	case stdin := <-f.connected:
		c.Assert(f.a.Shutdown(), Equals, true)
		stdin.Write([]byte{0})
		c.Assert(f.a.Done(30*time.Second), Equals, true)
	case <-time.After(5 * time.Second):
		c.Fatal("collapsed restart never connected")
	}
}
