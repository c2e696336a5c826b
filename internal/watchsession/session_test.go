package watchsession

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/intuitionamiga/iecheat/internal/watchdbg"
)

func TestRecordHitAggregation(t *testing.T) {
	s := New(1234, 0x1000, watchdbg.KindWrites, 4)

	s.recordHit(watchdbg.TrapLine{TID: 1, RIP: 0x401000, DR6: "0x0", Bytes: []byte{0x90}, Inst: "nop"})
	s.recordHit(watchdbg.TrapLine{TID: 1, RIP: 0x401000, DR6: "0x0", Bytes: []byte{0x90}, Inst: "nop"})
	s.recordHit(watchdbg.TrapLine{TID: 2, RIP: 0x402000, DR6: "0x0", Bytes: []byte{0xcc}, Inst: "int3"})

	snap := s.Snapshot()
	require.Len(t, snap, 2)
	require.Equal(t, 2, snap[0x401000].Count)
	require.Equal(t, 1, snap[0x402000].Count)
	require.Equal(t, "int3", snap[0x402000].Opcode)
}

func TestSnapshotIsACopy(t *testing.T) {
	s := New(1, 0x1000, watchdbg.KindAccesses, 4)
	s.recordHit(watchdbg.TrapLine{TID: 1, RIP: 0x1, Inst: "nop"})

	snap := s.Snapshot()
	snap[0x1] = Hit{Count: 999}

	again := s.Snapshot()
	require.Equal(t, 1, again[0x1].Count, "mutating a snapshot must not affect the session")
}

func TestIsRunningBeforeStart(t *testing.T) {
	s := New(1, 0x1000, watchdbg.KindWrites, 4)
	require.False(t, s.IsRunning())
}

func TestWriteViaAnySessionNoLiveSession(t *testing.T) {
	err := WriteViaAnySession(999999, 0x1000, []byte{0x90})
	require.Error(t, err)
}

func TestRegisterDeregisterRoundTrip(t *testing.T) {
	s := New(555, 0x2000, watchdbg.KindWrites, 4)
	registerSession(s)
	registryMu.Lock()
	_, present := registry[555][s.ID]
	registryMu.Unlock()
	require.True(t, present)

	deregisterSession(s)
	registryMu.Lock()
	_, present = registry[555]
	registryMu.Unlock()
	require.False(t, present)
}

// TestSessionLifecycleWithFakeWatcher spawns the test binary itself,
// re-executed as a stand-in iewatcher via the standard exec-test-helper
// pattern, to exercise Start/WriteViaWatcher/Stop without a real ptrace
// target.
func TestSessionLifecycleWithFakeWatcher(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") == "1" {
		return
	}

	// Start() builds its own argv for a real iewatcher invocation, which the
	// helper-process binary can't parse as a trap-line protocol stand-in, so
	// this wires the same pipes Start() would by hand.
	cmdR, cmdW, err := os.Pipe()
	require.NoError(t, err)
	respR, respW, err := os.Pipe()
	require.NoError(t, err)
	defer cmdR.Close()
	defer cmdW.Close()
	defer respR.Close()
	defer respW.Close()

	cmd := exec.Command(os.Args[0], "-test.run=TestHelperProcessWatcher", "--")
	cmd.Env = append(os.Environ(),
		"GO_WANT_HELPER_PROCESS=1",
		"IEWATCHER_CMD_FD=3",
		"IEWATCHER_RESP_FD=4",
	)
	cmd.ExtraFiles = []*os.File{cmdR, respW}
	stdout, err := cmd.StdoutPipe()
	require.NoError(t, err)
	require.NoError(t, cmd.Start())
	_ = cmdR.Close()
	_ = respW.Close()

	sess := New(os.Getpid(), 0x1000, watchdbg.KindWrites, 4)
	sess.cmd = cmd
	sess.cmdWrite = cmdW
	sess.respRead = respR
	sess.wg.Add(1)
	go sess.readLoop(stdout)
	go func() {
		_ = cmd.Wait()
		close(sess.exited)
	}()

	err = sess.WriteViaWatcher(0x1000, []byte{0x90, 0xcc})
	require.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for len(sess.Snapshot()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	snap := sess.Snapshot()
	require.Len(t, snap, 1)

	require.NoError(t, sess.Stop())
	require.False(t, sess.IsRunning())
}

// TestHelperProcessWatcher is not a real test: it is re-executed as a
// subprocess by TestSessionLifecycleWithFakeWatcher to stand in for
// cmd/iewatcher, emitting one trap line and acknowledging one WRITE.
func TestHelperProcessWatcher(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	cmdFD, _ := strconv.Atoi(os.Getenv("IEWATCHER_CMD_FD"))
	respFD, _ := strconv.Atoi(os.Getenv("IEWATCHER_RESP_FD"))
	cmdFile := os.NewFile(uintptr(cmdFD), "cmd")
	respFile := os.NewFile(uintptr(respFD), "resp")

	fmt.Println(watchdbg.FormatTrapLine(watchdbg.TrapLine{
		TID: 1, RIP: 0x401000, DR6: "0x0", Bytes: []byte{0x90}, Inst: "nop",
	}))

	r := bufio.NewReader(cmdFile)
	line, err := r.ReadString('\n')
	if err != nil {
		os.Exit(0)
	}
	if _, _, err := watchdbg.ParseWriteCommand(line); err != nil {
		fmt.Fprintln(respFile, watchdbg.FormatErr(err.Error()))
		os.Exit(0)
	}
	fmt.Fprintln(respFile, watchdbg.FormatOK())
	os.Exit(0)
}
