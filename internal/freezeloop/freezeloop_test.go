package freezeloop

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/intuitionamiga/iecheat/internal/table"
	"github.com/intuitionamiga/iecheat/internal/target"
)

func TestTickSkipsScriptEntries(t *testing.T) {
	var h target.Handle
	l := New(&h)
	entries := []*table.WatchEntry{{IsScript: true}}
	require.NotPanics(t, func() { l.Tick(entries) })
}

func TestTickSkipsEntriesWithNoKnownSize(t *testing.T) {
	var h target.Handle
	l := New(&h)
	entries := []*table.WatchEntry{{Address: 0x1000}}
	require.NotPanics(t, func() { l.Tick(entries) })
	require.Nil(t, entries[0].LastBytes)
}

// TestTickFreezesAndShiftsDeltaCues runs against a real child process: a
// frozen entry's bytes are reimposed every tick despite the victim's own
// writes, and its last/previous bytes shift from one tick to the next.
func TestTickFreezesAndShiftsDeltaCues(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") == "1" {
		return
	}

	cmd := exec.Command(os.Args[0], "-test.run=TestHelperProcessFreezeVictim", "--")
	cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1")
	stdout, err := cmd.StdoutPipe()
	require.NoError(t, err)
	require.NoError(t, cmd.Start())
	defer func() { _ = cmd.Process.Kill(); _ = cmd.Wait() }()

	reader := bufio.NewReader(stdout)
	rawLine, err := reader.ReadString('\n')
	require.NoError(t, err)
	line := strings.TrimSpace(rawLine)
	const prefix = "addr="
	if !strings.HasPrefix(line, prefix) {
		t.Fatalf("unexpected helper output: %q", line)
	}
	addr, err := strconv.ParseUint(strings.TrimPrefix(line, prefix), 16, 64)
	require.NoError(t, err)

	var h target.Handle
	require.NoError(t, h.Attach(cmd.Process.Pid))
	if _, err := h.Read(addr, 4); err != nil {
		t.Skipf("ptrace unavailable in this sandbox: %v", err)
	}

	frozen := &table.WatchEntry{
		Address:     addr,
		Frozen:      true,
		FrozenBytes: []byte{100, 0, 0, 0},
	}
	l := New(&h)
	l.Tick([]*table.WatchEntry{frozen})
	require.Equal(t, []byte{100, 0, 0, 0}, frozen.LastBytes)
	require.Nil(t, frozen.PreviousBytes)

	time.Sleep(20 * time.Millisecond) // victim tries to mutate hp to 101
	l.Tick([]*table.WatchEntry{frozen})
	require.Equal(t, []byte{100, 0, 0, 0}, frozen.LastBytes, "freeze must have reimposed 100 over the victim's own write")
	require.Equal(t, []byte{100, 0, 0, 0}, frozen.PreviousBytes)
}

func TestHelperProcessFreezeVictim(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	hp := new(int32)
	*hp = 100
	fmt.Printf("addr=%x\n", uintptr(unsafe.Pointer(hp)))
	os.Stdout.Sync()
	for i := 0; i < 200; i++ {
		*hp = 101
		time.Sleep(5 * time.Millisecond)
	}
	runtime.KeepAlive(hp)
}
