package scanner

import (
	"bufio"
	"encoding/binary"
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

	"github.com/intuitionamiga/iecheat/internal/target"
)

func TestParseAOBPattern(t *testing.T) {
	pat, err := ParseAOBPattern("48 89 ?? 90 5D C3")
	require.NoError(t, err)
	require.Len(t, pat, 6)
	require.True(t, pat[2].Wildcard)
	require.Equal(t, byte(0x48), pat[0].Value)

	_, err = ParseAOBPattern("")
	require.ErrorIs(t, err, ErrParseFailed)

	_, err = ParseAOBPattern("zz")
	require.ErrorIs(t, err, ErrParseFailed)
}

func TestMatchAOB(t *testing.T) {
	pat, err := ParseAOBPattern("48 89 ?? 90 5D C3")
	require.NoError(t, err)
	require.True(t, matchAOB([]byte{0x48, 0x89, 0xE5, 0x90, 0x5D, 0xC3}, pat))
	require.False(t, matchAOB([]byte{0x48, 0x89, 0xE5, 0x91, 0x5D, 0xC3}, pat))
}

func TestEncodeRawAndNumericValue(t *testing.T) {
	raw := encodeRaw([]byte{0x64, 0x00, 0x00, 0x00}) // 100 as LE I32
	require.Equal(t, uint64(100), raw)
	require.Equal(t, float64(100), numericValue(ValueI32, raw))

	neg := encodeRaw([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	require.Equal(t, float64(-1), numericValue(ValueI32, neg))
}

func TestParseNeedleDecimalAndHex(t *testing.T) {
	raw, err := parseNeedle(ValueI32, "100", false)
	require.NoError(t, err)
	require.Equal(t, float64(100), numericValue(ValueI32, raw))

	raw, err = parseNeedle(ValueI32, "0x64", true)
	require.NoError(t, err)
	require.Equal(t, uint64(0x64), raw)
}

func TestBuildPredicateRejectsDeltaModesOnFirstScan(t *testing.T) {
	p := ScanParams{ValueType: ValueI32, Mode: ModeChanged}
	_, err := buildPredicate(p, true)
	require.ErrorIs(t, err, ErrParseFailed)

	_, err = buildPredicate(p, false)
	require.NoError(t, err)
}

func TestBuildPredicateExactAndBetween(t *testing.T) {
	keep, err := buildPredicate(ScanParams{ValueType: ValueI32, Mode: ModeExact, Value1: "100"}, true)
	require.NoError(t, err)
	require.True(t, keep(encodeRaw(le32(100)), 0))
	require.False(t, keep(encodeRaw(le32(101)), 0))

	keep, err = buildPredicate(ScanParams{ValueType: ValueI32, Mode: ModeBetween, Value1: "10", Value2: "20"}, true)
	require.NoError(t, err)
	require.True(t, keep(encodeRaw(le32(15)), 0))
	require.False(t, keep(encodeRaw(le32(25)), 0))
}

func TestNormalizeDefaultAlignment(t *testing.T) {
	p := ScanParams{ValueType: ValueI32}
	p.Normalize()
	require.Equal(t, 4, p.Alignment)

	p = ScanParams{ValueType: ValueAOB}
	p.Normalize()
	require.Equal(t, 1, p.Alignment)

	p = ScanParams{ValueType: ValueI64, Alignment: 1, FastScan: true}
	p.Normalize()
	require.Equal(t, 8, p.Alignment, "FastScan forces the type's natural alignment")
}

func TestIsMasked(t *testing.T) {
	require.True(t, isMasked("[vvar]"))
	require.True(t, isMasked("[vdso]"))
	require.True(t, isMasked("/lib/x86_64-linux-gnu/linux-vdso.so.1"))
	require.False(t, isMasked("/usr/bin/victim"))
	require.False(t, isMasked(""))
}

func TestUndoHistoryRoundTrip(t *testing.T) {
	var h target.Handle
	s := New(&h)

	s.mu.Lock()
	s.results = []ScanResult{{Address: 1}}
	s.mu.Unlock()
	s.pushHistory() // snapshot of [{1}]

	s.mu.Lock()
	s.results = []ScanResult{{Address: 1}, {Address: 2}}
	s.mu.Unlock()

	require.True(t, s.Undo())
	require.Equal(t, []ScanResult{{Address: 1}}, s.Results())
	require.False(t, s.Undo())
}

func TestResetAndRestoreResults(t *testing.T) {
	var h target.Handle
	s := New(&h)
	s.RestoreResults([]ScanResult{{Address: 42}})
	require.Equal(t, []ScanResult{{Address: 42}}, s.Results())

	s.Reset()
	require.Empty(t, s.Results())
}

func le32(v int32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(v))
	return b
}

// TestScanAndNarrowEndToEnd runs a scan-then-narrow pass against a real
// child process via process_vm_readv/writev, skipping if the sandbox
// denies ptrace of even a direct child.
func TestScanAndNarrowEndToEnd(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") == "1" {
		return
	}

	cmd := exec.Command(os.Args[0], "-test.run=TestHelperProcessVictim", "--")
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

	s := New(&h)
	require.NoError(t, s.FirstScan(ScanParams{
		ValueType:         ValueI32,
		Mode:              ModeExact,
		Value1:            "100",
		StartAddr:         addr &^ 0xfff,
		EndAddr:           (addr + 0x1000) &^ 0xfff,
		SkipMaskedRegions: true,
	}))
	require.Contains(t, addressesOf(s.Results()), addr)

	time.Sleep(20 * time.Millisecond) // let the victim mutate hp to 101

	require.NoError(t, s.NextScan(ScanParams{ValueType: ValueI32, Mode: ModeChanged}))
	require.Contains(t, addressesOf(s.Results()), addr)

	require.NoError(t, s.NextScan(ScanParams{ValueType: ValueI32, Mode: ModeExact, Value1: "101"}))
	require.Contains(t, addressesOf(s.Results()), addr)

	require.NoError(t, s.NextScan(ScanParams{ValueType: ValueI32, Mode: ModeExact, Value1: "100"}))
	require.NotContains(t, addressesOf(s.Results()), addr)
}

func addressesOf(results []ScanResult) []uint64 {
	out := make([]uint64, len(results))
	for i, r := range results {
		out[i] = r.Address
	}
	return out
}

// TestHelperProcessVictim is re-executed as a subprocess: it prints the
// address of a known int32, sets it to 100, then to 101 shortly after.
func TestHelperProcessVictim(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	hp := new(int32)
	*hp = 100
	fmt.Printf("addr=%x\n", uintptr(unsafe.Pointer(hp)))
	os.Stdout.Sync()
	time.Sleep(15 * time.Millisecond)
	*hp = 101
	runtime.KeepAlive(hp)
	time.Sleep(2 * time.Second)
}
