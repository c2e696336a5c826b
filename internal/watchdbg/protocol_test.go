package watchdbg

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDR7BitsLengthEncoding(t *testing.T) {
	cases := []struct {
		length  int
		kind    Kind
		wantLen uint64
		wantRW  uint64
	}{
		{1, KindWrites, 0b00, 0b01},
		{2, KindWrites, 0b01, 0b01},
		{8, KindWrites, 0b10, 0b01},
		{4, KindWrites, 0b11, 0b01},
		{4, KindAccesses, 0b11, 0b11},
	}
	for _, c := range cases {
		dr7, err := DR7Bits(c.kind, c.length)
		require.NoError(t, err)
		require.Equal(t, uint64(1), dr7&1, "local-enable bit must be set")
		require.Equal(t, c.wantRW, (dr7>>16)&0b11)
		require.Equal(t, c.wantLen, (dr7>>18)&0b11)
	}

	_, err := DR7Bits(KindWrites, 3)
	require.Error(t, err)
}

func TestAlignAddress(t *testing.T) {
	require.Equal(t, uint64(0x1000), AlignAddress(0x1001, 1))
	require.Equal(t, uint64(0x1000), AlignAddress(0x1001, 2))
	require.Equal(t, uint64(0x1000), AlignAddress(0x1003, 4))
	require.Equal(t, uint64(0x1000), AlignAddress(0x1007, 8))
}

func TestTrapLineRoundTrip(t *testing.T) {
	in := TrapLine{TID: 42, RIP: 0x401000, DR6: "0x0", Bytes: []byte{0x89, 0x45, 0xfc}, Inst: "mov [rbp-4], eax"}
	line := FormatTrapLine(in)
	require.Equal(t, "tid=42 rip=0x401000 dr6=0x0 bytes=89 45 fc inst=mov [rbp-4], eax", line)

	out, ok := ParseTrapLine(line)
	require.True(t, ok)
	require.Equal(t, in, out)
}

func TestParseTrapLineIgnoresUnknownFields(t *testing.T) {
	line := "tid=7 extra=ignored rip=0xdeadbeef dr6=peek-failed bytes=90 inst=nop"
	out, ok := ParseTrapLine(line)
	require.True(t, ok)
	require.Equal(t, 7, out.TID)
	require.Equal(t, uint64(0xdeadbeef), out.RIP)
	require.Equal(t, "peek-failed", out.DR6)
	require.Equal(t, []byte{0x90}, out.Bytes)
	require.Equal(t, "nop", out.Inst)
}

func TestParseTrapLineMalformed(t *testing.T) {
	_, ok := ParseTrapLine("not a trap line")
	require.False(t, ok)
}

func TestWriteCommandRoundTrip(t *testing.T) {
	line := FormatWriteCommand(0x1000, []byte{0x90, 0xcc})
	require.Equal(t, "WRITE 1000 90 cc", line)

	addr, data, err := ParseWriteCommand(line)
	require.NoError(t, err)
	require.Equal(t, uint64(0x1000), addr)
	require.Equal(t, []byte{0x90, 0xcc}, data)
}

func TestParseResponse(t *testing.T) {
	ok, reason := ParseResponse("OK\n")
	require.True(t, ok)
	require.Empty(t, reason)

	ok, reason = ParseResponse("ERR ptrace failed: EPERM")
	require.False(t, ok)
	require.Equal(t, "ptrace failed: EPERM", reason)
}
