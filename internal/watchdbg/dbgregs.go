//go:build linux && amd64

// dbgregs.go - x86-64 debug register access via PTRACE_PEEKUSER/POKEUSER
//
// golang.org/x/sys/unix does not wrap PEEKUSER/POKEUSER, so these go
// straight through the raw ptrace syscall. The u_debugreg offset (848) and
// per-slot stride (8) come from struct user in <sys/user.h> on x86-64 and
// are architecture ABI, not kernel-version-dependent. Shared by
// cmd/iewatcher (arming) and internal/watchsession (fallback cleanup after
// an ungraceful kill) so the two never drift.
package watchdbg

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	ptracePeekUser = 3
	ptracePokeUser = 6

	debugRegBase   = 848 // offsetof(struct user, u_debugreg)
	debugRegStride = 8
)

func debugRegOffset(slot int) uintptr {
	return uintptr(debugRegBase + slot*debugRegStride)
}

// PeekUser reads one debug register slot (0-7) for tid.
func PeekUser(tid, slot int) (uint64, error) {
	var val uint64
	off := debugRegOffset(slot)
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, ptracePeekUser, uintptr(tid), off, uintptr(unsafe.Pointer(&val)), 0, 0)
	if errno != 0 {
		return 0, fmt.Errorf("watchdbg: PEEKUSER tid=%d slot=%d: %w", tid, slot, errno)
	}
	return val, nil
}

// PokeUser writes one debug register slot (0-7) for tid.
func PokeUser(tid, slot int, val uint64) error {
	off := debugRegOffset(slot)
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, ptracePokeUser, uintptr(tid), off, uintptr(val), 0, 0)
	if errno != 0 {
		return fmt.Errorf("watchdbg: POKEUSER tid=%d slot=%d: %w", tid, slot, errno)
	}
	return nil
}

// ClearDebugState zeroes DR7, DR6 and DR0 for one thread, in that order so
// the watchpoint is disabled before its address/status are wiped.
func ClearDebugState(tid int) error {
	if err := PokeUser(tid, 7, 0); err != nil {
		return err
	}
	if err := PokeUser(tid, 6, 0); err != nil {
		return err
	}
	return PokeUser(tid, 0, 0)
}
