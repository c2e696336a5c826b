//go:build linux && amd64

// main.go - hardware watchpoint engine subprocess
//
// watcher <pid> <address> {write|access} [len]
//
// address is hex (an optional 0x prefix is accepted); len defaults to 4.
//
// Attaches to every thread of pid, programs DR0/DR7 to trap on the given
// address, and streams one line per trap to stdout. Two inherited
// descriptors (named by the IEWATCHER_CMD_FD / IEWATCHER_RESP_FD
// environment variables) carry the in-band WRITE command channel used by
// internal/target's write fallback and internal/watchsession's supervisor.
package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/intuitionamiga/iecheat/internal/disasm"
	"github.com/intuitionamiga/iecheat/internal/watchdbg"
)

const tag = "iewatcher:"

type watcher struct {
	pid     int
	addr    uint64
	kind    watchdbg.Kind
	length  int
	memFile *os.File
	armed   map[int]bool
	running atomic.Bool
	dis     disasm.Disassembler
}

func main() {
	if len(os.Args) < 4 {
		fmt.Fprintln(os.Stderr, tag, "usage: watcher <pid> <address> {write|access} [len]")
		os.Exit(1)
	}
	pid, err := strconv.Atoi(os.Args[1])
	if err != nil {
		fatalf("invalid pid %q: %v", os.Args[1], err)
	}
	addr, err := parseAddress(os.Args[2])
	if err != nil {
		fatalf("invalid address %q: %v", os.Args[2], err)
	}
	kind, err := watchdbg.ParseKind(os.Args[3])
	if err != nil {
		fatalf("%v", err)
	}
	length := 4
	if len(os.Args) > 4 {
		length, err = strconv.Atoi(os.Args[4])
		if err != nil {
			fatalf("invalid length %q: %v", os.Args[4], err)
		}
	}

	w := &watcher{
		pid:    pid,
		addr:   watchdbg.AlignAddress(addr, length),
		kind:   kind,
		length: length,
		armed:  make(map[int]bool),
		dis:    disasm.ByteDump{},
	}
	w.running.Store(true)

	cmdFile, respFile := openChannels()

	if err := w.attachMain(); err != nil {
		fatalf("attach main thread: %v", err)
	}
	memFile, err := os.OpenFile(fmt.Sprintf("/proc/%d/mem", pid), os.O_RDONLY, 0)
	if err != nil {
		fatalf("open mem file: %v", err)
	}
	w.memFile = memFile

	if err := w.refreshThreads(); err != nil {
		fatalf("enumerate threads: %v", err)
	}
	total := len(w.armed)
	if tasks, err := os.ReadDir(fmt.Sprintf("/proc/%d/task", pid)); err == nil {
		total = len(tasks)
	}
	fmt.Fprintf(os.Stderr, "%s armed %d/%d threads\n", tag, len(w.armed), total)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		w.running.Store(false)
	}()

	w.eventLoop(cmdFile, respFile)
	w.shutdown()
	os.Exit(0)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, tag+" "+format+"\n", args...)
	os.Exit(1)
}

func parseAddress(s string) (uint64, error) {
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimPrefix(s, "0X")
	return strconv.ParseUint(s, 16, 64)
}

func openChannels() (cmd, resp *os.File) {
	cmdFD, _ := strconv.Atoi(os.Getenv("IEWATCHER_CMD_FD"))
	respFD, _ := strconv.Atoi(os.Getenv("IEWATCHER_RESP_FD"))
	cmd = os.NewFile(uintptr(cmdFD), "cmd")
	resp = os.NewFile(uintptr(respFD), "resp")
	if cmdFD > 0 {
		_ = unix.SetNonblock(cmdFD, true)
	}
	return
}

func (w *watcher) attachMain() error {
	if err := unix.PtraceAttach(w.pid); err != nil {
		return err
	}
	var ws unix.WaitStatus
	if _, err := unix.Wait4(w.pid, &ws, 0, nil); err != nil {
		return err
	}
	return w.arm(w.pid)
}

// arm programs DR0/DR7 for one thread, tolerating EPERM on attach as a
// signal that the thread is already attached (e.g. the main thread, or one
// raced onto by a concurrent refresh).
func (w *watcher) arm(tid int) error {
	if w.armed[tid] {
		return nil
	}
	if tid != w.pid {
		if err := unix.PtraceAttach(tid); err != nil && err != unix.EPERM {
			return fmt.Errorf("attach tid %d: %w", tid, err)
		}
		var ws unix.WaitStatus
		if _, err := unix.Wait4(tid, &ws, 0, nil); err != nil {
			return fmt.Errorf("wait tid %d: %w", tid, err)
		}
	}

	if err := watchdbg.PokeUser(tid, 0, w.addr); err != nil {
		return fmt.Errorf("set DR0 tid %d: %w", tid, err)
	}
	dr7, err := watchdbg.DR7Bits(w.kind, w.length)
	if err != nil {
		return err
	}
	if err := watchdbg.PokeUser(tid, 7, dr7); err != nil {
		return fmt.Errorf("set DR7 tid %d: %w", tid, err)
	}
	if err := watchdbg.PokeUser(tid, 6, 0); err != nil {
		return fmt.Errorf("clear DR6 tid %d: %w", tid, err)
	}
	if err := unix.PtraceCont(tid, 0); err != nil {
		return fmt.Errorf("cont tid %d: %w", tid, err)
	}
	w.armed[tid] = true
	return nil
}

func (w *watcher) refreshThreads() error {
	entries, err := os.ReadDir(fmt.Sprintf("/proc/%d/task", w.pid))
	if err != nil {
		return err
	}
	for _, e := range entries {
		tid, err := strconv.Atoi(e.Name())
		if err != nil || w.armed[tid] {
			continue
		}
		if err := w.arm(tid); err != nil {
			fmt.Fprintf(os.Stderr, "%s arm tid %d: %v\n", tag, tid, err)
		}
	}
	return nil
}

func (w *watcher) eventLoop(cmdFile, respFile *os.File) {
	var cmdReader *bufio.Reader
	if cmdFile != nil {
		cmdReader = bufio.NewReader(cmdFile)
	}
	var pending []byte

	for w.running.Load() {
		if cmdReader != nil {
			line, closed := readNonBlockingLine(cmdReader, &pending)
			if closed {
				w.running.Store(false)
				break
			}
			if line != "" {
				w.handleCommand(line, respFile)
			}
		}

		var ws unix.WaitStatus
		tid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if err != nil || tid <= 0 {
			time.Sleep(time.Millisecond)
			continue
		}
		w.handleStop(tid, ws)
	}
}

// readNonBlockingLine drains whatever is currently available on r into
// pending and returns a full line if one is ready. closed reports that the
// command channel's writer went away (EOF), which is a shutdown signal.
func readNonBlockingLine(r *bufio.Reader, pending *[]byte) (line string, closed bool) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			if err == io.EOF {
				return "", true
			}
			if pe, ok := err.(*os.PathError); ok && pe.Err == syscall.EAGAIN {
				return "", false
			}
			if err == syscall.EAGAIN {
				return "", false
			}
			return "", false
		}
		if b == '\n' {
			line = string(*pending)
			*pending = (*pending)[:0]
			return line, false
		}
		*pending = append(*pending, b)
	}
}

func (w *watcher) handleCommand(line string, respFile *os.File) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}
	switch fields[0] {
	case "WRITE":
		addr, data, err := watchdbg.ParseWriteCommand(line)
		if err != nil {
			respond(respFile, watchdbg.FormatErr(err.Error()))
			return
		}
		if err := w.writeViaPoke(addr, data); err != nil {
			respond(respFile, watchdbg.FormatErr(err.Error()))
			return
		}
		respond(respFile, watchdbg.FormatOK())
	default:
		respond(respFile, watchdbg.FormatErr("unknown command: "+fields[0]))
	}
}

func respond(f *os.File, line string) {
	if f == nil {
		return
	}
	fmt.Fprintln(f, line)
}

// writeViaPoke interrupts the main thread, pokes data word-by-word, and
// resumes it. We do not hold a PTRACE_SEIZE handle, so "interrupt" here is
// a real SIGSTOP delivered with tgkill; the thread is already attached, so
// the resulting stop is a ptrace-stop we can safely POKEDATA against.
func (w *watcher) writeViaPoke(addr uint64, data []byte) error {
	mainTid := w.pid
	if err := unix.Tgkill(w.pid, mainTid, syscall.SIGSTOP); err != nil {
		return fmt.Errorf("interrupt: %w", err)
	}
	var ws unix.WaitStatus
	if _, err := unix.Wait4(mainTid, &ws, 0, nil); err != nil {
		return fmt.Errorf("wait after interrupt: %w", err)
	}

	const wordSize = 8
	n := len(data)
	i := 0
	for i < n {
		wordAddr := addr + uint64(i)
		chunk := n - i
		if chunk > wordSize {
			chunk = wordSize
		}
		if chunk == wordSize {
			if _, err := unix.PtracePokeData(mainTid, uintptr(wordAddr), data[i:i+wordSize]); err != nil {
				_ = unix.PtraceCont(mainTid, 0)
				return err
			}
		} else {
			existing := make([]byte, wordSize)
			if _, err := unix.PtracePeekData(mainTid, uintptr(wordAddr), existing); err != nil {
				_ = unix.PtraceCont(mainTid, 0)
				return err
			}
			copy(existing, data[i:i+chunk])
			if _, err := unix.PtracePokeData(mainTid, uintptr(wordAddr), existing[:chunk]); err != nil {
				_ = unix.PtraceCont(mainTid, 0)
				return err
			}
		}
		i += chunk
	}
	return unix.PtraceCont(mainTid, 0)
}

func (w *watcher) handleStop(tid int, ws unix.WaitStatus) {
	if !ws.Stopped() {
		delete(w.armed, tid)
		return
	}
	sig := ws.StopSignal()
	if !w.armed[tid] {
		// Thread spawned after arming: forward the signal and let the next
		// refresh pass pick it up.
		_ = unix.PtraceCont(tid, int(sig))
		_ = w.refreshThreads()
		return
	}
	if sig != unix.SIGTRAP {
		_ = unix.PtraceCont(tid, int(sig))
		return
	}

	dr6, err := watchdbg.PeekUser(tid, 6)
	dr6Str := "peek-failed"
	if err == nil {
		dr6Str = fmt.Sprintf("0x%x", dr6)
		_ = watchdbg.PokeUser(tid, 6, 0)
	}

	var regs unix.PtraceRegs
	var rip uint64
	var bytes []byte
	if err := unix.PtraceGetRegs(tid, &regs); err == nil {
		rip = regs.Rip
		bytes = make([]byte, 16)
		if n, err := w.memFile.ReadAt(bytes, int64(rip)); err == nil || n > 0 {
			bytes = bytes[:n]
		} else {
			bytes = nil
		}
	}

	inst := "?"
	if len(bytes) > 0 {
		if decoded, err := w.dis.Disassemble(rip, bytes); err == nil {
			inst = decoded.String()
		}
	}

	fmt.Println(watchdbg.FormatTrapLine(watchdbg.TrapLine{
		TID: tid, RIP: rip, DR6: dr6Str, Bytes: bytes, Inst: inst,
	}))

	_ = unix.PtraceCont(tid, 0)
	_ = w.refreshThreads()
}

func (w *watcher) shutdown() {
	for tid := range w.armed {
		_ = unix.Tgkill(w.pid, tid, syscall.SIGSTOP)
		var ws unix.WaitStatus
		_, _ = unix.Wait4(tid, &ws, 0, nil)
		_ = watchdbg.ClearDebugState(tid)
		_ = unix.PtraceDetach(tid)
	}
	if w.memFile != nil {
		_ = w.memFile.Close()
	}
}
