// session.go - watch session supervisor: spawns/kills the watcher subprocess
// and aggregates its trap lines
package watchsession

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/intuitionamiga/iecheat/internal/target"
	"github.com/intuitionamiga/iecheat/internal/watchdbg"
)

// Hit is one aggregated statistic for a trapping instruction.
type Hit struct {
	Count      int
	Bytes      string // hex
	Opcode     string
	AccessKind watchdbg.Kind
}

// Session is one live hardware-watchpoint engagement.
type Session struct {
	ID      uuid.UUID
	PID     int
	Addr    uint64
	Length  int
	Kind    watchdbg.Kind

	// WatcherPath overrides the executable looked up on PATH; tests set it
	// to a stub binary.
	WatcherPath string

	cmd      *exec.Cmd
	cmdWrite *os.File
	respRead *os.File

	mu   sync.Mutex
	hits map[uint64]*Hit

	wg      sync.WaitGroup
	exited  chan struct{}
	writeMu sync.Mutex
}

var (
	registryMu sync.Mutex
	registry   = map[int]map[uuid.UUID]*Session{}
)

// New creates a session descriptor; call Start to spawn the subprocess.
func New(pid int, addr uint64, kind watchdbg.Kind, length int) *Session {
	return &Session{
		ID:     uuid.New(),
		PID:    pid,
		Addr:   watchdbg.AlignAddress(addr, length),
		Length: length,
		Kind:   kind,
		hits:   make(map[uint64]*Hit),
		exited: make(chan struct{}),
	}
}

// Start forks-and-execs the watcher subprocess with three pipes (stdout,
// command, response) and spawns the goroutine that parses its output.
func (s *Session) Start() error {
	path := s.WatcherPath
	if path == "" {
		resolved, err := exec.LookPath("iewatcher")
		if err != nil {
			return fmt.Errorf("watchsession: watcher spawn failed: %w", err)
		}
		path = resolved
	}

	cmdR, cmdW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("watchsession: watcher spawn failed: %w", err)
	}
	respR, respW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("watchsession: watcher spawn failed: %w", err)
	}

	cmd := exec.Command(path,
		strconv.Itoa(s.PID),
		fmt.Sprintf("%x", s.Addr),
		s.Kind.String(),
		strconv.Itoa(s.Length),
	)
	cmd.ExtraFiles = []*os.File{cmdR, respW}
	cmd.Env = append(os.Environ(), "IEWATCHER_CMD_FD=3", "IEWATCHER_RESP_FD=4")
	cmd.Stderr = os.Stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("watchsession: watcher spawn failed: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("watchsession: watcher spawn failed: %w", err)
	}
	// The child now owns these ends; the parent keeps the other halves.
	_ = cmdR.Close()
	_ = respW.Close()

	s.cmd = cmd
	s.cmdWrite = cmdW
	s.respRead = respR

	s.wg.Add(1)
	go s.readLoop(stdout)
	go func() {
		_ = cmd.Wait()
		close(s.exited)
	}()

	registerSession(s)
	return nil
}

func (s *Session) readLoop(r io.Reader) {
	defer s.wg.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		trap, ok := watchdbg.ParseTrapLine(sc.Text())
		if !ok {
			continue
		}
		s.recordHit(trap)
	}
}

func (s *Session) recordHit(trap watchdbg.TrapLine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.hits[trap.RIP]; ok {
		h.Count++
		return
	}
	s.hits[trap.RIP] = &Hit{
		Count:      1,
		Bytes:      fmt.Sprintf("% x", trap.Bytes),
		Opcode:     trap.Inst,
		AccessKind: s.Kind,
	}
}

// Snapshot returns a copy of the current RIP -> Hit map.
func (s *Session) Snapshot() map[uint64]Hit {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uint64]Hit, len(s.hits))
	for rip, h := range s.hits {
		out[rip] = *h
	}
	return out
}

// IsRunning reports whether the subprocess has not yet exited.
func (s *Session) IsRunning() bool {
	select {
	case <-s.exited:
		return false
	default:
		return s.cmd != nil
	}
}

// WriteViaWatcher pokes data through the command channel: interrupt/poke/
// continue are all handled inside the subprocess, this just serializes the
// request/response exchange.
func (s *Session) WriteViaWatcher(addr uint64, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.cmdWrite == nil || s.respRead == nil {
		return fmt.Errorf("watchsession: no command channel")
	}
	if _, err := fmt.Fprintln(s.cmdWrite, watchdbg.FormatWriteCommand(addr, data)); err != nil {
		return fmt.Errorf("watchsession: write command: %w", err)
	}

	respCh := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		r := bufio.NewReader(s.respRead)
		line, err := r.ReadString('\n')
		if err != nil {
			errCh <- err
			return
		}
		respCh <- line
	}()

	select {
	case line := <-respCh:
		ok, reason := watchdbg.ParseResponse(line)
		if !ok {
			return fmt.Errorf("watchsession: write rejected: %s", reason)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("watchsession: read response: %w", err)
	case <-time.After(2 * time.Second):
		return fmt.Errorf("watchsession: write timed out")
	}
}

// Stop escalates SIGINT -> up to ~5s polling -> SIGKILL, then runs a
// fallback DR cleanup if the child had to be killed.
func (s *Session) Stop() error {
	defer deregisterSession(s)

	if s.cmd == nil || s.cmd.Process == nil {
		return nil
	}

	_ = s.cmd.Process.Signal(os.Interrupt)
	graceful := waitWithTimeout(s.exited, 5*time.Second)
	if !graceful {
		_ = s.cmd.Process.Kill()
		<-s.exited
		if err := s.fallbackCleanup(); err != nil {
			fmt.Fprintf(os.Stderr, "watchsession: fallback cleanup: %v\n", err)
		}
	}

	s.wg.Wait()
	if s.cmdWrite != nil {
		_ = s.cmdWrite.Close()
	}
	if s.respRead != nil {
		_ = s.respRead.Close()
	}
	return nil
}

func waitWithTimeout(done <-chan struct{}, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		select {
		case <-done:
			return true
		default:
			time.Sleep(100 * time.Millisecond)
		}
	}
	select {
	case <-done:
		return true
	default:
		return false
	}
}

// fallbackCleanup attaches to every surviving thread of the victim and
// zeroes its debug registers, recovering it from a stuck armed state after
// the watcher subprocess was killed mid-flight.
func (s *Session) fallbackCleanup() error {
	var h target.Handle
	if err := h.Attach(s.PID); err != nil {
		return err
	}
	defer h.Detach()
	tids, err := h.Threads()
	if err != nil {
		return err
	}
	var firstErr error
	for _, tid := range tids {
		if err := cleanupThread(tid); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// cleanupThread attaches to a single thread long enough to zero its debug
// registers, then detaches, leaving the thread running as it found it.
func cleanupThread(tid int) error {
	if err := unix.PtraceAttach(tid); err != nil {
		if err == unix.EPERM {
			// Already attached (e.g. still owned by a dying iewatcher); try
			// the register clear directly.
			if cerr := watchdbg.ClearDebugState(tid); cerr != nil {
				return cerr
			}
			return nil
		}
		return fmt.Errorf("watchsession: attach tid %d: %w", tid, err)
	}
	var ws unix.WaitStatus
	if _, err := unix.Wait4(tid, &ws, 0, nil); err != nil {
		return fmt.Errorf("watchsession: wait tid %d: %w", tid, err)
	}
	if err := watchdbg.ClearDebugState(tid); err != nil {
		_ = unix.PtraceDetach(tid)
		return err
	}
	return unix.PtraceDetach(tid)
}

func registerSession(s *Session) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if registry[s.PID] == nil {
		registry[s.PID] = make(map[uuid.UUID]*Session)
	}
	registry[s.PID][s.ID] = s
}

func deregisterSession(s *Session) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if m, ok := registry[s.PID]; ok {
		delete(m, s.ID)
		if len(m) == 0 {
			delete(registry, s.PID)
		}
	}
}

// WriteViaAnySession is the global entry point used by internal/target's
// write fallback: it looks up any live session for pid and forwards the
// write through its command channel.
func WriteViaAnySession(pid int, addr uint64, data []byte) error {
	registryMu.Lock()
	var candidate *Session
	for _, s := range registry[pid] {
		candidate = s
		break
	}
	registryMu.Unlock()
	if candidate == nil {
		return fmt.Errorf("watchsession: no live session for pid %d", pid)
	}
	return candidate.WriteViaWatcher(addr, data)
}

func init() {
	target.RegisterWatcherWriter(WriteViaAnySession)
}
