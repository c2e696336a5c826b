// scanner.go - parallel first-scan/rescan pipeline
package scanner

import (
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/intuitionamiga/iecheat/internal/target"
)

const chunkSize = 64 * 1024

// maskedPaths lists backing paths excluded when SkipMaskedRegions is set.
var maskedPaths = []string{"[vvar]", "[vdso]", "[vsyscall]", "linux-vdso", "linux-gate", "[vectors]"}

// Scanner drives scans against one attached target.
type Scanner struct {
	handle *target.Handle

	mu      sync.Mutex
	results []ScanResult
	history [][]ScanResult

	cancel   atomic.Bool
	progress *atomic.Int64
	total    int64
}

// New builds a Scanner bound to h. h is borrowed, never owned.
func New(h *target.Handle) *Scanner {
	return &Scanner{handle: h}
}

// RequestCancel asks any in-flight scan to abandon its partial results.
func (s *Scanner) RequestCancel() { s.cancel.Store(true) }

// ResetCancel clears the cancel flag ahead of the next scan.
func (s *Scanner) ResetCancel() { s.cancel.Store(false) }

func (s *Scanner) cancelled() bool { return s.cancel.Load() }

// SetProgressSink installs a shared counter that scan workers atomically
// add transferred bytes to, and records the expected total for UI progress
// bars.
func (s *Scanner) SetProgressSink(counter *atomic.Int64, total int64) {
	s.progress = counter
	s.total = total
}

func (s *Scanner) addProgress(n int) {
	if s.progress != nil {
		s.progress.Add(int64(n))
	}
}

// Results returns a copy of the current result set.
func (s *Scanner) Results() []ScanResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScanResult, len(s.results))
	copy(out, s.results)
	return out
}

// Reset discards all results and undo history.
func (s *Scanner) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = nil
	s.history = nil
}

// RestoreResults replaces the current result set, e.g. from a saved undo
// snapshot. It does not itself push a history entry.
func (s *Scanner) RestoreResults(snapshot []ScanResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append([]ScanResult(nil), snapshot...)
}

// HistorySnapshots returns a deep copy of the undo stack, oldest first, so
// a caller that persists scan state across process invocations (cheatctl's
// scan cache) can reconstruct it later via RestoreHistory.
func (s *Scanner) HistorySnapshots() [][]ScanResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]ScanResult, len(s.history))
	for i, snap := range s.history {
		out[i] = append([]ScanResult(nil), snap...)
	}
	return out
}

// RestoreHistory replaces both the undo stack and the current result set
// in one step, the counterpart to HistorySnapshots for cross-process
// persistence of a scan session.
func (s *Scanner) RestoreHistory(history [][]ScanResult, current []ScanResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = make([][]ScanResult, len(history))
	for i, snap := range history {
		s.history[i] = append([]ScanResult(nil), snap...)
	}
	s.results = append([]ScanResult(nil), current...)
}

// Undo pops the most recent pre-scan snapshot and makes it current,
// restoring the result set seen after the previous scan.
func (s *Scanner) Undo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.history) == 0 {
		return false
	}
	last := s.history[len(s.history)-1]
	s.history = s.history[:len(s.history)-1]
	s.results = last
	return true
}

func (s *Scanner) pushHistory() {
	s.mu.Lock()
	s.history = append(s.history, append([]ScanResult(nil), s.results...))
	s.mu.Unlock()
}

func (s *Scanner) popHistory() {
	s.mu.Lock()
	if len(s.history) > 0 {
		s.history = s.history[:len(s.history)-1]
	}
	s.mu.Unlock()
}

// admittedRegions applies the region filter and window clamp to the
// target's current memory map.
func (s *Scanner) admittedRegions(p ScanParams) ([]target.Region, error) {
	regions, err := s.handle.Regions()
	if err != nil {
		return nil, err
	}
	winStart, winEnd := p.StartAddr, p.EndAddr
	hasWindow := winStart != 0 || winEnd != 0

	out := make([]target.Region, 0, len(regions))
	for _, r := range regions {
		if !r.Readable() {
			continue
		}
		if p.RequireWritable && !r.Writable() {
			continue
		}
		if p.RequireExecutable && !r.Executable() {
			continue
		}
		if p.SkipMaskedRegions && isMasked(r.Path) {
			continue
		}
		if hasWindow {
			if winStart > r.Start {
				r.Start = winStart
			}
			if winEnd != 0 && winEnd < r.End {
				r.End = winEnd
			}
			if r.Start >= r.End {
				continue
			}
		}
		out = append(out, r)
	}
	return out, nil
}

func isMasked(path string) bool {
	for _, m := range maskedPaths {
		if strings.HasPrefix(m, "[") {
			if path == m {
				return true
			}
			continue
		}
		if strings.Contains(path, m) {
			return true
		}
	}
	return false
}

// EstimateWork sums the clamped sizes of every region the filter admits;
// used to size progress bars ahead of a scan.
func (s *Scanner) EstimateWork(p ScanParams) (int64, error) {
	regions, err := s.admittedRegions(p)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, r := range regions {
		total += int64(r.End - r.Start)
	}
	return total, nil
}

// FirstScan runs the initial pass over every admitted region.
func (s *Scanner) FirstScan(p ScanParams) error {
	p.Normalize()
	s.pushHistory()

	regions, err := s.admittedRegions(p)
	if err != nil {
		s.popHistory()
		return err
	}

	var results []ScanResult
	switch p.ValueType {
	case ValueAOB:
		results, err = s.scanAOB(regions, p)
	case ValueString:
		results, err = s.scanString(regions, p)
	default:
		results, err = s.scanTypedRegions(regions, p)
	}
	if err != nil {
		s.popHistory()
		return err
	}

	sortResults(results)
	s.mu.Lock()
	s.results = results
	s.mu.Unlock()
	return nil
}

// NextScan filters the current result set against the rescan predicate,
// except for Aob mode which re-executes the full pattern scan.
func (s *Scanner) NextScan(p ScanParams) error {
	p.Normalize()
	s.pushHistory()

	if p.ValueType == ValueAOB {
		regions, err := s.admittedRegions(p)
		if err != nil {
			s.popHistory()
			return err
		}
		results, err := s.scanAOB(regions, p)
		if err != nil {
			s.popHistory()
			return err
		}
		sortResults(results)
		s.mu.Lock()
		s.results = results
		s.mu.Unlock()
		return nil
	}

	s.mu.Lock()
	current := append([]ScanResult(nil), s.results...)
	s.mu.Unlock()

	results, err := s.filterExisting(current, p)
	if err != nil {
		s.popHistory()
		return err
	}
	sortResults(results)
	s.mu.Lock()
	s.results = results
	s.mu.Unlock()
	return nil
}

func sortResults(r []ScanResult) {
	sort.Slice(r, func(i, j int) bool { return r[i].Address < r[j].Address })
}

func workerCount() int {
	n := runtime.GOMAXPROCS(0)
	if n < 1 {
		return 1
	}
	return n
}

// scanTypedRegions implements the typed first-scan pass, sharding regions
// across a worker pool.
func (s *Scanner) scanTypedRegions(regions []target.Region, p ScanParams) ([]ScanResult, error) {
	keep, err := buildPredicate(p, true)
	if err != nil {
		return nil, err
	}
	size := p.ValueType.Size()
	align := uint64(p.Alignment)
	if align == 0 {
		align = 1
	}

	var mu sync.Mutex
	var merged []ScanResult
	var g errgroup.Group
	workers := workerCount()

	for w := 0; w < workers; w++ {
		w := w
		g.Go(func() error {
			var local []ScanResult
			for i := w; i < len(regions); i += workers {
				if s.cancelled() {
					return ErrCancelled
				}
				hits, err := s.scanTypedRegion(regions[i], size, align, keep)
				if err != nil {
					return err
				}
				local = append(local, hits...)
			}
			mu.Lock()
			merged = append(merged, local...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return merged, nil
}

func (s *Scanner) scanTypedRegion(r target.Region, size int, align uint64, keep func(current, stored uint64) bool) ([]ScanResult, error) {
	var hits []ScanResult
	for pos := r.Start; pos < r.End; pos += chunkSize {
		if s.cancelled() {
			return nil, ErrCancelled
		}
		readLen := chunkSize
		if pos+uint64(readLen) > r.End {
			readLen = int(r.End - pos)
		}
		if readLen < size {
			continue
		}
		data, err := s.handle.Read(pos, readLen)
		if err != nil {
			continue
		}
		s.addProgress(readLen)
		limit := len(data) - size
		for i := 0; i <= limit; i++ {
			if s.cancelled() {
				return nil, ErrCancelled
			}
			addr := pos + uint64(i)
			if addr%align != 0 {
				continue
			}
			raw := encodeRaw(data[i : i+size])
			if keep(raw, 0) {
				hits = append(hits, ScanResult{Address: addr, Raw: raw})
			}
		}
	}
	return hits, nil
}

// filterExisting re-reads each current result's address and applies the
// rescan predicate, updating Raw to the freshly observed value on
// survival.
func (s *Scanner) filterExisting(current []ScanResult, p ScanParams) ([]ScanResult, error) {
	keep, err := buildPredicate(p, false)
	if err != nil {
		return nil, err
	}
	size := p.ValueType.Size()

	var mu sync.Mutex
	var merged []ScanResult
	var g errgroup.Group
	workers := workerCount()
	if workers > len(current) && len(current) > 0 {
		workers = len(current)
	}
	if workers < 1 {
		workers = 1
	}

	for w := 0; w < workers; w++ {
		w := w
		g.Go(func() error {
			var local []ScanResult
			for i := w; i < len(current); i += workers {
				if s.cancelled() {
					return ErrCancelled
				}
				res := current[i]
				data, err := s.handle.Read(res.Address, size)
				if err != nil {
					continue
				}
				s.addProgress(size)
				raw := encodeRaw(data)
				if keep(raw, res.Raw) {
					local = append(local, ScanResult{Address: res.Address, Raw: raw})
				}
			}
			mu.Lock()
			merged = append(merged, local...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return merged, nil
}

// buildPredicate returns the keep(current, stored) test for p.Mode. stored
// is unused (and the mode rejected) when firstScan is true and the mode
// requires a prior observation.
func buildPredicate(p ScanParams, firstScan bool) (func(current, stored uint64) bool, error) {
	switch p.Mode {
	case ModeUnknownInitial:
		return func(uint64, uint64) bool { return true }, nil
	case ModeExact:
		needle, err := parseNeedle(p.ValueType, p.Value1, p.HexInput)
		if err != nil {
			return nil, err
		}
		return func(c, _ uint64) bool { return compareNumeric(p.ValueType, c, needle) == 0 }, nil
	case ModeGreaterThan:
		needle, err := parseNeedle(p.ValueType, p.Value1, p.HexInput)
		if err != nil {
			return nil, err
		}
		return func(c, _ uint64) bool { return compareNumeric(p.ValueType, c, needle) > 0 }, nil
	case ModeLessThan:
		needle, err := parseNeedle(p.ValueType, p.Value1, p.HexInput)
		if err != nil {
			return nil, err
		}
		return func(c, _ uint64) bool { return compareNumeric(p.ValueType, c, needle) < 0 }, nil
	case ModeBetween:
		n1, err := parseNeedle(p.ValueType, p.Value1, p.HexInput)
		if err != nil {
			return nil, err
		}
		n2, err := parseNeedle(p.ValueType, p.Value2, p.HexInput)
		if err != nil {
			return nil, err
		}
		return func(c, _ uint64) bool {
			return compareNumeric(p.ValueType, c, n1) >= 0 && compareNumeric(p.ValueType, c, n2) <= 0
		}, nil
	case ModeChanged:
		if firstScan {
			return nil, ErrParseFailed
		}
		return func(c, stored uint64) bool { return c != stored }, nil
	case ModeUnchanged:
		if firstScan {
			return nil, ErrParseFailed
		}
		return func(c, stored uint64) bool { return c == stored }, nil
	case ModeIncreased:
		if firstScan {
			return nil, ErrParseFailed
		}
		return func(c, stored uint64) bool { return compareNumeric(p.ValueType, c, stored) > 0 }, nil
	case ModeDecreased:
		if firstScan {
			return nil, ErrParseFailed
		}
		return func(c, stored uint64) bool { return compareNumeric(p.ValueType, c, stored) < 0 }, nil
	default:
		return nil, ErrParseFailed
	}
}

// scanAOB runs the sliding pattern match across regions, carrying
// pattern.len()-1 bytes across 64 KiB chunk boundaries.
func (s *Scanner) scanAOB(regions []target.Region, p ScanParams) ([]ScanResult, error) {
	pattern, err := ParseAOBPattern(p.Value1)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	var merged []ScanResult
	var g errgroup.Group
	workers := workerCount()

	for w := 0; w < workers; w++ {
		w := w
		g.Go(func() error {
			var local []ScanResult
			for i := w; i < len(regions); i += workers {
				if s.cancelled() {
					return ErrCancelled
				}
				hits, err := s.scanAOBRegion(regions[i], pattern)
				if err != nil {
					return err
				}
				local = append(local, hits...)
			}
			mu.Lock()
			merged = append(merged, local...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return merged, nil
}

func (s *Scanner) scanAOBRegion(r target.Region, pattern []PatternByte) ([]ScanResult, error) {
	patLen := len(pattern)
	var hits []ScanResult
	var carry []byte

	for pos := r.Start; pos < r.End; pos += chunkSize {
		if s.cancelled() {
			return nil, ErrCancelled
		}
		readLen := chunkSize
		if pos+uint64(readLen) > r.End {
			readLen = int(r.End - pos)
		}
		data, err := s.handle.Read(pos, readLen)
		if err != nil {
			carry = nil
			continue
		}
		s.addProgress(readLen)

		full := append(append([]byte(nil), carry...), data...)
		baseAddr := pos - uint64(len(carry))

		limit := len(full) - patLen
		for i := 0; i <= limit; i++ {
			if s.cancelled() {
				return nil, ErrCancelled
			}
			if matchAOB(full[i:i+patLen], pattern) {
				hits = append(hits, ScanResult{Address: baseAddr + uint64(i)})
			}
		}
		if patLen > 1 {
			tail := patLen - 1
			if len(full) >= tail {
				carry = append([]byte(nil), full[len(full)-tail:]...)
			} else {
				carry = append([]byte(nil), full...)
			}
		} else {
			carry = nil
		}
	}
	return hits, nil
}

// scanString runs a naive substring search across regions, alignment 1,
// with the same chunk-boundary carry as scanAOB.
func (s *Scanner) scanString(regions []target.Region, p ScanParams) ([]ScanResult, error) {
	needle := []byte(p.Value1)
	if len(needle) == 0 {
		return nil, ErrParseFailed
	}

	var mu sync.Mutex
	var merged []ScanResult
	var g errgroup.Group
	workers := workerCount()

	for w := 0; w < workers; w++ {
		w := w
		g.Go(func() error {
			var local []ScanResult
			for i := w; i < len(regions); i += workers {
				if s.cancelled() {
					return ErrCancelled
				}
				hits, err := s.scanStringRegion(regions[i], needle)
				if err != nil {
					return err
				}
				local = append(local, hits...)
			}
			mu.Lock()
			merged = append(merged, local...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return merged, nil
}

func (s *Scanner) scanStringRegion(r target.Region, needle []byte) ([]ScanResult, error) {
	patLen := len(needle)
	var hits []ScanResult
	var carry []byte

	for pos := r.Start; pos < r.End; pos += chunkSize {
		if s.cancelled() {
			return nil, ErrCancelled
		}
		readLen := chunkSize
		if pos+uint64(readLen) > r.End {
			readLen = int(r.End - pos)
		}
		data, err := s.handle.Read(pos, readLen)
		if err != nil {
			carry = nil
			continue
		}
		s.addProgress(readLen)

		full := append(append([]byte(nil), carry...), data...)
		baseAddr := pos - uint64(len(carry))

		limit := len(full) - patLen
		for i := 0; i <= limit; i++ {
			if s.cancelled() {
				return nil, ErrCancelled
			}
			if string(full[i:i+patLen]) == string(needle) {
				hits = append(hits, ScanResult{Address: baseAddr + uint64(i)})
			}
		}
		if patLen > 1 {
			tail := patLen - 1
			if len(full) >= tail {
				carry = append([]byte(nil), full[len(full)-tail:]...)
			} else {
				carry = append([]byte(nil), full...)
			}
		} else {
			carry = nil
		}
	}
	return hits, nil
}
