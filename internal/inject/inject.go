// inject.go - code patching with original-byte bookkeeping
package inject

import (
	"errors"
	"fmt"
	"sort"

	"github.com/intuitionamiga/iecheat/internal/target"
)

var ErrNoRecord = errors.New("inject: no patch record for address")

// PatchRecord is one installed code patch.
type PatchRecord struct {
	Address  uint64
	Original []byte
	Patched  []byte
}

// Injector owns a ledger of installed patches against one target. Not
// thread-safe: callers confine it to the foreground context.
type Injector struct {
	handle  *target.Handle
	records map[uint64]PatchRecord
}

// New builds an Injector bound to h. h is borrowed, never owned.
func New(h *target.Handle) *Injector {
	return &Injector{handle: h, records: make(map[uint64]PatchRecord)}
}

// Patch captures the current bytes at addr as the record's original, then
// writes bytes. If either step fails, no record is inserted. If a record
// already existed for addr, its original is overwritten with whatever is
// captured now — including another patch's output: chained patches at the
// same address lose the pristine original, so a well-behaved caller
// restores before re-patching.
func (inj *Injector) Patch(addr uint64, bytes []byte) error {
	if !inj.handle.Attached() {
		return target.ErrNotAttached
	}
	original, err := inj.handle.Read(addr, len(bytes))
	if err != nil {
		return fmt.Errorf("inject: patch %#x: capture original: %w", addr, err)
	}
	if err := inj.handle.Write(addr, bytes); err != nil {
		return fmt.Errorf("inject: patch %#x: write: %w", addr, err)
	}
	inj.records[addr] = PatchRecord{
		Address:  addr,
		Original: append([]byte(nil), original...),
		Patched:  append([]byte(nil), bytes...),
	}
	return nil
}

// Restore writes back the original bytes for addr and erases its record.
// Writing may trigger the memory-writer fallback through a live watcher
// session.
func (inj *Injector) Restore(addr uint64) error {
	rec, ok := inj.records[addr]
	if !ok {
		return ErrNoRecord
	}
	if err := inj.handle.Write(addr, rec.Original); err != nil {
		return fmt.Errorf("inject: restore %#x: %w", addr, err)
	}
	delete(inj.records, addr)
	return nil
}

// Patches returns a stable-ordered snapshot of the current ledger.
func (inj *Injector) Patches() []PatchRecord {
	out := make([]PatchRecord, 0, len(inj.records))
	for _, r := range inj.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Has reports whether a patch record exists for addr.
func (inj *Injector) Has(addr uint64) bool {
	_, ok := inj.records[addr]
	return ok
}
