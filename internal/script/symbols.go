// symbols.go - symbol table and address-expression evaluation
package script

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/intuitionamiga/iecheat/internal/target"
)

// SymbolTable binds names (module basenames, aobscan labels) to addresses.
// Safe for concurrent use; a script's enable/disable commands run serially
// but the same table may be inspected by a caller's UI at the same time.
type SymbolTable struct {
	mu sync.RWMutex
	m  map[string]uint64
}

// NewSymbolTable returns an empty table.
func NewSymbolTable() *SymbolTable {
	return &SymbolTable{m: make(map[string]uint64)}
}

// Bind records addr under name, overwriting any prior binding.
func (t *SymbolTable) Bind(name string, addr uint64) {
	t.mu.Lock()
	t.m[name] = addr
	t.mu.Unlock()
}

// Resolve looks up name, case-sensitively.
func (t *SymbolTable) Resolve(name string) (uint64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.m[name]
	return v, ok
}

// LoadModuleBases binds each mapped module's basename to the lowest start
// address at which it appears, skipping pseudo-regions such as [heap] or
// [stack] whose bracketed paths are never legitimate module names. Regions
// already bound (an earlier, lower mapping of the same file) are left
// untouched, since /proc/<pid>/maps lists a module's segments in ascending
// address order and the first occurrence is its load base.
func (t *SymbolTable) LoadModuleBases(regions []target.Region) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range regions {
		if r.Path == "" || strings.HasPrefix(r.Path, "[") {
			continue
		}
		name := filepath.Base(r.Path)
		if _, ok := t.m[name]; !ok {
			t.m[name] = r.Start
		}
	}
}

// ParseAddressExpr evaluates an address expression: a bare hex ("0x..")
// or decimal literal, a bound symbol name, or "SYMBOL+offset"/
// "SYMBOL-offset" where offset is itself a hex or decimal literal.
func ParseAddressExpr(expr string, symtab *SymbolTable) (uint64, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return 0, fmt.Errorf("%w: empty address expression", ErrParseFailed)
	}
	if v, ok := parseLiteral(expr); ok {
		return v, nil
	}
	for i := 1; i < len(expr); i++ {
		if expr[i] != '+' && expr[i] != '-' {
			continue
		}
		name := strings.TrimSpace(expr[:i])
		base, ok := symtab.Resolve(name)
		if !ok {
			return 0, fmt.Errorf("%w: unknown symbol %q", ErrParseFailed, name)
		}
		neg := expr[i] == '-'
		lit := strings.TrimSpace(expr[i+1:])
		off, ok := parseLiteral(lit)
		if !ok {
			return 0, fmt.Errorf("%w: bad offset %q", ErrParseFailed, lit)
		}
		if neg {
			return base - off, nil
		}
		return base + off, nil
	}
	if v, ok := symtab.Resolve(expr); ok {
		return v, nil
	}
	return 0, fmt.Errorf("%w: unknown symbol %q", ErrParseFailed, expr)
}

func parseLiteral(s string) (uint64, bool) {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, err := strconv.ParseUint(s[2:], 16, 64)
		return v, err == nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	return v, err == nil
}

// isModuleMatch reports whether a mapped region's path satisfies an
// aobscanmodule filter. An empty filter or "$process" (case-insensitive)
// matches everything.
func isModuleMatch(path, module string) bool {
	if module == "" || strings.EqualFold(module, "$process") {
		return true
	}
	if strings.EqualFold(path, module) {
		return true
	}
	return strings.EqualFold(filepath.Base(path), module)
}
