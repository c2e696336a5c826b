// engine.go - script execution against a live target
package script

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/intuitionamiga/iecheat/internal/inject"
	"github.com/intuitionamiga/iecheat/internal/scanner"
	"github.com/intuitionamiga/iecheat/internal/target"
)

const chunkSize = 64 * 1024

// Engine executes a Script against one attached target, threading resolved
// aobscan addresses back into its symbol table so later patch/restore
// directives can reference them by name.
type Engine struct {
	Handle   *target.Handle
	Injector *inject.Injector
	Symbols  *SymbolTable
}

// NewEngine builds an Engine bound to h and inj. Both are borrowed.
func NewEngine(h *target.Handle, inj *inject.Injector) *Engine {
	return &Engine{Handle: h, Injector: inj, Symbols: NewSymbolTable()}
}

// PreloadSymbols binds every mapped module's basename to its load address,
// so address expressions like "libfoo.so+1234" resolve before any aobscan
// directive runs.
func (e *Engine) PreloadSymbols() error {
	regions, err := e.Handle.Regions()
	if err != nil {
		return err
	}
	e.Symbols.LoadModuleBases(regions)
	return nil
}

// Enable runs every command in the script's enable list, in order.
func (e *Engine) Enable(s *Script) error {
	return e.run(s.Enable)
}

// Disable runs the script's disable list if it declared one. Otherwise, it
// walks the enable list and restores every patch it finds — the default
// behavior for a script with no explicit [DISABLE] section.
func (e *Engine) Disable(s *Script) error {
	if len(s.Disable) > 0 {
		return e.run(s.Disable)
	}
	var firstErr error
	for _, cmd := range s.Enable {
		if cmd.Kind != CmdPatch {
			continue
		}
		addr, err := ParseAddressExpr(cmd.AddrExpr, e.Symbols)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := e.Injector.Restore(addr); err != nil && !errors.Is(err, inject.ErrNoRecord) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (e *Engine) run(cmds []Command) error {
	for _, cmd := range cmds {
		if err := e.runOne(cmd); err != nil {
			return fmt.Errorf("script: line %d: %w", cmd.Line, err)
		}
	}
	return nil
}

func (e *Engine) runOne(cmd Command) error {
	switch cmd.Kind {
	case CmdAobScan:
		return e.runAobScan(cmd, "")
	case CmdAobScanModule:
		return e.runAobScan(cmd, cmd.Module)
	case CmdPatch:
		addr, err := ParseAddressExpr(cmd.AddrExpr, e.Symbols)
		if err != nil {
			return err
		}
		bytes, err := parseHexBytes(cmd.BytesText)
		if err != nil {
			return err
		}
		return e.Injector.Patch(addr, bytes)
	case CmdRestore:
		addr, err := ParseAddressExpr(cmd.AddrExpr, e.Symbols)
		if err != nil {
			return err
		}
		return e.Injector.Restore(addr)
	default:
		return fmt.Errorf("script: unknown command kind %d", cmd.Kind)
	}
}

func (e *Engine) runAobScan(cmd Command, module string) error {
	pattern, err := scanner.ParseAOBPattern(cmd.Pattern)
	if err != nil {
		return err
	}
	regions, err := e.Handle.Regions()
	if err != nil {
		return err
	}
	addr, found, err := findPattern(e.Handle, regions, module, pattern)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrPatternNotFound, cmd.Name)
	}
	e.Symbols.Bind(cmd.Name, addr)
	return nil
}

// findPattern scans every readable region matching module (all of them if
// module is empty) for pattern, carrying pattern.len()-1 trailing bytes
// across 64KiB chunk boundaries the same way internal/scanner's AOB path
// does, and returns the first match in region-then-offset order.
func findPattern(h *target.Handle, regions []target.Region, module string, pattern []scanner.PatternByte) (uint64, bool, error) {
	patLen := len(pattern)
	for _, r := range regions {
		if !r.Readable() || isMasked(r.Path) {
			continue
		}
		if module != "" && !isModuleMatch(r.Path, module) {
			continue
		}
		var carry []byte
		for pos := r.Start; pos < r.End; pos += chunkSize {
			readLen := chunkSize
			if pos+uint64(readLen) > r.End {
				readLen = int(r.End - pos)
			}
			data, err := h.Read(pos, readLen)
			if err != nil {
				carry = nil
				continue
			}
			full := append(append([]byte(nil), carry...), data...)
			baseAddr := pos - uint64(len(carry))
			for i := 0; i+patLen <= len(full); i++ {
				if scanner.MatchPattern(full[i:i+patLen], pattern) {
					return baseAddr + uint64(i), true, nil
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
	}
	return 0, false, nil
}

// isMasked skips [vvar], [vdso], [vsyscall] and paths containing
// "linux-vdso.so" so a script's aobscan directives never waste a read on
// them. This is a subset of internal/scanner's masked list: "linux-gate"
// and "[vectors]" regions are still searched.
func isMasked(path string) bool {
	if path == "" {
		return false
	}
	if strings.HasPrefix(path, "[") {
		return path == "[vvar]" || path == "[vdso]" || path == "[vsyscall]"
	}
	return strings.Contains(path, "linux-vdso.so")
}

func parseHexBytes(text string) ([]byte, error) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: no bytes", ErrParseFailed)
	}
	out := make([]byte, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseUint(f, 16, 8)
		if err != nil {
			return nil, fmt.Errorf("%w: bad byte %q", ErrParseFailed, f)
		}
		out = append(out, byte(v))
	}
	return out, nil
}
