// disasm.go - external disassembly collaborator interface
//
// Real decoding of x86-64 machine code is out of scope here: a real
// backend takes (address, bytes) and returns (mnemonic, operands, length).
// This package defines that seam and a conservative fallback that lets the
// rest of the engine run (and be tested) without one wired in.
package disasm

import "fmt"

// Instruction is one decoded instruction.
type Instruction struct {
	Mnemonic string
	Operands string
	Length   int
}

func (i Instruction) String() string {
	if i.Operands == "" {
		return i.Mnemonic
	}
	return i.Mnemonic + " " + i.Operands
}

// Disassembler decodes the first instruction found in bytes, which were
// read starting at address.
type Disassembler interface {
	Disassemble(address uint64, bytes []byte) (Instruction, error)
}

// ByteDump is the fallback collaborator: it fails only when given no bytes
// and never actually decodes anything, it just renders up to 16 raw bytes.
// cmd/iewatcher uses it
// when no real disassembler is wired in, so the trap-line protocol always
// has an inst= field to emit.
type ByteDump struct{}

func (ByteDump) Disassemble(address uint64, bytes []byte) (Instruction, error) {
	if len(bytes) == 0 {
		return Instruction{}, fmt.Errorf("disasm: no bytes at %#x", address)
	}
	n := len(bytes)
	if n > 16 {
		n = 16
	}
	return Instruction{Mnemonic: "(bytes)", Operands: fmt.Sprintf("% x", bytes[:n]), Length: 1}, nil
}
