// params.go - scan request/result types, value codec, needle parsing
package scanner

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var (
	ErrCancelled   = errors.New("scanner: cancelled")
	ErrParseFailed = errors.New("scanner: parse failed")
)

// ValueType tags the scalar interpretation of a scan.
type ValueType int

const (
	ValueByte ValueType = iota
	ValueI16
	ValueI32
	ValueI64
	ValueF32
	ValueF64
	ValueAOB
	ValueString
)

// Size returns the scalar width in bytes, or 0 for AOB/String.
func (vt ValueType) Size() int {
	switch vt {
	case ValueByte:
		return 1
	case ValueI16:
		return 2
	case ValueI32, ValueF32:
		return 4
	case ValueI64, ValueF64:
		return 8
	default:
		return 0
	}
}

// Mode tags the comparison applied by a scan or rescan.
type Mode int

const (
	ModeExact Mode = iota
	ModeUnknownInitial
	ModeChanged
	ModeUnchanged
	ModeIncreased
	ModeDecreased
	ModeGreaterThan
	ModeLessThan
	ModeBetween
	ModeAob
)

// ScanParams describes one scan or rescan request.
type ScanParams struct {
	ValueType ValueType
	Mode      Mode
	Value1    string
	Value2    string // only used by ModeBetween

	StartAddr, EndAddr uint64 // 0,0 means unbounded

	Alignment int // 0 means type default

	RequireWritable   bool
	RequireExecutable bool
	HexInput          bool
	SkipMaskedRegions bool
	FastScan          bool // force the type's natural alignment, overriding Alignment
}

// Normalize applies the hex-input prefixing rule and the default-alignment
// rule.
func (p *ScanParams) Normalize() {
	if p.HexInput {
		p.Value1 = ensureHexPrefix(p.Value1)
		p.Value2 = ensureHexPrefix(p.Value2)
	}
	if p.Alignment == 0 || p.FastScan {
		switch p.ValueType {
		case ValueAOB, ValueString:
			p.Alignment = 1
		default:
			p.Alignment = p.ValueType.Size()
		}
	}
}

func ensureHexPrefix(s string) string {
	if s == "" {
		return s
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return s
	}
	return "0x" + s
}

// ScanResult is one surviving candidate.
type ScanResult struct {
	Address uint64
	Raw     uint64 // packed bits of the last observed value; 0 for AOB/String
}

// encodeRaw packs up to 8 little-endian bytes into a zero-extended uint64.
func encodeRaw(b []byte) uint64 {
	var buf [8]byte
	copy(buf[:], b)
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(buf[i])
	}
	return v
}

// numericValue reinterprets raw as the signed/float value of vt for
// ordering comparisons (Increased/Decreased/GreaterThan/LessThan/Between).
func numericValue(vt ValueType, raw uint64) float64 {
	switch vt {
	case ValueByte:
		return float64(uint8(raw))
	case ValueI16:
		return float64(int16(raw))
	case ValueI32:
		return float64(int32(raw))
	case ValueI64:
		return float64(int64(raw))
	case ValueF32:
		return float64(math.Float32frombits(uint32(raw)))
	case ValueF64:
		return math.Float64frombits(raw)
	default:
		return 0
	}
}

func compareNumeric(vt ValueType, a, b uint64) int {
	av, bv := numericValue(vt, a), numericValue(vt, b)
	switch {
	case av < bv:
		return -1
	case av > bv:
		return 1
	default:
		return 0
	}
}

// parseNeedle converts a ScanParams value string into raw packed bits for
// vt. When hexInput is set the string (already "0x"-prefixed by Normalize)
// is parsed as the literal bit pattern; otherwise it is parsed as a decimal
// integer or float per vt.
func parseNeedle(vt ValueType, s string, hexInput bool) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty value", ErrParseFailed)
	}
	if hexInput {
		trimmed := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
		v, err := strconv.ParseUint(trimmed, 16, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrParseFailed, err)
		}
		return maskToSize(v, vt.Size()), nil
	}
	switch vt {
	case ValueF32:
		f, err := strconv.ParseFloat(s, 32)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrParseFailed, err)
		}
		return uint64(math.Float32bits(float32(f))), nil
	case ValueF64:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrParseFailed, err)
		}
		return math.Float64bits(f), nil
	default:
		i, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			u, uerr := strconv.ParseUint(s, 10, 64)
			if uerr != nil {
				return 0, fmt.Errorf("%w: %v", ErrParseFailed, err)
			}
			i = int64(u)
		}
		return maskToSize(uint64(i), vt.Size()), nil
	}
}

func maskToSize(v uint64, size int) uint64 {
	switch size {
	case 1:
		return v & 0xff
	case 2:
		return v & 0xffff
	case 4:
		return v & 0xffffffff
	default:
		return v
	}
}
