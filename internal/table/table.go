// table.go - persistent cheat table model and JSON grammar
package table

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/dchest/safefile"

	"github.com/intuitionamiga/iecheat/internal/scanner"
	"github.com/intuitionamiga/iecheat/internal/target"
)

// TypeTag is the wire vocabulary for a value entry's type.
type TypeTag string

const (
	TypeByte    TypeTag = "Byte"
	Type2Bytes  TypeTag = "2 Bytes"
	Type4Bytes  TypeTag = "4 Bytes"
	Type8Bytes  TypeTag = "8 Bytes"
	TypeFloat   TypeTag = "Float"
	TypeDouble  TypeTag = "Double"
	TypeAOB     TypeTag = "AOB"
	TypeString  TypeTag = "String"
)

// ScannerValueType maps a table type tag to the scanner's ValueType, for
// callers that want to re-scan or re-read an entry using internal/scanner.
func (tag TypeTag) ScannerValueType() (scanner.ValueType, bool) {
	switch tag {
	case TypeByte:
		return scanner.ValueByte, true
	case Type2Bytes:
		return scanner.ValueI16, true
	case Type4Bytes:
		return scanner.ValueI32, true
	case Type8Bytes:
		return scanner.ValueI64, true
	case TypeFloat:
		return scanner.ValueF32, true
	case TypeDouble:
		return scanner.ValueF64, true
	case TypeAOB:
		return scanner.ValueAOB, true
	case TypeString:
		return scanner.ValueString, true
	default:
		return 0, false
	}
}

// WatchEntry is one row of the persistent cheat table: either a value
// entry bound to an address, or a script entry.
type WatchEntry struct {
	IsScript     bool
	ScriptBody   string
	ScriptActive bool

	Address     uint64
	TypeTag     TypeTag
	Description string
	Pointer     bool
	Frozen      bool

	FrozenBytes   []byte // reimposed on the victim every freeze tick
	LastBytes     []byte
	PreviousBytes []byte
}

// Table is an ordered list of watch entries, the in-memory model behind
// the persisted cheat table file.
type Table struct {
	Entries []*WatchEntry
}

type wireRecord struct {
	Address     string `json:"address,omitempty"`
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
	Pointer     bool   `json:"pointer,omitempty"`
	Frozen      bool   `json:"frozen,omitempty"`
	ValueBytes  string `json:"valueBytes,omitempty"`

	IsScript bool   `json:"isScript,omitempty"`
	Script   string `json:"script,omitempty"`
	Active   bool   `json:"active,omitempty"`
}

type wireTable struct {
	Entries []wireRecord `json:"entries"`
}

// Load reads path and replaces t.Entries with its contents. Unknown JSON
// keys are ignored by json.Unmarshal's normal behavior. Malformed JSON at
// the top level leaves t unchanged and the error is returned for the
// caller to surface; a malformed individual record is skipped rather than
// failing the whole load.
func (t *Table) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var wire wireTable
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("table: load %s: %w", path, err)
	}
	entries := make([]*WatchEntry, 0, len(wire.Entries))
	for _, rec := range wire.Entries {
		e, err := decodeRecord(rec)
		if err != nil {
			continue
		}
		entries = append(entries, e)
	}
	t.Entries = entries
	return nil
}

// Save writes t through safefile.Create, so a crash or kill mid-write
// never corrupts the prior file on disk.
func (t *Table) Save(path string) error {
	wire := wireTable{Entries: make([]wireRecord, 0, len(t.Entries))}
	for _, e := range t.Entries {
		wire.Entries = append(wire.Entries, encodeRecord(e))
	}
	fout, err := safefile.Create(path, 0o644)
	if err != nil {
		return fmt.Errorf("table: save %s: %w", path, err)
	}
	enc := json.NewEncoder(fout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(&wire); err != nil {
		fout.File.Close()
		os.Remove(fout.Name())
		return fmt.Errorf("table: save %s: %w", path, err)
	}
	if err := fout.Commit(); err != nil {
		fout.File.Close()
		os.Remove(fout.Name())
		return fmt.Errorf("table: save %s: commit: %w", path, err)
	}
	return nil
}

// InferPointers tags every non-script entry whose frozen value decodes to
// an address inside any given region as Pointer=true, even if the saved
// flag said otherwise. Supplemented from the original tool's post-load
// heuristic meta-analysis pass (MainWindow's table-load path).
func (t *Table) InferPointers(regions []target.Region) {
	for _, e := range t.Entries {
		if e.IsScript || len(e.FrozenBytes) != 8 {
			continue
		}
		v := decodeLE64(e.FrozenBytes)
		for _, r := range regions {
			if v >= r.Start && v < r.End {
				e.Pointer = true
				break
			}
		}
	}
}

func decodeRecord(rec wireRecord) (*WatchEntry, error) {
	if rec.IsScript {
		return &WatchEntry{
			IsScript:     true,
			Description:  rec.Description,
			ScriptBody:   rec.Script,
			ScriptActive: rec.Active,
		}, nil
	}
	addr, err := parseAddressHex(rec.Address)
	if err != nil {
		return nil, err
	}
	bytes, err := parseValueBytes(rec.ValueBytes)
	if err != nil {
		return nil, err
	}
	return &WatchEntry{
		Address:     addr,
		TypeTag:     TypeTag(rec.Type),
		Description: rec.Description,
		Pointer:     rec.Pointer,
		Frozen:      rec.Frozen,
		FrozenBytes: bytes,
		LastBytes:   append([]byte(nil), bytes...),
	}, nil
}

func encodeRecord(e *WatchEntry) wireRecord {
	if e.IsScript {
		return wireRecord{IsScript: true, Description: e.Description, Script: e.ScriptBody, Active: e.ScriptActive}
	}
	return wireRecord{
		Address:     fmt.Sprintf("0x%x", e.Address),
		Type:        string(e.TypeTag),
		Description: e.Description,
		Pointer:     e.Pointer,
		Frozen:      e.Frozen,
		ValueBytes:  formatValueBytes(e.FrozenBytes),
	}
}

func parseAddressHex(s string) (uint64, error) {
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return 0, errors.New("table: address must be 0x-prefixed hex")
	}
	return strconv.ParseUint(s[2:], 16, 64)
}

func parseValueBytes(s string) ([]byte, error) {
	fields := strings.Fields(s)
	out := make([]byte, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseUint(f, 16, 8)
		if err != nil {
			return nil, fmt.Errorf("table: bad byte %q: %w", f, err)
		}
		out = append(out, byte(v))
	}
	return out, nil
}

func formatValueBytes(b []byte) string {
	parts := make([]string, len(b))
	for i, v := range b {
		parts[i] = fmt.Sprintf("%02X", v)
	}
	return strings.Join(parts, " ")
}

func decodeLE64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}
