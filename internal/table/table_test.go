package table

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/intuitionamiga/iecheat/internal/target"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cheat.table")

	orig := &Table{Entries: []*WatchEntry{
		{
			Address:     0x1000,
			TypeTag:     Type4Bytes,
			Description: "health",
			Frozen:      true,
			FrozenBytes: []byte{100, 0, 0, 0},
		},
		{
			IsScript:     true,
			Description:  "no-clip",
			ScriptBody:   "[ENABLE]\npatch 0x2000 90\n",
			ScriptActive: false,
		},
	}}
	require.NoError(t, orig.Save(path))

	loaded := &Table{}
	require.NoError(t, loaded.Load(path))
	require.Len(t, loaded.Entries, 2)

	v := loaded.Entries[0]
	require.Equal(t, uint64(0x1000), v.Address)
	require.Equal(t, Type4Bytes, v.TypeTag)
	require.Equal(t, "health", v.Description)
	require.True(t, v.Frozen)
	require.Equal(t, []byte{100, 0, 0, 0}, v.FrozenBytes)
	require.Equal(t, v.FrozenBytes, v.LastBytes)

	s := loaded.Entries[1]
	require.True(t, s.IsScript)
	require.Equal(t, "no-clip", s.Description)
	require.Equal(t, "[ENABLE]\npatch 0x2000 90\n", s.ScriptBody)
	require.False(t, s.ScriptActive)
}

func TestLoadMalformedJSONLeavesTableUnchanged(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cheat.table")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	tbl := &Table{Entries: []*WatchEntry{{Address: 0xBEEF}}}
	err := tbl.Load(path)
	require.Error(t, err)
	require.Len(t, tbl.Entries, 1)
	require.Equal(t, uint64(0xBEEF), tbl.Entries[0].Address)
}

func TestLoadIgnoresUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cheat.table")
	body := `{"entries":[{"address":"0x10","type":"Byte","valueBytes":"FF","future":"field"}],"futureRoot":1}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	tbl := &Table{}
	require.NoError(t, tbl.Load(path))
	require.Len(t, tbl.Entries, 1)
	require.Equal(t, uint64(0x10), tbl.Entries[0].Address)
}

func TestLoadSkipsMalformedIndividualRecord(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cheat.table")
	body := `{"entries":[{"address":"not-hex","type":"Byte"},{"address":"0x20","type":"Byte","valueBytes":"AA"}]}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	tbl := &Table{}
	require.NoError(t, tbl.Load(path))
	require.Len(t, tbl.Entries, 1)
	require.Equal(t, uint64(0x20), tbl.Entries[0].Address)
}

func TestInferPointersTagsValuesInsideRegions(t *testing.T) {
	tbl := &Table{Entries: []*WatchEntry{
		{Address: 0x1000, FrozenBytes: []byte{0x00, 0x20, 0, 0, 0, 0, 0, 0}}, // decodes to 0x2000
		{Address: 0x1008, FrozenBytes: []byte{0xFF, 0xFF, 0xFF, 0xFF, 0, 0, 0, 0}},
		{IsScript: true},
	}}
	regions := []target.Region{{Start: 0x2000, End: 0x3000}}

	tbl.InferPointers(regions)
	require.True(t, tbl.Entries[0].Pointer)
	require.False(t, tbl.Entries[1].Pointer)
}

func TestTypeTagScannerValueTypeMapping(t *testing.T) {
	_, ok := Type4Bytes.ScannerValueType()
	require.True(t, ok)
	_, ok = TypeTag("bogus").ScannerValueType()
	require.False(t, ok)
}
