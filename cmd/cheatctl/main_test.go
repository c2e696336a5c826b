package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/intuitionamiga/iecheat/internal/scanner"
)

func TestParseValueTypeAndMode(t *testing.T) {
	require.Equal(t, scanner.ValueI64, parseValueType("i64"))
	require.Equal(t, scanner.ValueAOB, parseValueType("aob"))
	require.Equal(t, scanner.ValueI32, parseValueType("bogus"))

	require.Equal(t, scanner.ModeChanged, parseMode("changed"))
	require.Equal(t, scanner.ModeBetween, parseMode("between"))
	require.Equal(t, scanner.ModeExact, parseMode("bogus"))
}

func TestTrimHexPrefix(t *testing.T) {
	require.Equal(t, "1000", trimHexPrefix("0x1000"))
	require.Equal(t, "1000", trimHexPrefix("0X1000"))
	require.Equal(t, "1000", trimHexPrefix("1000"))
}

func TestParseHexBytes(t *testing.T) {
	b, err := parseHexBytes("90 90  5D")
	require.NoError(t, err)
	require.Equal(t, []byte{0x90, 0x90, 0x5D}, b)

	_, err = parseHexBytes("")
	require.Error(t, err)

	_, err = parseHexBytes("zz")
	require.Error(t, err)
}

func TestRootCmdBuildsWithoutError(t *testing.T) {
	root := newRootCmd()
	require.NotNil(t, root)
	sub, _, err := root.Find([]string{"scan"})
	require.NoError(t, err)
	require.Equal(t, "scan", sub.Name())
}

func TestRootCmdHasWatchCommand(t *testing.T) {
	root := newRootCmd()
	sub, _, err := root.Find([]string{"watch"})
	require.NoError(t, err)
	require.Equal(t, "watch", sub.Name())
	require.NotNil(t, sub.Flags().Lookup("addr"))
	require.NotNil(t, sub.Flags().Lookup("kind"))
	require.NotNil(t, sub.Flags().Lookup("len"))
}
