// main.go - cheatctl: CLI front end wiring target/scanner/inject/script/
// pointerscan/freezeloop/table/watchsession together.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/intuitionamiga/iecheat/internal/freezeloop"
	"github.com/intuitionamiga/iecheat/internal/inject"
	"github.com/intuitionamiga/iecheat/internal/pointerscan"
	"github.com/intuitionamiga/iecheat/internal/scanner"
	"github.com/intuitionamiga/iecheat/internal/script"
	"github.com/intuitionamiga/iecheat/internal/table"
	"github.com/intuitionamiga/iecheat/internal/target"
	"github.com/intuitionamiga/iecheat/internal/watchdbg"
	"github.com/intuitionamiga/iecheat/internal/watchsession"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "cheatctl:", err)
		os.Exit(1)
	}
}

var (
	flagPID   int
	flagCache string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "cheatctl",
		Short: "Inspect and patch a running process's memory",
	}
	root.PersistentFlags().IntVar(&flagPID, "pid", 0, "target process id")
	root.PersistentFlags().StringVar(&flagCache, "cache", "", "scan-state cache file (default: cheatctl-<pid>.scan.json in the system temp dir)")

	root.AddCommand(
		newAttachCmd(),
		newScanCmd(),
		newNextCmd(),
		newUndoCmd(),
		newPatchCmd(),
		newRestoreCmd(),
		newPointerScanCmd(),
		newScriptCmd(),
		newTableCmd(),
		newWatchCmd(),
		newWatchFreezeCmd(),
	)
	return root
}

func attachedHandle() (*target.Handle, error) {
	if flagPID <= 0 {
		return nil, fmt.Errorf("--pid is required")
	}
	var h target.Handle
	if err := h.Attach(flagPID); err != nil {
		return nil, err
	}
	return &h, nil
}

func cachePath() string {
	if flagCache != "" {
		return flagCache
	}
	return fmt.Sprintf("%s/cheatctl-%d.scan.json", os.TempDir(), flagPID)
}

// scanCache is the on-disk shape of a Scanner's result history, so a
// foreground process model (distinct CLI invocations for first_scan,
// next_scan, undo) can still honor undo consistency across process
// boundaries.
type scanCache struct {
	History [][]scanner.ScanResult `json:"history"`
	Results []scanner.ScanResult   `json:"results"`
}

func loadScanner(h *target.Handle) (*scanner.Scanner, error) {
	s := scanner.New(h)
	data, err := os.ReadFile(cachePath())
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}
	var c scanCache
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("scan cache: %w", err)
	}
	s.RestoreHistory(c.History, c.Results)
	return s, nil
}

func saveScanner(s *scanner.Scanner) error {
	c := scanCache{History: s.HistorySnapshots(), Results: s.Results()}
	data, err := json.MarshalIndent(&c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(cachePath(), data, 0o644)
}

func newAttachCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "attach",
		Short: "Verify the target process can be attached",
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := attachedHandle()
			if err != nil {
				return err
			}
			fmt.Printf("attached: pid=%d\n", h.PID())
			return nil
		},
	}
}

func scanParamsFromFlags(cmd *cobra.Command) scanner.ScanParams {
	valueType, _ := cmd.Flags().GetString("type")
	mode, _ := cmd.Flags().GetString("mode")
	value1, _ := cmd.Flags().GetString("value")
	value2, _ := cmd.Flags().GetString("value2")
	hexInput, _ := cmd.Flags().GetBool("hex")
	writableOnly, _ := cmd.Flags().GetBool("writable-only")
	p := scanner.ScanParams{Value1: value1, Value2: value2, HexInput: hexInput, RequireWritable: writableOnly}
	p.ValueType = parseValueType(valueType)
	p.Mode = parseMode(mode)
	return p
}

func parseValueType(s string) scanner.ValueType {
	switch s {
	case "byte":
		return scanner.ValueByte
	case "i16":
		return scanner.ValueI16
	case "i64":
		return scanner.ValueI64
	case "f32":
		return scanner.ValueF32
	case "f64":
		return scanner.ValueF64
	case "aob":
		return scanner.ValueAOB
	case "string":
		return scanner.ValueString
	default:
		return scanner.ValueI32
	}
}

func parseMode(s string) scanner.Mode {
	switch s {
	case "unknown":
		return scanner.ModeUnknownInitial
	case "changed":
		return scanner.ModeChanged
	case "unchanged":
		return scanner.ModeUnchanged
	case "increased":
		return scanner.ModeIncreased
	case "decreased":
		return scanner.ModeDecreased
	case "gt":
		return scanner.ModeGreaterThan
	case "lt":
		return scanner.ModeLessThan
	case "between":
		return scanner.ModeBetween
	case "aob":
		return scanner.ModeAob
	default:
		return scanner.ModeExact
	}
}

func addScanFlags(cmd *cobra.Command) {
	cmd.Flags().String("type", "i32", "byte|i16|i32|i64|f32|f64|aob|string")
	cmd.Flags().String("mode", "exact", "exact|unknown|changed|unchanged|increased|decreased|gt|lt|between|aob")
	cmd.Flags().String("value", "", "primary value or AOB/string pattern")
	cmd.Flags().String("value2", "", "secondary value for mode=between")
	cmd.Flags().Bool("hex", false, "interpret --value/--value2 as hex")
	cmd.Flags().Bool("writable-only", false, "restrict to writable regions")
}

func newScanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run a first scan and cache the results",
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := attachedHandle()
			if err != nil {
				return err
			}
			s := scanner.New(h)
			if err := s.FirstScan(scanParamsFromFlags(cmd)); err != nil {
				return err
			}
			if err := saveScanner(s); err != nil {
				return err
			}
			return printResults(s.Results())
		},
	}
	addScanFlags(cmd)
	return cmd
}

func newNextCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "next",
		Short: "Narrow the cached scan with a rescan",
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := attachedHandle()
			if err != nil {
				return err
			}
			s, err := loadScanner(h)
			if err != nil {
				return err
			}
			if err := s.NextScan(scanParamsFromFlags(cmd)); err != nil {
				return err
			}
			if err := saveScanner(s); err != nil {
				return err
			}
			return printResults(s.Results())
		},
	}
	addScanFlags(cmd)
	return cmd
}

func newUndoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "undo",
		Short: "Pop the cached scan history by one step",
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := attachedHandle()
			if err != nil {
				return err
			}
			s, err := loadScanner(h)
			if err != nil {
				return err
			}
			if !s.Undo() {
				return fmt.Errorf("nothing to undo")
			}
			if err := saveScanner(s); err != nil {
				return err
			}
			return printResults(s.Results())
		},
	}
}

func printResults(results []scanner.ScanResult) error {
	fmt.Printf("%d result(s)\n", len(results))
	for _, r := range results {
		fmt.Printf("0x%x raw=0x%x\n", r.Address, r.Raw)
	}
	return nil
}

func newPatchCmd() *cobra.Command {
	var addrStr, bytesStr string
	cmd := &cobra.Command{
		Use:   "patch",
		Short: "Install a code patch at an address",
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := attachedHandle()
			if err != nil {
				return err
			}
			addr, err := strconv.ParseUint(trimHexPrefix(addrStr), 16, 64)
			if err != nil {
				return fmt.Errorf("bad address: %w", err)
			}
			bytes, err := parseHexBytes(bytesStr)
			if err != nil {
				return err
			}
			inj := inject.New(h)
			if err := inj.Patch(addr, bytes); err != nil {
				return err
			}
			fmt.Printf("patched 0x%x (%d bytes)\n", addr, len(bytes))
			return nil
		},
	}
	cmd.Flags().StringVar(&addrStr, "addr", "", "0xhex address")
	cmd.Flags().StringVar(&bytesStr, "bytes", "", "space-separated hex bytes")
	return cmd
}

func newRestoreCmd() *cobra.Command {
	var addrStr string
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore the original bytes at a previously patched address",
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := attachedHandle()
			if err != nil {
				return err
			}
			addr, err := strconv.ParseUint(trimHexPrefix(addrStr), 16, 64)
			if err != nil {
				return fmt.Errorf("bad address: %w", err)
			}
			inj := inject.New(h)
			if err := inj.Restore(addr); err != nil {
				return err
			}
			fmt.Printf("restored 0x%x\n", addr)
			return nil
		},
	}
	cmd.Flags().StringVar(&addrStr, "addr", "", "0xhex address")
	return cmd
}

func newPointerScanCmd() *cobra.Command {
	var targetStr string
	var maxOffset uint64
	var writableOnly bool
	cmd := &cobra.Command{
		Use:   "pointer-scan",
		Short: "One-hop pointer candidate search",
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := attachedHandle()
			if err != nil {
				return err
			}
			tgt, err := strconv.ParseUint(trimHexPrefix(targetStr), 16, 64)
			if err != nil {
				return fmt.Errorf("bad --target: %w", err)
			}
			hits, err := pointerscan.Scan(h, pointerscan.Params{Target: tgt, MaxOffset: maxOffset, RequireWritable: writableOnly})
			if err != nil {
				return err
			}
			fmt.Printf("%d hit(s)\n", len(hits))
			for _, hit := range hits {
				fmt.Printf("base=0x%x offset=%+d final=0x%x\n", hit.Base, hit.Offset, hit.Final)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&targetStr, "target", "", "0xhex target address")
	cmd.Flags().Uint64Var(&maxOffset, "max-offset", 64, "maximum |target - value| to report")
	cmd.Flags().BoolVar(&writableOnly, "writable-only", false, "restrict to writable regions")
	return cmd
}

func newScriptCmd() *cobra.Command {
	root := &cobra.Command{Use: "script", Short: "Run an auto-assembler style enable/disable script"}
	root.AddCommand(newScriptRunCmd("enable"), newScriptRunCmd("disable"))
	return root
}

func newScriptRunCmd(which string) *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   which,
		Short: fmt.Sprintf("Run a script's [%s] section", which),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := attachedHandle()
			if err != nil {
				return err
			}
			body, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			sc, err := script.Parse(string(body))
			if err != nil {
				return err
			}
			inj := inject.New(h)
			eng := script.NewEngine(h, inj)
			if err := eng.PreloadSymbols(); err != nil {
				return err
			}
			if which == "enable" {
				return eng.Enable(sc)
			}
			return eng.Disable(sc)
		},
	}
	cmd.Flags().StringVar(&path, "file", "", "script file path")
	return cmd
}

func newTableCmd() *cobra.Command {
	root := &cobra.Command{Use: "table", Short: "Load or save the persistent cheat table"}
	root.AddCommand(newTableLoadCmd(), newTableSaveCmd())
	return root
}

func newTableLoadCmd() *cobra.Command {
	var path string
	var inferPointers bool
	cmd := &cobra.Command{
		Use:   "load",
		Short: "Load a cheat table and print its entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			tbl := &table.Table{}
			if err := tbl.Load(path); err != nil {
				return err
			}
			if inferPointers {
				h, err := attachedHandle()
				if err != nil {
					return err
				}
				regions, err := h.Regions()
				if err != nil {
					return err
				}
				tbl.InferPointers(regions)
			}
			for _, e := range tbl.Entries {
				if e.IsScript {
					fmt.Printf("[script] %s active=%v\n", e.Description, e.ScriptActive)
					continue
				}
				fmt.Printf("0x%x %s %q frozen=%v pointer=%v\n", e.Address, e.TypeTag, e.Description, e.Frozen, e.Pointer)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "file", "", "cheat table JSON path")
	cmd.Flags().BoolVar(&inferPointers, "infer-pointers", false, "tag entries whose value looks like an in-range address")
	return cmd
}

func newTableSaveCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "save",
		Short: "Save an empty cheat table skeleton (entries are added by the UI layer)",
		RunE: func(cmd *cobra.Command, args []string) error {
			tbl := &table.Table{}
			return tbl.Save(path)
		},
	}
	cmd.Flags().StringVar(&path, "file", "", "cheat table JSON path")
	return cmd
}

func newWatchCmd() *cobra.Command {
	var addrStr, kindStr string
	var length int
	var duration time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Arm a hardware watchpoint and report which instructions hit it",
		RunE: func(cmd *cobra.Command, args []string) error {
			if flagPID <= 0 {
				return fmt.Errorf("--pid is required")
			}
			addr, err := strconv.ParseUint(trimHexPrefix(addrStr), 16, 64)
			if err != nil {
				return fmt.Errorf("bad --addr: %w", err)
			}
			kind, err := watchdbg.ParseKind(kindStr)
			if err != nil {
				return fmt.Errorf("bad --kind: %w", err)
			}

			sess := watchsession.New(flagPID, addr, kind, length)
			if err := sess.Start(); err != nil {
				return err
			}
			fmt.Printf("watching 0x%x (pid=%d running=%v)\n", sess.Addr, flagPID, sess.IsRunning())

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}
			<-ctx.Done()

			if err := sess.Stop(); err != nil {
				return err
			}

			snapshot := sess.Snapshot()
			fmt.Printf("%d trapping instruction(s)\n", len(snapshot))
			for rip, hit := range snapshot {
				fmt.Printf("rip=0x%x count=%d bytes=%s inst=%s\n", rip, hit.Count, hit.Bytes, hit.Opcode)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addrStr, "addr", "", "0xhex address to watch")
	cmd.Flags().StringVar(&kindStr, "kind", "write", "write|access")
	cmd.Flags().IntVar(&length, "len", 4, "watch length in bytes (1, 2, 4, or 8)")
	cmd.Flags().DurationVar(&duration, "duration", 0, "stop after this long (0 = until signalled)")
	return cmd
}

func newWatchFreezeCmd() *cobra.Command {
	var path string
	var duration time.Duration
	cmd := &cobra.Command{
		Use:   "watch-freeze",
		Short: "Run the freeze/refresh loop against a loaded table until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := attachedHandle()
			if err != nil {
				return err
			}
			tbl := &table.Table{}
			if err := tbl.Load(path); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}
			loop := freezeloop.New(h)
			if term.IsTerminal(int(os.Stdout.Fd())) {
				loop.OnTick = func(entries []*table.WatchEntry) {
					for _, e := range entries {
						if e.IsScript {
							continue
						}
						fmt.Printf("\r0x%x %q frozen=%v bytes=% x  ", e.Address, e.Description, e.Frozen, e.LastBytes)
					}
				}
			}
			loop.Run(ctx, tbl.Entries)
			if loop.OnTick != nil {
				fmt.Println()
			}
			return tbl.Save(path)
		},
	}
	cmd.Flags().StringVar(&path, "file", "", "cheat table JSON path")
	cmd.Flags().DurationVar(&duration, "duration", 0, "stop after this long (0 = until signalled)")
	return cmd
}

func trimHexPrefix(s string) string {
	if len(s) > 1 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

func parseHexBytes(s string) ([]byte, error) {
	var out []byte
	var field string
	flush := func() error {
		if field == "" {
			return nil
		}
		v, err := strconv.ParseUint(field, 16, 8)
		if err != nil {
			return fmt.Errorf("bad byte %q: %w", field, err)
		}
		out = append(out, byte(v))
		field = ""
		return nil
	}
	for _, r := range s {
		if r == ' ' || r == '\t' {
			if err := flush(); err != nil {
				return nil, err
			}
			continue
		}
		field += string(r)
	}
	if err := flush(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no bytes given")
	}
	return out, nil
}
