// pointerscan.go - one-hop pointer candidate search
package pointerscan

import (
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/intuitionamiga/iecheat/internal/target"
)

const chunkSize = 64 * 1024

// wordSize is the machine-word width this one-hop scan reads: an x86-64
// pointer or word-sized integer.
const wordSize = 8

// PointerHit is one candidate whose stored word lands within max_offset of
// the search target.
type PointerHit struct {
	Base   uint64 // address the candidate word was read from
	Offset int64  // target - value-at-base
	Final  uint64 // value-at-base + Offset, equal to target by construction
}

// Params configures a one-hop pointer scan.
type Params struct {
	Target          uint64
	MaxOffset       uint64
	RequireWritable bool
}

// Scan reads every 8-byte-aligned word in every readable region (optionally
// restricted to writable regions) and records a PointerHit wherever the
// stored value lies within MaxOffset of Target. Regions are sharded across
// a worker pool the same way internal/scanner shards its region list;
// results are returned in discovery order within each worker and then
// concatenated worker-by-worker, so the overall order across regions is
// not globally sorted unless the caller sorts it.
func Scan(h *target.Handle, p Params) ([]PointerHit, error) {
	regions, err := h.Regions()
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	var merged []PointerHit

	var g errgroup.Group
	workers := workerCount()
	for w := 0; w < workers; w++ {
		w := w
		g.Go(func() error {
			var local []PointerHit
			for i := w; i < len(regions); i += workers {
				r := regions[i]
				if !r.Readable() || (p.RequireWritable && !r.Writable()) {
					continue
				}
				hits, err := scanRegion(h, r, p)
				if err != nil {
					continue
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

func scanRegion(h *target.Handle, r target.Region, p Params) ([]PointerHit, error) {
	var hits []PointerHit
	start := r.Start - r.Start%wordSize
	if start < r.Start {
		start += wordSize
	}
	for pos := start; pos < r.End; pos += chunkSize {
		readLen := chunkSize
		if pos+uint64(readLen) > r.End {
			readLen = int(r.End - pos)
		}
		if readLen < wordSize {
			break
		}
		data, err := h.Read(pos, readLen)
		if err != nil {
			continue
		}
		for off := 0; off+wordSize <= len(data); off += wordSize {
			v := decodeWord(data[off : off+wordSize])
			diff := int64(p.Target) - int64(v)
			abs := diff
			if abs < 0 {
				abs = -abs
			}
			if uint64(abs) > p.MaxOffset {
				continue
			}
			base := pos + uint64(off)
			hits = append(hits, PointerHit{Base: base, Offset: diff, Final: v + uint64(diff)})
		}
	}
	return hits, nil
}

func decodeWord(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func workerCount() int {
	n := runtime.GOMAXPROCS(0)
	if n < 1 {
		return 1
	}
	return n
}
