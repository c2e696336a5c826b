// freezeloop.go - periodic freeze enforcement and delta-cue refresh
package freezeloop

import (
	"context"
	"time"

	"github.com/intuitionamiga/iecheat/internal/table"
	"github.com/intuitionamiga/iecheat/internal/target"
)

// DefaultInterval is the default watch-refresh tick.
const DefaultInterval = 250 * time.Millisecond

// Loop owns the foreground-context timer: for every non-script entry
// whose Frozen flag is set, rewrite the victim's bytes at its address
// from FrozenBytes; independent of freeze, re-read every non-script
// entry's current bytes and shift last→previous, current→last so callers
// can compute change-pulse cues. The read length is len(FrozenBytes), so
// entries with no FrozenBytes are skipped entirely and their LastBytes and
// PreviousBytes are left as they are. There is exactly one caller context — the
// foreground timer — so Loop does no internal locking; the entries it
// walks belong to the Table the foreground owns.
type Loop struct {
	Handle   *target.Handle
	Interval time.Duration

	// OnTick, if set, runs after every Tick so a caller can render a
	// live status line (only worth doing when attached to a terminal).
	OnTick func(entries []*table.WatchEntry)
}

// New builds a Loop with the default interval.
func New(h *target.Handle) *Loop {
	return &Loop{Handle: h, Interval: DefaultInterval}
}

// Run ticks until ctx is cancelled, calling Tick against entries on every
// tick.
func (l *Loop) Run(ctx context.Context, entries []*table.WatchEntry) {
	interval := l.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Tick(entries)
			if l.OnTick != nil {
				l.OnTick(entries)
			}
		}
	}
}

// Tick runs one enforcement/refresh pass over entries.
func (l *Loop) Tick(entries []*table.WatchEntry) {
	for _, e := range entries {
		if e.IsScript || len(e.FrozenBytes) == 0 {
			continue
		}
		if e.Frozen {
			_ = l.Handle.Write(e.Address, e.FrozenBytes)
		}
		current, err := l.Handle.Read(e.Address, len(e.FrozenBytes))
		if err != nil {
			continue
		}
		e.PreviousBytes = e.LastBytes
		e.LastBytes = current
	}
}
