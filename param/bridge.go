package param

import (
	"math"
	"sync/atomic"
)

// slot carries one parameter's latest edit. The value is stored before the
// dirty flag is raised, and the reader clears the flag before loading the
// value, so the final write in any burst is never lost.
type slot struct {
	bits  atomic.Uint64 // math.Float64bits of the latest written value
	dirty atomic.Uint32
}

// Bridge carries parameter edits from the control context to the audio
// context without locks, allocation, or queues. One slot per dense table
// index; writes to the same slot coalesce, last write wins.
//
// Any goroutine may call Set. Drain has a single caller, the audio context.
type Bridge struct {
	slots      []slot
	overwrites atomic.Uint64
}

// NewBridge returns a bridge with n slots, one per descriptor of the table
// it will serve. All slots start clean.
func NewBridge(n int) *Bridge {
	return &Bridge{slots: make([]slot, n)}
}

// Len returns the slot count.
func (b *Bridge) Len() int {
	return len(b.slots)
}

// Set publishes value for the parameter at dense index i. It never blocks:
// if a previous write to the slot has not been drained yet it is
// superseded and counted, not queued. Out-of-range indexes are ignored;
// callers resolve indexes through the table that sized this bridge.
func (b *Bridge) Set(i int, value float64) {
	if i < 0 || i >= len(b.slots) {
		return
	}
	s := &b.slots[i]
	s.bits.Store(math.Float64bits(value))
	if s.dirty.Swap(1) == 1 {
		b.overwrites.Add(1)
	}
}

// Get returns the last value written to slot i, drained or not. Control
// side observability only; the audio context uses Drain.
func (b *Bridge) Get(i int) float64 {
	if i < 0 || i >= len(b.slots) {
		return 0
	}
	return math.Float64frombits(b.slots[i].bits.Load())
}

// Drain collects pending edits into dst, which must have at least Len
// elements. Slots without a pending edit leave dst untouched, so callers
// keep a persistent dense snapshot across blocks. Returns the number of
// slots drained.
func (b *Bridge) Drain(dst []float64) int {
	n := 0
	for i := range b.slots {
		s := &b.slots[i]
		if s.dirty.Swap(0) == 1 {
			dst[i] = math.Float64frombits(s.bits.Load())
			n++
		}
	}
	return n
}

// PrimeAll writes values into every slot and marks them all dirty, so the
// first drain after a session swap latches complete parameter state into
// the new instance. len(values) must equal Len.
func (b *Bridge) PrimeAll(values []float64) {
	for i := range b.slots {
		s := &b.slots[i]
		s.bits.Store(math.Float64bits(values[i]))
		s.dirty.Store(1)
	}
}

// Overwrites returns the total number of writes superseded before the
// audio context drained them. Superseded writes are not failures; the
// counter makes sustained overwrite pressure visible in stats.
func (b *Bridge) Overwrites() uint64 {
	return b.overwrites.Load()
}
