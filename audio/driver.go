package audio

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	devruntime "github.com/plugwork/dev-runtime"
	"github.com/plugwork/dev-runtime/param"
)

// Session binds one module instance to the bridge and value snapshot it
// processes with. Sessions are immutable after construction; a reload
// builds a new one and swaps it in whole.
type Session struct {
	proc       devruntime.BlockProcessor
	bridge     *param.Bridge
	values     []float64 // persistent dense drain target, one slot per parameter
	generation uint64
	retire     func()
}

// NewSession builds a session around proc. values seeds the dense snapshot
// the audio context drains into and must line up with the bridge's slots;
// priming the bridge with the same values makes the first block latch
// complete parameter state. retire is called from the control context once
// the session is swapped out and no block is using it; it is where the
// instance gets destroyed.
func NewSession(proc devruntime.BlockProcessor, bridge *param.Bridge, values []float64, generation uint64, retire func()) *Session {
	s := &Session{
		proc:       proc,
		bridge:     bridge,
		values:     make([]float64, bridge.Len()),
		generation: generation,
		retire:     retire,
	}
	copy(s.values, values)
	return s
}

// Generation returns the rebuild generation the session was created for.
func (s *Session) Generation() uint64 {
	return s.generation
}

// Driver is the audio-context entry point. One goroutine calls
// ProcessBlock; any control goroutine may call Swap, Stats, or the
// geometry accessors.
type Driver struct {
	session atomic.Pointer[Session]
	busy    atomic.Int32

	blocks       atomic.Uint64
	applied      atomic.Uint64
	procFailures atomic.Uint64

	sampleRate  float64
	blockFrames int
	channels    int
}

// NewDriver returns a driver with no session. The stream geometry is fixed
// for the driver's lifetime; every instance swapped in is created for it.
func NewDriver(sampleRate float64, blockFrames, channels int) *Driver {
	return &Driver{
		sampleRate:  sampleRate,
		blockFrames: blockFrames,
		channels:    channels,
	}
}

func (d *Driver) SampleRate() float64 { return d.sampleRate }
func (d *Driver) BlockFrames() int    { return d.blockFrames }
func (d *Driver) Channels() int       { return d.channels }

// ProcessBlock renders one block. With no session it fills out with
// silence. Pending parameter edits are drained and applied before the
// block is processed, so an edit and the audio it affects land together.
// A module that fails to render costs one silent block, never a blocked
// or panicking audio context.
func (d *Driver) ProcessBlock(in, out []float32) {
	d.busy.Add(1)
	s := d.session.Load()
	if s == nil {
		d.busy.Add(-1)
		zero(out)
		return
	}

	if s.bridge.Drain(s.values) > 0 {
		if s.proc.ApplyParams(s.values) == nil {
			d.applied.Add(1)
		}
	}
	if err := s.proc.Process(in, out); err != nil {
		zero(out)
		d.procFailures.Add(1)
	}
	d.blocks.Add(1)
	d.busy.Add(-1)
}

// Swap publishes s as the live session, waits for in-flight blocks to
// drain, then retires the previous session. It runs on the control
// context and may sleep; the audio context never waits for it. Passing
// nil takes the driver back to silence.
func (d *Driver) Swap(s *Session) {
	old := d.session.Swap(s)
	if s != nil {
		Logger().Debug("session swapped in", zap.Uint64("generation", s.generation))
	}
	if old == nil {
		return
	}
	// A block lasts a few milliseconds at most; retirement is not on the
	// audio path, so polling is fine here.
	for d.busy.Load() != 0 {
		time.Sleep(50 * time.Microsecond)
	}
	if old.retire != nil {
		old.retire()
	}
	Logger().Debug("session retired", zap.Uint64("generation", old.generation))
}

// Close retires the live session and leaves the driver rendering silence.
func (d *Driver) Close() {
	d.Swap(nil)
}

// Stats snapshots the processing counters. Blocks and applied counts are
// driver-lifetime; overwrites and generation describe the live session.
func (d *Driver) Stats() devruntime.Stats {
	st := devruntime.Stats{
		Blocks:          d.blocks.Load(),
		ParamsApplied:   d.applied.Load(),
		ProcessFailures: d.procFailures.Load(),
	}
	if s := d.session.Load(); s != nil {
		st.Overwrites = s.bridge.Overwrites()
		st.Generation = s.generation
	}
	return st
}

func zero(out []float32) {
	for i := range out {
		out[i] = 0
	}
}
