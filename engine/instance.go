package engine

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	devruntime "github.com/plugwork/dev-runtime"
	"github.com/plugwork/dev-runtime/abi"
	"github.com/plugwork/dev-runtime/errors"
	"github.com/plugwork/dev-runtime/param"
)

// Instance is a created processing instance bound to its block geometry.
//
// ApplyParams and Process belong to the audio context. Reset, SetSampleRate,
// Describe, and Close belong to the control context and must be ordered
// against the audio context externally; the audio driver's session swap
// provides that ordering.
type Instance struct {
	mod    api.Module
	mem    api.Memory
	path   string
	handle int32

	blockFrames int
	channels    int

	paramAddr uint32
	inAddr    uint32
	outAddr   uint32

	destroyFn api.Function
	resetFn   api.Function
	rateFn    api.Function
	applyFn   api.Function // nil on version 1 modules
	processFn api.Function

	// callCtx bounds hot-path guest calls; BlockProcessor methods carry
	// no context of their own.
	callCtx context.Context

	stack  []uint64
	closed atomic.Bool
}

var _ devruntime.BlockProcessor = (*Instance)(nil)

// Instantiate creates a processing instance for blockFrames frames of
// channels interleaved samples. This executes the module's start section,
// so ctx should carry a deadline when the binary is not trusted to
// terminate. Process accepts blocks up to the created frame count.
func (m *Module) Instantiate(ctx context.Context, blockFrames, channels int) (*Instance, error) {
	if blockFrames <= 0 || channels <= 0 {
		return nil, errors.InvalidInput(errors.PhaseLoad,
			fmt.Sprintf("block geometry %d frames x %d channels", blockFrames, channels))
	}

	mod, err := m.instantiateRaw(ctx)
	if err != nil {
		return nil, err
	}

	inst := &Instance{
		mod:         mod,
		mem:         mod.Memory(),
		path:        m.path,
		blockFrames: blockFrames,
		channels:    channels,
		callCtx:     m.engine.runCtx,
		stack:       make([]uint64, 8),
	}
	if inst.mem == nil {
		mod.Close(ctx)
		return nil, errors.MissingExport(m.path, abi.ExportMemory)
	}

	// The load gate checked names on the binary; resolution here can only
	// fail if the file changed between Load and Instantiate.
	var missing string
	resolve := func(name string) api.Function {
		fn := mod.ExportedFunction(name)
		if fn == nil && missing == "" {
			missing = name
		}
		return fn
	}
	createFn := resolve(abi.ExportCreate)
	paramBufFn := resolve(abi.ExportParamBuffer)
	audioInFn := resolve(abi.ExportAudioIn)
	audioOutFn := resolve(abi.ExportAudioOut)
	inst.destroyFn = resolve(abi.ExportDestroy)
	inst.resetFn = resolve(abi.ExportReset)
	inst.rateFn = resolve(abi.ExportSetSampleRate)
	inst.processFn = resolve(abi.ExportProcess)
	if m.HasApplyParams() {
		inst.applyFn = resolve(abi.ExportApplyParams)
	}
	if missing != "" {
		mod.Close(ctx)
		return nil, errors.MissingExport(m.path, missing)
	}

	inst.stack[0] = api.EncodeI32(int32(blockFrames))
	inst.stack[1] = api.EncodeI32(int32(channels))
	if err := createFn.CallWithStack(ctx, inst.stack[:2]); err != nil {
		mod.Close(ctx)
		return nil, guestErr(errors.PhaseLoad, abi.ExportCreate, err)
	}
	inst.handle = api.DecodeI32(inst.stack[0])
	if inst.handle <= 0 {
		mod.Close(ctx)
		return nil, errors.InvalidInput(errors.PhaseLoad, fmt.Sprintf(
			"%s rejected %d frames x %d channels", abi.ExportCreate, blockFrames, channels))
	}

	for _, buf := range []struct {
		fn   api.Function
		dst  *uint32
		name string
	}{
		{paramBufFn, &inst.paramAddr, abi.ExportParamBuffer},
		{audioInFn, &inst.inAddr, abi.ExportAudioIn},
		{audioOutFn, &inst.outAddr, abi.ExportAudioOut},
	} {
		inst.stack[0] = api.EncodeI32(inst.handle)
		if err := buf.fn.CallWithStack(ctx, inst.stack[:1]); err != nil {
			mod.Close(ctx)
			return nil, guestErr(errors.PhaseLoad, buf.name, err)
		}
		*buf.dst = api.DecodeU32(inst.stack[0])
	}

	// Audio buffers must hold a full block; failing here beats failing on
	// the audio context later.
	blockBytes := uint32(blockFrames*channels) * 4
	for _, addr := range []uint32{inst.inAddr, inst.outAddr} {
		if _, ok := inst.mem.Read(addr, blockBytes); !ok {
			mod.Close(ctx)
			return nil, errors.InvalidInput(errors.PhaseLoad, fmt.Sprintf(
				"audio buffer at %d too small for %d frames x %d channels", addr, blockFrames, channels))
		}
	}

	Logger().Debug("instance created",
		zap.String("path", m.path),
		zap.Int32("handle", inst.handle),
		zap.Int("block_frames", blockFrames),
		zap.Int("channels", channels))

	return inst, nil
}

// BlockFrames returns the frame capacity the instance was created with.
func (i *Instance) BlockFrames() int { return i.blockFrames }

// Channels returns the channel count the instance was created with.
func (i *Instance) Channels() int { return i.channels }

// ApplyParams writes values into the module's parameter buffer and latches
// them into processing state. On version 1 modules the write happens but no
// latch step exists, so processing keeps its previous state; that bug is why
// version 1 sits behind the legacy opt-in.
func (i *Instance) ApplyParams(values []float64) error {
	if len(values) == 0 {
		return nil
	}
	buf, ok := i.mem.Read(i.paramAddr, uint32(len(values))*8)
	if !ok {
		return errors.InvalidInput(errors.PhaseProcess, "parameter buffer outside module memory")
	}
	for k, v := range values {
		binary.LittleEndian.PutUint64(buf[k*8:], math.Float64bits(v))
	}

	if i.applyFn == nil {
		return nil
	}
	i.stack[0] = api.EncodeI32(i.handle)
	i.stack[1] = api.EncodeI32(int32(len(values)))
	if err := i.applyFn.CallWithStack(i.callCtx, i.stack[:2]); err != nil {
		return guestErr(errors.PhaseProcess, abi.ExportApplyParams, err)
	}
	return nil
}

// Process renders one block of interleaved samples. len(in) and len(out)
// must be equal, a multiple of the channel count, and at most the created
// block capacity.
func (i *Instance) Process(in, out []float32) error {
	if len(in) != len(out) || len(in) == 0 || len(in)%i.channels != 0 {
		return errors.InvalidInput(errors.PhaseProcess, "block length does not match channel layout")
	}
	frames := len(in) / i.channels
	if frames > i.blockFrames {
		return errors.InvalidInput(errors.PhaseProcess, "block exceeds created frame capacity")
	}

	byteLen := uint32(len(in)) * 4
	inView, ok := i.mem.Read(i.inAddr, byteLen)
	if !ok {
		return errors.InvalidInput(errors.PhaseProcess, "input buffer outside module memory")
	}
	for k, s := range in {
		binary.LittleEndian.PutUint32(inView[k*4:], math.Float32bits(s))
	}

	i.stack[0] = api.EncodeI32(i.handle)
	i.stack[1] = api.EncodeU32(i.inAddr)
	i.stack[2] = api.EncodeU32(i.outAddr)
	i.stack[3] = api.EncodeI32(int32(frames))
	if err := i.processFn.CallWithStack(i.callCtx, i.stack[:4]); err != nil {
		return guestErr(errors.PhaseProcess, abi.ExportProcess, err)
	}

	outView, ok := i.mem.Read(i.outAddr, byteLen)
	if !ok {
		return errors.InvalidInput(errors.PhaseProcess, "output buffer outside module memory")
	}
	for k := range out {
		out[k] = math.Float32frombits(binary.LittleEndian.Uint32(outView[k*4:]))
	}
	return nil
}

// Reset returns the instance to its initial processing state without
// reallocating. The parameter buffer is untouched; callers re-prime and
// latch after a reset.
func (i *Instance) Reset(ctx context.Context) error {
	i.stack[0] = api.EncodeI32(i.handle)
	if err := i.resetFn.CallWithStack(ctx, i.stack[:1]); err != nil {
		return guestErr(errors.PhaseProcess, abi.ExportReset, err)
	}
	return nil
}

// SetSampleRate informs the instance of the session sample rate.
func (i *Instance) SetSampleRate(ctx context.Context, rate float64) error {
	i.stack[0] = api.EncodeI32(i.handle)
	i.stack[1] = api.EncodeF64(rate)
	if err := i.rateFn.CallWithStack(ctx, i.stack[:2]); err != nil {
		return guestErr(errors.PhaseProcess, abi.ExportSetSampleRate, err)
	}
	return nil
}

// Describe reads the descriptor table from the running instance.
func (i *Instance) Describe(ctx context.Context) (*param.Table, error) {
	return describeTable(ctx, i.mod, i.path)
}

// Close destroys the processing instance and releases the module instance.
// Only the first call does work.
func (i *Instance) Close(ctx context.Context) error {
	if !i.closed.CompareAndSwap(false, true) {
		return nil
	}

	var firstErr error
	i.stack[0] = api.EncodeI32(i.handle)
	if err := i.destroyFn.CallWithStack(ctx, i.stack[:1]); err != nil {
		firstErr = guestErr(errors.PhaseProcess, abi.ExportDestroy, err)
	}
	if err := i.mod.Close(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
