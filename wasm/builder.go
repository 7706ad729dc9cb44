package wasm

import (
	"fmt"

	"github.com/plugwork/dev-runtime/abi"
	"github.com/plugwork/dev-runtime/param"
)

// Module memory layout. Built modules hold a single processing instance, so
// every address is static and the handle plug_create returns is a validity
// token rather than an offset.
const (
	layoutDescriptorJSON = 16      // descriptor table JSON, placed by the data section
	layoutSampleRate     = 3584    // f64 session sample rate
	layoutFrames         = 3592    // i32 block frame capacity from plug_create
	layoutChannels       = 3596    // i32 channel count from plug_create
	layoutStaging        = 0x1000  // f64[64] host-written parameter buffer
	layoutLatched        = 0x1800  // f64[64] values latched for processing
	layoutAudioIn        = 0x10000 // interleaved f32 input block
	layoutAudioOut       = 0x20000 // interleaved f32 output block

	memoryPages = 3     // min = max; the layout above fills exactly 192 KiB
	maxParams   = 64    // staging and latched array capacity
	audioBytes  = 65536 // per-direction audio buffer size
)

// Type section indices.
const (
	typeDescribe   = 0 // () -> i64
	typeCreate     = 1 // (i32, i32) -> i32
	typeHandleOnly = 2 // (i32) -> ()
	typeSampleRate = 3 // (i32, f64) -> ()
	typeAddrOf     = 4 // (i32) -> i32
	typeApply      = 5 // (i32, i32) -> ()
	typeProcess    = 6 // (i32, i32, i32, i32) -> ()
	typeVoid       = 7 // () -> ()
)

// Builder assembles a plugin module binary implementing the processing
// contract. The zero value builds a parameterless passthrough module at the
// current contract version.
//
// When the module has parameters, the first one is applied as a linear gain
// to every sample, which gives tests an audible observable. The remaining
// parameters are stored, latched, and reported but do not shape audio.
type Builder struct {
	// Version is the contract version baked into the exported version
	// global. Zero means abi.Version. Versions without the apply step
	// omit plug_apply_params entirely, reproducing the old write-only
	// parameter buffer.
	Version int32

	// Params become the descriptor table returned by plug_describe, in
	// declaration order. Defaults are latched by plug_create and
	// restored by plug_reset.
	Params []param.Descriptor

	// OmitExports drops the named entries from the export section. The
	// definitions remain; only their visibility goes.
	OmitExports []string

	// WASI imports wasi_snapshot_preview1.proc_exit, marking the module
	// WASI-dependent without ever calling it.
	WASI bool

	// ForeignImports adds function imports from namespaces the host does
	// not provide. Each is imported as a function; its shape is
	// irrelevant because loading fails before linking.
	ForeignImports []Import

	// StartLoop adds a start function that never returns, so
	// instantiation blocks until the run context is done.
	StartLoop bool
}

type funcDef struct {
	name string // export name, "" for the unexported start function
	typ  uint32
	body []byte
}

// Build renders the module binary.
func (b Builder) Build() ([]byte, error) {
	version := b.Version
	if version == 0 {
		version = abi.Version
	}
	table, err := param.NewTable(b.Params)
	if err != nil {
		return nil, fmt.Errorf("build module: %w", err)
	}
	if table.Len() > maxParams {
		return nil, fmt.Errorf("build module: %d parameters exceed the %d-slot layout", table.Len(), maxParams)
	}
	descJSON, err := table.EncodeJSON()
	if err != nil {
		return nil, fmt.Errorf("build module: %w", err)
	}
	if len(descJSON) > layoutSampleRate-layoutDescriptorJSON {
		return nil, fmt.Errorf("build module: descriptor table is %d bytes, layout holds %d",
			len(descJSON), layoutSampleRate-layoutDescriptorJSON)
	}

	defaults := table.Defaults()
	funcs := []funcDef{
		{abi.ExportDescribe, typeDescribe, bodyDescribe(len(descJSON))},
		{abi.ExportCreate, typeCreate, bodyCreate(defaults)},
		{abi.ExportDestroy, typeHandleOnly, bodyEmpty()},
		{abi.ExportReset, typeHandleOnly, bodyReset(defaults)},
		{abi.ExportSetSampleRate, typeSampleRate, bodySetSampleRate()},
		{abi.ExportParamBuffer, typeAddrOf, bodyAddr(layoutStaging)},
	}
	if abi.HasApplyParams(version) {
		funcs = append(funcs, funcDef{abi.ExportApplyParams, typeApply, bodyApplyParams(len(defaults))})
	}
	funcs = append(funcs,
		funcDef{abi.ExportProcess, typeProcess, bodyProcess(len(defaults) > 0)},
		funcDef{abi.ExportAudioIn, typeAddrOf, bodyAddr(layoutAudioIn)},
		funcDef{abi.ExportAudioOut, typeAddrOf, bodyAddr(layoutAudioOut)},
	)
	if b.StartLoop {
		funcs = append(funcs, funcDef{"", typeVoid, bodyLoopForever()})
	}

	var imports []Import
	if b.WASI {
		imports = append(imports, Import{Module: WASINamespace, Name: "proc_exit", Kind: KindFunc})
	}
	imports = append(imports, b.ForeignImports...)

	omit := make(map[string]bool, len(b.OmitExports))
	for _, name := range b.OmitExports {
		omit[name] = true
	}

	var w writer
	w.u32le(Magic)
	w.u32le(BinaryVersion)
	w.section(SectionType, encodeTypes())
	if len(imports) > 0 {
		w.section(SectionImport, encodeImports(imports))
	}
	w.section(SectionFunction, encodeFuncTypes(funcs))
	w.section(SectionMemory, encodeMemory())
	w.section(SectionGlobal, encodeVersionGlobal(version))
	w.section(SectionExport, encodeExports(funcs, len(imports), omit))
	if b.StartLoop {
		var s writer
		s.u32(uint32(len(imports) + len(funcs) - 1))
		w.section(SectionStart, s.bytes())
	}
	w.section(SectionCode, encodeCode(funcs))
	w.section(SectionData, encodeData(descJSON))
	return w.bytes(), nil
}

// MustBuild is Build for fixtures whose inputs are fixed at compile time.
func (b Builder) MustBuild() []byte {
	data, err := b.Build()
	if err != nil {
		panic(err)
	}
	return data
}

func encodeTypes() []byte {
	sigs := [][2][]byte{
		typeDescribe:   {nil, {ValI64}},
		typeCreate:     {{ValI32, ValI32}, {ValI32}},
		typeHandleOnly: {{ValI32}, nil},
		typeSampleRate: {{ValI32, ValF64}, nil},
		typeAddrOf:     {{ValI32}, {ValI32}},
		typeApply:      {{ValI32, ValI32}, nil},
		typeProcess:    {{ValI32, ValI32, ValI32, ValI32}, nil},
		typeVoid:       {nil, nil},
	}
	var w writer
	w.u32(uint32(len(sigs)))
	for _, sig := range sigs {
		w.byte(TypeFunc)
		w.u32(uint32(len(sig[0])))
		w.raw(sig[0])
		w.u32(uint32(len(sig[1])))
		w.raw(sig[1])
	}
	return w.bytes()
}

func encodeImports(imports []Import) []byte {
	var w writer
	w.u32(uint32(len(imports)))
	for _, imp := range imports {
		w.name(imp.Module)
		w.name(imp.Name)
		w.byte(byte(KindFunc))
		w.u32(typeHandleOnly)
	}
	return w.bytes()
}

func encodeFuncTypes(funcs []funcDef) []byte {
	var w writer
	w.u32(uint32(len(funcs)))
	for _, f := range funcs {
		w.u32(f.typ)
	}
	return w.bytes()
}

func encodeMemory() []byte {
	var w writer
	w.u32(1)
	w.byte(0x01) // min and max present
	w.u32(memoryPages)
	w.u32(memoryPages)
	return w.bytes()
}

func encodeVersionGlobal(version int32) []byte {
	var w writer
	w.u32(1)
	w.byte(ValI32)
	w.byte(0x00) // immutable
	w.byte(OpI32Const)
	w.s32(version)
	w.byte(OpEnd)
	return w.bytes()
}

func encodeExports(funcs []funcDef, importedFuncs int, omit map[string]bool) []byte {
	type entry struct {
		name  string
		kind  Kind
		index uint32
	}
	entries := []entry{
		{abi.ExportMemory, KindMemory, 0},
		{abi.VersionGlobal, KindGlobal, 0},
	}
	for i, f := range funcs {
		if f.name == "" {
			continue
		}
		entries = append(entries, entry{f.name, KindFunc, uint32(importedFuncs + i)})
	}
	var w writer
	kept := entries[:0]
	for _, e := range entries {
		if !omit[e.name] {
			kept = append(kept, e)
		}
	}
	w.u32(uint32(len(kept)))
	for _, e := range kept {
		w.name(e.name)
		w.byte(byte(e.kind))
		w.u32(e.index)
	}
	return w.bytes()
}

func encodeCode(funcs []funcDef) []byte {
	var w writer
	w.u32(uint32(len(funcs)))
	for _, f := range funcs {
		w.u32(uint32(len(f.body)))
		w.raw(f.body)
	}
	return w.bytes()
}

func encodeData(descJSON []byte) []byte {
	var w writer
	w.u32(1)
	w.u32(0) // active segment in memory 0
	w.byte(OpI32Const)
	w.s32(layoutDescriptorJSON)
	w.byte(OpEnd)
	w.u32(uint32(len(descJSON)))
	w.raw(descJSON)
	return w.bytes()
}

// asm assembles one code-section entry. newBody declares the extra locals
// (grouped by runs of equal value types) and end terminates the body and
// returns its encoding.
type asm struct {
	w writer
}

func newBody(locals ...byte) *asm {
	type group struct {
		count uint32
		typ   byte
	}
	var groups []group
	for _, t := range locals {
		if n := len(groups); n > 0 && groups[n-1].typ == t {
			groups[n-1].count++
			continue
		}
		groups = append(groups, group{1, t})
	}
	a := &asm{}
	a.w.u32(uint32(len(groups)))
	for _, g := range groups {
		a.w.u32(g.count)
		a.w.byte(g.typ)
	}
	return a
}

func (a *asm) end() []byte {
	a.w.byte(OpEnd)
	return a.w.bytes()
}

func (a *asm) op(codes ...byte) {
	a.w.raw(codes)
}

func (a *asm) i32Const(v int32) {
	a.w.byte(OpI32Const)
	a.w.s32(v)
}

func (a *asm) i64Const(v int64) {
	a.w.byte(OpI64Const)
	a.w.s64(v)
}

func (a *asm) f32Const(v float32) {
	a.w.byte(OpF32Const)
	a.w.f32(v)
}

func (a *asm) f64Const(v float64) {
	a.w.byte(OpF64Const)
	a.w.f64(v)
}

func (a *asm) localGet(i uint32) {
	a.w.byte(OpLocalGet)
	a.w.u32(i)
}

func (a *asm) localSet(i uint32) {
	a.w.byte(OpLocalSet)
	a.w.u32(i)
}

// mem emits a load or store with its alignment and offset immediates.
// Alignment is the log2 of the access width.
func (a *asm) mem(op byte, align, offset uint32) {
	a.w.byte(op)
	a.w.u32(align)
	a.w.u32(offset)
}

func (a *asm) br(depth uint32) {
	a.w.byte(OpBr)
	a.w.u32(depth)
}

func (a *asm) brIf(depth uint32) {
	a.w.byte(OpBrIf)
	a.w.u32(depth)
}

// storeF64At writes a constant to a fixed address, carrying the address in
// the offset immediate over a zero base.
func (a *asm) storeF64At(offset uint32, v float64) {
	a.i32Const(0)
	a.f64Const(v)
	a.mem(OpF64Store, 3, offset)
}

func bodyEmpty() []byte {
	return newBody().end()
}

func bodyDescribe(jsonLen int) []byte {
	a := newBody()
	a.i64Const(layoutDescriptorJSON<<32 | int64(jsonLen))
	return a.end()
}

func bodyAddr(addr int32) []byte {
	a := newBody()
	a.i32Const(addr)
	return a.end()
}

func bodyCreate(defaults []float64) []byte {
	a := newBody()

	// Reject block geometry the audio buffers cannot hold.
	a.localGet(0)
	a.localGet(1)
	a.op(OpI32Mul)
	a.i32Const(4)
	a.op(OpI32Mul)
	a.i32Const(audioBytes)
	a.op(OpI32GtS)
	a.op(OpIf, BlockVoid)
	a.i32Const(0)
	a.op(OpReturn)
	a.op(OpEnd)

	a.i32Const(0)
	a.localGet(0)
	a.mem(OpI32Store, 2, layoutFrames)
	a.i32Const(0)
	a.localGet(1)
	a.mem(OpI32Store, 2, layoutChannels)

	// Defaults populate both the host-visible buffer and processing state.
	for i, d := range defaults {
		a.storeF64At(layoutStaging+uint32(i)*8, d)
		a.storeF64At(layoutLatched+uint32(i)*8, d)
	}

	a.i32Const(1) // the single instance handle
	return a.end()
}

func bodyReset(defaults []float64) []byte {
	a := newBody()
	for i, d := range defaults {
		a.storeF64At(layoutLatched+uint32(i)*8, d)
	}
	return a.end()
}

func bodySetSampleRate() []byte {
	a := newBody()
	a.i32Const(0)
	a.localGet(1)
	a.mem(OpF64Store, 3, layoutSampleRate)
	return a.end()
}

// bodyApplyParams copies min(count, n) staged values into latched state.
// Local 1 is reused as the byte-offset limit; local 2 walks both arrays.
func bodyApplyParams(n int) []byte {
	a := newBody(ValI32)

	a.localGet(1)
	a.i32Const(int32(n))
	a.op(OpI32GtS)
	a.op(OpIf, BlockVoid)
	a.i32Const(int32(n))
	a.localSet(1)
	a.op(OpEnd)

	a.localGet(1)
	a.i32Const(8)
	a.op(OpI32Mul)
	a.localSet(1)

	a.op(OpBlock, BlockVoid)
	a.op(OpLoop, BlockVoid)
	a.localGet(2)
	a.localGet(1)
	a.op(OpI32GeS)
	a.brIf(1)

	a.localGet(2)
	a.localGet(2)
	a.mem(OpF64Load, 3, layoutStaging)
	a.mem(OpF64Store, 3, layoutLatched)

	a.localGet(2)
	a.i32Const(8)
	a.op(OpI32Add)
	a.localSet(2)
	a.br(0)
	a.op(OpEnd)
	a.op(OpEnd)
	return a.end()
}

// bodyProcess scales every sample by the first latched value, or copies
// input through unchanged when the module has no parameters. Local 4 is the
// byte-count limit, local 5 the running offset, local 6 the gain.
func bodyProcess(hasParams bool) []byte {
	a := newBody(ValI32, ValI32, ValF32)

	a.localGet(3)
	a.i32Const(0)
	a.mem(OpI32Load, 2, layoutChannels)
	a.op(OpI32Mul)
	a.i32Const(4)
	a.op(OpI32Mul)
	a.localSet(4)

	if hasParams {
		a.i32Const(0)
		a.mem(OpF64Load, 3, layoutLatched)
		a.op(OpF32DemoteF64)
	} else {
		a.f32Const(1)
	}
	a.localSet(6)

	a.op(OpBlock, BlockVoid)
	a.op(OpLoop, BlockVoid)
	a.localGet(5)
	a.localGet(4)
	a.op(OpI32GeS)
	a.brIf(1)

	a.localGet(2)
	a.localGet(5)
	a.op(OpI32Add)
	a.localGet(1)
	a.localGet(5)
	a.op(OpI32Add)
	a.mem(OpF32Load, 2, 0)
	a.localGet(6)
	a.op(OpF32Mul)
	a.mem(OpF32Store, 2, 0)

	a.localGet(5)
	a.i32Const(4)
	a.op(OpI32Add)
	a.localSet(5)
	a.br(0)
	a.op(OpEnd)
	a.op(OpEnd)
	return a.end()
}

func bodyLoopForever() []byte {
	a := newBody()
	a.op(OpLoop, BlockVoid)
	a.br(0)
	a.op(OpEnd)
	return a.end()
}
