package engine

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/plugwork/dev-runtime/abi"
	"github.com/plugwork/dev-runtime/errors"
	"github.com/plugwork/dev-runtime/param"
)

// Module is a compiled plugin module that passed the load gates. It creates
// instances and holds no processing state of its own. Safe for concurrent use.
type Module struct {
	engine    *Engine
	compiled  wazero.CompiledModule
	path      string
	version   int32
	needsWASI bool
}

// Path returns the file the module was loaded from.
func (m *Module) Path() string { return m.path }

// Version returns the contract version baked into the module.
func (m *Module) Version() int32 { return m.version }

// HasApplyParams reports whether the module carries the explicit parameter
// latch step. False only for legacy version 1 modules.
func (m *Module) HasApplyParams() bool { return abi.HasApplyParams(m.version) }

// Close releases the compiled code. Instances already created stay valid.
func (m *Module) Close(ctx context.Context) error {
	return m.compiled.Close(ctx)
}

// Describe instantiates the module, reads its parameter descriptor table,
// and tears the instance down again. plug_describe is metadata-only, so no
// processing instance is created. This is the first point module code runs;
// use the extract package instead when the binary is not trusted to
// terminate, or bound ctx with a deadline.
func (m *Module) Describe(ctx context.Context) (*param.Table, error) {
	mod, err := m.instantiateRaw(ctx)
	if err != nil {
		return nil, err
	}
	defer mod.Close(ctx)
	return describeTable(ctx, mod, m.path)
}

// instantiateRaw runs the wazero instantiation with the engine's module
// defaults. The anonymous name lets a reload's new module coexist with the
// one it replaces.
func (m *Module) instantiateRaw(ctx context.Context) (api.Module, error) {
	if m.needsWASI {
		if err := m.engine.initWASI(ctx); err != nil {
			return nil, err
		}
	}

	// Reactor-style init only. A command module's _start would run main
	// and exit the instance.
	cfg := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions("_initialize")

	mod, err := m.engine.runtime.InstantiateModule(ctx, m.compiled, cfg)
	if err != nil {
		return nil, guestErr(errors.PhaseLoad, "instantiate "+m.path, err)
	}
	return mod, nil
}

// describeTable calls plug_describe on an instantiated module and parses
// the table JSON out of module memory.
func describeTable(ctx context.Context, mod api.Module, path string) (*param.Table, error) {
	fn := mod.ExportedFunction(abi.ExportDescribe)
	if fn == nil {
		return nil, errors.MissingExport(path, abi.ExportDescribe)
	}

	stack := make([]uint64, 1)
	if err := fn.CallWithStack(ctx, stack); err != nil {
		return nil, guestErr(errors.PhaseLoad, abi.ExportDescribe, err)
	}
	ptr, length := uint32(stack[0]>>32), uint32(stack[0])

	mem := mod.Memory()
	if mem == nil {
		return nil, errors.MissingExport(path, abi.ExportMemory)
	}
	data, ok := mem.Read(ptr, length)
	if !ok {
		return nil, errors.InvalidInput(errors.PhaseLoad,
			fmt.Sprintf("descriptor table at %d+%d is outside module memory", ptr, length))
	}

	table, err := param.ParseTable(data)
	if err != nil {
		return nil, errors.ParseFailed(errors.PhaseLoad, "descriptor table", err)
	}
	return table, nil
}

// guestErr classifies a failed guest call: context-driven aborts keep their
// nature, everything else is a crash (trap, out-of-bounds, guest exit).
func guestErr(phase errors.Phase, detail string, err error) error {
	switch {
	case errors.IsTimeout(err):
		return errors.Timeout(phase, detail, err)
	case errors.IsCancelled(err):
		return errors.Wrap(phase, errors.KindCancelled, err, detail)
	default:
		return errors.Wrap(phase, errors.KindCrashed, err, detail)
	}
}
