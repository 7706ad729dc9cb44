package engine

import (
	"context"
	"os"
	"sync"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"

	"github.com/plugwork/dev-runtime/abi"
	"github.com/plugwork/dev-runtime/errors"
	"github.com/plugwork/dev-runtime/wasm"
)

// Engine owns a wazero runtime shared by every module loaded through it.
// One runtime across reloads shares the compilation cache, so a rebuild
// that touched a few functions recompiles quickly. Safe for concurrent use.
type Engine struct {
	runtime wazero.Runtime

	// runCtx bounds guest execution for hot-path calls, which carry no
	// context of their own. Cancelling it aborts in-flight guest code.
	runCtx context.Context

	legacyV1 bool

	wasiMu   sync.Mutex
	wasiDone atomic.Bool
}

// Config holds configuration for engine creation.
type Config struct {
	// LegacyV1 admits contract version 1 modules during the deprecation
	// window. Version 1 predates plug_apply_params: the host writes
	// parameter values but the module never latches them, so live edits
	// do not reach processing. Off by default.
	LegacyV1 bool

	// MemoryLimitPages caps module memory in 64KiB pages.
	// 0 means the runtime default (65536 pages = 4GB).
	// 256 = 16MB, 1024 = 64MB.
	MemoryLimitPages uint32
}

// New creates an engine. ctx scopes guest execution for the engine's whole
// life: cancelling it aborts in-flight and future guest calls.
func New(ctx context.Context, cfg Config) (*Engine, error) {
	// A module's start section runs user code at instantiation. Closing
	// on context-done is what turns a hung initializer into a timeout
	// instead of a stuck host.
	runtimeCfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cfg.MemoryLimitPages > 0 {
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(cfg.MemoryLimitPages)
	}

	return &Engine{
		runtime:  wazero.NewRuntimeWithConfig(ctx, runtimeCfg),
		runCtx:   ctx,
		legacyV1: cfg.LegacyV1,
	}, nil
}

// Load reads, validates, and compiles the module at path. No module code
// runs: the version and export gates work on the statically decoded binary,
// and failures report what to do about them.
func (e *Engine) Load(ctx context.Context, path string) (*Module, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.IO(errors.PhaseLoad, "stat module", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.IO(errors.PhaseLoad, "read module", err)
	}

	probe, err := wasm.ParseProbe(data)
	if err != nil {
		return nil, errors.ParseFailed(errors.PhaseLoad, "module binary", err)
	}

	version, ok := probe.ExportedGlobalI32(abi.VersionGlobal)
	if !ok {
		return nil, errors.MissingExport(path, abi.VersionGlobal)
	}
	switch {
	case version == abi.Version:
	case version == abi.VersionLegacy && e.legacyV1:
		Logger().Warn("legacy module admitted",
			zap.String("path", path),
			zap.Int32("version", version))
	default:
		return nil, errors.VersionMismatch(path, version, abi.Version)
	}

	for _, name := range abi.RequiredFunctions(version) {
		if !probe.HasExport(name, wasm.KindFunc) {
			return nil, errors.MissingExport(path, name)
		}
	}
	if !probe.HasExport(abi.ExportMemory, wasm.KindMemory) {
		return nil, errors.MissingExport(path, abi.ExportMemory)
	}
	if foreign := probe.ForeignImports(); len(foreign) > 0 {
		return nil, errors.UnexpectedImport(path, foreign[0].Module, foreign[0].Name)
	}

	compiled, err := e.runtime.CompileModule(ctx, data)
	if err != nil {
		return nil, errors.ParseFailed(errors.PhaseLoad, "compile module", err)
	}

	Logger().Info("module loaded",
		zap.String("path", path),
		zap.Int32("version", version),
		zap.Int64("size", info.Size()),
		zap.Bool("wasi", probe.NeedsWASI()))

	return &Module{
		engine:    e,
		compiled:  compiled,
		path:      path,
		version:   version,
		needsWASI: probe.NeedsWASI(),
	}, nil
}

// Close releases the runtime and everything compiled or instantiated
// through it.
func (e *Engine) Close(ctx context.Context) error {
	return e.runtime.Close(ctx)
}

// initWASI instantiates the WASI preview 1 host module once per runtime.
// Safe for concurrent calls from modules sharing the engine.
func (e *Engine) initWASI(ctx context.Context) error {
	if e.wasiDone.Load() {
		return nil
	}

	e.wasiMu.Lock()
	defer e.wasiMu.Unlock()

	if e.wasiDone.Load() {
		return nil
	}
	if e.runtime.Module(wasm.WASINamespace) == nil {
		if _, err := wasi_snapshot_preview1.Instantiate(ctx, e.runtime); err != nil {
			return errors.Wrap(errors.PhaseLoad, errors.KindIO, err, "instantiate WASI host module")
		}
	}

	e.wasiDone.Store(true)
	return nil
}
