// Package devruntime provides a development-mode host for hot-reloaded
// audio plugin modules.
//
// A plugin project's build produces a WebAssembly core module exposing a
// small versioned function table. The dev runtime loads that module, drives
// it block by block, and keeps it editable while audio runs: saving a source
// file triggers a rebuild, a sandboxed parameter extraction, and an atomic
// swap of the running instance, with parameter state carried across the
// reload.
//
// # Architecture Overview
//
// The library is organized into several packages with distinct responsibilities:
//
//	devruntime/          Root package with the BlockProcessor contract
//	├── abi/             Versioned processing contract: export names, version gate
//	├── param/           Parameter descriptors, table, and the lock-free bridge
//	├── wasm/            Static binary probe and synthetic module builder
//	├── engine/          wazero integration: loading, validation, instances
//	├── extract/         Subprocess parameter extraction with timeout and cache
//	├── rebuild/         File watching, builds, generations, reload pipeline
//	├── audio/           Real-time block driver with atomic session swap
//	├── control/         Canonical parameter state and the JSON-RPC control plane
//	├── errors/          Structured error types with phase, kind, and remedy
//	├── cmd/devhost/     Development host CLI
//	└── cmd/paramprobe/  Extraction child process
//
// # Quick Start
//
// Load a module and process audio:
//
//	eng, err := engine.New(ctx, engine.Config{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Close(ctx)
//
//	mod, err := eng.Load(ctx, "build/plugin.wasm")
//	if err != nil {
//	    log.Fatal(err) // version or export mismatch, with remedy
//	}
//
//	inst, err := mod.Instantiate(ctx, 256, 2)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer inst.Close(ctx)
//
//	inst.Process(in, out)
//
// # Threading Model
//
// Two execution contexts share state. The audio context calls
// audio.Driver.ProcessBlock at block rate and never blocks: it reads one
// atomic session pointer and drains the param.Bridge with atomic loads. The
// control context owns everything else (watcher, builds, extraction, the
// control server) and publishes new sessions with create-before-destroy
// ordering. Instances are confined to the audio context after a swap;
// engine.Module and control.Host are safe for concurrent use.
//
// # Reload Semantics
//
// A reload replaces the module instance and its descriptor table as one
// unit. Parameter values survive by id: ids present in both tables keep
// their current value, new ids take their declared default, and ids absent
// from the new table are dropped. A failed build or extraction leaves the
// previous instance processing untouched.
package devruntime
