// Package engine loads plugin modules and drives their processing contract.
//
// It wraps wazero so the dev loop stays self-contained: modules compile and
// run in process, with no cgo and no dynamic linker involvement. Three types
// mirror the module lifecycle:
//
//	Engine   - owns the wazero runtime and its compilation cache
//	Module   - a compiled module that passed the load gates
//	Instance - a created processing instance bound to block geometry
//
// # Load Gates
//
// Load validates a binary without executing it: the contract version baked
// into the plug_abi_version global is read by static parsing, the export
// table is checked against that version's required set, and imports outside
// WASI preview 1 are rejected. Gate failures carry remediation text.
//
// Instantiate is the first point where module code runs (the wasm start
// section), so callers bound it with a context deadline when the binary is
// not trusted to terminate; the runtime closes hung instances when the
// context is done.
//
// # Hot Path
//
// Instance.ApplyParams and Instance.Process run on the audio context every
// block. They reuse a preallocated call stack and move samples through
// memory views, so a block costs two guest calls and two copies with no
// allocation. An Instance is not safe for concurrent use: hot-path methods
// are confined to the audio context, and lifecycle methods must be ordered
// against it, which the audio driver's session swap provides.
package engine
