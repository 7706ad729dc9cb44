// Package wasm provides static access to WebAssembly core module binaries:
// a Probe that reads export names, import requirements, and exported global
// constants without executing any module code, and a Builder that assembles
// small plugin modules implementing the dev-runtime processing contract.
//
// The Probe exists because the contract version must be read before the
// module runs. Instantiating an unknown binary executes its start function,
// which is exactly the step that can hang or trap; the loader's version and
// export gates therefore operate on the decoded binary alone.
//
// The Builder is the inverse path: it emits a complete, valid module
// (type, function, memory, global, export, code, and data sections) whose
// exports satisfy the contract. Engine, extractor, driver, and control tests
// build their fixture plugins with it instead of shipping checked-in
// binaries, and the dev host's demo mode serves one.
package wasm
