// Package errors provides structured error types for the dev runtime.
//
// Errors are categorized by Phase (where in the lifecycle the error occurred)
// and Kind (error category). The Error type carries the module path or
// parameter id it concerns, a human-readable detail, and, for failures with a
// known fix, a Remedy string the control plane forwards to the UI.
//
// Use the convenience constructors for common patterns:
//
//	err := errors.VersionMismatch("synth.wasm", 1, 2)
//	err := errors.MissingExport("synth.wasm", "plug_process")
//	err := errors.Timeout(errors.PhaseExtract, "parameter extraction", cause)
//
// All errors implement the standard error interface and support errors.Is/As.
// Matching with errors.Is compares phase and kind, so sentinels like
// &Error{Phase: PhaseLoad, Kind: KindVersionMismatch} work as targets.
package errors
