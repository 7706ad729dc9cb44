// Package abi defines the versioned processing contract between the dev
// host and a plugin module: the fixed export names, the current contract
// version, and the required export set per version.
//
// The contract is append-only. A new version may add exports; it never
// renames or removes them. The module bakes its version into the exported
// immutable global named by VersionGlobal, and the host reads that global
// statically, before any module code runs.
package abi

// Contract versions.
const (
	// Version is the contract version this host is built for.
	Version int32 = 2

	// VersionLegacy is the oldest version admitted when legacy support is
	// enabled. Version 1 modules lack ExportApplyParams: values written to
	// the parameter buffer were never latched into processing state, so
	// live edits silently did nothing. Version 2 fixed that with an
	// explicit apply step.
	VersionLegacy int32 = 1
)

// VersionGlobal is the exported immutable i32 global carrying the module's
// baked contract version.
const VersionGlobal = "plug_abi_version"

// ExportMemory is the module's exported linear memory. Every pointer a
// contract function returns is an offset into it.
const ExportMemory = "memory"

// Export names of the contract function table.
const (
	// ExportDescribe returns the parameter descriptor table as JSON in
	// module memory, packed ptr<<32|len. Metadata-only: callable without
	// a prior ExportCreate.
	ExportDescribe = "plug_describe"

	// ExportCreate allocates a processing instance for a block size and
	// channel count and returns its handle (> 0).
	ExportCreate = "plug_create"

	// ExportDestroy releases an instance handle.
	ExportDestroy = "plug_destroy"

	// ExportReset returns an instance to its initial processing state
	// without reallocating.
	ExportReset = "plug_reset"

	// ExportSetSampleRate informs an instance of the session sample rate.
	ExportSetSampleRate = "plug_set_sample_rate"

	// ExportParamBuffer returns the address of the instance's dense f64
	// parameter value array, one element per descriptor in declaration
	// order.
	ExportParamBuffer = "plug_param_buffer"

	// ExportApplyParams latches the first count values of the parameter
	// buffer into processing state. Added in version 2.
	ExportApplyParams = "plug_apply_params"

	// ExportProcess renders one block: frames of interleaved f32 samples
	// read from in_ptr, written to out_ptr.
	ExportProcess = "plug_process"

	// ExportAudioIn and ExportAudioOut return the addresses of the
	// instance's interleaved f32 block buffers, sized for the frame count
	// and channel count the instance was created with.
	ExportAudioIn  = "plug_audio_in"
	ExportAudioOut = "plug_audio_out"
)

// Supported reports whether the host can drive a module baked with version
// v. Legacy versions still need the explicit opt-in checked by the loader.
func Supported(v int32) bool {
	return v >= VersionLegacy && v <= Version
}

// RequiredFunctions returns the function exports a module of version v must
// provide. Missing exports are a fatal load error, never deferred to call
// time. The returned slice is freshly allocated.
func RequiredFunctions(v int32) []string {
	names := []string{
		ExportDescribe,
		ExportCreate,
		ExportDestroy,
		ExportReset,
		ExportSetSampleRate,
		ExportParamBuffer,
		ExportProcess,
		ExportAudioIn,
		ExportAudioOut,
	}
	if v >= 2 {
		names = append(names, ExportApplyParams)
	}
	return names
}

// HasApplyParams reports whether version v carries the explicit parameter
// latch step.
func HasApplyParams(v int32) bool {
	return v >= 2
}
