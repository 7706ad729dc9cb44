package devruntime

// BlockProcessor is the per-block contract between the audio driver and a
// loaded module instance. Both methods run on the audio context every block:
// implementations must not allocate, lock, or perform I/O.
type BlockProcessor interface {
	// ApplyParams publishes the dense parameter value array to the module
	// and latches it for subsequent blocks. Values beyond the module's
	// declared parameter count are ignored.
	ApplyParams(values []float64) error

	// Process renders one block of interleaved float32 samples. len(in)
	// and len(out) are frames*channels for the frame count and channel
	// layout the instance was created with.
	Process(in, out []float32) error
}

// Stats reports per-session processing counters. Implemented by
// audio.Driver; surfaced through the control plane's getStats method.
type Stats struct {
	Blocks          uint64 `json:"blocks"`           // blocks processed since the session started
	ParamsApplied   uint64 `json:"params_applied"`   // blocks that latched at least one changed value
	Overwrites      uint64 `json:"overwrites"`       // bridge writes superseded before the audio context read them
	ProcessFailures uint64 `json:"process_failures"` // blocks the module failed to render, emitted as silence
	Generation      uint64 `json:"generation"`       // rebuild generation of the live session
}
