// Package rebuild drives the edit-to-sound loop: watch sources, run the
// build, extract the new parameter table, apply the result.
//
// The Watcher turns filesystem churn into debounced change signals. Each
// signal bumps the Pipeline's target generation; the pipeline's single
// worker runs at most one cycle at a time and coalesces bursts by always
// building for the latest target. A newer bump cancels the in-flight
// cycle's build and extraction through its context; a result that was
// superseded is discarded quietly, never applied. Only the apply step is
// exempt from cancellation: once a module passed extraction the swap is
// committed, and the newer generation simply lands right after it.
//
// Failures are terminal for their cycle only. The module that was live
// before a failed build keeps processing, and the failure is reported
// through the OnFailure hook, cause and remedy included.
package rebuild
