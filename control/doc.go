// Package control is the host's command surface: canonical parameter
// state, the reload entry point, and the line-delimited JSON-RPC protocol
// that exposes both to editors and UIs.
//
// The Host is the single writer of parameter state. Reads and writes go
// through its lock and never touch the audio context; edits reach audio
// only by being pushed into the live session's bridge. A reload hands the
// Host a new table and instance; it merges values by parameter id,
// publishes the new session through the driver, and notifies every
// subscriber. Requests keep being served against whichever table is live
// at the moment they arrive, so a rebuild never turns into client errors.
//
// Transports are deliberately plain: Serve speaks the protocol over any
// net.Listener (unix socket or localhost TCP), and Pipe wires a Client to
// the Host in process for embedded UIs.
package control
