// Package audio owns the boundary between the real-time audio context and
// everything else in the host.
//
// The Driver holds one atomic pointer to an immutable Session. The audio
// context does exactly three kinds of work per block: load that pointer,
// drain the session's parameter bridge, and call into the module instance.
// No locks, no allocation, no logging, no I/O. Everything mutable lives on
// the control side and reaches the audio context only by publishing a new
// Session.
//
// Swapping is all-or-nothing. Swap publishes the new session first, then
// waits for in-flight blocks to finish before destroying the old instance,
// so the audio context never observes a torn or retired session. With no
// session at all the driver renders silence instead of failing.
package audio
