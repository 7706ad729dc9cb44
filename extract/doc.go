// Package extract obtains a module's parameter descriptor table without
// trusting the module to terminate.
//
// Reading the table requires instantiating the module, and instantiation
// runs whatever static initializers the plugin author wrote; during a dev
// session those are exactly the code being edited. The Extractor therefore
// spawns the paramprobe child process to do the instantiation and kills it
// on timeout or cancellation, so a hung or crashing initializer costs one
// subprocess instead of the audio host. InProcess skips the sandbox for
// modules the host itself produced, like the demo plugin.
//
// Successful extractions can be cached by module content fingerprint. The
// cache keeps a single entry: the dev loop rebuilds one module file over
// and over, and anything older than the latest build is dead weight.
package extract
