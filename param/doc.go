// Package param defines plugin parameter descriptors, the immutable
// descriptor table, and the lock-free bridge that carries live edits from
// the control context to the audio context.
//
// A Table is built once per successful module build and replaced wholesale
// on reload; it is never mutated. Descriptor identity is the string ID, and
// a descriptor's position in the table is its dense index, used for bridge
// slots and the module's parameter buffer alike.
//
// The Bridge is the only structure shared between the two contexts. Writers
// coalesce: a slot holds the latest value and a dirty flag, and a write that
// lands before the audio context drains the previous one simply supersedes
// it. Neither side ever blocks or allocates.
package param
