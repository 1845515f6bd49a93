// Package resource tracks the lifetime of cached payloads.
//
// A Handle owns one payload and runs its release hook exactly once, no matter
// how many paths (eviction, clear, teardown) ask for it. A Meter accounts for
// the bytes currently held by live handles across every cache instance.
package resource
