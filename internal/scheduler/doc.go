// Package scheduler runs image loads under a hard concurrency cap.
//
// Requests land in one of two FIFO lanes. The immediate lane (what the user is
// looking at) is always drained before the background lane (speculative
// prefetch); tasks already in flight are never preempted. A key has at most one
// task queued or in flight: later requests share the first request's Future,
// and an immediate request for a key still waiting in the background lane
// promotes it instead of duplicating it.
//
// Successful loads are inserted into the route's cache store before any
// listener is notified. Failures are reported and never cached or retried.
package scheduler
