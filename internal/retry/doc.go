// Package retry holds the backoff and single-flight primitives shared by the
// order sync engine, the outbox queue and the sync poller.
//
// Delays grow exponentially from a base delay and are capped:
//
//	delay(n) = min(base × multiplier^(n−1), max)
//
// Lock is a non-blocking mutex used to coalesce overlapping sweeps into no-ops.
package retry
