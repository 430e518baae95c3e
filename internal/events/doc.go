// Package events implements the sync event bus: an append-only,
// timestamp-ordered log of domain changes that peer registers poll.
//
// Timestamps are epoch milliseconds and strictly increase within one process,
// so a consumer tracking a high-water-mark never skips an event that shares a
// millisecond with its mark.
package events
