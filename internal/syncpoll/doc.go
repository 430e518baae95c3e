// Package syncpoll keeps a client register in step with its server register.
//
// A Poller owns one goroutine that repeatedly pulls events newer than its
// high-water mark, applies them in timestamp order and persists the new mark.
// Consecutive failures back off exponentially up to a ceiling; one success
// resets the schedule.
//
// Application is last-writer-wins per entity, keyed by event timestamp. Two
// registers editing the same entity concurrently converge on whichever event
// carries the later timestamp; the earlier edit is discarded silently.
package syncpoll
