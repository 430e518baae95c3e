// Package outbox is a durable FIFO of HTTP side effects drained with retry.
//
// A pass walks the queue head to tail. 2xx and 4xx responses remove the item;
// a 5xx or transport failure reschedules it with capped exponential backoff
// and ends the pass, so later items are never delivered ahead of an earlier
// unresolved one.
package outbox
