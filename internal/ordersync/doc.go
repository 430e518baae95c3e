// Package ordersync pushes paid orders to the configured platform.
//
// Delivery is at-least-once: the local order id doubles as the idempotency key
// and an order already marked synced is never resubmitted. Retryable failures
// are counted per order in memory; once the count reaches MaxRetries the order
// is marked sync-failed and leaves the automatic sweep until an operator
// retries it.
package ordersync
