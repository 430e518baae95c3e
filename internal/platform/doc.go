// Package platform defines the capability used to push completed sales to a
// remote commerce platform, and the adapters that implement it.
//
// Adapters register a constructor by name; the register selects one through
// configuration (PLATFORM). Adding a platform adds a constructor, never a
// branch in the callers.
//
// Errors returned by adapters are classified by IsRetryable: transport
// failures, HTTP 5xx and an open circuit are transient, everything else is
// a permanent rejection.
package platform
