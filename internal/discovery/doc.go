// Package discovery locates server registers on the local network by probing
// the health route of every host in a /24 subnet.
//
// Probes run in bounded batches with a hard per-probe timeout, so a scan of an
// empty subnet still finishes in roughly (hosts / batch) × timeout. Probe
// failures are expected and never surface as errors.
package discovery
