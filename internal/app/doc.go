// Package app builds the register's object graph once at startup and owns its
// lifecycle.
//
// Which background parts run depends on the register mode:
//
//	standalone  scheduler only
//	server      scheduler + local API server
//	client      scheduler + sync poller against the selected server
//
// Shutdown runs in reverse dependency order: scheduler, poller, HTTP server,
// then storage.
package app
