// Package obs contains observability utilities: the structured logger and the
// prometheus collectors shared by the sync engines and the local API server.
package obs
