// Package localapi exposes a register's dataset to peer registers over the LAN
// and provides the typed client peers use to read it.
//
// Routes:
//
//	GET /api/health                  liveness, never authenticated
//	GET /api/orders?status=          orders, newest first
//	GET /api/orders/unsynced         paid orders not yet synced
//	GET /api/orders/:id              one order and its items
//	GET /api/products                catalog
//	GET /api/products/:id            one product
//	GET /api/tax-profiles            active tax profiles
//	GET /api/returns?status=         returns
//	GET /api/returns/order/:orderId  returns for one order
//	GET /api/sync/events?since=ms    sync events after a timestamp
//	GET /metrics                     prometheus metrics
//
// When a shared secret is configured every route except health requires the
// x-shared-secret header.
package localapi
