// Package handlers provides the photocache HTTP API.
//
// Batches are submitted with POST /api/cache and run in the background.
// Their progress, together with cache size changes, is fanned out to every
// client of the GET /api/cache/progress websocket. The remaining routes
// expose lookups, cached files, the ledger, sizes, cleanup, batch history and the usual
// health and version probes.
package handlers
