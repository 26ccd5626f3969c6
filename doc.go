// Package main runs the photocache daemon.
//
// photocache keeps display-sized JPEG copies of photos in a local directory
// so that a slideshow or frame can show them without refetching and
// re-decoding the originals. Photos are submitted in batches by reference
// (a local path, file:// URL or http(s) URL); each batch is fetched,
// transcoded and written by a fixed pool of workers while progress is
// streamed to websocket clients.
//
// # Application Lifecycle
//
//  1. Memory Configuration: sets GOMEMLIMIT from MEMORY_LIMIT
//  2. Configuration Loading: reads environment variables and write-tests
//     the cache and database directories
//  3. Database Initialization: opens the SQLite batch history
//  4. Component Initialization:
//     - libvips for decode-time shrinking (if enabled)
//     - Memory Monitor: pauses transcoding under heap pressure
//     - Cache: loads the mapping ledger and rebuilds the size index
//     - Metrics Collector and cache directory watcher
//  5. HTTP Server Setup: routes, middleware, metrics listener
//  6. Graceful Shutdown: on SIGINT/SIGTERM the listeners stop, running
//     batches are cancelled, and the ledger is saved before exit
//
// See internal/startup for the full list of environment variables.
package main
