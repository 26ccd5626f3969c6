// Command cachectl operates on a photocache directory without the daemon.
//
// Usage:
//
//	cachectl <command> [arguments]
//
// Commands:
//
//	submit <ref>...   Cache the given references. Use "-" to read one
//	                  reference per line from stdin. Progress is drawn as
//	                  a bar on a terminal and as plain lines otherwise.
//	lookup <ref>      Print the cached file for a reference, exit 1 if
//	                  it is not cached.
//	size [-files]     Print the total cache size, optionally per file.
//	list              Print the ledger, one "original -> cached" per line.
//	cleanup           Delete every cached file and empty the ledger.
//	history [n]       Print the n most recent batches recorded by the
//	                  daemon (default 20).
//
// Environment:
//
//	CACHE_DIR        - Path to the cache directory (default: /cache)
//	DATABASE_DIR     - Path to the database directory (default: /database)
//	WORKER_POOL_SIZE - Transcode workers for submit (default: 4)
//	DISPLAY_WIDTH    - Target display width for submit (default: 1920)
//	DISPLAY_HEIGHT   - Target display height for submit (default: 1080)
//
// cachectl writes the same ledger file as the daemon. Stop the daemon
// before running submit or cleanup against its directory.
package main
