// Package watcher keeps the cache consistent with files removed from the
// cache directory by something other than the cache itself, such as an
// operator clearing space by hand.
//
// Only the top level of the directory is watched; the blob store is flat.
// Remove and Rename events for cached images are forwarded to a Forgetter,
// which drops any ledger entry pointing at the file.
package watcher
