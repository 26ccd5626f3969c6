// Package cache keeps display-sized copies of photos on local disk.
//
// A Cache owns three pieces of state:
//   - the blob store directory holding one JPEG per cached photo
//   - the mapping ledger, original reference to cached file path, saved
//     as a text file inside that directory
//   - the size index, cached file path to byte size, rebuilt from the
//     directory on Load and never saved
//
// Submit runs a batch: references already cached (and whose file is still
// there) are counted and skipped, the rest go through a fixed pool of
// workers that fetch, transcode and write each photo. Progress is streamed
// as Starting, InProgress and a final Complete or Failed event. Individual
// failures are counted, never fatal; only a failed ledger save or a
// cancelled context ends a batch with Failed.
//
// Lookups verify the file behind a ledger entry. Stale entries are evicted
// and the ledger is saved in the background.
package cache
