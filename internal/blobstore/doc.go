// Package blobstore owns the on-disk directory of cached photos.
//
// The directory holds one ledger file (cache_mapping.txt) and one JPEG per
// cached reference, named by the BLAKE2b-256 hex digest of the reference.
// Writes go through a temp file and a rename.
package blobstore
