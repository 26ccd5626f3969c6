// Package ledger persists the mapping from original photo references to
// cached file paths.
//
// The file format is one mapping per line:
//
//	<original reference> -> <cached reference>
//
// Lines that do not split into exactly two parts around " -> " are
// ignored, which also covers the "# photocache ledger v1" header that
// [Ledger.Save] writes. A missing or unreadable file loads as an empty
// ledger.
package ledger
