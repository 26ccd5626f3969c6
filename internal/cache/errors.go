package cache

import (
	"errors"

	"photocache/internal/transcode"
)

// Error classes. Per-item errors are wrapped with one of ErrFetch,
// ErrDecode, ErrEncode or ErrIO and only ever reach a Result; ErrBatch is
// the only class that ends a batch with a Failed event.
var (
	ErrFetch       = errors.New("fetch failed")
	ErrDecode      = transcode.ErrDecode
	ErrEncode      = transcode.ErrEncode
	ErrIO          = errors.New("cache I/O failed")
	ErrLedgerParse = errors.New("ledger unreadable")
	ErrBatch       = errors.New("batch failed")
)

// Classify returns the error class of err as a short label for logs and
// metrics.
func Classify(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrFetch):
		return "fetch"
	case errors.Is(err, ErrDecode):
		return "decode"
	case errors.Is(err, ErrEncode):
		return "encode"
	case errors.Is(err, ErrIO):
		return "io"
	case errors.Is(err, ErrLedgerParse):
		return "ledger"
	case errors.Is(err, ErrBatch):
		return "batch"
	default:
		return "other"
	}
}
