package cache

import (
	"context"
	"time"

	"photocache/internal/transcode"
)

// Defaults for Options.
const (
	DefaultWorkerPoolSize     = 4
	DefaultProgressEmitEveryN = 5
	DefaultDisplayWidth       = 1920
	DefaultDisplayHeight      = 1080
)

// Fetcher returns the source bytes for an original reference.
type Fetcher interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// DisplaySizer reports the resolution cached photos are sized for.
type DisplaySizer interface {
	DisplaySize() (width, height int)
}

// FixedDisplay is a DisplaySizer with a constant size.
type FixedDisplay struct {
	Width  int
	Height int
}

// DisplaySize implements DisplaySizer.
func (d FixedDisplay) DisplaySize() (int, int) {
	return d.Width, d.Height
}

// Throttle blocks CPU-heavy work while memory is tight. memory.Monitor
// implements it.
type Throttle interface {
	WaitIfPaused() bool
}

// Observer receives cache events, typically to feed metrics. Calls are
// made from worker goroutines and must not block.
type Observer interface {
	BatchStarted(total, alreadyCached int)
	ItemProcessed(r Result, duration time.Duration)
	BatchFinished(p Progress, duration time.Duration)
	Evicted(reason string)
	CacheSize(totalBytes int64, files int)
}

// BatchRecord is the terminal state of one batch.
type BatchRecord struct {
	ID             string    `json:"id"`
	StartedAt      time.Time `json:"startedAt"`
	FinishedAt     time.Time `json:"finishedAt"`
	State          Kind      `json:"state"`
	Total          int       `json:"total"`
	Succeeded      int       `json:"succeeded"`
	Failed         int       `json:"failed"`
	AlreadyCached  int       `json:"alreadyCached"`
	TotalCacheSize int64     `json:"totalCacheSize"`
	Reason         string    `json:"reason,omitempty"`
}

// History persists BatchRecords.
type History interface {
	RecordBatch(ctx context.Context, rec BatchRecord) error
}

// Options configures a Cache.
type Options struct {
	// WorkerPoolSize is the number of concurrent transcode workers.
	WorkerPoolSize int
	// ProgressEmitEveryN controls InProgress frequency.
	ProgressEmitEveryN int
	// JPEGQuality is passed to the transcoder (1-100).
	JPEGQuality int
	// ResizeFactor scales the display bounds before fitting.
	ResizeFactor float64

	Display           DisplaySizer
	Throttle          Throttle
	Observer          Observer
	TranscodeObserver transcode.Observer
	History           History
}

// DefaultOptions returns the stock configuration.
func DefaultOptions() Options {
	return Options{
		WorkerPoolSize:     DefaultWorkerPoolSize,
		ProgressEmitEveryN: DefaultProgressEmitEveryN,
		JPEGQuality:        transcode.DefaultQuality,
		ResizeFactor:       transcode.DefaultResizeFactor,
		Display:            FixedDisplay{Width: DefaultDisplayWidth, Height: DefaultDisplayHeight},
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.WorkerPoolSize < 1 {
		o.WorkerPoolSize = d.WorkerPoolSize
	}
	if o.ProgressEmitEveryN < 1 {
		o.ProgressEmitEveryN = d.ProgressEmitEveryN
	}
	if o.JPEGQuality < 1 || o.JPEGQuality > 100 {
		o.JPEGQuality = d.JPEGQuality
	}
	if o.ResizeFactor <= 0 {
		o.ResizeFactor = d.ResizeFactor
	}
	if o.Display == nil {
		o.Display = d.Display
	}
	return o
}
