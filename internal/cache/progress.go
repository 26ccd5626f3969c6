package cache

import (
	"fmt"
	"sync"
)

// Kind is the state a Progress event reports.
type Kind int

const (
	// KindIdle means no batch has run yet.
	KindIdle Kind = iota
	// KindStarting is emitted once per batch with the batch size.
	KindStarting
	// KindInProgress repeats with cumulative counters.
	KindInProgress
	// KindComplete is terminal: the pool drained and the ledger was saved.
	KindComplete
	// KindFailed is terminal: the batch was cancelled or could not persist.
	KindFailed
)

var kindNames = [...]string{"idle", "starting", "in_progress", "complete", "failed"}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// Terminal reports whether k ends a batch.
func (k Kind) Terminal() bool {
	return k == KindComplete || k == KindFailed
}

// MarshalText encodes the kind by name.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText decodes a kind name.
func (k *Kind) UnmarshalText(b []byte) error {
	for i, name := range kindNames {
		if name == string(b) {
			*k = Kind(i)
			return nil
		}
	}
	return fmt.Errorf("unknown progress kind %q", b)
}

// Progress is one event of a batch. Which fields are meaningful depends on
// Kind:
//
//	Starting:   Total
//	InProgress: Completed, Errors, Total, Fraction, LastItemSize
//	Complete:   Succeeded, Failed, AlreadyCached, TotalCacheSize
//	Failed:     Reason, Completed, Errors
//
// Completed counts already-cached references plus successes, so the
// counters only grow within a batch and Completed+Errors reaches Total.
type Progress struct {
	Kind    Kind   `json:"kind"`
	BatchID string `json:"batchId,omitempty"`

	Total        int     `json:"total"`
	Completed    int     `json:"completed"`
	Errors       int     `json:"errors"`
	Fraction     float64 `json:"fraction"`
	LastItemSize int64   `json:"lastItemSize,omitempty"`

	Succeeded      int   `json:"succeeded,omitempty"`
	Failed         int   `json:"failed,omitempty"`
	AlreadyCached  int   `json:"alreadyCached,omitempty"`
	TotalCacheSize int64 `json:"totalCacheSize,omitempty"`

	Reason string `json:"reason,omitempty"`
}

func (p Progress) String() string {
	switch p.Kind {
	case KindStarting:
		return fmt.Sprintf("Starting{total: %d}", p.Total)
	case KindInProgress:
		return fmt.Sprintf("InProgress{completed: %d, errors: %d, total: %d, fraction: %.2f}",
			p.Completed, p.Errors, p.Total, p.Fraction)
	case KindComplete:
		return fmt.Sprintf("Complete{succeeded: %d, failed: %d, alreadyCached: %d, totalCacheSize: %d}",
			p.Succeeded, p.Failed, p.AlreadyCached, p.TotalCacheSize)
	case KindFailed:
		return fmt.Sprintf("Failed{reason: %q, completed: %d, errors: %d}", p.Reason, p.Completed, p.Errors)
	default:
		return "Idle"
	}
}

func fraction(done, total int) float64 {
	if total <= 0 {
		return 1
	}
	return float64(done) / float64(total)
}

// mailbox is an unbounded progress queue between a batch and its consumer.
// Consecutive InProgress events collapse into the newest one, so a slow
// consumer costs memory proportional to the number of non-InProgress
// events, which is at most two per batch.
type mailbox struct {
	mu     sync.Mutex
	queue  []Progress
	closed bool
	notify chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

// put never blocks.
func (m *mailbox) put(p Progress) {
	m.mu.Lock()
	if n := len(m.queue); n > 0 && p.Kind == KindInProgress && m.queue[n-1].Kind == KindInProgress {
		m.queue[n-1] = p
	} else {
		m.queue = append(m.queue, p)
	}
	m.mu.Unlock()
	m.signal()
}

func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.signal()
}

func (m *mailbox) signal() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// forward delivers queued events to out in order and closes out once the
// mailbox is closed and drained.
func (m *mailbox) forward(out chan<- Progress) {
	defer close(out)
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			closed := m.closed
			m.mu.Unlock()
			if closed {
				return
			}
			<-m.notify
			continue
		}
		p := m.queue[0]
		m.queue[0] = Progress{}
		m.queue = m.queue[1:]
		m.mu.Unlock()

		out <- p
	}
}
