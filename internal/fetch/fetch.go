// Package fetch turns original photo references into source bytes.
//
// References are opaque to the cache, but hosts give them a scheme. Mux
// routes each reference to the Fetcher registered for its scheme, and
// Limited wraps any Fetcher with a concurrency gate and a per-item timeout.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"photocache/internal/logging"

	"go4.org/syncutil"
)

var log = logging.For("fetch")

var (
	// ErrUnsupportedScheme is returned for references no fetcher handles.
	ErrUnsupportedScheme = errors.New("unsupported reference scheme")
	// ErrNotFound is returned when the referenced photo does not exist.
	ErrNotFound = errors.New("photo not found")
)

// Fetcher returns the bytes of the photo identified by ref.
type Fetcher interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// Func adapts a plain function to a Fetcher.
type Func func(ctx context.Context, ref string) ([]byte, error)

// Fetch calls f.
func (f Func) Fetch(ctx context.Context, ref string) ([]byte, error) {
	return f(ctx, ref)
}

// Scheme returns the lower-cased scheme of ref, or "" when it has none.
func Scheme(ref string) string {
	scheme, _, ok := strings.Cut(ref, "://")
	if !ok || scheme == "" || strings.ContainsAny(scheme, "/\\") {
		return ""
	}
	return strings.ToLower(scheme)
}

// Mux dispatches to a Fetcher by reference scheme.
type Mux struct {
	mu       sync.RWMutex
	schemes  map[string]Fetcher
	fallback Fetcher
}

// NewMux returns an empty Mux.
func NewMux() *Mux {
	return &Mux{schemes: make(map[string]Fetcher)}
}

// Handle registers f for scheme (case-insensitive).
func (m *Mux) Handle(scheme string, f Fetcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schemes[strings.ToLower(scheme)] = f
}

// HandleDefault registers f for references without a scheme.
func (m *Mux) HandleDefault(f Fetcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = f
}

// Fetch implements Fetcher.
func (m *Mux) Fetch(ctx context.Context, ref string) ([]byte, error) {
	scheme := Scheme(ref)

	m.mu.RLock()
	f, ok := m.schemes[scheme]
	if !ok && scheme == "" {
		f, ok = m.fallback, m.fallback != nil
	}
	m.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, scheme)
	}
	return f.Fetch(ctx, ref)
}

// Limited bounds how many fetches run at once and how long each may take.
type Limited struct {
	next    Fetcher
	gate    *syncutil.Gate
	timeout time.Duration
}

// NewLimited wraps next. concurrency < 1 means 1; timeout <= 0 disables
// the per-item deadline.
func NewLimited(next Fetcher, concurrency int, timeout time.Duration) *Limited {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Limited{
		next:    next,
		gate:    syncutil.NewGate(concurrency),
		timeout: timeout,
	}
}

// Fetch implements Fetcher.
func (l *Limited) Fetch(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.gate.Start()
	defer l.gate.Done()

	// The gate cannot be abandoned, so re-check after a possibly long wait.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	start := time.Now()
	data, err := l.next.Fetch(ctx, ref)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && l.timeout > 0 {
			return nil, fmt.Errorf("fetch timed out after %v: %w", l.timeout, err)
		}
		return nil, err
	}
	log.Debug("fetched %d bytes in %v", len(data), time.Since(start).Round(time.Millisecond))
	return data, nil
}

// Standard returns a Mux serving file://, http:// and https:// references,
// with bare paths read from the local filesystem.
func Standard(client *http.Client, perSecond float64) *Mux {
	m := NewMux()
	file := NewFile()
	web := NewHTTP(client, perSecond)
	m.Handle("file", file)
	m.Handle("http", web)
	m.Handle("https", web)
	m.HandleDefault(file)
	return m
}
