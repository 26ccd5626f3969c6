package ledger

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"photocache/internal/logging"
)

const (
	// Separator splits a ledger line into original and cached reference.
	Separator = " -> "

	header   = "# photocache ledger v1"
	filePerm = 0o644
)

var log = logging.For("ledger")

// Ledger is the durable original → cached reference map. Reads and writes
// are safe for concurrent use; Save calls are serialized.
type Ledger struct {
	path string

	mu      sync.RWMutex
	entries map[string]string

	saveMu sync.Mutex
}

// New returns an empty ledger persisted at path. Call Load to read it.
func New(path string) *Ledger {
	return &Ledger{
		path:    path,
		entries: make(map[string]string),
	}
}

// Path returns the ledger file path.
func (l *Ledger) Path() string {
	return l.path
}

// Load replaces the in-memory state with the file contents. A missing
// file yields an empty ledger. Lines that do not split into exactly two
// parts around " -> " are skipped. Only read errors are returned; the
// ledger is left empty in that case.
func (l *Ledger) Load() error {
	entries, skipped, err := readFile(l.path)

	l.mu.Lock()
	l.entries = entries
	l.mu.Unlock()

	if err != nil {
		log.Warn("failed to read %s, starting with an empty ledger: %v", l.path, err)
		return err
	}
	if skipped > 0 {
		log.Warn("skipped %d malformed lines in %s", skipped, l.path)
	}
	log.Info("loaded %d entries from %s", len(entries), l.path)
	return nil
}

func readFile(path string) (entries map[string]string, skipped int, err error) {
	entries = make(map[string]string)

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return entries, 0, nil
		}
		return entries, 0, err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			log.Warn("failed to close %s: %v", path, cerr)
		}
	}()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		original, cached, ok := ParseLine(line)
		if !ok {
			skipped++
			continue
		}
		entries[original] = cached
	}
	if err := scanner.Err(); err != nil {
		return make(map[string]string), skipped, err
	}
	return entries, skipped, nil
}

// ParseLine splits "<original> -> <cached>". ok is false unless the line
// has exactly two non-empty parts.
func ParseLine(line string) (original, cached string, ok bool) {
	parts := strings.Split(line, Separator)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// Get returns the cached reference for original.
func (l *Ledger) Get(original string) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	cached, ok := l.entries[original]
	return cached, ok
}

// Put records original → cached, replacing any previous mapping.
func (l *Ledger) Put(original, cached string) {
	l.mu.Lock()
	l.entries[original] = cached
	l.mu.Unlock()
}

// Remove deletes the mapping for original and reports whether it existed.
func (l *Ledger) Remove(original string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.entries[original]
	delete(l.entries, original)
	return ok
}

// RemoveIf deletes the mapping for original only while it still points at
// cached, and reports whether it did.
func (l *Ledger) RemoveIf(original, cached string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if current, ok := l.entries[original]; !ok || current != cached {
		return false
	}
	delete(l.entries, original)
	return true
}

// Clear removes every mapping.
func (l *Ledger) Clear() {
	l.mu.Lock()
	l.entries = make(map[string]string)
	l.mu.Unlock()
}

// Len returns the number of mappings.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Snapshot returns a copy of the mappings.
func (l *Ledger) Snapshot() map[string]string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]string, len(l.entries))
	for k, v := range l.entries {
		out[k] = v
	}
	return out
}

// Keys returns the original references in sorted order.
func (l *Ledger) Keys() []string {
	l.mu.RLock()
	keys := make([]string, 0, len(l.entries))
	for k := range l.entries {
		keys = append(keys, k)
	}
	l.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Representable reports whether ref can be written to a ledger line and
// parsed back unchanged.
func Representable(ref string) bool {
	return !strings.ContainsAny(ref, "\r\n") && !strings.Contains(ref, Separator)
}

// Save rewrites the ledger file from a snapshot of the current state.
// The file is written to a temp file and renamed into place.
func (l *Ledger) Save() (err error) {
	l.saveMu.Lock()
	defer l.saveMu.Unlock()

	snapshot := l.Snapshot()
	keys := make([]string, 0, len(snapshot))
	for k := range snapshot {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	dir := filepath.Dir(l.path)
	tmp, err := os.CreateTemp(dir, ".ledger-*")
	if err != nil {
		return fmt.Errorf("failed to create ledger temp file: %w", err)
	}
	tmpPath := tmp.Name()
	closed := false
	defer func() {
		if !closed {
			_ = tmp.Close()
		}
		if err != nil {
			_ = os.Remove(tmpPath)
		}
	}()

	w := bufio.NewWriter(tmp)
	if _, err = fmt.Fprintln(w, header); err != nil {
		return fmt.Errorf("failed to write ledger: %w", err)
	}
	for _, original := range keys {
		if !Representable(original) || !Representable(snapshot[original]) {
			log.Warn("not persisting unrepresentable mapping %q -> %q", original, snapshot[original])
			continue
		}
		if _, err = fmt.Fprintf(w, "%s%s%s\n", original, Separator, snapshot[original]); err != nil {
			return fmt.Errorf("failed to write ledger: %w", err)
		}
	}
	if err = w.Flush(); err != nil {
		return fmt.Errorf("failed to flush ledger: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync ledger: %w", err)
	}
	closed = true
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close ledger: %w", err)
	}
	if err = os.Chmod(tmpPath, filePerm); err != nil {
		return fmt.Errorf("failed to chmod ledger: %w", err)
	}
	if err = os.Rename(tmpPath, l.path); err != nil {
		return fmt.Errorf("failed to replace ledger: %w", err)
	}

	log.Debug("saved %d entries to %s", len(keys), l.path)
	return nil
}
