package blobstore

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"photocache/internal/filesystem"
	"photocache/internal/logging"

	"golang.org/x/crypto/blake2b"
)

const (
	// LedgerFileName is the mapping file kept next to the cached images.
	LedgerFileName = "cache_mapping.txt"

	// ImageExt is the extension of every cached image.
	ImageExt = ".jpg"

	tempPattern      = ".tmp-*"
	ledgerTempPrefix = ".ledger-"
	dirPerm          = 0o755
	filePerm         = 0o644
)

var log = logging.For("blobstore")

// Store owns a directory of cached images plus the ledger file. File
// names are derived from a hash of the original reference.
type Store struct {
	dir   string
	retry filesystem.RetryConfig
}

// New creates the directory if needed and returns a Store rooted at dir.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("blob store dir is empty")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve blob store dir: %w", err)
	}
	// Cached paths are written to the ledger as "original -> cached" lines.
	if strings.ContainsAny(abs, "\r\n") || strings.Contains(abs, " -> ") {
		return nil, fmt.Errorf("blob store dir %q cannot be recorded in the ledger", abs)
	}
	if err := os.MkdirAll(abs, dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create blob store dir: %w", err)
	}
	log.Debug("blob store ready at %s", abs)
	return &Store{dir: abs, retry: filesystem.DefaultRetryConfig()}, nil
}

// Dir returns the absolute directory path.
func (s *Store) Dir() string {
	return s.dir
}

// LedgerPath returns the path of the mapping file.
func (s *Store) LedgerPath() string {
	return filepath.Join(s.dir, LedgerFileName)
}

// ResolvePath maps an original reference to its cache file path. It is a
// pure function of the reference and performs no I/O.
func (s *Store) ResolvePath(originalReference string) string {
	sum := blake2b.Sum256([]byte(originalReference))
	return filepath.Join(s.dir, hex.EncodeToString(sum[:])+ImageExt)
}

// Write replaces the file at path with data. The bytes go to a temp file
// in the same directory which is renamed over path, so a reader sees the
// old file or the new one, never a partial write.
func (s *Store) Write(path string, data []byte) (err error) {
	if !s.contains(path) {
		return fmt.Errorf("path %s is outside the blob store", path)
	}

	tmp, err := os.CreateTemp(s.dir, tempPattern)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write %s: %w", tmpPath, err)
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", tmpPath, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", tmpPath, err)
	}
	if err = os.Chmod(tmpPath, filePerm); err != nil {
		return fmt.Errorf("failed to chmod %s: %w", tmpPath, err)
	}
	if err = os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to commit %s: %w", path, err)
	}
	return nil
}

// Exists reports whether path is an existing regular file.
func (s *Store) Exists(path string) bool {
	info, err := filesystem.StatWithRetry(path, s.retry)
	return err == nil && info.Mode().IsRegular()
}

// Size returns the size of the file at path.
func (s *Store) Size(path string) (int64, error) {
	info, err := filesystem.StatWithRetry(path, s.retry)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Delete removes the file at path. Deleting a missing file is not an error.
func (s *Store) Delete(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// IsCacheFile reports whether path names a cached image of this store,
// as opposed to the ledger, temp files or foreign files.
func (s *Store) IsCacheFile(path string) bool {
	if filepath.Dir(path) != s.dir {
		return false
	}
	name := filepath.Base(path)
	return strings.HasSuffix(name, ImageExt) && !strings.HasPrefix(name, ".")
}

// Scan calls fn for every cached image in the store with its size. Files
// that disappear or cannot be stat'ed mid-scan are skipped.
func (s *Store) Scan(fn func(path string, size int64)) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		if !s.IsCacheFile(path) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			log.Debug("skipping %s: %v", path, err)
			continue
		}
		fn(path, info.Size())
	}
	return nil
}

// Purge deletes every file in the store except the ledger and returns the
// number of files removed. Image temp files are removed too; ledger temp
// files are left alone since a save may be in flight.
func (s *Store) Purge() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, err
	}
	var removed int
	var errs []error
	for _, e := range entries {
		if e.IsDir() || e.Name() == LedgerFileName || strings.HasPrefix(e.Name(), ledgerTempPrefix) {
			continue
		}
		if err := s.Delete(filepath.Join(s.dir, e.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

func (s *Store) contains(path string) bool {
	return filepath.Dir(filepath.Clean(path)) == s.dir
}
