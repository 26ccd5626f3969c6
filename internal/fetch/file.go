package fetch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"path/filepath"

	"photocache/internal/filesystem"
)

// DefaultMaxBytes caps a single source photo.
const DefaultMaxBytes = 256 << 20

// File reads photos from the local filesystem. It accepts file:// URLs and
// bare paths.
type File struct {
	MaxBytes int64
	Retry    filesystem.RetryConfig
}

// NewFile returns a File fetcher with default limits.
func NewFile() *File {
	return &File{MaxBytes: DefaultMaxBytes, Retry: filesystem.DefaultRetryConfig()}
}

// Path returns the filesystem path a file reference points at.
func Path(ref string) (string, error) {
	if Scheme(ref) == "" {
		return filepath.Clean(ref), nil
	}
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parse %q: %w", ref, err)
	}
	if u.Scheme != "file" {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	if u.Host != "" && u.Host != "localhost" {
		return "", fmt.Errorf("file reference %q names remote host %q", ref, u.Host)
	}
	if u.Path == "" {
		return "", fmt.Errorf("file reference %q has no path", ref)
	}
	return filepath.FromSlash(u.Path), nil
}

// Fetch implements Fetcher.
func (f *File) Fetch(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := Path(ref)
	if err != nil {
		return nil, err
	}

	data, err := filesystem.ReadFileWithRetry(path, f.MaxBytes, f.Retry)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, err
	}
	return data, nil
}
