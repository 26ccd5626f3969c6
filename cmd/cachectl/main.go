package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"photocache/internal/blobstore"
	"photocache/internal/cache"
	"photocache/internal/database"
	"photocache/internal/fetch"
	"photocache/internal/workers"
)

const (
	defaultCacheDir    = "/cache"
	defaultDatabaseDir = "/database"
	defaultTimeout     = 30 * time.Second
)

// env is the configuration cachectl reads from the environment.
type env struct {
	cacheDir    string
	databaseDir string
	workers     int
	display     cache.FixedDisplay
}

func envFromOS() env {
	e := env{
		cacheDir:    os.Getenv("CACHE_DIR"),
		databaseDir: os.Getenv("DATABASE_DIR"),
		display:     cache.FixedDisplay{Width: cache.DefaultDisplayWidth, Height: cache.DefaultDisplayHeight},
	}
	if e.cacheDir == "" {
		e.cacheDir = defaultCacheDir
	}
	if e.databaseDir == "" {
		e.databaseDir = defaultDatabaseDir
	}
	n, _ := strconv.Atoi(os.Getenv("WORKER_POOL_SIZE"))
	e.workers = workers.PoolSize(n, cache.DefaultWorkerPoolSize)
	if w, err := strconv.Atoi(os.Getenv("DISPLAY_WIDTH")); err == nil && w > 0 {
		e.display.Width = w
	}
	if h, err := strconv.Atoi(os.Getenv("DISPLAY_HEIGHT")); err == nil && h > 0 {
		e.display.Height = h
	}
	return e
}

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stdout)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, envFromOS(), os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// run executes one command and returns the process exit code.
func run(ctx context.Context, e env, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	command, args := args[0], args[1:]

	if command == "history" {
		return history(ctx, e, args, stdout, stderr)
	}

	c, err := openCache(ctx, e)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		fmt.Fprintf(stderr, "Make sure CACHE_DIR is set correctly (current: %s)\n", e.cacheDir)
		return 1
	}
	defer func() {
		if err := c.Close(); err != nil {
			fmt.Fprintf(stderr, "Warning: failed to save ledger: %v\n", err)
		}
	}()

	switch command {
	case "submit":
		refs, err := readRefs(args, stdin)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		if len(refs) == 0 {
			fmt.Fprintln(stderr, "Error: no references given")
			return 1
		}
		final, err := submit(ctx, c, refs, newRenderer(stdout))
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		if final.Kind != cache.KindComplete {
			if ctx.Err() != nil {
				fmt.Fprintln(stderr, final)
			}
			return 1
		}
	case "lookup":
		if len(args) != 1 {
			fmt.Fprintln(stderr, "Usage: cachectl lookup <ref>")
			return 1
		}
		cached, ok := c.GetCachedReference(args[0])
		if !ok {
			fmt.Fprintln(stderr, "not cached")
			return 1
		}
		fmt.Fprintln(stdout, cached)
	case "size":
		printSize(c, len(args) > 0 && args[0] == "-files", stdout)
	case "list":
		printLedger(c.Entries(), stdout)
	case "cleanup":
		n := len(c.Entries())
		if err := c.Cleanup(ctx); err != nil {
			fmt.Fprintf(stderr, "Error: cleanup failed: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "Removed %d entries.\n", n)
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", sanitizeCommand(command))
		printUsage(stdout)
		return 1
	}
	return 0
}

func openCache(ctx context.Context, e env) (*cache.Cache, error) {
	store, err := blobstore.New(e.cacheDir)
	if err != nil {
		return nil, err
	}
	fetcher := fetch.NewLimited(
		fetch.Standard(&http.Client{Timeout: defaultTimeout}, 0),
		workers.ForIO(16),
		defaultTimeout,
	)
	opts := cache.DefaultOptions()
	opts.WorkerPoolSize = e.workers
	opts.Display = e.display
	c := cache.New(store, fetcher, opts)
	if err := c.Load(ctx); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to load cache: %w", err)
	}
	return c, nil
}

// readRefs returns args, or stdin lines when the only argument is "-".
// Blank lines and lines starting with # are skipped.
func readRefs(args []string, stdin io.Reader) ([]string, error) {
	if len(args) != 1 || args[0] != "-" {
		return args, nil
	}
	var refs []string
	sc := bufio.NewScanner(stdin)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		refs = append(refs, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading references: %w", err)
	}
	return refs, nil
}

func printSize(c *cache.Cache, perFile bool, w io.Writer) {
	if perFile {
		sizes := c.FileSizes()
		paths := make([]string, 0, len(sizes))
		for p := range sizes {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		for _, p := range paths {
			fmt.Fprintf(w, "%12d  %s\n", sizes[p], filepath.Base(p))
		}
	}
	fmt.Fprintf(w, "%d bytes in %d files\n", c.TotalSize(), len(c.FileSizes()))
}

func printLedger(entries map[string]string, w io.Writer) {
	originals := make([]string, 0, len(entries))
	for o := range entries {
		originals = append(originals, o)
	}
	sort.Strings(originals)
	for _, o := range originals {
		fmt.Fprintf(w, "%s -> %s\n", o, entries[o])
	}
}

func history(ctx context.Context, e env, args []string, stdout, stderr io.Writer) int {
	limit := database.DefaultRecentLimit
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 {
			fmt.Fprintf(stderr, "Error: invalid count %q\n", sanitizeCommand(args[0]))
			return 1
		}
		limit = n
	}

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	dbPath := filepath.Join(e.databaseDir, "photocache.db")
	if _, err := os.Stat(dbPath); errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(stderr, "Error: no batch history at %s\n", dbPath)
		return 1
	}
	db, err := database.New(ctx, dbPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: Failed to open database: %v\n", err)
		return 1
	}
	defer func() {
		if err := db.Close(); err != nil {
			fmt.Fprintf(stderr, "Warning: failed to close database: %v\n", err)
		}
	}()

	recs, err := db.RecentBatches(ctx, limit)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	for _, r := range recs {
		line := fmt.Sprintf("%s  %-8s  %s  total=%d ok=%d failed=%d cached=%d size=%d",
			r.FinishedAt.Format(time.RFC3339), r.State, r.ID, r.Total, r.Succeeded, r.Failed, r.AlreadyCached, r.TotalCacheSize)
		if r.Reason != "" {
			line += fmt.Sprintf(" reason=%q", r.Reason)
		}
		fmt.Fprintln(stdout, line)
	}
	return 0
}

// sanitizeCommand replaces anything outside [a-zA-Z0-9_-] with '_' before
// echoing user input.
func sanitizeCommand(cmd string) string {
	var b strings.Builder
	b.Grow(len(cmd))
	for _, r := range cmd {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "photocache control")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage: cachectl <command> [arguments]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  submit <ref>... | -   - Cache references (\"-\" reads stdin)")
	fmt.Fprintln(w, "  lookup <ref>          - Print the cached file for a reference")
	fmt.Fprintln(w, "  size [-files]         - Print the total cache size")
	fmt.Fprintln(w, "  list                  - Print the ledger")
	fmt.Fprintln(w, "  cleanup               - Delete every cached file")
	fmt.Fprintln(w, "  history [n]           - Print recent batches")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Environment:")
	fmt.Fprintf(w, "  CACHE_DIR    - Path to cache directory (default: %s)\n", defaultCacheDir)
	fmt.Fprintf(w, "  DATABASE_DIR - Path to database directory (default: %s)\n", defaultDatabaseDir)
}
