package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"photocache/internal/filesystem"

	"golang.org/x/time/rate"
)

// userAgent identifies the cache to photo servers.
const userAgent = "photocache/1"

// HTTP downloads photos over http and https.
type HTTP struct {
	Client   *http.Client
	MaxBytes int64

	// limiter is nil when rate limiting is off.
	limiter *rate.Limiter
}

// NewHTTP returns an HTTP fetcher. perSecond <= 0 disables rate limiting.
func NewHTTP(client *http.Client, perSecond float64) *HTTP {
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	h := &HTTP{Client: client, MaxBytes: DefaultMaxBytes}
	if perSecond > 0 {
		burst := int(perSecond)
		if burst < 1 {
			burst = 1
		}
		h.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
	return h
}

// Fetch implements Fetcher.
func (h *HTTP) Fetch(ctx context.Context, ref string) ([]byte, error) {
	if h.limiter != nil {
		if err := h.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "image/*")

	resp, err := h.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			log.Debug("failed to close response body for %s: %v", ref, cerr)
		}
	}()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("GET %s: unexpected status %s", ref, resp.Status)
	}

	if h.MaxBytes > 0 && resp.ContentLength > h.MaxBytes {
		return nil, fmt.Errorf("GET %s: %w (%d bytes)", ref, filesystem.ErrTooLarge, resp.ContentLength)
	}

	var r io.Reader = resp.Body
	if h.MaxBytes > 0 {
		r = io.LimitReader(resp.Body, h.MaxBytes+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if h.MaxBytes > 0 && int64(len(data)) > h.MaxBytes {
		return nil, fmt.Errorf("GET %s: %w", ref, filesystem.ErrTooLarge)
	}
	return data, nil
}
