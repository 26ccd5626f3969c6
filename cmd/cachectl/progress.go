package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"photocache/internal/cache"
)

const barWidth = 30

// renderer draws batch progress. On a terminal it redraws one line in
// place; otherwise it prints a line per event.
type renderer struct {
	w   io.Writer
	tty bool
}

func newRenderer(w io.Writer) *renderer {
	r := &renderer{w: w}
	if f, ok := w.(*os.File); ok {
		r.tty = term.IsTerminal(int(f.Fd()))
	}
	return r
}

func (r *renderer) render(p cache.Progress) error {
	var err error
	switch {
	case r.tty && p.Kind == cache.KindInProgress:
		_, err = fmt.Fprintf(r.w, "\r%s %d/%d (%d errors)", bar(p.Fraction), p.Completed, p.Total, p.Errors)
	case r.tty && p.Kind.Terminal():
		_, err = fmt.Fprintf(r.w, "\r\033[K%s\n", p)
	default:
		_, err = fmt.Fprintln(r.w, p)
	}
	return err
}

func bar(fraction float64) string {
	n := int(fraction * barWidth)
	if n < 0 {
		n = 0
	}
	if n > barWidth {
		n = barWidth
	}
	return "[" + strings.Repeat("#", n) + strings.Repeat(" ", barWidth-n) + "]"
}

// submit runs a batch and renders its events. A render failure (a closed
// pipe, say) cancels the batch; the batch still delivers its terminal
// event, which submit returns.
func submit(ctx context.Context, c *cache.Cache, refs []string, r *renderer) (cache.Progress, error) {
	g, gctx := errgroup.WithContext(ctx)
	events := c.Submit(gctx, refs)
	toRender := make(chan cache.Progress)

	var final cache.Progress
	g.Go(func() error {
		defer close(toRender)
		for p := range events {
			final = p
			select {
			case toRender <- p:
			case <-gctx.Done():
			}
		}
		return nil
	})
	g.Go(func() error {
		for p := range toRender {
			if err := r.render(p); err != nil {
				return fmt.Errorf("rendering progress: %w", err)
			}
		}
		return nil
	})

	err := g.Wait()
	return final, err
}
