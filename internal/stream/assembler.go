// Package stream assembles upstream text fragments into the gateway's SSE
// wire format under an idle and a total deadline.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/geminiweb/gateway/internal/domain"
	"github.com/geminiweb/gateway/internal/openai"
)

// Assembler frames a fragment sequence as data: events. IdleTimeout bounds
// the wait for the next fragment, TotalTimeout the whole stream's wall-clock
// span; a zero value disables that bound.
type Assembler struct {
	IdleTimeout  time.Duration
	TotalTimeout time.Duration

	// Now is a test hook; defaults to time.Now.
	Now func() time.Time
}

func sseEncode(w io.Writer, data []byte) error {
	_, err := fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

func (a *Assembler) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

// Run writes the SSE stream for one response: a role chunk, one content
// chunk per fragment, a terminal empty-delta chunk with finish_reason stop,
// and the [DONE] sentinel. Every chunk shares one id and creation time.
//
// Exceeding either deadline returns a RequestTimeoutError; a value on errs
// is returned as-is. The caller owns ctx and must cancel it on return so the
// upstream body is released.
func (a *Assembler) Run(ctx context.Context, w http.ResponseWriter, model string, fragments <-chan string, errs <-chan error) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("response writer does not support streaming")
	}

	id := openai.NewCompletionID()
	created := time.Now().Unix()
	started := a.now()

	writeChunk := func(delta openai.Delta, finishReason *string) error {
		data, err := json.Marshal(openai.NewStreamChunk(id, created, model, delta, finishReason))
		if err != nil {
			return err
		}
		if err := sseEncode(w, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := writeChunk(openai.Delta{Role: "assistant"}, nil); err != nil {
		return err
	}

	for {
		// The wait bound is re-derived before every fragment: the remaining
		// total budget shrinks, so min(idle, remainingTotal) must not be
		// computed once up front.
		var remainingTotal time.Duration
		if a.TotalTimeout > 0 {
			remainingTotal = a.TotalTimeout - a.now().Sub(started)
			if remainingTotal <= 0 {
				return &domain.RequestTimeoutError{Message: "streaming request timed out"}
			}
		}
		wait := a.IdleTimeout
		if remainingTotal > 0 && (wait == 0 || remainingTotal < wait) {
			wait = remainingTotal
		}

		var timer *time.Timer
		var deadline <-chan time.Time
		if wait > 0 {
			timer = time.NewTimer(wait)
			deadline = timer.C
		}

		select {
		case piece, ok := <-fragments:
			stopTimer(timer)
			if !ok {
				// Drain the error channel: the producer closes both, and a
				// terminal stream error may be buffered.
				if errs != nil {
					if err, ok := <-errs; ok && err != nil {
						return err
					}
				}
				if err := writeChunk(openai.Delta{}, strPtr("stop")); err != nil {
					return err
				}
				return sseEncode(w, []byte("[DONE]"))
			}
			if piece == "" {
				continue
			}
			if err := writeChunk(openai.Delta{Content: piece}, nil); err != nil {
				return err
			}

		case err, ok := <-errs:
			stopTimer(timer)
			if !ok {
				// Closed without an error; the fragment channel is (or is
				// about to be) closed as well.
				errs = nil
				continue
			}
			if err != nil {
				return err
			}

		case <-deadline:
			return &domain.RequestTimeoutError{Message: "streaming request timed out"}

		case <-ctx.Done():
			stopTimer(timer)
			return ctx.Err()
		}
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

func strPtr(s string) *string { return &s }
