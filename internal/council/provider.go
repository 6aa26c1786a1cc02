package council

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Provider is the single-prompt completion capability the council depends
// on. The council treats it as opaque: it only asks whether one-shot
// completions are supported and submits text prompts.
type Provider interface {
	// Name identifies the provider (e.g., "anthropic").
	Name() string

	// Model identifies the model within the provider.
	Model() string

	// SupportsCompletion reports whether one-shot completions are available.
	SupportsCompletion() bool

	// Complete returns a text completion for the prompt.
	Complete(ctx context.Context, prompt string) (string, error)
}

// ErrTimeout is returned when the provider does not answer within the
// configured window.
var ErrTimeout = errors.New("council: provider timed out")

// ErrUnsupported is returned when the provider cannot serve one-shot
// completions.
var ErrUnsupported = errors.New("council: provider does not support completions")

// completeWithTimeout races the provider call against a timer. The timer is
// always stopped; a late completion is discarded via the buffered channel so
// the goroutine never leaks.
func completeWithTimeout(ctx context.Context, p Provider, prompt string, timeout time.Duration) (string, error) {
	if !p.SupportsCompletion() {
		return "", ErrUnsupported
	}

	type outcome struct {
		text string
		err  error
	}
	done := make(chan outcome, 1)

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		text, err := p.Complete(callCtx, prompt)
		done <- outcome{text: text, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-done:
		if out.err != nil {
			return "", fmt.Errorf("council: provider call failed: %w", out.err)
		}
		return out.text, nil
	case <-timer.C:
		return "", ErrTimeout
	case <-ctx.Done():
		return "", fmt.Errorf("council: %w", ctx.Err())
	}
}
