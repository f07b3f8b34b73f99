// Package stream implements the model-stream drain loop: consuming a typed
// event stream from one model call, recording output items, and handling
// retry with backoff and context-window fallback.
package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/xonecas/agentcore/internal/item"
)

// EventType discriminates one stream event.
type EventType int

const (
	EventOutputItemDone EventType = iota
	EventRateLimitSnapshot
	EventTokenCount
	EventCompleted
	EventStreamClosed
	EventContextWindowExceeded
	EventInterrupted
	EventError
)

// Event is one element of the lazy sequence produced by a single model call.
type Event struct {
	Type EventType

	Item         item.ResponseItem
	InputTokens  int
	OutputTokens int
	Err          error
}

// Sentinel errors for the taxonomy in spec §7.
var (
	ErrStreamClosed          = errors.New("stream closed before completed")
	ErrContextWindowExceeded = errors.New("context window exceeded")
	ErrInterrupted           = errors.New("interrupted")
)

// Usage is the token usage reported by a completed turn, if any.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Backoff returns the delay for the given 1-based retry attempt: a doubling
// series starting at 500ms, capped at 30s. It is strictly increasing through
// attempt 7 (30s); every later attempt also gets 30s.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := 500 * time.Millisecond
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > 30*time.Second {
			return 30 * time.Second
		}
	}
	return d
}

// Recorder appends produced response items to the live history as they
// arrive on the stream.
type Recorder interface {
	Record(items ...item.ResponseItem)
}

// StreamFunc opens one model call and returns its event channel.
type StreamFunc func(ctx context.Context) (<-chan Event, error)

// DrainToCompleted consumes one model call to its Completed terminal,
// recording every OutputItemDone event via rec. It returns the terminal
// usage on success, or a sentinel error (ErrStreamClosed,
// ErrContextWindowExceeded, ErrInterrupted) or a wrapped provider error on
// failure.
func DrainToCompleted(ctx context.Context, open StreamFunc, rec Recorder) (Usage, error) {
	ch, err := open(ctx)
	if err != nil {
		return Usage{}, fmt.Errorf("open stream: %w", err)
	}

	var usage Usage
	for {
		select {
		case <-ctx.Done():
			return Usage{}, ErrInterrupted
		case evt, ok := <-ch:
			if !ok {
				return Usage{}, ErrStreamClosed
			}
			switch evt.Type {
			case EventOutputItemDone:
				rec.Record(evt.Item)
			case EventRateLimitSnapshot:
				// informational only
			case EventTokenCount:
				usage.InputTokens = evt.InputTokens
				usage.OutputTokens = evt.OutputTokens
			case EventCompleted:
				return usage, nil
			case EventContextWindowExceeded:
				return Usage{}, ErrContextWindowExceeded
			case EventInterrupted:
				return Usage{}, ErrInterrupted
			case EventError:
				if evt.Err != nil {
					return Usage{}, evt.Err
				}
				return Usage{}, fmt.Errorf("stream error event with no error")
			case EventStreamClosed:
				return Usage{}, ErrStreamClosed
			}
		}
	}
}

// RetryWithBackoff drives DrainToCompleted up to maxAttempts times,
// retrying on any error except ErrContextWindowExceeded and ErrInterrupted,
// which are returned immediately to the caller (the compaction wrapper
// handles context-window fallback itself; interruption is terminal).
func RetryWithBackoff(ctx context.Context, maxAttempts int, open StreamFunc, rec Recorder) (Usage, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		usage, err := DrainToCompleted(ctx, open, rec)
		if err == nil {
			return usage, nil
		}
		if errors.Is(err, ErrContextWindowExceeded) || errors.Is(err, ErrInterrupted) {
			return Usage{}, err
		}
		lastErr = err
		if attempt == maxAttempts {
			break
		}
		delay := Backoff(attempt)
		log.Warn().Err(err).Int("attempt", attempt).Dur("backoff", delay).Msg("stream call failed, retrying")
		select {
		case <-ctx.Done():
			return Usage{}, ErrInterrupted
		case <-time.After(delay):
		}
	}
	return Usage{}, fmt.Errorf("stream retries exhausted after %d attempts: %w", maxAttempts, lastErr)
}

// DrainWithContextWindowFallback wraps RetryWithBackoff with the
// compaction-specific fallback: on ErrContextWindowExceeded, it invokes
// dropOldest to shrink the turn input and retries, resetting the attempt
// counter. dropOldest returns false when no further element can be dropped.
func DrainWithContextWindowFallback(ctx context.Context, maxAttempts int, open func(ctx context.Context) (<-chan Event, error), rec Recorder, dropOldest func() bool) (Usage, error) {
	for {
		usage, err := RetryWithBackoff(ctx, maxAttempts, open, rec)
		if err == nil {
			return usage, nil
		}
		if !errors.Is(err, ErrContextWindowExceeded) {
			return Usage{}, err
		}
		if !dropOldest() {
			return Usage{}, fmt.Errorf("context window exceeded and no further input to drop: %w", ErrContextWindowExceeded)
		}
	}
}
