package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xonecas/agentcore/internal/item"
)

type fakeRecorder struct {
	items []item.ResponseItem
}

func (f *fakeRecorder) Record(items ...item.ResponseItem) {
	f.items = append(f.items, items...)
}

func chanOf(events ...Event) StreamFunc {
	return func(ctx context.Context) (<-chan Event, error) {
		ch := make(chan Event, len(events))
		for _, e := range events {
			ch <- e
		}
		close(ch)
		return ch, nil
	}
}

func TestDrainToCompletedRecordsItemsInOrder(t *testing.T) {
	rec := &fakeRecorder{}
	open := chanOf(
		Event{Type: EventOutputItemDone, Item: item.NewAssistantMessage("a")},
		Event{Type: EventOutputItemDone, Item: item.NewAssistantMessage("b")},
		Event{Type: EventTokenCount, InputTokens: 10, OutputTokens: 5},
		Event{Type: EventCompleted},
	)
	usage, err := DrainToCompleted(context.Background(), open, rec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if usage.InputTokens != 10 || usage.OutputTokens != 5 {
		t.Fatalf("usage = %+v", usage)
	}
	if len(rec.items) != 2 || rec.items[0].Text() != "a" || rec.items[1].Text() != "b" {
		t.Fatalf("items not recorded in order: %+v", rec.items)
	}
}

func TestDrainToCompletedStreamClosedBeforeCompleted(t *testing.T) {
	rec := &fakeRecorder{}
	open := chanOf(Event{Type: EventOutputItemDone, Item: item.NewAssistantMessage("a")})
	_, err := DrainToCompleted(context.Background(), open, rec)
	if !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("err = %v, want ErrStreamClosed", err)
	}
}

func TestDrainToCompletedContextWindowExceeded(t *testing.T) {
	rec := &fakeRecorder{}
	open := chanOf(Event{Type: EventContextWindowExceeded})
	_, err := DrainToCompleted(context.Background(), open, rec)
	if !errors.Is(err, ErrContextWindowExceeded) {
		t.Fatalf("err = %v, want ErrContextWindowExceeded", err)
	}
}

func TestDrainToCompletedInterrupted(t *testing.T) {
	rec := &fakeRecorder{}
	open := chanOf(Event{Type: EventInterrupted})
	_, err := DrainToCompleted(context.Background(), open, rec)
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("err = %v, want ErrInterrupted", err)
	}
}

func TestBackoffStrictlyIncreasing(t *testing.T) {
	prev := time.Duration(0)
	for attempt := 1; attempt <= 5; attempt++ {
		d := Backoff(attempt)
		if d <= prev {
			t.Fatalf("backoff(%d) = %v, not strictly greater than previous %v", attempt, d, prev)
		}
		prev = d
	}
}

func TestRetryWithBackoffDoesNotRetryContextWindowExceeded(t *testing.T) {
	rec := &fakeRecorder{}
	calls := 0
	open := func(ctx context.Context) (<-chan Event, error) {
		calls++
		ch := make(chan Event, 1)
		ch <- Event{Type: EventContextWindowExceeded}
		close(ch)
		return ch, nil
	}
	_, err := RetryWithBackoff(context.Background(), 3, open, rec)
	if !errors.Is(err, ErrContextWindowExceeded) {
		t.Fatalf("err = %v, want ErrContextWindowExceeded", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (no retry on context window exceeded)", calls)
	}
}

func TestRetryWithBackoffRetriesOtherErrors(t *testing.T) {
	rec := &fakeRecorder{}
	calls := 0
	open := func(ctx context.Context) (<-chan Event, error) {
		calls++
		ch := make(chan Event, 1)
		if calls < 3 {
			ch <- Event{Type: EventError, Err: errors.New("transient")}
		} else {
			ch <- Event{Type: EventCompleted}
		}
		close(ch)
		return ch, nil
	}
	_, err := RetryWithBackoff(context.Background(), 5, open, rec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestDrainWithContextWindowFallbackDropsOldestAndRetries(t *testing.T) {
	rec := &fakeRecorder{}
	remaining := 2
	calls := 0
	open := func(ctx context.Context) (<-chan Event, error) {
		calls++
		ch := make(chan Event, 1)
		if remaining > 0 {
			ch <- Event{Type: EventContextWindowExceeded}
		} else {
			ch <- Event{Type: EventCompleted}
		}
		close(ch)
		return ch, nil
	}
	dropOldest := func() bool {
		if remaining <= 0 {
			return false
		}
		remaining--
		return true
	}
	_, err := DrainWithContextWindowFallback(context.Background(), 3, open, rec, dropOldest)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3 (2 drops + success)", calls)
	}
}

func TestDrainWithContextWindowFallbackSurfacesWhenNothingLeftToDrop(t *testing.T) {
	rec := &fakeRecorder{}
	open := chanOf(Event{Type: EventContextWindowExceeded})
	dropOldest := func() bool { return false }
	_, err := DrainWithContextWindowFallback(context.Background(), 1, open, rec, dropOldest)
	if !errors.Is(err, ErrContextWindowExceeded) {
		t.Fatalf("err = %v, want ErrContextWindowExceeded", err)
	}
}
