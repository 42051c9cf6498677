package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/jerroldneal/kokorod/internal/voice"
)

func TestQueuePreservesOrder(t *testing.T) {
	q := NewQueue()
	a := NewTask("a", voice.Default, 1.0)
	b := NewTask("b", voice.Default, 1.0)
	c := NewTask("c", voice.Default, 1.0)
	q.Push(a)
	q.Push(b)
	q.Push(c)

	ctx := context.Background()
	for i, want := range []*Task{a, b, c} {
		got, err := q.Next(ctx)
		if err != nil {
			t.Fatalf("next %d: %v", i, err)
		}
		if got.ID != want.ID {
			t.Fatalf("next %d: got %q, want %q", i, got.Text, want.Text)
		}
	}
	if q.Len() != 0 {
		t.Fatalf("queue not drained: %d left", q.Len())
	}
}

func TestQueuePushFrontJumpsTheLine(t *testing.T) {
	q := NewQueue()
	q.Push(NewTask("queued", voice.Default, 1.0))
	urgent := NewTask("urgent", voice.Default, 1.0)
	q.PushFront(urgent)

	got, err := q.Next(context.Background())
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if got.ID != urgent.ID {
		t.Fatalf("got %q, want the front-pushed task", got.Text)
	}
}

func TestQueueNextBlocksUntilPush(t *testing.T) {
	q := NewQueue()
	done := make(chan *Task, 1)
	go func() {
		task, err := q.Next(context.Background())
		if err != nil {
			done <- nil
			return
		}
		done <- task
	}()

	select {
	case <-done:
		t.Fatalf("next returned before a push")
	case <-time.After(50 * time.Millisecond):
	}

	pushed := NewTask("late arrival", voice.Default, 1.0)
	q.Push(pushed)
	select {
	case got := <-done:
		if got == nil || got.ID != pushed.ID {
			t.Fatalf("got %+v, want the pushed task", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("next never woke up")
	}
}

func TestQueueNextHonorsContext(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := q.Next(ctx); err == nil {
		t.Fatalf("expected an error from a cancelled context")
	}
}

func TestQueueClearReturnsPending(t *testing.T) {
	q := NewQueue()
	q.Push(NewTask("one", voice.Default, 1.0))
	q.Push(NewTask("two", voice.Default, 1.0))

	removed := q.Clear()
	if len(removed) != 2 {
		t.Fatalf("cleared %d tasks, want 2", len(removed))
	}
	if q.Len() != 0 {
		t.Fatalf("queue should be empty after clear")
	}
}
