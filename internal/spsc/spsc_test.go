package spsc

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestQueueOrder(t *testing.T) {
	q := New[int](4)
	for i := range 4 {
		if err := q.Push(i); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}
	for i := range 4 {
		v, err := q.Pop(context.Background())
		if err != nil || v != i {
			t.Fatalf("Pop = %d, %v, want %d", v, err, i)
		}
	}
	if _, ok := q.TryPop(); ok {
		t.Error("TryPop on empty queue succeeded")
	}
}

func TestQueuePopHonoursContext(t *testing.T) {
	q := New[int](1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := q.Pop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Pop err = %v", err)
	}
}

func TestQueueProcessCallsPreWait(t *testing.T) {
	q := New[int](8)
	for i := range 3 {
		_ = q.Push(i)
	}

	var got []int
	preWaits := 0
	ctx, cancel := context.WithCancel(context.Background())
	err := q.Process(ctx, func(v int) { got = append(got, v) }, func() {
		preWaits++
		cancel()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Process err = %v", err)
	}
	if len(got) != 3 || preWaits != 1 {
		t.Errorf("got %v with %d preWaits", got, preWaits)
	}
}

func TestQueueClose(t *testing.T) {
	q := New[int](1)
	done := make(chan error, 1)
	go func() {
		_, err := q.Pop(context.Background())
		done <- err
	}()
	q.Close()
	q.Close()
	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("Pop err = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Pop did not wake on Close")
	}
	if err := q.Push(1); !errors.Is(err, ErrClosed) {
		t.Errorf("Push err = %v", err)
	}
}
