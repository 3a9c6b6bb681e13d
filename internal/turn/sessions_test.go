package turn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestTryAcquireRejectsWhileHeld(t *testing.T) {
	r := NewSessionRegistry()

	release, err := r.TryAcquire("s1")
	if err != nil {
		t.Fatalf("first TryAcquire: %v", err)
	}

	if _, err := r.TryAcquire("s1"); !errors.Is(err, ErrSessionBusy) {
		t.Fatalf("second TryAcquire err = %v, want ErrSessionBusy", err)
	}

	// A different session is unaffected.
	release2, err := r.TryAcquire("s2")
	if err != nil {
		t.Fatalf("TryAcquire other session: %v", err)
	}
	release2()

	release()
	release3, err := r.TryAcquire("s1")
	if err != nil {
		t.Fatalf("TryAcquire after release: %v", err)
	}
	release3()
}

func TestAcquireQueuesBehindHolder(t *testing.T) {
	r := NewSessionRegistry()

	release, err := r.Acquire(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		rel, err := r.Acquire(context.Background(), "s1")
		if err != nil {
			t.Errorf("queued Acquire: %v", err)
			close(acquired)
			return
		}
		close(acquired)
		rel()
	}()

	select {
	case <-acquired:
		t.Fatal("queued Acquire succeeded while mutex was held")
	case <-time.After(30 * time.Millisecond):
	}

	release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("queued Acquire never woke up after release")
	}
}

func TestAcquireHonorsContextCancellation(t *testing.T) {
	r := NewSessionRegistry()

	release, err := r.Acquire(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := r.Acquire(ctx, "s1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
}

func TestMutualExclusionUnderContention(t *testing.T) {
	r := NewSessionRegistry()

	var mu sync.Mutex
	executing := 0
	maxExecuting := 0

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := r.Acquire(context.Background(), "shared")
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			mu.Lock()
			executing++
			if executing > maxExecuting {
				maxExecuting = executing
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			executing--
			mu.Unlock()
			release()
		}()
	}
	wg.Wait()

	if maxExecuting != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxExecuting)
	}
}

func TestEvictionSparesActiveSessions(t *testing.T) {
	r := NewSessionRegistry()
	r.maxEntries = 4
	r.maxIdle = 10 * time.Millisecond

	for i := 0; i < 4; i++ {
		release, err := r.TryAcquire(string(rune('a' + i)))
		if err != nil {
			t.Fatalf("TryAcquire: %v", err)
		}
		release()
	}
	time.Sleep(20 * time.Millisecond)

	// Holding a fifth session triggers eviction of the idle four, but never
	// of the held entry.
	release, err := r.TryAcquire("held")
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if n := r.Len(); n != 1 {
		t.Errorf("Len = %d after eviction, want 1", n)
	}
	release()
}
