package callgroup

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestDeduplication(t *testing.T) {
	var g Group[int, int]
	var calls atomic.Int32
	started := make(chan struct{})

	fn := func() (int, error) {
		calls.Add(1)
		close(started)
		time.Sleep(50 * time.Millisecond)
		return 42, nil
	}

	const n = 10
	var wg sync.WaitGroup
	results := make([]Result[int], n)

	// First caller starts the work.
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0] = <-g.DoChan(1, fn)
	}()

	// Wait for fn to start, then pile on.
	<-started
	for i := 1; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = <-g.DoChan(1, fn)
		}()
	}

	wg.Wait()

	for i, r := range results {
		if r.Err != nil {
			t.Errorf("caller %d got error: %v", i, r.Err)
		}
		if r.Val != 42 {
			t.Errorf("caller %d got value %d, want 42", i, r.Val)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("fn called %d times, want 1", got)
	}
}

func TestIndependentKeys(t *testing.T) {
	var g Group[int, int]
	var calls atomic.Int32

	fn := func() (int, error) {
		calls.Add(1)
		return 0, nil
	}

	var wg sync.WaitGroup
	for _, key := range []int{1, 2, 3} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-g.DoChan(key, fn)
		}()
	}

	wg.Wait()

	if got := calls.Load(); got != 3 {
		t.Errorf("fn called %d times, want 3", got)
	}
}

func TestWaiterReceivesSharedValue(t *testing.T) {
	var g Group[int, string]
	started := make(chan struct{})

	fn := func() (string, error) {
		close(started)
		time.Sleep(50 * time.Millisecond)
		return "leader result", nil
	}

	// First caller.
	ch1 := g.DoChan(1, fn)
	<-started

	// Second caller joins; its own fn must never run.
	ch2 := g.DoChan(1, func() (string, error) {
		t.Error("second fn should not execute")
		return "", errors.New("unexpected")
	})

	r1 := <-ch1
	r2 := <-ch2

	if r1.Err != nil {
		t.Errorf("caller 1 got error: %v", r1.Err)
	}
	if r2.Err != nil {
		t.Errorf("caller 2 got error: %v", r2.Err)
	}
	if r1.Val != "leader result" || r2.Val != "leader result" {
		t.Errorf("expected both callers to share the leader's value, got %q and %q", r1.Val, r2.Val)
	}
}

func TestErrorPropagation(t *testing.T) {
	var g Group[int, string]
	sentinel := errors.New("failed")
	started := make(chan struct{})

	ch1 := g.DoChan(1, func() (string, error) {
		close(started)
		time.Sleep(50 * time.Millisecond)
		return "", sentinel
	})
	<-started

	ch2 := g.DoChan(1, func() (string, error) {
		t.Error("should not execute")
		return "", nil
	})

	r1 := <-ch1
	r2 := <-ch2

	if !errors.Is(r1.Err, sentinel) {
		t.Errorf("caller 1: got %v, want %v", r1.Err, sentinel)
	}
	if !errors.Is(r2.Err, sentinel) {
		t.Errorf("caller 2: got %v, want %v", r2.Err, sentinel)
	}
}

func TestReuseAfterCompletion(t *testing.T) {
	var g Group[int, int]
	var calls atomic.Int32

	fn := func() (int, error) {
		calls.Add(1)
		return int(calls.Load()), nil
	}

	first := <-g.DoChan(1, fn)
	if first.Err != nil {
		t.Fatalf("first call: %v", first.Err)
	}

	// Second call for same key should trigger a new execution, not
	// replay the first one's cached value.
	second := <-g.DoChan(1, fn)
	if second.Err != nil {
		t.Fatalf("second call: %v", second.Err)
	}

	if got := calls.Load(); got != 2 {
		t.Errorf("fn called %d times, want 2", got)
	}
	if first.Val == second.Val {
		t.Errorf("expected the second call to re-execute fn, got same value %d twice", first.Val)
	}
}
