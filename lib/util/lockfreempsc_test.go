package util

import (
	"sync"
	"testing"
	"time"
)

// TestBasicOperations tests push and receive from a single producer
func TestBasicOperations(t *testing.T) {
	q := NewLockFreeMPSC[int]()
	defer q.Close()

	for i := 0; i < 10; i++ {
		v := i
		if !q.Push(&v) {
			t.Fatalf("Failed to push item %d", i)
		}
	}

	for i := 0; i < 10; i++ {
		select {
		case val := <-q.Recv():
			if *val != i {
				t.Errorf("Expected %d, got %d", i, *val)
			}
		case <-time.After(time.Second):
			t.Fatalf("Timeout waiting for item %d", i)
		}
	}

	select {
	case val := <-q.Recv():
		t.Errorf("Queue should be empty, but got %v", *val)
	case <-time.After(10 * time.Millisecond):
	}
}

// TestPushNil tests that nil values are rejected
func TestPushNil(t *testing.T) {
	q := NewLockFreeMPSC[int]()
	defer q.Close()

	if q.Push(nil) {
		t.Error("Push(nil) must return false")
	}
}

// TestConcurrentProducers verifies every value of many producers arrives exactly once
func TestConcurrentProducers(t *testing.T) {
	q := NewLockFreeMPSC[int]()
	defer q.Close()

	const producers = 8
	const perProducer = 500

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				v := p*perProducer + i
				q.Push(&v)
			}
		}(p)
	}

	seen := make(map[int]bool, producers*perProducer)
	deadline := time.After(5 * time.Second)
	for len(seen) < producers*perProducer {
		select {
		case v := <-q.Recv():
			if seen[*v] {
				t.Fatalf("value %d delivered twice", *v)
			}
			seen[*v] = true
		case <-deadline:
			t.Fatalf("received only %d of %d values", len(seen), producers*perProducer)
		}
	}
	wg.Wait()
}

// TestCloseQueue tests that queued values are drained and the channel is closed afterwards
func TestCloseQueue(t *testing.T) {
	q := NewLockFreeMPSC[string]()

	a, b := "a", "b"
	q.Push(&a)
	q.Push(&b)
	q.Close()

	if !q.IsClosed() {
		t.Fatal("IsClosed should report true")
	}
	c := "c"
	if q.Push(&c) {
		t.Error("Push after Close must fail")
	}

	var got []string
	for v := range q.Recv() {
		got = append(got, *v)
	}
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("expected [a b] to be drained, got %v", got)
	}
}
