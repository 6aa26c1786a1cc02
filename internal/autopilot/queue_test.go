package autopilot

import (
	"sync"
	"testing"
)

func TestOpQueue_DoIsSynchronous(t *testing.T) {
	q := newOpQueue()
	defer q.close()

	value := 0
	q.do(func() { value = 42 })
	if value != 42 {
		t.Errorf("value = %d, want 42 after do returned", value)
	}
}

func TestOpQueue_PerSubmitterOrder(t *testing.T) {
	q := newOpQueue()

	const submitters = 8
	const opsEach = 50

	// Only the worker goroutine touches the result slices, so no extra
	// locking is needed to observe execution order.
	results := make([][]int, submitters)

	var wg sync.WaitGroup
	for s := 0; s < submitters; s++ {
		s := s
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < opsEach; i++ {
				i := i
				q.do(func() { results[s] = append(results[s], i) })
			}
		}()
	}
	wg.Wait()
	q.close()

	for s := 0; s < submitters; s++ {
		if len(results[s]) != opsEach {
			t.Fatalf("submitter %d: %d ops executed, want %d", s, len(results[s]), opsEach)
		}
		for i, got := range results[s] {
			if got != i {
				t.Fatalf("submitter %d: op %d executed at position %d", s, got, i)
			}
		}
	}
}

func TestOpQueue_CloseDrainsSubmittedOps(t *testing.T) {
	q := newOpQueue()

	count := 0
	for i := 0; i < 100; i++ {
		q.submit(func() { count++ })
	}
	q.close()

	if count != 100 {
		t.Errorf("count = %d, want 100 ops drained before close returned", count)
	}
}

func TestOpQueue_SubmitThenDoOrdering(t *testing.T) {
	q := newOpQueue()
	defer q.close()

	var order []string
	q.submit(func() { order = append(order, "submitted") })
	q.do(func() { order = append(order, "done") })

	if len(order) != 2 || order[0] != "submitted" || order[1] != "done" {
		t.Errorf("order = %v, want [submitted done]", order)
	}
}
