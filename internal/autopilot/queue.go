package autopilot

import "sync"

// opQueue serializes all operations on one task's state. Every mutating and
// read operation is appended and executed strictly in arrival order by a
// single worker goroutine; there is no other locking on the controller.
type opQueue struct {
	ops chan func()

	closeOnce sync.Once
	done      chan struct{}
}

func newOpQueue() *opQueue {
	q := &opQueue{
		ops:  make(chan func(), 64),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *opQueue) run() {
	defer close(q.done)
	for op := range q.ops {
		op()
	}
}

// do enqueues fn and waits for it to finish, so callers get synchronous
// semantics while ordering stays strictly FIFO across callers.
func (q *opQueue) do(fn func()) {
	finished := make(chan struct{})
	q.ops <- func() {
		defer close(finished)
		fn()
	}
	<-finished
}

// submit enqueues fn without waiting, for background enhancements.
func (q *opQueue) submit(fn func()) {
	q.ops <- fn
}

// close stops the worker after draining queued operations.
func (q *opQueue) close() {
	q.closeOnce.Do(func() {
		close(q.ops)
	})
	<-q.done
}
