package interp

import "sync"

// LineQueue is an unbounded, insertion-ordered queue of text lines with a
// single producer and a single consumer. Pushes never block. Consumers either
// poll with TryRecv or wait on Notify for the next push or close.
type LineQueue struct {
	mut    sync.Mutex
	lines  []string
	closed bool
	err    error
	notify chan struct{}
}

func NewLineQueue() *LineQueue {
	return &LineQueue{notify: make(chan struct{}, 1)}
}

// Push appends a line. Push after Close is a no-op.
func (q *LineQueue) Push(line string) {
	q.mut.Lock()
	if q.closed {
		q.mut.Unlock()
		return
	}
	q.lines = append(q.lines, line)
	q.mut.Unlock()
	q.wake()
}

// Close marks the queue as finished, recording err if the producer failed.
// Idempotent; the first call wins.
func (q *LineQueue) Close(err error) {
	q.mut.Lock()
	if !q.closed {
		q.closed = true
		q.err = err
	}
	q.mut.Unlock()
	q.wake()
}

func (q *LineQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// TryRecv pops the oldest line without blocking.
func (q *LineQueue) TryRecv() (string, bool) {
	q.mut.Lock()
	defer q.mut.Unlock()
	if len(q.lines) == 0 {
		return "", false
	}
	line := q.lines[0]
	q.lines = q.lines[1:]
	return line, true
}

// Len returns the number of queued lines.
func (q *LineQueue) Len() int {
	q.mut.Lock()
	defer q.mut.Unlock()
	return len(q.lines)
}

// Closed reports whether the producer has finished, and with what error.
// Queued lines remain receivable after close.
func (q *LineQueue) Closed() (bool, error) {
	q.mut.Lock()
	defer q.mut.Unlock()
	return q.closed, q.err
}

// Notify returns a channel that receives after a push or close. A single
// token can cover multiple pushes, so consumers must drain with TryRecv
// after each wakeup.
func (q *LineQueue) Notify() <-chan struct{} {
	return q.notify
}
