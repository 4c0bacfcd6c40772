package client

import "sync"

// frameQueue is a thread-safe FIFO of encoded frames waiting for the socket.
//
// The queue is unbounded so Send never blocks while the connection is down.
// A channel of size 1 signals availability, enabling context-aware waiting
// in the writer loop.
type frameQueue struct {
	mu     sync.Mutex
	frames [][]byte
	signal chan struct{}
}

func newFrameQueue() *frameQueue {
	return &frameQueue{
		frames: make([][]byte, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// Push appends a frame and signals the writer.
func (q *frameQueue) Push(frame []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.frames = append(q.frames, frame)
	q.notify()
}

// PushFront puts back a frame whose write failed, so it is retried first.
func (q *frameQueue) PushFront(frame []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.frames = append([][]byte{frame}, q.frames...)
	q.notify()
}

func (q *frameQueue) notify() {
	// Non-blocking; the buffer of 1 coalesces multiple signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// TryPop removes and returns the front frame without blocking.
func (q *frameQueue) TryPop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.frames) == 0 {
		return nil, false
	}
	f := q.frames[0]
	q.frames[0] = nil
	if len(q.frames) == 1 {
		q.frames = q.frames[:0]
	} else {
		q.frames = q.frames[1:]
	}
	return f, true
}

// Wait returns a channel that signals when frames may be available.
func (q *frameQueue) Wait() <-chan struct{} {
	return q.signal
}

// Clear drops every queued frame.
func (q *frameQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	clear(q.frames)
	q.frames = q.frames[:0]
}

// Len returns the number of queued frames.
func (q *frameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}
