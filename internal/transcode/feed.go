package transcode

import "sync"

// feedQueue is a bounded FIFO of ingest chunks that drops its oldest entry
// instead of blocking the producer.
type feedQueue struct {
	mu    sync.Mutex
	buf   [][]byte
	head  int
	n     int
	ready chan struct{}
}

func newFeedQueue(size int) *feedQueue {
	if size < 1 {
		size = 1
	}
	return &feedQueue{
		buf:   make([][]byte, size),
		ready: make(chan struct{}, 1),
	}
}

// push appends chunk and reports whether an older chunk was discarded to
// make room.
func (q *feedQueue) push(chunk []byte) (dropped bool) {
	q.mu.Lock()
	if q.n == len(q.buf) {
		q.buf[q.head] = nil
		q.head = (q.head + 1) % len(q.buf)
		q.n--
		dropped = true
	}
	q.buf[(q.head+q.n)%len(q.buf)] = chunk
	q.n++
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return dropped
}

// pop removes the oldest chunk.
func (q *feedQueue) pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.n == 0 {
		return nil, false
	}
	c := q.buf[q.head]
	q.buf[q.head] = nil
	q.head = (q.head + 1) % len(q.buf)
	q.n--
	return c, true
}

func (q *feedQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}
