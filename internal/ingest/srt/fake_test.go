package srt

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zsiec/srtrelay/internal/ingest"
)

// fakeConn delivers queued chunks to Read and records writes. Close or
// hangup makes Read return.
type fakeConn struct {
	streamID string
	remote   string

	in      chan []byte
	closed  chan struct{}
	once    sync.Once
	hungUp  chan struct{}
	hupOnce sync.Once

	mu      sync.Mutex
	written [][]byte
	closes  atomic.Int32
}

func newFakeConn(streamID, remote string) *fakeConn {
	return &fakeConn{
		streamID: streamID,
		remote:   remote,
		in:       make(chan []byte, 64),
		closed:   make(chan struct{}),
		hungUp:   make(chan struct{}),
	}
}

func (c *fakeConn) Read(p []byte) (int, error) {
	select {
	case b := <-c.in:
		return copy(p, b), nil
	default:
	}
	select {
	case b := <-c.in:
		return copy(p, b), nil
	case <-c.hungUp:
		return 0, io.EOF
	case <-c.closed:
		return 0, errors.New("connection closed")
	}
}

func (c *fakeConn) Write(p []byte) (int, error) {
	select {
	case <-c.closed:
		return 0, errors.New("connection closed")
	default:
	}
	c.mu.Lock()
	c.written = append(c.written, append([]byte(nil), p...))
	c.mu.Unlock()
	return len(p), nil
}

func (c *fakeConn) Close() error {
	c.closes.Add(1)
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) StreamID() string   { return c.streamID }
func (c *fakeConn) RemoteAddr() string { return c.remote }

func (c *fakeConn) hangup() { c.hupOnce.Do(func() { close(c.hungUp) }) }

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.written...)
}

type fakeListener struct {
	conns  chan Conn
	closed chan struct{}
	once   sync.Once
}

func (l *fakeListener) Accept() (Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closed:
		return nil, errors.New("listener closed")
	}
}

func (l *fakeListener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

// fakeTransport hands out one listener per Listen and answers Dial from a
// queue of results.
type fakeTransport struct {
	listenErr error

	mu       sync.Mutex
	admit    AdmitFunc
	listener *fakeListener
	dials    chan dialResult
	dialed   atomic.Int32
}

type dialResult struct {
	conn Conn
	err  error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{dials: make(chan dialResult, 16)}
}

func (t *fakeTransport) Listen(addr string, admit AdmitFunc) (Listener, error) {
	if t.listenErr != nil {
		return nil, t.listenErr
	}
	l := &fakeListener{conns: make(chan Conn, 16), closed: make(chan struct{})}
	t.mu.Lock()
	t.admit = admit
	t.listener = l
	t.mu.Unlock()
	return l, nil
}

func (t *fakeTransport) Dial(addr, streamID string) (Conn, error) {
	t.dialed.Add(1)
	res := <-t.dials
	return res.conn, res.err
}

// connect runs the handshake admission for c and, if admitted, queues it
// for Accept.
func (t *fakeTransport) connect(c *fakeConn) bool {
	t.mu.Lock()
	admit, l := t.admit, t.listener
	t.mu.Unlock()
	if admit != nil && !admit(c.streamID) {
		return false
	}
	l.conns <- c
	return true
}

type lifecycleEvent struct {
	connected bool
	session   *ingest.Session
	err       error
}

// recordingObserver forwards publisher lifecycle calls to a channel.
type recordingObserver struct {
	events chan lifecycleEvent
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{events: make(chan lifecycleEvent, 16)}
}

func (o *recordingObserver) PublisherConnected(s *ingest.Session) {
	o.events <- lifecycleEvent{connected: true, session: s}
}

func (o *recordingObserver) PublisherLost(s *ingest.Session, err error) {
	o.events <- lifecycleEvent{session: s, err: err}
}

func (o *recordingObserver) next(t *testing.T) lifecycleEvent {
	t.Helper()
	select {
	case ev := <-o.events:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for publisher event")
		return lifecycleEvent{}
	}
}

// chunkSink collects chunks in arrival order.
type chunkSink struct {
	mu     sync.Mutex
	chunks [][]byte
}

func (s *chunkSink) consume(chunk []byte) {
	s.mu.Lock()
	s.chunks = append(s.chunks, chunk)
	s.mu.Unlock()
}

func (s *chunkSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks)
}

func (s *chunkSink) get() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.chunks...)
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
