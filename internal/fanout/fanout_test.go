package fanout

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zsiec/srtrelay/internal/metrics"
)

// fakeConn records every write. When stall is set, Write blocks until Close.
type fakeConn struct {
	stall   bool
	failOn  int
	mu      sync.Mutex
	writes  [][]byte
	closed  chan struct{}
	once    sync.Once
	nWrites atomic.Int64
}

func newFakeConn() *fakeConn { return &fakeConn{closed: make(chan struct{})} }

func (c *fakeConn) Write(p []byte) (int, error) {
	if c.stall {
		<-c.closed
		return 0, io.ErrClosedPipe
	}
	select {
	case <-c.closed:
		return 0, io.ErrClosedPipe
	default:
	}
	n := c.nWrites.Add(1)
	if c.failOn > 0 && int(n) >= c.failOn {
		return 0, errors.New("connection reset")
	}
	c.mu.Lock()
	c.writes = append(c.writes, append([]byte(nil), p...))
	c.mu.Unlock()
	return len(p), nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) received() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.writes...)
}

func chunk(i int) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, uint16(i))
	return b
}

func waitFor(t *testing.T, what string, cond func() bool) {
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

func TestRegisterUnregister(t *testing.T) {
	t.Parallel()

	r := NewRegistry(8, metrics.New(), nil)
	conn := newFakeConn()
	v := r.Register(conn, "10.0.0.1:4000")

	if r.Count() != 1 {
		t.Fatalf("Count = %d, want 1", r.Count())
	}
	if v.ID() == "" {
		t.Fatal("viewer has empty id")
	}

	r.Unregister(v)
	r.Unregister(v)

	if r.Count() != 0 {
		t.Fatalf("Count after Unregister = %d, want 0", r.Count())
	}
	select {
	case <-v.Done():
	default:
		t.Fatal("Done not closed after Unregister")
	}
	if !conn.isClosed() {
		t.Fatal("connection not closed after Unregister")
	}
}

func TestBroadcastWithoutViewers(t *testing.T) {
	t.Parallel()

	r := NewRegistry(1, nil, nil)
	for i := 0; i < 10; i++ {
		r.Broadcast(chunk(i))
	}
}

// Viewers join and leave between chunks; every viewer still connected at
// the end must have received exactly the chunks sent after it joined, in
// order.
func TestBroadcastDeliversInOrderWhileConnected(t *testing.T) {
	t.Parallel()

	const total = 200
	type plan struct {
		join, leave int // leave < 0 means stays connected
	}
	plans := []plan{
		{join: 0, leave: -1},
		{join: 0, leave: 50},
		{join: 25, leave: -1},
		{join: 100, leave: 150},
		{join: 120, leave: -1},
		{join: 199, leave: -1},
	}

	r := NewRegistry(total, nil, nil)
	conns := make([]*fakeConn, len(plans))
	viewers := make([]*Viewer, len(plans))

	for i := 0; i < total; i++ {
		for p, pl := range plans {
			if pl.join == i {
				conns[p] = newFakeConn()
				viewers[p] = r.Register(conns[p], "")
			}
			if pl.leave == i {
				r.Unregister(viewers[p])
			}
		}
		r.Broadcast(chunk(i))
	}

	for p, pl := range plans {
		if pl.leave >= 0 {
			continue
		}
		want := total - pl.join
		c := conns[p]
		waitFor(t, "delivery", func() bool { return len(c.received()) == want })

		got := c.received()
		for k, b := range got {
			if !bytes.Equal(b, chunk(pl.join+k)) {
				t.Fatalf("viewer %d chunk %d = %x, want %x", p, k, b, chunk(pl.join+k))
			}
		}
	}
}

func TestSlowViewerIsolatedAndEvicted(t *testing.T) {
	t.Parallel()

	const queue = 4
	const total = 50

	m := metrics.New()
	r := NewRegistry(queue, m, nil)

	stalled := newFakeConn()
	stalled.stall = true
	healthy := newFakeConn()

	sv := r.Register(stalled, "stalled")
	r.Register(healthy, "healthy")

	for i := 0; i < total; i++ {
		start := time.Now()
		r.Broadcast(chunk(i))
		if d := time.Since(start); d > 500*time.Millisecond {
			t.Fatalf("broadcast %d blocked for %s behind a stalled viewer", i, d)
		}
		// The healthy viewer keeps pace with ingest.
		want := i + 1
		waitFor(t, "healthy delivery", func() bool { return len(healthy.received()) == want })
	}

	select {
	case <-sv.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("stalled viewer was not evicted")
	}
	if !strings.Contains(sv.Stats().LastError, ErrQueueFull.Error()) {
		t.Errorf("LastError = %q, want queue full", sv.Stats().LastError)
	}

	for i, b := range healthy.received() {
		if !bytes.Equal(b, chunk(i)) {
			t.Fatalf("healthy chunk %d = %x", i, b)
		}
	}
	if r.Count() != 1 {
		t.Errorf("Count = %d, want 1", r.Count())
	}
}

func TestSendErrorEvictsOnlyThatViewer(t *testing.T) {
	t.Parallel()

	r := NewRegistry(16, nil, nil)
	bad := newFakeConn()
	bad.failOn = 3
	good := newFakeConn()

	bv := r.Register(bad, "")
	r.Register(good, "")

	for i := 0; i < 10; i++ {
		r.Broadcast(chunk(i))
	}

	select {
	case <-bv.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("failing viewer not evicted")
	}
	if !strings.Contains(bv.Stats().LastError, "connection reset") {
		t.Errorf("LastError = %q", bv.Stats().LastError)
	}
	waitFor(t, "good delivery", func() bool { return len(good.received()) == 10 })
}

func TestLargeChunkSplitIntoPayloads(t *testing.T) {
	t.Parallel()

	r := NewRegistry(4, nil, nil)
	r.SetMaxPayload(100)
	conn := newFakeConn()
	v := r.Register(conn, "")

	data := bytes.Repeat([]byte{0x47}, 250)
	r.Broadcast(data)

	waitFor(t, "split writes", func() bool { return len(conn.received()) == 3 })
	sizes := []int{}
	for _, w := range conn.received() {
		sizes = append(sizes, len(w))
	}
	if sizes[0] != 100 || sizes[1] != 100 || sizes[2] != 50 {
		t.Errorf("write sizes = %v, want [100 100 50]", sizes)
	}
	waitFor(t, "stats", func() bool { return v.Stats().ChunksSent == 1 })
	if got := v.Stats().BytesSent; got != 250 {
		t.Errorf("BytesSent = %d, want 250", got)
	}
}

func TestCloseAll(t *testing.T) {
	t.Parallel()

	r := NewRegistry(4, nil, nil)
	var conns []*fakeConn
	for i := 0; i < 3; i++ {
		c := newFakeConn()
		conns = append(conns, c)
		r.Register(c, "")
	}
	if got := len(r.Stats()); got != 3 {
		t.Fatalf("Stats len = %d, want 3", got)
	}

	r.CloseAll()
	if r.Count() != 0 {
		t.Fatalf("Count = %d after CloseAll", r.Count())
	}
	for i, c := range conns {
		if !c.isClosed() {
			t.Errorf("conn %d not closed", i)
		}
	}
}
