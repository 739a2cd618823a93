// Package fanout delivers every ingest chunk to each connected SRT viewer.
// Each viewer owns a bounded queue drained by its own send goroutine, so a
// slow viewer can only ever hurt itself: when its queue is full it is
// disconnected.
package fanout

import (
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zsiec/srtrelay/internal/metrics"
	"github.com/zsiec/srtrelay/internal/relayerr"
)

// DefaultMaxPayload is the largest write issued to a viewer connection:
// seven 188-byte TS packets, the usual SRT live payload.
const DefaultMaxPayload = 1316

// Removal reasons reported to metrics and logs.
const (
	ReasonDisconnect = "disconnect"
	ReasonSendError  = "send_error"
	ReasonOverflow   = "overflow"
	ReasonShutdown   = "shutdown"
)

// ErrQueueFull is the cause recorded when a viewer is evicted for falling
// behind.
var ErrQueueFull = errors.New("viewer queue full")

// Conn is the outbound side of a viewer connection. Close must unblock a
// pending Write.
type Conn interface {
	io.Writer
	io.Closer
}

// ViewerStats is a point-in-time view of one viewer.
type ViewerStats struct {
	ID         string `json:"id"`
	RemoteAddr string `json:"remoteAddr"`
	JoinedAt   int64  `json:"joinedAt"`
	ChunksSent int64  `json:"chunksSent"`
	BytesSent  int64  `json:"bytesSent"`
	QueueDepth int    `json:"queueDepth"`
	LastError  string `json:"lastError,omitempty"`
}

// Viewer is one registered SRT viewer.
type Viewer struct {
	id       string
	remote   string
	joinedAt time.Time
	conn     Conn
	queue    chan []byte
	done     chan struct{}
	once     sync.Once

	chunksSent atomic.Int64
	bytesSent  atomic.Int64
	lastErr    atomic.Value
}

// ID returns the viewer's unique id.
func (v *Viewer) ID() string { return v.id }

// Done is closed once the viewer has been unregistered.
func (v *Viewer) Done() <-chan struct{} { return v.done }

// Stats returns a snapshot of the viewer's counters.
func (v *Viewer) Stats() ViewerStats {
	lastErr, _ := v.lastErr.Load().(string)
	return ViewerStats{
		ID:         v.id,
		RemoteAddr: v.remote,
		JoinedAt:   v.joinedAt.UnixMilli(),
		ChunksSent: v.chunksSent.Load(),
		BytesSent:  v.bytesSent.Load(),
		QueueDepth: len(v.queue),
		LastError:  lastErr,
	}
}

// Registry is the set of connected viewers.
type Registry struct {
	log        *slog.Logger
	metrics    *metrics.Metrics
	queueSize  int
	maxPayload int

	mu      sync.RWMutex
	viewers map[string]*Viewer
}

// NewRegistry creates a Registry whose viewers buffer at most queueSize
// chunks. If log is nil, slog.Default() is used.
func NewRegistry(queueSize int, m *metrics.Metrics, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	if queueSize < 1 {
		queueSize = 1
	}
	return &Registry{
		log:        log.With("component", "fanout"),
		metrics:    m,
		queueSize:  queueSize,
		maxPayload: DefaultMaxPayload,
		viewers:    make(map[string]*Viewer),
	}
}

// SetMaxPayload changes the largest single write to a viewer connection.
// Must be called before any viewer is registered.
func (r *Registry) SetMaxPayload(n int) {
	if n > 0 {
		r.maxPayload = n
	}
}

// Register adds a viewer and starts its send goroutine. Chunks broadcast
// after Register returns are delivered to it.
func (r *Registry) Register(conn Conn, remoteAddr string) *Viewer {
	v := &Viewer{
		id:       uuid.NewString(),
		remote:   remoteAddr,
		joinedAt: time.Now(),
		conn:     conn,
		queue:    make(chan []byte, r.queueSize),
		done:     make(chan struct{}),
	}

	r.mu.Lock()
	r.viewers[v.id] = v
	n := len(r.viewers)
	r.mu.Unlock()

	r.metrics.ViewerJoined()
	r.log.Info("viewer added", "viewer", v.id, "remote", remoteAddr, "viewers", n)

	go r.sendLoop(v)
	return v
}

// Broadcast queues chunk for every viewer without blocking. Viewers whose
// queue is full are evicted. chunk must not be modified afterwards.
func (r *Registry) Broadcast(chunk []byte) {
	var overflowed []*Viewer

	r.mu.RLock()
	for _, v := range r.viewers {
		select {
		case v.queue <- chunk:
		default:
			overflowed = append(overflowed, v)
		}
	}
	r.mu.RUnlock()

	for _, v := range overflowed {
		r.remove(v, ReasonOverflow, &relayerr.ViewerSendError{ViewerID: v.id, Err: ErrQueueFull})
	}
}

// Unregister removes v and closes its connection. Safe to call more than
// once.
func (r *Registry) Unregister(v *Viewer) {
	r.remove(v, ReasonDisconnect, nil)
}

// CloseAll disconnects every viewer.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	all := make([]*Viewer, 0, len(r.viewers))
	for _, v := range r.viewers {
		all = append(all, v)
	}
	r.mu.RUnlock()

	for _, v := range all {
		r.remove(v, ReasonShutdown, nil)
	}
}

// Count returns the number of connected viewers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.viewers)
}

// Stats returns per-viewer stats ordered by join time.
func (r *Registry) Stats() []ViewerStats {
	r.mu.RLock()
	out := make([]ViewerStats, 0, len(r.viewers))
	for _, v := range r.viewers {
		out = append(out, v.Stats())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt < out[j].JoinedAt })
	return out
}

func (r *Registry) remove(v *Viewer, reason string, cause error) {
	r.mu.Lock()
	_, ok := r.viewers[v.id]
	if ok {
		delete(r.viewers, v.id)
	}
	n := len(r.viewers)
	r.mu.Unlock()

	v.once.Do(func() {
		if cause != nil {
			v.lastErr.Store(cause.Error())
		}
		close(v.done)
		_ = v.conn.Close()
	})
	if !ok {
		return
	}

	r.metrics.ViewerRemoved(reason)
	stats := v.Stats()
	attrs := []any{"viewer", v.id, "reason", reason, "viewers", n,
		"chunks", stats.ChunksSent, "bytes", stats.BytesSent}
	if cause != nil {
		r.log.Warn("viewer removed", append(attrs, "error", cause)...)
		return
	}
	r.log.Info("viewer removed", attrs...)
}

func (r *Registry) sendLoop(v *Viewer) {
	for {
		select {
		case <-v.done:
			return
		case chunk := <-v.queue:
			if err := r.write(v, chunk); err != nil {
				r.remove(v, ReasonSendError, &relayerr.ViewerSendError{ViewerID: v.id, Err: err})
				return
			}
			v.chunksSent.Add(1)
		}
	}
}

func (r *Registry) write(v *Viewer, chunk []byte) error {
	for len(chunk) > 0 {
		n := min(len(chunk), r.maxPayload)
		w, err := v.conn.Write(chunk[:n])
		v.bytesSent.Add(int64(w))
		if err != nil {
			return err
		}
		if w < n {
			return io.ErrShortWrite
		}
		chunk = chunk[n:]
	}
	return nil
}
