// Package ingest models the single active publisher: a Session carrying
// connection stats, and a Slot that guarantees at most one Session exists.
package ingest

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zsiec/srtrelay/internal/mpegts"
)

// SessionStats captures connection-level metrics for the publisher, exposed
// via the status API for monitoring source health.
type SessionStats struct {
	ID            string       `json:"id"`
	StreamID      string       `json:"streamId"`
	BytesReceived int64        `json:"bytesReceived"`
	ReadCount     int64        `json:"readCount"`
	ConnectedAt   int64        `json:"connectedAt"`
	UptimeMs      int64        `json:"uptimeMs"`
	RemoteAddr    string       `json:"remoteAddr"`
	Transport     mpegts.Stats `json:"transport"`
}

// Session is the active inbound publisher connection.
type Session struct {
	ID        string
	StreamID  string
	StartedAt time.Time

	done      chan struct{}
	closeOnce sync.Once

	bytesReceived atomic.Int64
	readCount     atomic.Int64
	remoteAddr    atomic.Value
	ts            *mpegts.Checker
}

// NewSession creates a Session for a freshly accepted connection.
func NewSession(streamID, remoteAddr string) *Session {
	s := &Session{
		ID:        uuid.NewString(),
		StreamID:  streamID,
		StartedAt: time.Now(),
		done:      make(chan struct{}),
		ts:        mpegts.NewChecker(),
	}
	s.remoteAddr.Store(remoteAddr)
	return s
}

// RecordRead increments the byte and read counters, called by the SRT
// receiver after each successful socket read.
func (s *Session) RecordRead(n int) {
	s.bytesReceived.Add(int64(n))
	s.readCount.Add(1)
}

// Inspect passes a received chunk through the transport packet checker.
// The chunk itself is left untouched.
func (s *Session) Inspect(chunk []byte) {
	s.ts.Write(chunk)
}

// Stats returns a snapshot of session metrics.
func (s *Session) Stats() SessionStats {
	addr, _ := s.remoteAddr.Load().(string)
	return SessionStats{
		ID:            s.ID,
		StreamID:      s.StreamID,
		BytesReceived: s.bytesReceived.Load(),
		ReadCount:     s.readCount.Load(),
		ConnectedAt:   s.StartedAt.UnixMilli(),
		UptimeMs:      time.Since(s.StartedAt).Milliseconds(),
		RemoteAddr:    addr,
		Transport:     s.ts.Stats(),
	}
}

// End marks the session finished. Safe to call more than once.
func (s *Session) End() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} { return s.done }

// Slot holds at most one publisher Session. Acquisition never blocks, so a
// second publisher can be refused immediately.
type Slot struct {
	cur      atomic.Pointer[Session]
	rejected atomic.Int64
}

// TryAcquire installs s if the slot is empty. It returns false, and counts
// a rejection, when another session already holds the slot.
func (sl *Slot) TryAcquire(s *Session) bool {
	if sl.cur.CompareAndSwap(nil, s) {
		return true
	}
	sl.rejected.Add(1)
	return false
}

// Release empties the slot if s still holds it.
func (sl *Slot) Release(s *Session) bool {
	return sl.cur.CompareAndSwap(s, nil)
}

// Current returns the active session, or nil.
func (sl *Slot) Current() *Session {
	return sl.cur.Load()
}

// Busy reports whether a session holds the slot.
func (sl *Slot) Busy() bool {
	return sl.cur.Load() != nil
}

// Rejected returns how many acquisitions were refused.
func (sl *Slot) Rejected() int64 {
	return sl.rejected.Load()
}
