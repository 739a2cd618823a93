package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/zsiec/srtrelay/internal/fanout"
	"github.com/zsiec/srtrelay/internal/ingest"
	"github.com/zsiec/srtrelay/internal/relayerr"
	"github.com/zsiec/srtrelay/internal/segment"
	"github.com/zsiec/srtrelay/internal/transcode"
)

// fakeTranscoder records how the controller drives it and lets the test
// inject supervisor events.
type fakeTranscoder struct {
	events chan transcode.Event

	mu      sync.Mutex
	starts  []string
	stops   int
	running string
	fed     [][]byte
}

func newFakeTranscoder() *fakeTranscoder {
	return &fakeTranscoder{events: make(chan transcode.Event, 16)}
}

func (f *fakeTranscoder) Start(_ context.Context, session string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, session)
	f.running = session
	return nil
}

func (f *fakeTranscoder) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.running = ""
}

func (f *fakeTranscoder) Feed(chunk []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running != "" {
		f.fed = append(f.fed, chunk)
	}
}

func (f *fakeTranscoder) Events() <-chan transcode.Event { return f.events }

func (f *fakeTranscoder) Stats() transcode.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running != "" {
		return transcode.Stats{State: "running", Session: f.running}
	}
	return transcode.Stats{State: "idle"}
}

func (f *fakeTranscoder) snapshot() (starts []string, stops int, running string, fed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.starts...), f.stops, f.running, len(f.fed)
}

type viewerConn struct {
	mu     sync.Mutex
	writes int
	closed bool
}

func (v *viewerConn) Write(p []byte) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return 0, io.ErrClosedPipe
	}
	v.writes++
	return len(p), nil
}

func (v *viewerConn) Close() error {
	v.mu.Lock()
	v.closed = true
	v.mu.Unlock()
	return nil
}

func (v *viewerConn) count() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.writes
}

type harness struct {
	ctrl   *Controller
	tc     *fakeTranscoder
	store  *segment.Store
	reg    *fanout.Registry
	slot   *ingest.Slot
	cancel context.CancelFunc
	done   chan error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := segment.Open(segment.Options{
		Dir:            t.TempDir(),
		PlaylistName:   "stream.m3u8",
		Retention:      3,
		TargetDuration: 2,
	})
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{
		tc:    newFakeTranscoder(),
		store: store,
		reg:   fanout.NewRegistry(64, nil, nil),
		slot:  &ingest.Slot{},
		done:  make(chan error, 1),
	}
	h.ctrl = New(Options{
		Transcoder: h.tc,
		Store:      store,
		Viewers:    h.reg,
		Slot:       h.slot,
	})
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.ctrl.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-h.done
	})
	return h
}

// connect acquires the slot for a new session and announces it.
func (h *harness) connect(t *testing.T, key string) *ingest.Session {
	t.Helper()
	s := ingest.NewSession(key, "10.0.0.1:5000")
	if !h.slot.TryAcquire(s) {
		t.Fatal("slot busy")
	}
	h.ctrl.PublisherConnected(s)
	waitState(t, h.ctrl, StateLive)
	eventually(t, "transcoder started", func() bool {
		_, _, running, _ := h.tc.snapshot()
		return running == s.ID
	})
	return s
}

func (h *harness) disconnect(s *ingest.Session) {
	h.ctrl.PublisherLost(s, &relayerr.PublisherLostError{SessionID: s.ID, Err: io.EOF})
	h.slot.Release(s)
}

// stageSegment writes a staged segment file and reports it complete.
func (h *harness) stageSegment(t *testing.T, name string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(h.store.StagingDir(), name), []byte("ts"), 0o644); err != nil {
		t.Fatal(err)
	}
	h.ctrl.SegmentReady(segment.Report{File: name, Start: 0, End: 2})
}

func waitState(t *testing.T, c *Controller, want State) {
	t.Helper()
	eventually(t, "state "+want.String(), func() bool { return c.State() == want })
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

func TestControllerSessionLifecycle(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	if h.ctrl.State() != StateWaitingForPublisher {
		t.Fatalf("initial state = %s", h.ctrl.State())
	}

	s1 := h.connect(t, "cam")
	for i := 0; i < 4; i++ {
		h.stageSegment(t, fmt.Sprintf("stage_1_%06d.ts", i))
	}
	segs := h.store.Segments()
	if len(segs) != 3 || segs[0].Seq != 1 || segs[2].Seq != 3 {
		t.Fatalf("segments = %+v", segs)
	}
	epoch := h.store.Epoch()

	h.disconnect(s1)
	waitState(t, h.ctrl, StateWaitingForPublisher)
	if _, stops, running, _ := h.tc.snapshot(); stops != 1 || running != "" {
		t.Fatalf("stops = %d, running = %q", stops, running)
	}

	s2 := h.connect(t, "cam")
	if got := h.store.Segments(); len(got) != 0 {
		t.Fatalf("segments after new session = %+v", got)
	}
	if h.store.Epoch() != epoch+1 {
		t.Fatalf("epoch = %d, want %d", h.store.Epoch(), epoch+1)
	}
	h.stageSegment(t, "stage_1_000000.ts")
	if got := h.store.Segments(); len(got) != 1 || got[0].Seq != 0 {
		t.Fatalf("sequence did not reset: %+v", got)
	}

	starts, _, _, _ := h.tc.snapshot()
	if len(starts) != 2 || starts[0] != s1.ID || starts[1] != s2.ID {
		t.Fatalf("starts = %v", starts)
	}
	if snap := h.ctrl.Snapshot(); snap.Sessions != 2 || snap.State != "live" {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestControllerIgnoresStaleEvents(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	s := h.connect(t, "cam")

	stale := ingest.NewSession("old", "10.0.0.2:5000")
	h.ctrl.PublisherLost(stale, io.EOF)
	h.tc.events <- transcode.Event{Kind: transcode.EventFailed, Session: stale.ID, Err: relayerr.ErrTranscoderUnavailable}

	// A duplicate connect for the live session is a no-op.
	h.ctrl.PublisherConnected(s)

	time.Sleep(50 * time.Millisecond)
	if h.ctrl.State() != StateLive {
		t.Fatalf("state = %s, want live", h.ctrl.State())
	}
	if starts, stops, _, _ := h.tc.snapshot(); len(starts) != 1 || stops != 0 {
		t.Fatalf("starts = %v, stops = %d", starts, stops)
	}
	if h.ctrl.Snapshot().HLSFailed {
		t.Fatal("stale failure marked hls failed")
	}
}

func TestTranscoderFailureKeepsViewers(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	vc := &viewerConn{}
	h.reg.Register(vc, "10.0.0.9:4000")

	s := h.connect(t, "cam")
	failErr := fmt.Errorf("%w after 5 restarts", relayerr.ErrTranscoderUnavailable)
	h.tc.events <- transcode.Event{Kind: transcode.EventFailed, Session: s.ID, Err: failErr}

	waitState(t, h.ctrl, StateWaitingForPublisher)
	if _, stops, _, _ := h.tc.snapshot(); stops != 1 {
		t.Fatalf("stops = %d, want 1", stops)
	}

	// The publisher is still connected and fan-out keeps going.
	h.reg.Broadcast([]byte("still flowing"))
	eventually(t, "viewer delivery after hls failure", func() bool { return vc.count() == 1 })

	snap := h.ctrl.Snapshot()
	if !snap.HLSFailed || snap.HLSError == "" {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.Publisher == nil || snap.Publisher.ID != s.ID {
		t.Fatalf("publisher = %+v", snap.Publisher)
	}
	if snap.ViewerCount != 1 {
		t.Fatalf("viewers = %d", snap.ViewerCount)
	}

	// The eventual disconnect of that publisher is already accounted for.
	h.disconnect(s)
	time.Sleep(20 * time.Millisecond)
	if _, stops, _, _ := h.tc.snapshot(); stops != 1 {
		t.Fatalf("stops = %d after late disconnect", stops)
	}
}

func TestControllerShutdownStopsTranscoder(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.connect(t, "cam")

	h.cancel()
	select {
	case err := <-h.done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
	}
	h.done <- nil

	if _, stops, running, _ := h.tc.snapshot(); stops != 1 || running != "" {
		t.Fatalf("stops = %d, running = %q", stops, running)
	}

	// Observer calls after shutdown must not block.
	finished := make(chan struct{})
	go func() {
		for i := 0; i < 32; i++ {
			h.ctrl.PublisherLost(ingest.NewSession("x", ""), errors.New("late"))
		}
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("observer blocked after shutdown")
	}
}

func TestSegmentReadyFailureKeepsPlaylist(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.connect(t, "cam")
	h.stageSegment(t, "stage_1_000000.ts")

	h.ctrl.SegmentReady(segment.Report{File: "missing.ts", End: 2})
	if got := h.store.Segments(); len(got) != 1 {
		t.Fatalf("segments = %+v", got)
	}
}

func TestStateString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		s    State
		want string
	}{
		{StateWaitingForPublisher, "waiting_for_publisher"},
		{StateLive, "live"},
		{StateDraining, "draining"},
		{State(9), "unknown"},
	}
	for _, tc := range tests {
		if got := tc.s.String(); got != tc.want {
			t.Errorf("State(%d) = %q, want %q", tc.s, got, tc.want)
		}
	}
}
