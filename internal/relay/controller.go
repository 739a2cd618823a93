// Package relay is the top-level state machine tying the publisher
// session to the transcoder and the segment store.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/zsiec/srtrelay/internal/fanout"
	"github.com/zsiec/srtrelay/internal/ingest"
	"github.com/zsiec/srtrelay/internal/metrics"
	"github.com/zsiec/srtrelay/internal/relayerr"
	"github.com/zsiec/srtrelay/internal/segment"
	"github.com/zsiec/srtrelay/internal/transcode"
)

// State is the relay lifecycle state.
type State int

const (
	StateWaitingForPublisher State = iota
	StateLive
	StateDraining
)

var stateNames = []string{"waiting_for_publisher", "live", "draining"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Transcoder is the supervisor as driven by the controller.
type Transcoder interface {
	Start(ctx context.Context, session string) error
	Stop()
	Events() <-chan transcode.Event
	Stats() transcode.Stats
}

// Store is the segment store as driven by the controller.
type Store interface {
	Reset() error
	Rotate(segment.Report) (segment.Segment, error)
	Segments() []segment.Segment
	LastUpdate() time.Time
	Epoch() uint64
}

// Viewers reports on connected viewers.
type Viewers interface {
	Count() int
	Stats() []fanout.ViewerStats
}

// Options wires a Controller to its collaborators.
type Options struct {
	Transcoder Transcoder
	Store      Store
	Viewers    Viewers
	Slot       *ingest.Slot
	Metrics    *metrics.Metrics
	Log        *slog.Logger
}

type publisherEvent struct {
	session *ingest.Session
	lost    bool
	err     error
}

// Controller reacts to publisher and transcoder events. It implements the
// publisher Observer of the SRT layer.
type Controller struct {
	opts Options
	log  *slog.Logger

	pubEvents chan publisherEvent
	stopped   chan struct{}
	stopOnce  sync.Once

	mu        sync.Mutex
	state     State
	since     time.Time
	session   *ingest.Session
	hlsFailed bool
	hlsErr    error
	sessions  int64
}

// New creates a Controller in WaitingForPublisher.
func New(opts Options) *Controller {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Slot == nil {
		opts.Slot = &ingest.Slot{}
	}
	c := &Controller{
		opts:      opts,
		log:       opts.Log.With("component", "relay"),
		pubEvents: make(chan publisherEvent, 16),
		stopped:   make(chan struct{}),
		since:     time.Now(),
	}
	opts.Metrics.SetRelayState(c.state.String(), stateNames)
	return c
}

// PublisherConnected queues a connect event.
func (c *Controller) PublisherConnected(s *ingest.Session) {
	c.post(publisherEvent{session: s})
}

// PublisherLost queues a disconnect event.
func (c *Controller) PublisherLost(s *ingest.Session, err error) {
	c.post(publisherEvent{session: s, lost: true, err: err})
}

func (c *Controller) post(ev publisherEvent) {
	select {
	case c.pubEvents <- ev:
	case <-c.stopped:
	}
}

// Run processes events until ctx is cancelled, then stops the transcoder.
func (c *Controller) Run(ctx context.Context) error {
	defer c.stopOnce.Do(func() { close(c.stopped) })

	events := c.opts.Transcoder.Events()
	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return nil
		case ev := <-c.pubEvents:
			if ev.lost {
				c.onPublisherLost(ev.session, ev.err)
			} else {
				c.onPublisherConnected(ctx, ev.session)
			}
		case ev := <-events:
			c.onTranscoderEvent(ev)
		}
	}
}

// SegmentReady promotes a segment the transcoder reported complete.
func (c *Controller) SegmentReady(r segment.Report) {
	seg, err := c.opts.Store.Rotate(r)
	if err != nil {
		c.log.Error("segment rotation failed", "file", r.File, "error", err)
		return
	}
	c.log.Debug("segment published", "seq", seg.Seq, "name", seg.Name, "duration", seg.Duration)
}

// State returns the current relay state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) onPublisherConnected(ctx context.Context, s *ingest.Session) {
	c.mu.Lock()
	prev := c.session
	c.mu.Unlock()
	if prev != nil {
		if prev.ID == s.ID {
			return
		}
		c.drain(&relayerr.PublisherLostError{SessionID: prev.ID, Err: errors.New("superseded")})
	}

	c.mu.Lock()
	c.session = s
	c.hlsFailed = false
	c.hlsErr = nil
	c.sessions++
	c.mu.Unlock()
	c.setState(StateLive)

	if err := c.opts.Store.Reset(); err != nil {
		c.log.Error("segment store reset failed", "session", s.ID, "error", err)
	}
	if err := c.opts.Transcoder.Start(ctx, s.ID); err != nil {
		c.log.Error("transcoder launch failed, retrying", "session", s.ID, "error", err)
	}
	c.log.Info("publisher live", "session", s.ID, "stream_key", s.StreamID, "epoch", c.opts.Store.Epoch())
}

func (c *Controller) onPublisherLost(s *ingest.Session, err error) {
	c.mu.Lock()
	cur := c.session
	c.mu.Unlock()
	if cur == nil || cur.ID != s.ID {
		c.log.Debug("ignoring stale publisher loss", "session", s.ID)
		return
	}
	c.drain(err)
}

func (c *Controller) onTranscoderEvent(ev transcode.Event) {
	c.mu.Lock()
	cur := c.session
	c.mu.Unlock()
	if cur == nil || cur.ID != ev.Session {
		return
	}

	switch ev.Kind {
	case transcode.EventRunning:
		c.log.Info("hls output running", "session", ev.Session, "attempt", ev.Attempt)
	case transcode.EventCrashed:
		c.log.Warn("hls output interrupted", "session", ev.Session, "attempt", ev.Attempt, "backoff", ev.Backoff)
	case transcode.EventFailed:
		c.mu.Lock()
		c.hlsFailed = true
		c.hlsErr = ev.Err
		c.mu.Unlock()
		c.log.Error("hls output failed for this session, srt relay continues", "session", ev.Session, "error", ev.Err)
		c.drain(ev.Err)
	}
}

// drain stops HLS output for the current session. Viewers are left
// connected.
func (c *Controller) drain(reason error) {
	c.setState(StateDraining)
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()

	c.opts.Transcoder.Stop()

	c.mu.Lock()
	c.session = nil
	c.mu.Unlock()
	c.setState(StateWaitingForPublisher)

	attrs := []any{"reason", reason}
	if s != nil {
		attrs = append(attrs, "session", s.ID)
	}
	if c.opts.Viewers != nil {
		attrs = append(attrs, "viewers", c.opts.Viewers.Count())
	}
	c.log.Info("session drained", attrs...)
}

func (c *Controller) shutdown() {
	c.mu.Lock()
	live := c.session != nil
	c.mu.Unlock()
	if live {
		c.drain(context.Canceled)
		return
	}
	c.opts.Transcoder.Stop()
}

func (c *Controller) setState(st State) {
	c.mu.Lock()
	prev := c.state
	c.state = st
	if prev != st {
		c.since = time.Now()
	}
	c.mu.Unlock()
	if prev != st {
		c.opts.Metrics.SetRelayState(st.String(), stateNames)
		c.log.Debug("relay state", "from", prev.String(), "to", st.String())
	}
}
