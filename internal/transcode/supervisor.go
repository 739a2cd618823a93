// Package transcode supervises the external transcoder: one process per
// publisher session, fed the live ingest over stdin, restarted with
// exponential backoff when it dies, and reported failed once the restart
// budget for the session is spent.
package transcode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/srtrelay/internal/metrics"
	"github.com/zsiec/srtrelay/internal/relayerr"
	"github.com/zsiec/srtrelay/internal/segment"
)

// State is the supervisor lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateCrashedRetrying
	StateStopping
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateCrashedRetrying:
		return "crashed_retrying"
	case StateStopping:
		return "stopping"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// EventKind classifies supervisor events.
type EventKind int

const (
	// EventRunning: a process was launched.
	EventRunning EventKind = iota
	// EventCrashed: a process died or failed to spawn; a restart follows
	// after Backoff.
	EventCrashed
	// EventFailed: the restart budget is exhausted. Err wraps
	// relayerr.ErrTranscoderUnavailable.
	EventFailed
)

func (k EventKind) String() string {
	switch k {
	case EventRunning:
		return "running"
	case EventCrashed:
		return "crashed"
	case EventFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Event is published on the Events channel. Session identifies the
// publisher session the event belongs to.
type Event struct {
	Kind    EventKind
	Session string
	Attempt int
	Backoff time.Duration
	Err     error
}

// Options configures a Supervisor.
type Options struct {
	Launcher    Launcher
	MaxRestarts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	StopGrace   time.Duration
	FeedBuffer  int
	// OnSegment is called, from the process's stdout reader, for every
	// segment the transcoder reports complete.
	OnSegment func(segment.Report)
	Metrics   *metrics.Metrics
	Log       *slog.Logger
}

// Stats is a point-in-time view of the supervisor.
type Stats struct {
	State        string `json:"state"`
	Session      string `json:"session,omitempty"`
	Pid          int    `json:"pid,omitempty"`
	Restarts     int    `json:"restarts"`
	Launches     int64  `json:"launches"`
	LastExitCode int    `json:"lastExitCode"`
	LastError    string `json:"lastError,omitempty"`
	FeedDepth    int    `json:"feedDepth"`
	FeedDropped  int64  `json:"feedDropped"`
	StartedAt    int64  `json:"startedAt,omitempty"`
}

// run is the supervision of one publisher session.
type run struct {
	session string
	ctx     context.Context
	cancel  context.CancelFunc
	feed    *feedQueue
	done    chan struct{}

	// guarded by Supervisor.mu
	proc      Process
	restarts  int
	startedAt time.Time
}

// Supervisor keeps at most one transcoder process alive.
type Supervisor struct {
	opts   Options
	log    *slog.Logger
	events chan Event
	logs   logBuffer

	cur         atomic.Pointer[run]
	launches    atomic.Int64
	feedDropped atomic.Int64

	mu       sync.Mutex
	state    State
	run      *run
	lastExit int
	lastErr  error
}

// NewSupervisor creates an idle Supervisor.
func NewSupervisor(opts Options) *Supervisor {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	if opts.BackoffMax < opts.BackoffBase {
		opts.BackoffMax = opts.BackoffBase
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = 3 * time.Second
	}
	return &Supervisor{
		opts:   opts,
		log:    opts.Log.With("component", "transcoder"),
		events: make(chan Event, 16),
	}
}

// Events delivers lifecycle events. The channel is never closed.
func (s *Supervisor) Events() <-chan Event { return s.events }

// State returns the current state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RecentLogs returns up to n recent transcoder stderr lines, oldest first.
func (s *Supervisor) RecentLogs(n int) []string { return s.logs.Read(n) }

// Stats returns a snapshot.
func (s *Supervisor) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		State:        s.state.String(),
		Launches:     s.launches.Load(),
		LastExitCode: s.lastExit,
		FeedDropped:  s.feedDropped.Load(),
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	if r := s.run; r != nil {
		st.Session = r.session
		st.Restarts = r.restarts
		st.FeedDepth = r.feed.len()
		if r.proc != nil {
			st.Pid = r.proc.Pid()
			st.StartedAt = r.startedAt.UnixMilli()
		}
	}
	return st
}

// Start launches the transcoder for a publisher session. If the first
// launch fails Start returns the SpawnError, and retries continue in the
// background exactly as after a crash.
func (s *Supervisor) Start(ctx context.Context, session string) error {
	s.mu.Lock()
	if s.state != StateIdle {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("transcoder start: supervisor is %s", st)
	}
	rctx, cancel := context.WithCancel(ctx)
	r := &run{
		session: session,
		ctx:     rctx,
		cancel:  cancel,
		feed:    newFeedQueue(s.opts.FeedBuffer),
		done:    make(chan struct{}),
	}
	s.run = r
	s.state = StateStarting
	s.mu.Unlock()

	s.cur.Store(r)

	proc, err := s.launch(r, 1)
	go s.monitor(r, proc, err)
	return err
}

// Feed queues one chunk for the transcoder. It never blocks; when the
// buffer is full the oldest chunk is dropped. A no-op while idle.
func (s *Supervisor) Feed(chunk []byte) {
	r := s.cur.Load()
	if r == nil {
		return
	}
	if r.feed.push(chunk) {
		s.feedDropped.Add(1)
		s.opts.Metrics.FeedDropped()
	}
}

// Stop terminates the transcoder and returns the supervisor to Idle. It is
// idempotent and bounded by the stop grace period.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	r := s.run
	if r == nil {
		s.state = StateIdle
		s.mu.Unlock()
		return
	}
	s.run = nil
	s.state = StateStopping
	r.cancel()
	proc := r.proc
	s.mu.Unlock()

	s.cur.CompareAndSwap(r, nil)

	if proc != nil {
		proc.Terminate(s.opts.StopGrace)
	}
	select {
	case <-r.done:
	case <-time.After(s.opts.StopGrace + killWait):
		s.log.Error("transcoder monitor did not exit", "session", r.session)
	}

	s.mu.Lock()
	if s.run == nil {
		s.state = StateIdle
	}
	s.mu.Unlock()
	s.log.Info("transcoder stopped", "session", r.session)
}

// launch starts attempt and records it on r unless r was stopped meanwhile.
func (s *Supervisor) launch(r *run, attempt int) (Process, error) {
	proc, err := s.opts.Launcher.Launch(attempt, LineHandlers{
		Stdout: s.handleReport,
		Stderr: s.handleStderr,
	})
	if err != nil {
		var se *relayerr.SpawnError
		if !errors.As(err, &se) {
			err = &relayerr.SpawnError{Path: "transcoder", Err: err}
		}
		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()
		return nil, err
	}

	s.launches.Add(1)
	s.opts.Metrics.TranscoderStarted()

	s.mu.Lock()
	if r.ctx.Err() != nil {
		s.mu.Unlock()
		proc.Terminate(s.opts.StopGrace)
		return nil, r.ctx.Err()
	}
	r.proc = proc
	r.startedAt = time.Now()
	if s.run == r {
		s.state = StateRunning
	}
	s.mu.Unlock()
	return proc, nil
}

// monitor owns the restart policy for one run.
func (s *Supervisor) monitor(r *run, proc Process, err error) {
	defer close(r.done)

	for attempt := 1; ; attempt++ {
		if proc != nil {
			s.emit(r, Event{Kind: EventRunning, Attempt: attempt})
			go s.writeFeed(r, proc)

			select {
			case <-proc.Done():
			case <-r.ctx.Done():
				proc.Terminate(s.opts.StopGrace)
				return
			}
			if r.ctx.Err() != nil {
				return
			}
			err = &relayerr.TranscoderCrash{Attempt: attempt, ExitCode: proc.ExitCode(), Err: proc.Err()}
		} else if r.ctx.Err() != nil {
			return
		}

		s.opts.Metrics.TranscoderCrashed()
		s.mu.Lock()
		r.proc = nil
		r.restarts++
		restarts := r.restarts
		s.lastErr = err
		if proc != nil {
			s.lastExit = proc.ExitCode()
		}
		s.mu.Unlock()

		if restarts > s.opts.MaxRestarts {
			failErr := fmt.Errorf("%w after %d restarts: %w", relayerr.ErrTranscoderUnavailable, restarts-1, err)
			s.setState(r, StateFailed)
			s.opts.Metrics.TranscoderFailed()
			s.log.Error("transcoder restart budget exhausted", "session", r.session, "error", failErr)
			s.emit(r, Event{Kind: EventFailed, Attempt: attempt, Err: failErr})
			return
		}

		wait := Backoff(s.opts.BackoffBase, s.opts.BackoffMax, restarts)
		s.setState(r, StateCrashedRetrying)
		s.log.Warn("transcoder down, restarting", "session", r.session,
			"attempt", attempt, "restart", restarts, "backoff", wait, "error", err)
		s.emit(r, Event{Kind: EventCrashed, Attempt: attempt, Backoff: wait, Err: err})

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-r.ctx.Done():
			timer.Stop()
			return
		}

		s.setState(r, StateStarting)
		proc, err = s.launch(r, attempt+1)
	}
}

// writeFeed copies queued chunks into the process until it exits.
func (s *Supervisor) writeFeed(r *run, proc Process) {
	for {
		chunk, ok := r.feed.pop()
		if !ok {
			select {
			case <-r.feed.ready:
				continue
			case <-proc.Done():
				return
			case <-r.ctx.Done():
				return
			}
		}
		if _, err := proc.Write(chunk); err != nil {
			s.log.Debug("transcoder input closed", "error", err)
			return
		}
	}
}

func (s *Supervisor) handleReport(line string) {
	rep, err := segment.ParseReport(line)
	if err != nil {
		s.log.Warn("unparseable segment report", "line", line, "error", err)
		return
	}
	if s.opts.OnSegment != nil {
		s.opts.OnSegment(rep)
	}
}

func (s *Supervisor) handleStderr(line string) {
	s.logs.Append(line)
	s.log.Debug(line, "stream", "stderr")
}

func (s *Supervisor) setState(r *run, st State) {
	s.mu.Lock()
	if s.run == r {
		s.state = st
	}
	s.mu.Unlock()
}

// emit delivers ev unless the run has been stopped.
func (s *Supervisor) emit(r *run, ev Event) {
	ev.Session = r.session
	select {
	case s.events <- ev:
	case <-r.ctx.Done():
	}
}

// Backoff returns base*2^(n-1) capped at limit, for the n-th restart (n >= 1).
func Backoff(base, limit time.Duration, n int) time.Duration {
	d := base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	return min(d, limit)
}
