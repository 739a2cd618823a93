package srt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zsiec/srtrelay/internal/ingest"
)

var errSlotBusy = errors.New("publisher slot busy")

// CallerOptions configures pull mode.
type CallerOptions struct {
	Address     string
	StreamID    string
	DialTimeout time.Duration
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// Caller pulls the publisher stream from a remote SRT listener instead of
// waiting for one to connect, and reconnects whenever the pull ends.
type Caller struct {
	log       *slog.Logger
	opts      CallerOptions
	transport Transport
	pipeline  *Pipeline
}

// NewCaller creates a pull-mode Caller. If log is nil, slog.Default() is used.
func NewCaller(opts CallerOptions, transport Transport, p *Pipeline, log *slog.Logger) *Caller {
	if log == nil {
		log = slog.Default()
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	if opts.BackoffMax < opts.BackoffBase {
		opts.BackoffMax = opts.BackoffBase
	}
	return &Caller{
		log:       log.With("component", "srt-caller"),
		opts:      opts,
		transport: transport,
		pipeline:  p,
	}
}

// Run dials, publishes and redials until ctx is cancelled. Failed dials
// back off exponentially; a session that ended after connecting is
// redialled after the base delay.
func (c *Caller) Run(ctx context.Context) error {
	if c.opts.Address == "" {
		return fmt.Errorf("address is required")
	}
	streamID := c.opts.StreamID
	if streamID == "" {
		streamID = "live/default"
	}

	wait := c.opts.BackoffBase
	for {
		c.log.Info("dialing", "address", c.opts.Address, "stream_id", streamID)
		conn, err := c.dial(ctx, streamID)
		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil:
			c.log.Warn("pull dial failed", "address", c.opts.Address, "error", err, "retry_in", wait)
		default:
			sess := ingest.NewSession(extractStreamKey(streamID), c.opts.Address)
			if !c.pipeline.Slot.TryAcquire(sess) {
				_ = conn.Close()
				c.log.Warn("pull connected but publisher slot is held", "error", errSlotBusy)
				break
			}
			c.pipeline.publish(ctx, conn, sess, c.log)
			wait = c.opts.BackoffBase
		}

		if !sleepCtx(ctx, wait) {
			return nil
		}
		if err != nil {
			wait = min(wait*2, c.opts.BackoffMax)
		}
	}
}

// dial runs the blocking dial with a timeout, closing any connection that
// completes after the caller gave up.
func (c *Caller) dial(ctx context.Context, streamID string) (Conn, error) {
	type dialResult struct {
		conn Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := c.transport.Dial(c.opts.Address, streamID)
		ch <- dialResult{conn, err}
	}()

	timer := time.NewTimer(c.opts.DialTimeout)
	defer timer.Stop()

	drain := func() {
		go func() {
			if res := <-ch; res.conn != nil {
				_ = res.conn.Close()
			}
		}()
	}

	select {
	case res := <-ch:
		return res.conn, res.err
	case <-timer.C:
		drain()
		return nil, fmt.Errorf("SRT dial timed out after %s", c.opts.DialTimeout)
	case <-ctx.Done():
		drain()
		return nil, ctx.Err()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
