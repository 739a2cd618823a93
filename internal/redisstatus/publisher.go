// Package redisstatus mirrors the relay status into Redis: a hash holding
// the latest snapshot, kept alive with a TTL, and a pub/sub message on the
// same key whenever the relay state changes.
package redisstatus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zsiec/srtrelay/internal/relay"
)

const opTimeout = 2 * time.Second

// Options configures a Publisher.
type Options struct {
	Addr     string
	Key      string
	Interval time.Duration
	// TTL is applied to the hash on every publish so a dead relay's status
	// expires. Defaults to three intervals.
	TTL time.Duration
}

// Publisher writes relay snapshots to Redis.
type Publisher struct {
	client *redis.Client
	opts   Options
	log    *slog.Logger

	mu        sync.Mutex
	lastState string
}

// New creates a Publisher with its own client.
func New(opts Options, log *slog.Logger) *Publisher {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		MaxRetries:   3,
	})
	return NewWithClient(client, opts, log)
}

// NewWithClient creates a Publisher using an existing client.
func NewWithClient(client *redis.Client, opts Options, log *slog.Logger) *Publisher {
	if log == nil {
		log = slog.Default()
	}
	if opts.Key == "" {
		opts.Key = "srtrelay:status"
	}
	if opts.Interval <= 0 {
		opts.Interval = 2 * time.Second
	}
	if opts.TTL <= 0 {
		opts.TTL = 3 * opts.Interval
	}
	return &Publisher{
		client: client,
		opts:   opts,
		log:    log.With("component", "redis-status"),
	}
}

// Close closes the Redis client.
func (p *Publisher) Close() error { return p.client.Close() }

// Publish stores snap under the hash key and, if the relay state differs
// from the previous publish, announces the new state on the key's channel.
func (p *Publisher) Publish(ctx context.Context, snap relay.Snapshot) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	doc, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	fields := map[string]any{
		"state":      snap.State,
		"since":      strconv.FormatInt(snap.Since, 10),
		"sessions":   strconv.FormatInt(snap.Sessions, 10),
		"viewers":    strconv.Itoa(snap.ViewerCount),
		"transcoder": snap.Transcoder.State,
		"hls_failed": strconv.FormatBool(snap.HLSFailed),
		"segments":   strconv.Itoa(snap.Segments.Count),
		"last_seq":   strconv.FormatUint(snap.Segments.LastSeq, 10),
		"updated_at": strconv.FormatInt(time.Now().UnixMilli(), 10),
		"snapshot":   string(doc),
	}
	publisher := ""
	if snap.Publisher != nil {
		publisher = snap.Publisher.ID
	}
	fields["publisher"] = publisher

	pipe := p.client.Pipeline()
	pipe.HSet(ctx, p.opts.Key, fields)
	pipe.Expire(ctx, p.opts.Key, p.opts.TTL)

	p.mu.Lock()
	changed := snap.State != p.lastState
	p.mu.Unlock()
	if changed {
		pipe.Publish(ctx, p.opts.Key, snap.State)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis publish status: %w", err)
	}

	if changed {
		p.mu.Lock()
		p.lastState = snap.State
		p.mu.Unlock()
		p.log.Debug("relay state published", "key", p.opts.Key, "state", snap.State)
	}
	return nil
}

// Run publishes snapshot() every interval until ctx is cancelled. Redis
// outages are logged and retried on the next tick.
func (p *Publisher) Run(ctx context.Context, snapshot func() relay.Snapshot) error {
	p.ping(ctx)

	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	failing := false
	for {
		if err := p.Publish(ctx, snapshot()); err != nil {
			if !failing {
				p.log.Warn("status publish failed", "error", err)
			}
			failing = true
		} else if failing {
			p.log.Info("status publish recovered")
			failing = false
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (p *Publisher) ping(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := p.client.Ping(ctx).Err()
	elapsed := time.Since(start)
	if err != nil {
		p.log.Warn("connection failed", "addr", p.opts.Addr, "error", err, "ping_rtt", elapsed)
		return
	}
	p.log.Info("connection established", "addr", p.opts.Addr, "ping_rtt", elapsed)
}
