package srt

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"

	"github.com/zsiec/srtrelay/internal/ingest"
	"github.com/zsiec/srtrelay/internal/metrics"
	"github.com/zsiec/srtrelay/internal/relayerr"
)

// Sink consumes publisher media. Chunks arrive in read order and are
// shared between sinks, so a sink must not modify or retain-and-mutate
// them. A sink must not block.
type Sink func(chunk []byte)

// Observer is told when a publisher session starts and ends.
type Observer interface {
	PublisherConnected(s *ingest.Session)
	PublisherLost(s *ingest.Session, err error)
}

// Pipeline is the destination for whichever publisher holds the slot,
// whether it was accepted by a Server or pulled by a Caller.
type Pipeline struct {
	Slot     *ingest.Slot
	Sinks    []Sink
	Observer Observer
	Metrics  *metrics.Metrics
}

// publish runs a session that already holds the slot until the connection
// fails or ctx ends, then reports it lost and frees the slot.
func (p *Pipeline) publish(ctx context.Context, conn Conn, sess *ingest.Session, log *slog.Logger) {
	p.Metrics.PublisherConnected()
	log.Info("publisher connected", "session", sess.ID, "stream_key", sess.StreamID, "remote", conn.RemoteAddr())
	if p.Observer != nil {
		p.Observer.PublisherConnected(sess)
	}

	err := p.pump(ctx, conn, sess)
	_ = conn.Close()
	sess.End()

	stats := sess.Stats()
	log.Info("publisher disconnected", "session", sess.ID,
		"bytes", stats.BytesReceived, "reads", stats.ReadCount,
		"uptime_ms", stats.UptimeMs, "ts_packets", stats.Transport.Packets,
		"cc_errors", stats.Transport.ContinuityErrors, "reason", err)

	p.Metrics.PublisherDisconnected()
	if p.Observer != nil {
		p.Observer.PublisherLost(sess, &relayerr.PublisherLostError{SessionID: sess.ID, Err: err})
	}
	p.Slot.Release(sess)
}

// pump copies every read into each sink. It returns the read error that
// ended the session, or ctx.Err() on shutdown.
func (p *Pipeline) pump(ctx context.Context, conn Conn, sess *ingest.Session) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	buf := make([]byte, srtReadBufferSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return io.EOF
			}
			return err
		}
		if n == 0 {
			continue
		}
		sess.RecordRead(n)
		p.Metrics.AddIngestBytes(n)

		chunk := make([]byte, n)
		copy(chunk, buf[:n])
		sess.Inspect(chunk)
		for _, sink := range p.Sinks {
			sink(chunk)
		}
	}
}

func extractStreamKey(streamID string) string {
	streamID = strings.TrimPrefix(streamID, "/")
	streamID = strings.TrimPrefix(streamID, "live/")
	if streamID == "" {
		return "default"
	}
	return streamID
}
