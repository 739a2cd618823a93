package srt

import (
	"context"
	"log/slog"

	"github.com/zsiec/srtrelay/internal/ingest"
	"github.com/zsiec/srtrelay/internal/relayerr"
)

// Server accepts the inbound publisher. Only one publisher is served at a
// time; while the slot is held further callers are rejected during the
// handshake.
type Server struct {
	log       *slog.Logger
	addr      string
	transport Transport
	pipeline  *Pipeline

	l Listener
}

// NewServer creates a publisher Server for addr. If log is nil,
// slog.Default() is used.
func NewServer(addr string, transport Transport, p *Pipeline, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:       log.With("component", "srt-publisher"),
		addr:      addr,
		transport: transport,
		pipeline:  p,
	}
}

// Listen binds the publisher port. Failure is a BindError.
func (s *Server) Listen() error {
	l, err := s.transport.Listen(s.addr, s.admit)
	if err != nil {
		return &relayerr.BindError{Op: "listen publisher", Addr: s.addr, Err: err}
	}
	s.l = l
	s.log.Info("listening", "addr", s.addr)
	return nil
}

// Serve accepts publishers until ctx is cancelled. Listen must have
// succeeded first.
func (s *Server) Serve(ctx context.Context) error {
	l := s.l
	stop := context.AfterFunc(ctx, func() { _ = l.Close() })
	defer stop()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("accept error", "error", &relayerr.HandshakeError{Op: "accept publisher", Err: err})
			continue
		}
		go s.handle(ctx, conn)
	}
}

func (s *Server) admit(streamID string) bool {
	if s.pipeline.Slot.Busy() {
		s.pipeline.Metrics.PublisherRejected()
		s.log.Warn("publisher refused, slot busy", "stream_id", streamID)
		return false
	}
	return true
}

func (s *Server) handle(ctx context.Context, conn Conn) {
	sess := ingest.NewSession(extractStreamKey(conn.StreamID()), conn.RemoteAddr())
	if !s.pipeline.Slot.TryAcquire(sess) {
		// Two handshakes raced past admit; the loser is dropped.
		s.pipeline.Metrics.PublisherRejected()
		s.log.Warn("publisher refused", "remote", conn.RemoteAddr(),
			"error", &relayerr.HandshakeError{Op: "acquire publisher slot", Err: errSlotBusy})
		_ = conn.Close()
		return
	}
	s.pipeline.publish(ctx, conn, sess, s.log)
}
