package srt

import (
	"context"
	"log/slog"

	"github.com/zsiec/srtrelay/internal/fanout"
	"github.com/zsiec/srtrelay/internal/relayerr"
)

// ViewerServer accepts viewer callers and registers them for fan-out.
// Viewers are accepted whether or not a publisher is live.
type ViewerServer struct {
	log       *slog.Logger
	addr      string
	transport Transport
	registry  *fanout.Registry

	l Listener
}

// NewViewerServer creates a ViewerServer for addr.
func NewViewerServer(addr string, transport Transport, registry *fanout.Registry, log *slog.Logger) *ViewerServer {
	if log == nil {
		log = slog.Default()
	}
	return &ViewerServer{
		log:       log.With("component", "srt-viewer"),
		addr:      addr,
		transport: transport,
		registry:  registry,
	}
}

// Listen binds the viewer port. Failure is a BindError.
func (s *ViewerServer) Listen() error {
	l, err := s.transport.Listen(s.addr, nil)
	if err != nil {
		return &relayerr.BindError{Op: "listen viewer", Addr: s.addr, Err: err}
	}
	s.l = l
	s.log.Info("listening", "addr", s.addr)
	return nil
}

// Serve accepts viewers until ctx is cancelled, then disconnects all of
// them.
func (s *ViewerServer) Serve(ctx context.Context) error {
	l := s.l
	stop := context.AfterFunc(ctx, func() { _ = l.Close() })
	defer stop()
	defer s.registry.CloseAll()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("accept error", "error", &relayerr.HandshakeError{Op: "accept viewer", Err: err})
			continue
		}
		v := s.registry.Register(conn, conn.RemoteAddr())
		go s.watch(conn, v)
	}
}

// watch detects the viewer hanging up. Viewers send nothing, so any
// completed read is discarded and a read error means the peer is gone.
func (s *ViewerServer) watch(conn Conn, v *fanout.Viewer) {
	buf := make([]byte, 1500)
	for {
		if _, err := conn.Read(buf); err != nil {
			select {
			case <-v.Done():
			default:
				s.log.Debug("viewer read ended", "viewer", v.ID(), "error", err)
			}
			s.registry.Unregister(v)
			return
		}
	}
}
