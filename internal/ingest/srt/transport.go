package srt

import (
	"fmt"
	"io"

	srtgo "github.com/zsiec/srtgo"
)

// srtReadBufferSize is the read buffer for SRT socket reads.
// 1316 bytes = 7 MPEG-TS packets (188 * 7), the standard SRT payload size.
const srtReadBufferSize = 1316 * 10

// srtLatencyNs is the SRT latency setting in nanoseconds (120ms).
const srtLatencyNs = 120_000_000

// Conn is one established SRT connection.
type Conn interface {
	io.ReadWriteCloser
	StreamID() string
	RemoteAddr() string
}

// Listener accepts SRT connections until closed.
type Listener interface {
	Accept() (Conn, error)
	Close() error
}

// AdmitFunc decides during the handshake whether a caller is accepted.
type AdmitFunc func(streamID string) bool

// Transport opens SRT listeners and dials SRT listeners.
type Transport interface {
	Listen(addr string, admit AdmitFunc) (Listener, error)
	Dial(addr, streamID string) (Conn, error)
}

// SRTGo is the Transport backed by github.com/zsiec/srtgo.
type SRTGo struct{}

// Listen binds addr. Callers refused by admit are rejected with
// srtgo.RejPeer before the connection is established.
func (SRTGo) Listen(addr string, admit AdmitFunc) (Listener, error) {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs

	l, err := srtgo.Listen(addr, cfg)
	if err != nil {
		return nil, err
	}
	if admit != nil {
		l.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
			if !admit(req.StreamID) {
				return srtgo.RejPeer
			}
			return 0
		})
	}
	return &srtListener{l: l}, nil
}

// Dial connects to a listening peer in caller mode.
func (SRTGo) Dial(addr, streamID string) (Conn, error) {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs
	cfg.StreamID = streamID

	c, err := srtgo.Dial(addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("SRT dial %s: %w", addr, err)
	}
	return srtConn{c: c}, nil
}

type srtListener struct {
	l *srtgo.Listener
}

func (l *srtListener) Accept() (Conn, error) {
	c, err := l.l.Accept()
	if err != nil {
		return nil, err
	}
	return srtConn{c: c}, nil
}

func (l *srtListener) Close() error {
	l.l.Close()
	return nil
}

type srtConn struct {
	c *srtgo.Conn
}

func (s srtConn) Read(p []byte) (int, error)  { return s.c.Read(p) }
func (s srtConn) Write(p []byte) (int, error) { return s.c.Write(p) }
func (s srtConn) StreamID() string            { return s.c.StreamID() }
func (s srtConn) RemoteAddr() string          { return s.c.RemoteAddr().String() }

func (s srtConn) Close() error {
	s.c.Close()
	return nil
}
