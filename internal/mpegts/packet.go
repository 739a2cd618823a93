// Package mpegts inspects MPEG-TS transport packets passing through the
// relay. It never modifies or reassembles the stream; it only reports how
// healthy the packet layer looks.
package mpegts

import "fmt"

const (
	packetSize = 188
	syncByte   = 0x47
	nullPID    = 0x1FFF
)

// Header holds the transport header fields the checker cares about.
type Header struct {
	PID                       uint16
	ContinuityCounter         uint8
	HasAdaptationField        bool
	HasPayload                bool
	PayloadUnitStartIndicator bool
	TransportErrorIndicator   bool
	DiscontinuityIndicator    bool
}

func parseHeader(buf []byte) (Header, error) {
	var h Header
	if len(buf) != packetSize {
		return h, fmt.Errorf("mpegts: packet size %d, expected %d", len(buf), packetSize)
	}
	if buf[0] != syncByte {
		return h, fmt.Errorf("mpegts: invalid sync byte 0x%02X", buf[0])
	}

	h.TransportErrorIndicator = buf[1]&0x80 != 0
	h.PayloadUnitStartIndicator = buf[1]&0x40 != 0
	h.PID = uint16(buf[1]&0x1F)<<8 | uint16(buf[2])
	h.HasAdaptationField = buf[3]&0x20 != 0
	h.HasPayload = buf[3]&0x10 != 0
	h.ContinuityCounter = buf[3] & 0x0F

	if h.HasAdaptationField && buf[4] > 0 {
		h.DiscontinuityIndicator = buf[5]&0x80 != 0
	}
	return h, nil
}
