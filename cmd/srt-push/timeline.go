package main

const (
	tsPacketSize = 188
	// ptsModulus is the wrap point of 33-bit PTS/DTS/PCR base values.
	ptsModulus = 1 << 33
)

// stamp is the byte offset of one PTS, DTS or PCR field in the file.
type stamp struct {
	off int
	pcr bool
}

// timeline is every timestamp field of a TS file plus the span of its
// video PTS values, in 90 kHz ticks.
type timeline struct {
	stamps []stamp
	first  int64
	last   int64
}

// scanTimeline walks data packet by packet. first is -1 when the file has
// no video PTS.
func scanTimeline(data []byte) timeline {
	tl := timeline{first: -1}

	for off := 0; off+tsPacketSize <= len(data); off += tsPacketSize {
		pkt := data[off : off+tsPacketSize]
		if pkt[0] != 0x47 {
			continue
		}

		pos := 4
		if pkt[3]&0x20 != 0 {
			afLen := int(pkt[4])
			if afLen >= 7 && pkt[5]&0x10 != 0 {
				tl.stamps = append(tl.stamps, stamp{off: off + 6, pcr: true})
			}
			pos += 1 + afLen
		}

		if pkt[1]&0x40 == 0 || pkt[3]&0x10 == 0 || pos+19 > tsPacketSize {
			continue
		}
		pes := pkt[pos:]
		if pes[0] != 0 || pes[1] != 0 || pes[2] != 1 {
			continue
		}
		sid := pes[3]
		video := sid >= 0xE0 && sid <= 0xEF
		audio := sid >= 0xC0 && sid <= 0xDF
		if !video && !audio {
			continue
		}

		flags := pes[7]
		if flags&0x80 != 0 {
			at := off + pos + 9
			tl.stamps = append(tl.stamps, stamp{off: at})
			if video {
				pts := readPTS(data[at:])
				if tl.first < 0 || pts < tl.first {
					tl.first = pts
				}
				if pts > tl.last {
					tl.last = pts
				}
			}
		}
		if flags&0x40 != 0 {
			tl.stamps = append(tl.stamps, stamp{off: off + pos + 14})
		}
	}
	return tl
}

// seconds is the video span of the file, 0 if unknown.
func (tl timeline) seconds() float64 {
	if tl.first < 0 || tl.last <= tl.first {
		return 0
	}
	return float64(tl.last-tl.first) / 90000
}

// loopDelta is how far timestamps must advance for the next pass over the
// file: the video span plus one frame interval.
func (tl timeline) loopDelta(frame int64) int64 {
	if tl.first < 0 {
		return 0
	}
	return tl.last - tl.first + frame
}

// shift adds delta to every timestamp in data, wrapping at 2^33.
func (tl timeline) shift(data []byte, delta int64) {
	for _, s := range tl.stamps {
		b := data[s.off:]
		if s.pcr {
			writePCR(b, wrap(readPCR(b)+delta))
		} else {
			writePTS(b, wrap(readPTS(b)+delta))
		}
	}
}

func wrap(v int64) int64 {
	v %= ptsModulus
	if v < 0 {
		v += ptsModulus
	}
	return v
}

// readPTS decodes the 5-byte PES timestamp layout.
func readPTS(b []byte) int64 {
	return int64(b[0]>>1&0x07)<<30 |
		int64(b[1])<<22 |
		int64(b[2]>>1)<<15 |
		int64(b[3])<<7 |
		int64(b[4]>>1)
}

// writePTS encodes pts keeping the 4-bit prefix of b[0] and setting the
// marker bits.
func writePTS(b []byte, pts int64) {
	b[0] = b[0]&0xF0 | byte(pts>>29)&0x0E | 0x01
	b[1] = byte(pts >> 22)
	b[2] = byte(pts>>14)&0xFE | 0x01
	b[3] = byte(pts >> 7)
	b[4] = byte(pts<<1)&0xFE | 0x01
}

// readPCR decodes the 33-bit PCR base; the extension is not needed.
func readPCR(b []byte) int64 {
	return int64(b[0])<<25 |
		int64(b[1])<<17 |
		int64(b[2])<<9 |
		int64(b[3])<<1 |
		int64(b[4]>>7)
}

// writePCR encodes the PCR base and keeps the 9-bit extension.
func writePCR(b []byte, base int64) {
	ext := uint16(b[4]&0x01)<<8 | uint16(b[5])
	b[0] = byte(base >> 25)
	b[1] = byte(base >> 17)
	b[2] = byte(base >> 9)
	b[3] = byte(base >> 1)
	b[4] = byte(base&1)<<7 | 0x7E | byte(ext>>8)
	b[5] = byte(ext)
}
