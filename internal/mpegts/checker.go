package mpegts

import "sync"

// Stats counts what the checker has seen since it was created.
type Stats struct {
	Packets          int64 `json:"packets"`
	PIDs             int   `json:"pids"`
	SyncLosses       int64 `json:"syncLosses"`
	SkippedBytes     int64 `json:"skippedBytes"`
	ContinuityErrors int64 `json:"continuityErrors"`
	TransportErrors  int64 `json:"transportErrors"`
}

type pidState struct {
	cc  uint8
	dup bool
}

// Checker follows packet alignment across arbitrary chunk boundaries and
// tracks per-PID continuity counters. Safe for concurrent use.
type Checker struct {
	mu     sync.Mutex
	carry  []byte
	synced bool
	pids   map[uint16]pidState
	stats  Stats
}

// NewChecker creates an empty Checker.
func NewChecker() *Checker {
	return &Checker{pids: make(map[uint16]pidState)}
}

// Write inspects the next chunk of the stream. b is not retained.
func (c *Checker) Write(b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data := b
	if len(c.carry) > 0 {
		data = append(c.carry, b...)
	}

	i := 0
	for len(data)-i >= packetSize {
		if data[i] != syncByte {
			if c.synced {
				c.stats.SyncLosses++
				c.synced = false
			}
			c.stats.SkippedBytes++
			i++
			continue
		}
		h, err := parseHeader(data[i : i+packetSize])
		if err != nil {
			i++
			continue
		}
		c.synced = true
		c.check(h)
		i += packetSize
	}
	c.carry = append([]byte(nil), data[i:]...)
}

func (c *Checker) check(h Header) {
	c.stats.Packets++
	if h.TransportErrorIndicator {
		c.stats.TransportErrors++
	}
	if h.PID == nullPID {
		return
	}

	prev, seen := c.pids[h.PID]
	next := pidState{cc: h.ContinuityCounter}
	switch {
	case !seen || h.DiscontinuityIndicator:
	case !h.HasPayload:
		if h.ContinuityCounter != prev.cc {
			c.stats.ContinuityErrors++
		}
	case h.ContinuityCounter == prev.cc:
		// One duplicate packet is legal; a second one is not.
		if prev.dup {
			c.stats.ContinuityErrors++
		}
		next.dup = true
	case h.ContinuityCounter != (prev.cc+1)&0x0F:
		c.stats.ContinuityErrors++
	}
	c.pids[h.PID] = next
	c.stats.PIDs = len(c.pids)
}

// Stats returns the counters so far.
func (c *Checker) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
