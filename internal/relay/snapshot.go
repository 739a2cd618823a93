package relay

import (
	"github.com/zsiec/srtrelay/internal/fanout"
	"github.com/zsiec/srtrelay/internal/ingest"
	"github.com/zsiec/srtrelay/internal/transcode"
)

// SegmentInfo summarises the published window.
type SegmentInfo struct {
	Count      int    `json:"count"`
	FirstSeq   uint64 `json:"firstSeq"`
	LastSeq    uint64 `json:"lastSeq"`
	Epoch      uint64 `json:"epoch"`
	LastUpdate int64  `json:"lastUpdate,omitempty"`
}

// Snapshot is the relay status served by the status API and published to
// Redis.
type Snapshot struct {
	State              string               `json:"state"`
	Since              int64                `json:"since"`
	Sessions           int64                `json:"sessions"`
	Publisher          *ingest.SessionStats `json:"publisher,omitempty"`
	PublishersRejected int64                `json:"publishersRejected"`
	ViewerCount        int                  `json:"viewerCount"`
	Viewers            []fanout.ViewerStats `json:"viewers"`
	Transcoder         transcode.Stats      `json:"transcoder"`
	HLSFailed          bool                 `json:"hlsFailed"`
	HLSError           string               `json:"hlsError,omitempty"`
	Segments           SegmentInfo          `json:"segments"`
}

// Snapshot collects the current status of every component.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	snap := Snapshot{
		State:     c.state.String(),
		Since:     c.since.UnixMilli(),
		Sessions:  c.sessions,
		HLSFailed: c.hlsFailed,
	}
	if c.hlsErr != nil {
		snap.HLSError = c.hlsErr.Error()
	}
	c.mu.Unlock()

	if s := c.opts.Slot.Current(); s != nil {
		st := s.Stats()
		snap.Publisher = &st
	}
	snap.PublishersRejected = c.opts.Slot.Rejected()

	if c.opts.Viewers != nil {
		snap.Viewers = c.opts.Viewers.Stats()
		snap.ViewerCount = len(snap.Viewers)
	}
	if snap.Viewers == nil {
		snap.Viewers = []fanout.ViewerStats{}
	}

	snap.Transcoder = c.opts.Transcoder.Stats()

	segs := c.opts.Store.Segments()
	snap.Segments = SegmentInfo{Count: len(segs), Epoch: c.opts.Store.Epoch()}
	if len(segs) > 0 {
		snap.Segments.FirstSeq = segs[0].Seq
		snap.Segments.LastSeq = segs[len(segs)-1].Seq
	}
	if t := c.opts.Store.LastUpdate(); !t.IsZero() {
		snap.Segments.LastUpdate = t.UnixMilli()
	}
	return snap
}
