// Command srt-push publishes an MPEG-TS file to a relay's ingest port as an
// SRT caller, paced to real time and looped with continuous timestamps.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	srtingest "github.com/zsiec/srtrelay/internal/ingest/srt"
	"github.com/zsiec/srtrelay/internal/logging"
)

// chunkSize is one SRT payload: 7 TS packets.
const chunkSize = tsPacketSize * 7

// frameTicks is the assumed frame interval at the loop seam (25 fps).
const frameTicks = 3600

func main() {
	file := flag.String("file", "", "TS file to push")
	addr := flag.String("addr", "127.0.0.1:9000", "relay ingest address")
	streamID := flag.String("streamid", "", "SRT stream id (default: live/<file name>)")
	duration := flag.Float64("duration", 0, "known duration in seconds (skips detection)")
	loops := flag.Int("loops", 0, "passes over the file per connection, 0 for endless")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := "info"
	if *verbose {
		level = "debug"
	}
	log, flush, err := logging.New(level, "console")
	if err != nil {
		fmt.Fprintf(os.Stderr, "srt-push: %v\n", err)
		os.Exit(1)
	}
	defer flush()

	path := *file
	if path == "" && flag.NArg() > 0 {
		path = flag.Arg(0)
	}
	if path == "" {
		fmt.Fprintf(os.Stderr, "Usage: srt-push -file stream.ts [-addr host:port] [-streamid live/key]\n")
		os.Exit(1)
	}
	sid := *streamID
	if sid == "" {
		base := filepath.Base(path)
		sid = "live/" + strings.TrimSuffix(base, filepath.Ext(base))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		log.Error("failed to read file", "error", err)
		os.Exit(1)
	}
	if len(data)%tsPacketSize != 0 {
		log.Warn("file size is not a multiple of the TS packet size", "size", len(data))
	}

	tl := scanTimeline(data)
	var probed float64
	if *duration <= 0 && tl.seconds() <= 0 {
		probed = probeDuration(path)
	}
	secs := selectDuration(*duration, tl.seconds(), probed)
	rate := float64(len(data)) / secs
	log.Info("pushing", "file", path, "stream_id", sid, "addr", *addr,
		"packets", len(data)/tsPacketSize, "duration_sec", secs, "bytes_per_sec", int(rate))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	p := &pusher{
		log:       log,
		transport: srtingest.SRTGo{},
		addr:      *addr,
		streamID:  sid,
		data:      data,
		timeline:  tl,
		rate:      rate,
		loops:     *loops,
	}
	p.run(ctx)
}

type pusher struct {
	log       *slog.Logger
	transport srtingest.Transport
	addr      string
	streamID  string
	data      []byte
	timeline  timeline
	rate      float64
	loops     int
}

// run connects and streams until ctx ends, reconnecting after a second
// whenever the connection fails.
func (p *pusher) run(ctx context.Context) {
	for ctx.Err() == nil {
		p.log.Info("connecting", "addr", p.addr, "stream_id", p.streamID)
		conn, err := p.transport.Dial(p.addr, p.streamID)
		if err != nil {
			p.log.Warn("connect failed, retrying", "error", err)
			sleep(ctx, time.Second)
			continue
		}
		stop := context.AfterFunc(ctx, func() { _ = conn.Close() })

		p.log.Info("connected, streaming")
		err = stream(conn, p.data, p.timeline, newPacer(p.rate), p.loops, p.log)
		stop()
		_ = conn.Close()

		switch {
		case ctx.Err() != nil:
		case err == nil:
			p.log.Info("finished")
			return
		default:
			p.log.Warn("connection lost, reconnecting", "error", err)
			sleep(ctx, time.Second)
		}
	}
}

// stream writes data in SRT-sized chunks, paced by pc. Each pass after the
// first shifts every timestamp forward by the file span so the receiver
// sees one continuous timeline. loops <= 0 streams forever.
func stream(w io.Writer, data []byte, tl timeline, pc *pacer, loops int, log *slog.Logger) error {
	buf := make([]byte, len(data))
	copy(buf, data)
	delta := tl.loopDelta(frameTicks)

	for pass := 1; loops <= 0 || pass <= loops; pass++ {
		if pass > 1 {
			tl.shift(buf, delta)
			log.Debug("loop complete", "pass", pass-1, "sent_mb", float64(pc.sent)/(1024*1024))
		}
		for i := 0; i < len(buf); i += chunkSize {
			end := min(i+chunkSize, len(buf))
			if _, err := w.Write(buf[i:end]); err != nil {
				return err
			}
			pc.wait(end - i)
		}
	}
	return nil
}

// pacer holds a writer to a constant byte rate measured from its start,
// so timing stays continuous across loop boundaries.
type pacer struct {
	rate  float64
	start time.Time
	sent  int64
	now   func() time.Time
	sleep func(time.Duration)
}

func newPacer(rate float64) *pacer {
	return &pacer{rate: rate, start: time.Now(), now: time.Now, sleep: time.Sleep}
}

func (p *pacer) wait(n int) {
	p.sent += int64(n)
	due := time.Duration(float64(p.sent) / p.rate * float64(time.Second))
	if ahead := due - p.now().Sub(p.start); ahead > 0 {
		p.sleep(ahead)
	}
}

// selectDuration prefers an explicit override, then the PTS span of the
// file, then ffprobe, then 60s.
func selectDuration(override, scanned, probed float64) float64 {
	for _, d := range []float64{override, scanned, probed} {
		if d > 0 {
			return d
		}
	}
	return 60
}

func probeDuration(path string) float64 {
	out, err := exec.Command("ffprobe",
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	).Output()
	if err != nil {
		return 0
	}
	d, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
