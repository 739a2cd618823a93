package transcode

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/zsiec/srtrelay/internal/config"
)

// Builder assembles an ffmpeg argument vector. It is not safe for
// concurrent use.
type Builder struct {
	args []string
}

// NewBuilder returns a Builder seeded with the executable path.
func NewBuilder(path string) *Builder {
	return &Builder{args: []string{path}}
}

// Flag appends flag and val, skipping empty values.
func (b *Builder) Flag(flag, val string) *Builder {
	if val != "" {
		b.args = append(b.args, flag, val)
	}
	return b
}

// IntFlag appends flag with a base-10 value (always emitted).
func (b *Builder) IntFlag(flag string, val int) *Builder {
	b.args = append(b.args, flag, strconv.Itoa(val))
	return b
}

// Args appends raw arguments.
func (b *Builder) Args(args ...string) *Builder {
	b.args = append(b.args, args...)
	return b
}

// Argv returns a copy of the argument vector including argv[0].
func (b *Builder) Argv() []string {
	out := make([]string, len(b.args))
	copy(out, b.args)
	return out
}

// String returns the command shell-quoted, for logs.
func (b *Builder) String() string {
	quoted := make([]string, len(b.args))
	for i, a := range b.args {
		quoted[i] = shQuote(a)
	}
	return strings.Join(quoted, " ")
}

// CommandSpec is everything needed to build one transcoder invocation.
type CommandSpec struct {
	Transcode       config.Transcode
	SegmentDuration int
	StagingDir      string
}

// StagePattern is the staged segment filename pattern for one launch
// attempt. Distinct attempts never reuse names.
func StagePattern(dir string, attempt int) string {
	return filepath.Join(dir, fmt.Sprintf("stage_%d_%%06d.ts", attempt))
}

// Build returns the ffmpeg invocation that reads MPEG-TS on stdin, segments
// it into StagingDir and reports each finished segment on stdout as
// "name,start,end".
func (c CommandSpec) Build(attempt int) *Builder {
	t := c.Transcode
	b := NewBuilder(t.FFmpegPath).
		Args("-hide_banner", "-loglevel", "warning").
		Args("-fflags", "+genpts+discardcorrupt", "-err_detect", "ignore_err").
		Flag("-analyzeduration", t.AnalyzeDuration).
		Flag("-probesize", t.ProbeSize).
		Flag("-f", t.InputFormat).
		Args(t.InputArgs...).
		Args("-i", "pipe:0").
		Args("-map", "0:v:0", "-map", "0:a?")

	c.videoArgs(b)
	c.audioArgs(b)

	return b.
		Args("-f", "segment", "-segment_format", "mpegts").
		IntFlag("-segment_time", c.SegmentDuration).
		Args("-segment_list", "pipe:1", "-segment_list_type", "csv", "-segment_list_flags", "+live").
		Args(StagePattern(c.StagingDir, attempt))
}

func (c CommandSpec) videoArgs(b *Builder) {
	t := c.Transcode
	if t.VideoCodec == "" || t.VideoCodec == "copy" {
		b.Args("-c:v", "copy")
		return
	}
	b.Args("-c:v", t.VideoCodec)
	if t.VideoCodec == "libx264" {
		b.Flag("-preset", t.X264Preset).
			Flag("-tune", t.X264Tune).
			Args("-x264-params", "repeat-headers=1")
	}
	if t.VideoCodec == "libx264" || t.VideoCodec == "libx265" {
		b.Flag("-crf", t.VideoCRF)
	}
	b.Flag("-b:v", t.VideoBitrate)
	if t.ForceKeyframes {
		b.Args("-force_key_frames", fmt.Sprintf("expr:gte(t,n_forced*%d)", c.SegmentDuration))
	}
}

func (c CommandSpec) audioArgs(b *Builder) {
	t := c.Transcode
	switch strings.ToLower(t.AudioCodec) {
	case "none", "disable", "disabled", "no":
		b.Args("-an")
	case "copy":
		b.Args("-c:a", "copy")
	case "":
		b.Args("-c:a", "aac").Flag("-b:a", t.AudioBitrate).Args("-ar", "48000", "-ac", "2")
	default:
		b.Args("-c:a", t.AudioCodec).Flag("-b:a", t.AudioBitrate).Args("-ar", "48000", "-ac", "2")
	}
}

// shQuote returns a POSIX single-quoted token.
func shQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n'\"\\$`*?[]{}()<>|&;!#~") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
