// Package segment owns the HLS output directory: it promotes segments the
// transcoder finishes, keeps a rolling window of the most recent ones, and
// rewrites the playlist atomically so readers never see a partial manifest
// or a reference to a missing file.
package segment

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Eyevinn/hls-m3u8/m3u8"

	"github.com/zsiec/srtrelay/internal/metrics"
	"github.com/zsiec/srtrelay/internal/relayerr"
)

// stagingDirName is where the transcoder writes segments before they are
// promoted into the public directory.
const stagingDirName = ".staging"

// Segment is one media file referenced by the playlist.
type Segment struct {
	Seq      uint64        `json:"seq"`
	Name     string        `json:"name"`
	Path     string        `json:"-"`
	Duration time.Duration `json:"duration"`
	Created  time.Time     `json:"created"`
}

// Options configures a Store.
type Options struct {
	Dir            string
	PlaylistName   string
	Retention      int
	TargetDuration int
	CleanupOnStart bool
	Log            *slog.Logger
	Metrics        *metrics.Metrics
}

// Store is the only writer of the HLS directory.
type Store struct {
	log       *slog.Logger
	metrics   *metrics.Metrics
	dir       string
	staging   string
	playlist  string
	retention int
	target    int

	mu         sync.Mutex
	epoch      uint64
	nextSeq    uint64
	window     []Segment
	lastUpdate time.Time
}

// Open prepares dir, optionally removing leftovers from a previous run, and
// publishes an empty playlist.
func Open(opts Options) (*Store, error) {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Retention < 1 {
		return nil, fmt.Errorf("retention must be >= 1, got %d", opts.Retention)
	}
	if opts.TargetDuration < 1 {
		opts.TargetDuration = 2
	}

	s := &Store{
		log:       opts.Log.With("component", "segment-store"),
		metrics:   opts.Metrics,
		dir:       opts.Dir,
		staging:   filepath.Join(opts.Dir, stagingDirName),
		playlist:  filepath.Join(opts.Dir, opts.PlaylistName),
		retention: opts.Retention,
		target:    opts.TargetDuration,
	}

	if err := os.MkdirAll(s.staging, 0o755); err != nil {
		return nil, &relayerr.SegmentWriteError{Op: "mkdir", Path: s.staging, Err: err}
	}
	if opts.CleanupOnStart {
		n := s.cleanup()
		s.log.Info("removed stale output", "dir", s.dir, "files", n)
	}
	s.clearStaging()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writePlaylist(nil); err != nil {
		return nil, err
	}
	return s, nil
}

// Dir returns the public output directory.
func (s *Store) Dir() string { return s.dir }

// PlaylistPath returns the absolute path of the manifest.
func (s *Store) PlaylistPath() string { return s.playlist }

// StagingDir is where the transcoder must write segments before Rotate.
func (s *Store) StagingDir() string { return s.staging }

// Reset starts a new publisher session: the playlist is emptied first, then
// the previous session's files are deleted and the sequence restarts at 0.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writePlaylist(nil); err != nil {
		return err
	}
	old := s.window
	s.window = nil
	s.nextSeq = 0
	s.epoch++

	s.removeAll(old)
	s.clearStaging()
	s.log.Info("segment store reset", "epoch", s.epoch, "removed", len(old))
	return nil
}

// Rotate promotes the staged segment named by r into the public directory,
// appends it to the window, rewrites the playlist and finally deletes
// segments that fell out of the window. On failure the playlist keeps its
// last good contents.
func (s *Store) Rotate(r Report) (Segment, error) {
	name := filepath.Base(r.File)
	if name == "." || name == string(filepath.Separator) {
		return Segment{}, &relayerr.SegmentWriteError{Op: "promote", Path: r.File, Err: errors.New("empty segment name")}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	src := filepath.Join(s.staging, name)
	seg := Segment{
		Seq:     s.nextSeq,
		Name:    fmt.Sprintf("seg_%d_%06d.ts", s.epoch, s.nextSeq),
		Created: time.Now(),
	}
	seg.Path = filepath.Join(s.dir, seg.Name)
	seg.Duration = time.Duration(r.Duration() * float64(time.Second))
	if seg.Duration <= 0 {
		seg.Duration = time.Duration(s.target) * time.Second
	}

	if err := os.Rename(src, seg.Path); err != nil {
		s.metrics.SegmentWriteFailed()
		return Segment{}, &relayerr.SegmentWriteError{Op: "promote", Path: src, Err: err}
	}

	next := make([]Segment, 0, len(s.window)+1)
	next = append(next, s.window...)
	next = append(next, seg)
	var evicted []Segment
	if over := len(next) - s.retention; over > 0 {
		evicted = next[:over]
		next = next[over:]
	}

	if err := s.writePlaylist(next); err != nil {
		_ = os.Remove(seg.Path)
		return Segment{}, err
	}
	s.window = next
	s.nextSeq++
	s.metrics.SegmentRotated()

	// Only now that the playlist no longer references them.
	s.removeAll(evicted)
	s.metrics.SegmentsPruned(len(evicted))

	s.log.Debug("segment rotated", "seq", seg.Seq, "name", seg.Name,
		"duration", seg.Duration, "window", len(next), "pruned", len(evicted))
	return seg, nil
}

// Reconcile drops segments whose files have disappeared from disk, together
// with every older segment so the media sequence stays contiguous.
func (s *Store) Reconcile() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cut := -1
	for i, seg := range s.window {
		if _, err := os.Stat(seg.Path); errors.Is(err, fs.ErrNotExist) {
			cut = i
		}
	}
	if cut < 0 {
		return 0, nil
	}

	dropped := s.window[:cut+1]
	next := append([]Segment(nil), s.window[cut+1:]...)
	if err := s.writePlaylist(next); err != nil {
		return 0, err
	}
	s.window = next
	s.removeAll(dropped)

	s.log.Warn("segments missing on disk, dropped from playlist", "dropped", len(dropped))
	return len(dropped), nil
}

// Segments returns a copy of the current window, oldest first.
func (s *Store) Segments() []Segment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Segment(nil), s.window...)
}

// LastUpdate returns when the playlist was last rewritten.
func (s *Store) LastUpdate() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUpdate
}

// Epoch returns the publisher session counter.
func (s *Store) Epoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// writePlaylist must be called with mu held.
func (s *Store) writePlaylist(window []Segment) error {
	data, err := s.encode(window)
	if err != nil {
		s.metrics.SegmentWriteFailed()
		return &relayerr.SegmentWriteError{Op: "encode", Path: s.playlist, Err: err}
	}
	if err := writeFileAtomic(s.playlist, data); err != nil {
		s.metrics.SegmentWriteFailed()
		return &relayerr.SegmentWriteError{Op: "write playlist", Path: s.playlist, Err: err}
	}
	s.lastUpdate = time.Now()
	return nil
}

func (s *Store) encode(window []Segment) ([]byte, error) {
	if len(window) == 0 {
		return emptyPlaylist(s.target), nil
	}

	n := uint(len(window))
	p, err := m3u8.NewMediaPlaylist(n, n)
	if err != nil {
		return nil, err
	}
	p.SeqNo = window[0].Seq
	for _, seg := range window {
		if err := p.Append(seg.Name, seg.Duration.Seconds(), ""); err != nil {
			return nil, err
		}
	}
	return p.Encode().Bytes(), nil
}

// emptyPlaylist is the manifest published while no segments exist.
func emptyPlaylist(target int) []byte {
	var b bytes.Buffer
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", target)
	b.WriteString("#EXT-X-MEDIA-SEQUENCE:0\n")
	return b.Bytes()
}

// writeFileAtomic writes data next to path and renames it into place.
func writeFileAtomic(path string, data []byte) error {
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	cleanup := func() { _ = os.Remove(tmp) }

	if _, err := f.Write(data); err != nil {
		f.Close()
		cleanup()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		cleanup()
		return err
	}
	if err := f.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmp, 0o644); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		cleanup()
		return err
	}
	return nil
}

func (s *Store) removeAll(segs []Segment) {
	for _, seg := range segs {
		if err := os.Remove(seg.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.log.Warn("failed to remove segment", "path", seg.Path, "error", err)
		}
	}
}

// cleanup removes stale segments, playlists and temp files from dir.
func (s *Store) cleanup() int {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.log.Warn("cleanup: read dir", "dir", s.dir, "error", err)
		return 0
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".ts") && !strings.HasSuffix(name, ".m3u8") && !strings.HasSuffix(name, ".tmp") {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil {
			s.log.Warn("cleanup: remove", "file", name, "error", err)
			continue
		}
		n++
	}
	return n
}

func (s *Store) clearStaging() {
	entries, err := os.ReadDir(s.staging)
	if err != nil {
		return
	}
	for _, e := range entries {
		_ = os.RemoveAll(filepath.Join(s.staging, e.Name()))
	}
}
