package segment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Eyevinn/hls-m3u8/m3u8"

	"github.com/zsiec/srtrelay/internal/metrics"
	"github.com/zsiec/srtrelay/internal/relayerr"
)

func newTestStore(t *testing.T, retention int) *Store {
	t.Helper()
	s, err := Open(Options{
		Dir:            t.TempDir(),
		PlaylistName:   "stream.m3u8",
		Retention:      retention,
		TargetDuration: 2,
		Metrics:        metrics.New(),
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

// stage writes a fake segment into the staging directory and returns the
// report the transcoder would emit for it.
func stage(t *testing.T, s *Store, n int) Report {
	t.Helper()
	name := fmt.Sprintf("stage_1_%06d.ts", n)
	if err := os.WriteFile(filepath.Join(s.StagingDir(), name), []byte(name), 0o644); err != nil {
		t.Fatal(err)
	}
	return Report{File: name, Start: float64(n) * 2, End: float64(n+1) * 2}
}

func readPlaylist(t *testing.T, s *Store) *m3u8.MediaPlaylist {
	t.Helper()
	data, err := os.ReadFile(s.PlaylistPath())
	if err != nil {
		t.Fatalf("read playlist: %v", err)
	}
	p, err := m3u8.NewMediaPlaylist(0, 64)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.DecodeFrom(bytes.NewReader(data), false); err != nil {
		t.Fatalf("decode playlist: %v\n%s", err, data)
	}
	return p
}

func playlistURIs(t *testing.T, s *Store) []string {
	t.Helper()
	var uris []string
	for _, seg := range readPlaylist(t, s).Segments {
		if seg != nil {
			uris = append(uris, seg.URI)
		}
	}
	return uris
}

// assertReferencedExist fails if the playlist names a file that is not on disk.
func assertReferencedExist(t *testing.T, s *Store) {
	t.Helper()
	for _, uri := range playlistURIs(t, s) {
		if _, err := os.Stat(filepath.Join(s.Dir(), uri)); err != nil {
			t.Fatalf("playlist references missing segment %s: %v", uri, err)
		}
	}
}

func TestOpenPublishesEmptyPlaylist(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, 3)
	if uris := playlistURIs(t, s); len(uris) != 0 {
		t.Fatalf("empty store playlist has segments: %v", uris)
	}
	if s.LastUpdate().IsZero() {
		t.Fatal("LastUpdate not set after Open")
	}
}

func TestOpenCleansStaleFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	for _, name := range []string{"old.ts", "old.m3u8", "x.tmp", "keep.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	s, err := Open(Options{Dir: dir, PlaylistName: "stream.m3u8", Retention: 3, CleanupOnStart: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for _, name := range []string{"old.ts", "old.m3u8", "x.tmp"} {
		if _, err := os.Stat(filepath.Join(dir, name)); !os.IsNotExist(err) {
			t.Errorf("%s not removed", name)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "keep.txt")); err != nil {
		t.Errorf("keep.txt removed: %v", err)
	}
	if _, err := os.Stat(s.PlaylistPath()); err != nil {
		t.Errorf("playlist missing: %v", err)
	}
}

func TestRotateAppendsSegment(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, 3)
	seg, err := s.Rotate(stage(t, s, 0))
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if seg.Seq != 0 || seg.Duration != 2*time.Second {
		t.Errorf("segment = %+v", seg)
	}
	if _, err := os.Stat(seg.Path); err != nil {
		t.Fatalf("promoted segment missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(s.StagingDir(), "stage_1_000000.ts")); !os.IsNotExist(err) {
		t.Error("staged file still present after promotion")
	}

	p := readPlaylist(t, s)
	if p.SeqNo != 0 {
		t.Errorf("media sequence = %d, want 0", p.SeqNo)
	}
	uris := playlistURIs(t, s)
	if len(uris) != 1 || uris[0] != seg.Name {
		t.Errorf("playlist URIs = %v, want [%s]", uris, seg.Name)
	}
}

func TestRotateRetention(t *testing.T) {
	t.Parallel()

	const window = 4
	s := newTestStore(t, window)

	var all []Segment
	for i := 0; i < window+5; i++ {
		seg, err := s.Rotate(stage(t, s, i))
		if err != nil {
			t.Fatalf("Rotate %d: %v", i, err)
		}
		all = append(all, seg)
		assertReferencedExist(t, s)
	}

	uris := playlistURIs(t, s)
	if len(uris) != window {
		t.Fatalf("playlist has %d segments, want %d", len(uris), window)
	}
	kept := all[len(all)-window:]
	for i, seg := range kept {
		if uris[i] != seg.Name {
			t.Errorf("uri[%d] = %s, want %s", i, uris[i], seg.Name)
		}
	}
	if p := readPlaylist(t, s); p.SeqNo != kept[0].Seq {
		t.Errorf("media sequence = %d, want %d", p.SeqNo, kept[0].Seq)
	}
	for _, seg := range all[:len(all)-window] {
		if _, err := os.Stat(seg.Path); !os.IsNotExist(err) {
			t.Errorf("evicted segment %s still on disk", seg.Name)
		}
	}
}

func TestRotateSequenceStrictlyIncreasing(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, 2)
	var last int64 = -1
	for i := 0; i < 10; i++ {
		seg, err := s.Rotate(stage(t, s, i))
		if err != nil {
			t.Fatal(err)
		}
		if int64(seg.Seq) <= last {
			t.Fatalf("seq %d not greater than %d", seg.Seq, last)
		}
		last = int64(seg.Seq)
	}
}

func TestRotateMissingStagedFile(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, 3)
	if _, err := s.Rotate(stage(t, s, 0)); err != nil {
		t.Fatal(err)
	}
	before, _ := os.ReadFile(s.PlaylistPath())

	_, err := s.Rotate(Report{File: "does_not_exist.ts", Start: 2, End: 4})
	var swe *relayerr.SegmentWriteError
	if !errors.As(err, &swe) {
		t.Fatalf("err = %v, want SegmentWriteError", err)
	}

	after, _ := os.ReadFile(s.PlaylistPath())
	if !bytes.Equal(before, after) {
		t.Errorf("playlist changed after failed rotate:\n%s\n---\n%s", before, after)
	}
	if got := len(s.Segments()); got != 1 {
		t.Errorf("window = %d, want 1", got)
	}

	seg, err := s.Rotate(stage(t, s, 1))
	if err != nil {
		t.Fatal(err)
	}
	if seg.Seq != 1 {
		t.Errorf("seq after failed rotate = %d, want 1", seg.Seq)
	}
}

func TestRotatePlaylistWriteFailureKeepsLastGood(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, 3)
	if _, err := s.Rotate(stage(t, s, 0)); err != nil {
		t.Fatal(err)
	}

	// A non-empty directory at the playlist path makes the rename fail.
	if err := os.Remove(s.PlaylistPath()); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(s.PlaylistPath(), "blocker"), 0o755); err != nil {
		t.Fatal(err)
	}

	_, err := s.Rotate(stage(t, s, 1))
	var swe *relayerr.SegmentWriteError
	if !errors.As(err, &swe) {
		t.Fatalf("err = %v, want SegmentWriteError", err)
	}
	segs := s.Segments()
	if len(segs) != 1 || segs[0].Seq != 0 {
		t.Fatalf("window after failed write = %+v", segs)
	}
	if _, err := os.Stat(segs[0].Path); err != nil {
		t.Errorf("retained segment removed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(s.Dir(), "seg_0_000001.ts")); !os.IsNotExist(err) {
		t.Error("unpublished segment left on disk")
	}
}

func TestResetStartsNewSession(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, 3)
	var first []Segment
	for i := 0; i < 3; i++ {
		seg, err := s.Rotate(stage(t, s, i))
		if err != nil {
			t.Fatal(err)
		}
		first = append(first, seg)
	}

	if err := s.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if uris := playlistURIs(t, s); len(uris) != 0 {
		t.Errorf("playlist after reset = %v", uris)
	}
	for _, seg := range first {
		if _, err := os.Stat(seg.Path); !os.IsNotExist(err) {
			t.Errorf("previous session segment %s still on disk", seg.Name)
		}
	}

	seg, err := s.Rotate(stage(t, s, 0))
	if err != nil {
		t.Fatal(err)
	}
	if seg.Seq != 0 {
		t.Errorf("seq after reset = %d, want 0", seg.Seq)
	}
	if seg.Name == first[0].Name {
		t.Errorf("new session reused file name %s", seg.Name)
	}
	if s.Epoch() != 1 {
		t.Errorf("epoch = %d, want 1", s.Epoch())
	}
}

func TestReconcileDropsMissing(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, 5)
	var segs []Segment
	for i := 0; i < 5; i++ {
		seg, err := s.Rotate(stage(t, s, i))
		if err != nil {
			t.Fatal(err)
		}
		segs = append(segs, seg)
	}

	if err := os.Remove(segs[2].Path); err != nil {
		t.Fatal(err)
	}
	n, err := s.Reconcile()
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if n != 3 {
		t.Errorf("dropped = %d, want 3", n)
	}
	uris := playlistURIs(t, s)
	if len(uris) != 2 || uris[0] != segs[3].Name {
		t.Errorf("playlist after reconcile = %v", uris)
	}
	if p := readPlaylist(t, s); p.SeqNo != segs[3].Seq {
		t.Errorf("media sequence = %d, want %d", p.SeqNo, segs[3].Seq)
	}
	assertReferencedExist(t, s)

	if n, _ := s.Reconcile(); n != 0 {
		t.Errorf("second reconcile dropped %d", n)
	}
}

func TestWatchReconcilesExternalDelete(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, 3)
	var segs []Segment
	for i := 0; i < 3; i++ {
		seg, err := s.Rotate(stage(t, s, i))
		if err != nil {
			t.Fatal(err)
		}
		segs = append(segs, seg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher time to register.
	time.Sleep(100 * time.Millisecond)
	if err := os.Remove(segs[0].Path); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(s.Segments()) == 2 {
			assertReferencedExist(t, s)
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("window = %d after external delete, want 2", len(s.Segments()))
}
