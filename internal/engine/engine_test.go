package engine

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/arvek/dvrd/internal/dvr"
	"github.com/arvek/dvrd/internal/fileset"
	"github.com/arvek/dvrd/internal/index"
)

type fakeCapture struct {
	mu   sync.Mutex
	mode dvr.CaptureMode
}

func (c *fakeCapture) Read(p []byte) (int, error) { return 0, dvr.ErrAgain }

func (c *fakeCapture) SetMode(mode dvr.CaptureMode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mode = mode
	return nil
}

func (c *fakeCapture) Close() error { return nil }

type fakeDecoder struct{}

func (fakeDecoder) Write(p []byte) (int, error) { return len(p), nil }
func (fakeDecoder) Play() error { return nil }
func (fakeDecoder) Freeze() error { return nil }
func (fakeDecoder) Continue() error { return nil }
func (fakeDecoder) SlowMotion(int) error { return nil }
func (fakeDecoder) ClearBuffer() error { return nil }
func (fakeDecoder) StillPicture([]byte) error { return nil }
func (fakeDecoder) SelectSource(bool) error { return nil }
func (fakeDecoder) SetAVSync(bool) error { return nil }
func (fakeDecoder) SetMute(bool) error { return nil }

func testEngine(t *testing.T) *Engine {
	t.Helper()
	e := New(Config{PIDs: PIDs{Video: 0x100, Audio1: 0x101, Audio2: 0x102}})
	e.AddDevice(&Device{Name: "test", Capture: &fakeCapture{}, Decoder: fakeDecoder{}})
	return e
}

// writeReplayable creates a minimal recording the engine can replay.
func writeReplayable(t *testing.T, dir string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	idx, err := index.Create(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer idx.Close()
	seg, err := os.Create(fileset.SegmentName(dir, 1))
	if err != nil {
		t.Fatal(err)
	}
	defer seg.Close()
	for i := 0; i < 24; i++ {
		pt := dvr.PictureP
		if i%12 == 0 {
			pt = dvr.PictureI
		}
		if err := idx.Write(pt, 1, int32(i*4)); err != nil {
			t.Fatal(err)
		}
		if _, err := seg.Write([]byte{0, 0, byte(i), 0}); err != nil {
			t.Fatal(err)
		}
	}
}

func TestRecordExcludesReplay(t *testing.T) {
	e := testEngine(t)
	dir := filepath.Join(t.TempDir(), "rec")

	if err := e.StartRecord(dir); err != nil {
		t.Fatal(err)
	}
	if !e.Recording() {
		t.Fatal("not recording after StartRecord")
	}
	if err := e.StartReplay(dir); !errors.Is(err, dvr.ErrInvalidMode) {
		t.Errorf("StartReplay while recording = %v, want ErrInvalidMode", err)
	}
	e.StopRecord()
	if e.Recording() {
		t.Error("still recording after StopRecord")
	}
}

func TestReplayExcludesRecord(t *testing.T) {
	e := testEngine(t)
	dir := filepath.Join(t.TempDir(), "rec")
	writeReplayable(t, dir)

	if err := e.StartReplay(dir); err != nil {
		t.Fatal(err)
	}
	if !e.Replaying() {
		t.Fatal("not replaying after StartReplay")
	}
	if err := e.StartRecord(filepath.Join(t.TempDir(), "other")); !errors.Is(err, dvr.ErrInvalidMode) {
		t.Errorf("StartRecord while replaying = %v, want ErrInvalidMode", err)
	}
	e.StopReplay()
	if e.Replaying() {
		t.Error("still replaying after StopReplay")
	}
}

func TestPlaybackOpsWithoutReplayAreNoOps(t *testing.T) {
	e := testEngine(t)
	e.Pause()
	e.Play()
	e.Forward()
	e.Backward()
	e.Goto(10, false)
	e.SkipSeconds(30)
	if got := e.SkipFrames(10); got != -1 {
		t.Errorf("SkipFrames without replay = %d, want -1", got)
	}
	if _, _, ok := e.GetIndex(false); ok {
		t.Error("GetIndex without replay reported a position")
	}
}

func TestToggleAudioWithoutReplaySwapsPIDs(t *testing.T) {
	e := testEngine(t)
	if !e.CanToggleAudioTrack() {
		t.Fatal("two distinct audio PIDs should be toggleable")
	}
	e.ToggleAudioTrack()
	if e.pids.Audio1 != 0x102 || e.pids.Audio2 != 0x101 {
		t.Errorf("PIDs after toggle = %#x/%#x", e.pids.Audio1, e.pids.Audio2)
	}
}

func TestStartRecordWithoutDevice(t *testing.T) {
	e := New(Config{})
	if err := e.StartRecord(t.TempDir()); !errors.Is(err, dvr.ErrInvalidMode) {
		t.Errorf("StartRecord without device = %v, want ErrInvalidMode", err)
	}
}

func TestStatusSnapshot(t *testing.T) {
	e := testEngine(t)
	dir := filepath.Join(t.TempDir(), "rec")
	writeReplayable(t, dir)

	if err := e.StartReplay(dir); err != nil {
		t.Fatal(err)
	}
	defer e.Shutdown()

	s := e.Status()
	if s.Replay == nil {
		t.Fatal("status missing the replay session")
	}
	if s.Replay.Dir != dir {
		t.Errorf("replay dir = %s", s.Replay.Dir)
	}
	if s.Recording != nil {
		t.Error("status reports a recording that does not exist")
	}
	if s.Devices != 1 {
		t.Errorf("devices = %d", s.Devices)
	}
}
