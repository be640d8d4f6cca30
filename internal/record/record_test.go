package record

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/arvek/dvrd/internal/dvr"
	"github.com/arvek/dvrd/internal/index"
)

// fakeCapture yields queued bytes and EAGAIN otherwise.
type fakeCapture struct {
	mu      sync.Mutex
	pending []byte
	mode    dvr.CaptureMode
}

func (c *fakeCapture) feed(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := 0; i < n; i++ {
		c.pending = append(c.pending, byte(i))
	}
}

func (c *fakeCapture) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return 0, dvr.ErrAgain
	}
	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

func (c *fakeCapture) SetMode(mode dvr.CaptureMode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mode = mode
	return nil
}

func (c *fakeCapture) Close() error { return nil }

func (c *fakeCapture) Mode() dvr.CaptureMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

type scriptFrame struct {
	data []byte
	pt   dvr.PictureType
}

// scriptedRemux emits one pre-built frame per input byte consumed.
type scriptedRemux struct {
	mu     sync.Mutex
	frames []scriptFrame
	next   int
}

func (r *scriptedRemux) Process(in []byte) (int, []byte, dvr.PictureType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(in) == 0 {
		return 0, nil, dvr.PictureNone
	}
	if r.next >= len(r.frames) {
		return len(in), nil, dvr.PictureNone
	}
	f := r.frames[r.next]
	r.next++
	return 1, f.data, f.pt
}

// gopScript builds gops groups of one I-frame plus followers P-frames,
// every frame frameSize bytes of distinguishable content.
func gopScript(gops, followers, frameSize int) []scriptFrame {
	var script []scriptFrame
	frame := 0
	for g := 0; g < gops; g++ {
		for k := 0; k <= followers; k++ {
			pt := dvr.PictureP
			if k == 0 {
				pt = dvr.PictureI
			}
			data := make([]byte, frameSize)
			for i := range data {
				data[i] = byte(frame)
			}
			script = append(script, scriptFrame{data: data, pt: pt})
			frame++
		}
	}
	return script
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTinyRecording(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "rec")
	capture := &fakeCapture{}
	script := gopScript(4, 11, 8) // 48 frames

	p, err := Start(Config{Dir: dir, Capture: capture, Remux: &scriptedRemux{frames: script}})
	if err != nil {
		t.Fatal(err)
	}
	capture.feed(len(script))

	indexPath := filepath.Join(dir, index.FileName)
	waitFor(t, "all frames recorded", func() bool {
		fi, err := os.Stat(indexPath)
		return err == nil && fi.Size() == 48*8
	})
	p.Stop()

	if capture.Mode() != dvr.ModeNormal {
		t.Errorf("capture mode after stop = %d", capture.Mode())
	}
	if err := p.Err(); err != nil {
		t.Errorf("pipeline error: %v", err)
	}

	idx, err := index.Open(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer idx.Close()
	if idx.Last() != 47 {
		t.Fatalf("Last() = %d, want 47", idx.Last())
	}
	for _, frame := range []int{0, 12, 24, 36} {
		if _, _, pt, _, _ := idx.Get(frame); pt != dvr.PictureI {
			t.Errorf("frame %d type = %v, want I", frame, pt)
		}
	}
	if _, _, pt, _, _ := idx.Get(47); pt == dvr.PictureI {
		t.Error("last frame is an I-frame")
	}

	// Exactly one segment, holding every frame byte in order.
	if _, err := os.Stat(filepath.Join(dir, "002.vdr")); !os.IsNotExist(err) {
		t.Error("unexpected second segment")
	}
	got, err := os.ReadFile(filepath.Join(dir, "001.vdr"))
	if err != nil {
		t.Fatal(err)
	}
	var want []byte
	for _, f := range script {
		want = append(want, f.data...)
	}
	if string(got) != string(want) {
		t.Errorf("segment content differs: %d bytes vs %d", len(got), len(want))
	}

	// Index maps every frame to the byte range it was written at.
	for i := 0; i < 48; i++ {
		number, offset, _, length, ok := idx.Get(i)
		if !ok || number != 1 {
			t.Fatalf("Get(%d) = number %d, ok %v", i, number, ok)
		}
		if offset != int32(i*8) {
			t.Errorf("frame %d offset = %d, want %d", i, offset, i*8)
		}
		if i < 47 && length != 8 {
			t.Errorf("frame %d length = %d, want 8", i, length)
		}
	}
}

func TestSegmentRollover(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "rec")
	capture := &fakeCapture{}
	script := gopScript(3, 1, 600) // GOP = I + P, 1200 bytes per GOP

	p, err := Start(Config{
		Dir:            dir,
		Capture:        capture,
		Remux:          &scriptedRemux{frames: script},
		MaxSegmentSize: 1024,
	})
	if err != nil {
		t.Fatal(err)
	}
	capture.feed(len(script))

	waitFor(t, "all frames recorded", func() bool {
		fi, err := os.Stat(filepath.Join(dir, index.FileName))
		return err == nil && fi.Size() == 6*8
	})
	p.Stop()

	for n := 1; n <= 3; n++ {
		fi, err := os.Stat(filepath.Join(dir, fmt.Sprintf("%03d.vdr", n)))
		if err != nil {
			t.Fatalf("segment %d missing: %v", n, err)
		}
		if fi.Size() != 1200 {
			t.Errorf("segment %d size = %d, want 1200", n, fi.Size())
		}
	}

	idx, err := index.Open(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer idx.Close()
	for i := 0; i <= idx.Last(); i++ {
		number, offset, pt, _, _ := idx.Get(i)
		if pt == dvr.PictureI {
			if offset != 0 {
				t.Errorf("I-frame %d at offset %d, want 0", i, offset)
			}
			if int(number) != i/2+1 {
				t.Errorf("I-frame %d in segment %d, want %d", i, number, i/2+1)
			}
		} else if offset != 600 {
			t.Errorf("P-frame %d at offset %d, want 600", i, offset)
		}
	}
}

func TestCaptureFailureStopsPipeline(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "rec")
	capture := &failingCapture{}
	p, err := Start(Config{Dir: dir, Capture: capture, Remux: &scriptedRemux{}})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "pipeline failure", func() bool { return !p.Active() })
	if p.Err() == nil {
		t.Error("no sticky error after capture failure")
	}
	p.Stop()
}

type failingCapture struct{}

func (failingCapture) Read(p []byte) (int, error) { return 0, os.ErrClosed }

func (failingCapture) SetMode(dvr.CaptureMode) error { return nil }

func (failingCapture) Close() error { return nil }
