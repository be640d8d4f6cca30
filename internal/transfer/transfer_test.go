package transfer

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/arvek/dvrd/internal/dvr"
)

type fakeCapture struct {
	mu      sync.Mutex
	pending []byte
	mode    dvr.CaptureMode
}

func (c *fakeCapture) feed(b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(c.pending, b...)
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

type fakeDecoder struct {
	mu   sync.Mutex
	data bytes.Buffer
}

func (d *fakeDecoder) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.data.Write(p)
	return len(p), nil
}

func (d *fakeDecoder) size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.data.Len()
}

func (d *fakeDecoder) Play() error { return nil }
func (d *fakeDecoder) Freeze() error { return nil }
func (d *fakeDecoder) Continue() error { return nil }
func (d *fakeDecoder) SlowMotion(int) error { return nil }
func (d *fakeDecoder) ClearBuffer() error { return nil }
func (d *fakeDecoder) StillPicture([]byte) error { return nil }
func (d *fakeDecoder) SelectSource(bool) error { return nil }
func (d *fakeDecoder) SetAVSync(bool) error { return nil }
func (d *fakeDecoder) SetMute(bool) error { return nil }

// passthroughRemux hands input bytes straight through.
type passthroughRemux struct {
	mu    sync.Mutex
	apid  uint16
	swaps int
}

func (r *passthroughRemux) Process(in []byte) (int, []byte, dvr.PictureType) {
	if len(in) == 0 {
		return 0, nil, dvr.PictureNone
	}
	out := make([]byte, len(in))
	copy(out, in)
	return len(in), out, dvr.PictureNone
}

func (r *passthroughRemux) SetAudioPID(apid uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.apid = apid
	r.swaps++
}

func TestTransferFlow(t *testing.T) {
	capture := &fakeCapture{}
	decoder := &fakeDecoder{}
	p, err := Start(Config{Capture: capture, Decoder: decoder, Remux: &passthroughRemux{}})
	if err != nil {
		t.Fatal(err)
	}

	// The output holds back until the priming reserve has accumulated.
	payload := make([]byte, bufferReserve+4096)
	for i := range payload {
		payload[i] = byte(i)
	}
	capture.feed(payload)

	deadline := time.Now().Add(5 * time.Second)
	for decoder.size() < bufferReserve {
		if time.Now().After(deadline) {
			t.Fatal("decoder never received the transferred bytes")
		}
		time.Sleep(5 * time.Millisecond)
	}
	p.Stop()

	capture.mu.Lock()
	mode := capture.mode
	capture.mu.Unlock()
	if mode != dvr.ModeNormal {
		t.Errorf("capture mode after stop = %d", mode)
	}
	if !bytes.HasPrefix(payload, decoder.data.Bytes()[:bufferReserve]) {
		t.Error("transferred bytes arrived out of order")
	}
	if err := p.Err(); err != nil {
		t.Errorf("pipeline error: %v", err)
	}
}

func TestSetAudioPIDClearsAndSwaps(t *testing.T) {
	capture := &fakeCapture{}
	decoder := &fakeDecoder{}
	rmx := &passthroughRemux{}
	p, err := Start(Config{Capture: capture, Decoder: decoder, Remux: rmx})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Stop()

	p.SetAudioPID(0x202)

	rmx.mu.Lock()
	apid, swaps := rmx.apid, rmx.swaps
	rmx.mu.Unlock()
	if apid != 0x202 || swaps != 1 {
		t.Errorf("remux apid = %#x, swaps = %d", apid, swaps)
	}
}
