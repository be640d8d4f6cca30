package remux

import (
	"bytes"
	"testing"

	"github.com/arvek/dvrd/internal/dvr"
)

const (
	testVPID = 0x100
	testAPID = 0x101
)

// pesVideo wraps es in a video PES packet with an unbounded length field.
func pesVideo(es []byte) []byte {
	pes := []byte{0x00, 0x00, 0x01, 0xE0, 0x00, 0x00, 0x80, 0x00, 0x00}
	return append(pes, es...)
}

// pesAudio wraps payload in an audio PES packet with its length set.
func pesAudio(streamID byte, payload []byte) []byte {
	length := 3 + len(payload)
	pes := []byte{0x00, 0x00, 0x01, streamID, byte(length >> 8), byte(length), 0x80, 0x00, 0x00}
	return append(pes, payload...)
}

// picture builds an MPEG-2 picture header plus filler for one frame.
func picture(pt dvr.PictureType, fill int) []byte {
	es := []byte{0x00, 0x00, 0x01, 0x00, 0x00, byte(pt) << 3}
	for i := 0; i < fill; i++ {
		es = append(es, byte(i))
	}
	return es
}

var seqHeader = []byte{0x00, 0x00, 0x01, 0xB3, 0x12, 0x00, 0xC4}

// packetize splits one PES packet into transport packets for pid.
func packetize(pid uint16, cc *uint8, pes []byte) []byte {
	var out []byte
	first := true
	for len(pes) > 0 || first {
		n := len(pes)
		if n > packetSize-4 {
			n = packetSize - 4
		}
		pkt := make([]byte, packetSize)
		pkt[0] = syncByte
		pkt[1] = byte(pid >> 8 & 0x1F)
		if first {
			pkt[1] |= 0x40
		}
		pkt[2] = byte(pid)
		pkt[3] = 0x10 | *cc&0x0F
		copy(pkt[4:], pes[:n])
		for i := 4 + n; i < packetSize; i++ {
			pkt[i] = 0xFF
		}
		out = append(out, pkt...)
		pes = pes[n:]
		*cc++
		first = false
	}
	return out
}

// drain runs Process over the whole input and collects the emissions.
func drain(t *testing.T, r *Remux, ts []byte) (frames [][]byte, types []dvr.PictureType) {
	t.Helper()
	for len(ts) > 0 {
		consumed, out, pt := r.Process(ts)
		if out != nil {
			frames = append(frames, out)
			types = append(types, pt)
		}
		ts = ts[consumed:]
		if consumed == 0 && out == nil {
			break
		}
	}
	// Flush emissions queued behind the last consumed packet.
	for {
		consumed, out, pt := r.Process(nil)
		if out == nil && consumed == 0 {
			break
		}
		if out != nil {
			frames = append(frames, out)
			types = append(types, pt)
		}
	}
	return frames, types
}

func TestVideoPictureSplit(t *testing.T) {
	r := New(testVPID, testAPID, 0, 0)
	var cc uint8

	var ts []byte
	ts = append(ts, packetize(testVPID, &cc, pesVideo(append(append([]byte{}, seqHeader...), picture(dvr.PictureI, 300)...)))...)
	ts = append(ts, packetize(testVPID, &cc, pesVideo(picture(dvr.PictureP, 200)))...)
	ts = append(ts, packetize(testVPID, &cc, pesVideo(picture(dvr.PictureB, 100)))...)
	ts = append(ts, packetize(testVPID, &cc, pesVideo(picture(dvr.PictureI, 50)))...)
	ts = append(ts, packetize(testVPID, &cc, pesVideo(picture(dvr.PictureP, 50)))...)

	frames, types := drain(t, r, ts)
	// The tail stays pending: one picture in the PES assembler, one
	// awaiting its successor's start code.
	if len(frames) != 3 {
		t.Fatalf("emitted %d frames, want 3", len(frames))
	}
	want := []dvr.PictureType{dvr.PictureI, dvr.PictureP, dvr.PictureB}
	for i, pt := range want {
		if types[i] != pt {
			t.Errorf("frame %d type = %v, want %v", i, types[i], pt)
		}
	}

	// Every frame is a run of PS video packets.
	for i, f := range frames {
		if len(f) < 9 || f[0] != 0 || f[1] != 0 || f[2] != 1 || f[3] != 0xE0 {
			t.Errorf("frame %d does not start with a video PS packet: % X", i, f[:6])
		}
	}

	// The I-frame carries the sequence header that preceded its picture
	// start code.
	if !bytes.Contains(frames[0], seqHeader) {
		t.Error("sequence header missing from the I-frame payload")
	}
}

func TestAudioRepacketized(t *testing.T) {
	r := New(testVPID, testAPID, 0, 0)
	var cc uint8

	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	ts := packetize(testAPID, &cc, pesAudio(0xC3, payload))
	// A second packet flushes the first.
	ts = append(ts, packetize(testAPID, &cc, pesAudio(0xC3, payload))...)

	frames, types := drain(t, r, ts)
	if len(frames) != 1 {
		t.Fatalf("emitted %d audio frames, want 1", len(frames))
	}
	if types[0] != dvr.PictureNone {
		t.Errorf("audio frame type = %v, want none", types[0])
	}
	out := frames[0]
	if out[3] != 0xC0 {
		t.Errorf("audio stream id = %#x, want 0xC0 (canonical)", out[3])
	}
	if !bytes.HasSuffix(out, payload) {
		t.Error("audio payload not preserved")
	}
}

func TestSecondAudioTrackMapsToC1(t *testing.T) {
	r := New(testVPID, testAPID, 0x102, 0)
	var cc uint8
	ts := packetize(0x102, &cc, pesAudio(0xC4, []byte{1, 2, 3}))
	ts = append(ts, packetize(0x102, &cc, pesAudio(0xC4, []byte{1, 2, 3}))...)

	frames, _ := drain(t, r, ts)
	if len(frames) != 1 {
		t.Fatalf("second audio track frames = %d, want 1", len(frames))
	}
	if frames[0][3] != 0xC1 {
		t.Errorf("second audio track stream id = %#x, want 0xC1", frames[0][3])
	}
}

func TestResyncOnGarbage(t *testing.T) {
	r := New(testVPID, testAPID, 0, 0)
	var cc uint8

	ts := []byte{0x12, 0x34, 0x56} // leading garbage
	ts = append(ts, packetize(testVPID, &cc, pesVideo(append(append([]byte{}, seqHeader...), picture(dvr.PictureI, 40)...)))...)
	ts = append(ts, packetize(testVPID, &cc, pesVideo(picture(dvr.PictureP, 40)))...)
	ts = append(ts, packetize(testVPID, &cc, pesVideo(picture(dvr.PictureP, 40)))...)
	ts = append(ts, packetize(testVPID, &cc, pesVideo(picture(dvr.PictureP, 40)))...)

	frames, types := drain(t, r, ts)
	if len(frames) != 2 || types[0] != dvr.PictureI {
		t.Fatalf("frames after resync = %d, first type %v", len(frames), types)
	}
}

func TestDuplicatePacketDropped(t *testing.T) {
	r := New(testVPID, testAPID, 0, 0)
	var cc uint8

	first := packetize(testVPID, &cc, pesVideo(append(append([]byte{}, seqHeader...), picture(dvr.PictureI, 40)...)))
	// Replay the same packet (same continuity counter) before moving on.
	dup := append(append([]byte{}, first...), first...)
	dup = append(dup, packetize(testVPID, &cc, pesVideo(picture(dvr.PictureP, 40)))...)
	dup = append(dup, packetize(testVPID, &cc, pesVideo(picture(dvr.PictureP, 40)))...)
	dup = append(dup, packetize(testVPID, &cc, pesVideo(picture(dvr.PictureP, 40)))...)

	frames, _ := drain(t, r, dup)
	if len(frames) != 2 {
		t.Fatalf("frames with duplicate packet = %d, want 2", len(frames))
	}
	// The duplicate must not have doubled the I-frame's payload.
	if n := bytes.Count(frames[0], seqHeader); n != 1 {
		t.Errorf("sequence header appears %d times in the I-frame", n)
	}
}
