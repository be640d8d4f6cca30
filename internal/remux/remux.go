// Package remux turns a live MPEG transport stream into the program
// stream frames the recorder writes to disk. It reassembles the selected
// PIDs' elementary streams, cuts the video at picture boundaries, tags
// each emitted frame with its I/P/B picture type, and repacketizes
// everything as PS packets with canonical stream ids (video 0xE0, audio
// 0xC0/0xC1, Dolby 0xBD).
package remux

import (
	"github.com/arvek/dvrd/internal/dvr"
)

// PS packets are emitted with at most this much payload, so the 16-bit
// PES length field always fits and decoders see familiar 2 KiB packets.
const maxPacketPayload = 2028

// Start-code suffixes the video splitter cuts on.
const (
	scPicture  = 0x00
	scSequence = 0xB3
	scGOP      = 0xB8
)

type emission struct {
	data []byte
	pt   dvr.PictureType
}

// Remux consumes transport stream bytes for one program and yields
// program stream frames. It implements dvr.Remuxer.
type Remux struct {
	vpid, apid1, apid2 uint16
	dpid               uint16

	video videoSplitter
	audio map[uint16]*audioTrack

	queue []emission
}

type audioTrack struct {
	asm      pesAssembler
	streamID byte
}

// New creates a remultiplexer for the given PIDs. apid2 and dpid may be 0
// when the program has no second audio track or Dolby stream.
func New(vpid, apid1, apid2, dpid uint16) *Remux {
	r := &Remux{
		vpid:  vpid,
		apid1: apid1,
		apid2: apid2,
		dpid:  dpid,
		audio: make(map[uint16]*audioTrack),
	}
	if apid1 != 0 {
		r.audio[apid1] = &audioTrack{streamID: 0xC0}
	}
	if apid2 != 0 {
		r.audio[apid2] = &audioTrack{streamID: 0xC1}
	}
	if dpid != 0 {
		r.audio[dpid] = &audioTrack{streamID: 0xBD}
	}
	return r
}

// SetAudioPID switches the primary audio track to a new PID, dropping any
// partial packet of the old one. Used by the live transfer pipeline when
// the audio track is toggled.
func (r *Remux) SetAudioPID(apid uint16) {
	delete(r.audio, r.apid1)
	r.apid1 = apid
	if apid != 0 {
		r.audio[apid] = &audioTrack{streamID: 0xC0}
	}
}

// Process consumes whole transport packets from in and returns the next
// completed program stream frame together with its picture type
// (PictureNone for audio-only output). The returned slice is owned by the
// caller. A nil output with consumed == len(in) means more input is
// needed.
func (r *Remux) Process(in []byte) (consumed int, out []byte, pt dvr.PictureType) {
	if len(r.queue) > 0 {
		e := r.queue[0]
		r.queue = r.queue[1:]
		return 0, e.data, e.pt
	}
	for consumed+packetSize <= len(in) {
		if in[consumed] != syncByte {
			// Resync byte-by-byte on corrupted input.
			consumed++
			continue
		}
		p, ok := parsePacket(in[consumed : consumed+packetSize])
		consumed += packetSize
		if !ok {
			continue
		}
		r.route(p)
		if len(r.queue) > 0 {
			e := r.queue[0]
			r.queue = r.queue[1:]
			return consumed, e.data, e.pt
		}
	}
	return consumed, nil, dvr.PictureNone
}

func (r *Remux) route(p tsPacket) {
	switch {
	case p.pid == r.vpid:
		for _, e := range r.video.add(p) {
			r.queue = append(r.queue, e)
		}
	default:
		track, ok := r.audio[p.pid]
		if !ok {
			return
		}
		if pes := track.asm.add(p); pes != nil {
			if ps := repacketizeAudio(pes, track.streamID); ps != nil {
				r.queue = append(r.queue, emission{data: ps, pt: dvr.PictureNone})
			}
		}
	}
}

// repacketizeAudio rewrites a complete audio PES packet with its canonical
// PS stream id. Packets without a length field are dropped (audio PES on
// DVB always carries one).
func repacketizeAudio(pes []byte, streamID byte) []byte {
	if len(pes) < 6 || pes[0] != 0 || pes[1] != 0 || pes[2] != 1 {
		return nil
	}
	length := int(pes[4])<<8 | int(pes[5])
	if length == 0 || 6+length > len(pes) {
		return nil
	}
	out := make([]byte, 6+length)
	copy(out, pes[:6+length])
	out[3] = streamID
	return out
}

// videoSplitter accumulates the video elementary stream and cuts it into
// frames at picture boundaries. Sequence and GOP headers between pictures
// are attached to the picture that follows them, so every emitted I-frame
// is a self-contained random-access point.
type videoSplitter struct {
	asm pesAssembler
	es  []byte

	started     bool
	frameStart  int // start of the current picture's data, -1 before the first
	framePT     dvr.PictureType
	headerStart int // candidate cut point at a sequence/GOP header, -1 if none
	scan        int // next scan position in es
	pts         int64
	hasPTS      bool
}

func (v *videoSplitter) add(p tsPacket) []emission {
	pes := v.asm.add(p)
	if pes == nil {
		return nil
	}
	if !v.started {
		v.started = true
		v.frameStart = -1
		v.headerStart = -1
	}
	if pts, ok := pesPTS(pes); ok && !v.hasPTS {
		v.pts, v.hasPTS = pts, true
	}
	payload := pesPayload(pes)
	if payload == nil {
		return nil
	}
	v.es = append(v.es, payload...)
	return v.emitComplete()
}

func (v *videoSplitter) emitComplete() []emission {
	var out []emission
	for v.scan+5 < len(v.es) {
		if v.es[v.scan] != 0 || v.es[v.scan+1] != 0 || v.es[v.scan+2] != 1 {
			v.scan++
			continue
		}
		code := v.es[v.scan+3]
		switch code {
		case scSequence, scGOP:
			if v.headerStart < 0 {
				v.headerStart = v.scan
			}
		case scPicture:
			pt := dvr.PictureType(v.es[v.scan+5] >> 3 & 0x07)
			if pt < dvr.PictureI || pt > dvr.PictureB {
				pt = dvr.PictureNone
			}
			cut := v.scan
			if v.headerStart >= 0 {
				cut = v.headerStart
			}
			if v.frameStart >= 0 && cut > v.frameStart {
				out = append(out, v.emitFrame(v.es[v.frameStart:cut], v.framePT))
			}
			v.frameStart = cut
			v.framePT = pt
			v.headerStart = -1
		}
		v.scan += 4
	}
	if len(out) > 0 {
		v.compact()
	}
	return out
}

// compact discards emitted bytes so the ES buffer does not grow without
// bound across a long recording.
func (v *videoSplitter) compact() {
	if v.frameStart <= 0 {
		return
	}
	n := v.frameStart
	v.es = append(v.es[:0], v.es[n:]...)
	v.frameStart = 0
	v.scan -= n
	if v.headerStart >= 0 {
		v.headerStart -= n
	}
}

// emitFrame wraps one picture's elementary stream bytes into PS video
// packets. The first packet of the frame carries the stream's current PTS.
func (v *videoSplitter) emitFrame(es []byte, pt dvr.PictureType) emission {
	var out []byte
	first := true
	for len(es) > 0 {
		n := len(es)
		if n > maxPacketPayload {
			n = maxPacketPayload
		}
		out = append(out, packVideo(es[:n], v.pts, first && v.hasPTS)...)
		es = es[n:]
		first = false
	}
	v.hasPTS = false
	return emission{data: out, pt: pt}
}

// packVideo builds one PS video packet (stream id 0xE0) around chunk.
func packVideo(chunk []byte, pts int64, withPTS bool) []byte {
	headerData := 0
	flags := byte(0x00)
	if withPTS {
		headerData = 5
		flags = 0x80
	}
	length := 3 + headerData + len(chunk)
	pkt := make([]byte, 0, 6+length)
	pkt = append(pkt, 0x00, 0x00, 0x01, 0xE0, byte(length>>8), byte(length))
	pkt = append(pkt, 0x80, flags, byte(headerData))
	if withPTS {
		pkt = append(pkt,
			0x21|byte(pts>>29)&0x0E,
			byte(pts>>22),
			0x01|byte(pts>>14)&0xFE,
			byte(pts>>7),
			0x01|byte(pts<<1))
	}
	return append(pkt, chunk...)
}
