package replay

// Audio packet policy: the decoder gets exactly one audio stream.
//
// The replay output scans the program stream for PES packets
// (00 00 01 <id> <len16>). Video packets pass through. Dolby
// private-stream packets are zeroed before the decoder sees them,
// optionally teeing their payload to the external audio command first.
// The non-selected MPEG audio stream is zeroed in place; with except == 0
// (trick modes, still pictures) every audio packet is zeroed.
//
// Sighting a 0xC1 packet at any time makes the audio track toggleable.

const (
	idDolby      = 0xBD
	idAudioFirst = 0xC0
	idAudioAlt   = 0xC1
	idVideoLow   = 0xE0
	idVideoHigh  = 0xEF
)

func (p *Pipeline) stripAudioPackets(b []byte, except byte) {
	if p.idx == nil {
		// Index-less replay hands out opaque byte runs that need not be
		// packet-aligned; leave them untouched.
		return
	}
	for i := 0; i < len(b)-6; i++ {
		if b[i] != 0x00 || b[i+1] != 0x00 || b[i+2] != 0x01 {
			continue
		}
		id := b[i+3]
		l := int(b[i+4])<<8 + int(b[i+5]) + 6
		switch {
		case id == idDolby:
			if except != 0 && p.audioTap != nil {
				p.tapDolby(b, i, l)
			}
			// Zeroed either way: Dolby data disturbs the decoder.
			zero(b, i, l)
		case id == idAudioFirst || id == idAudioAlt:
			if id == idAudioAlt {
				p.canToggleAudio.Store(true)
			}
			if except == 0 || id != except {
				zero(b, i, l)
			}
		case id >= idVideoLow && id <= idVideoHigh:
			// Video passes through.
		default:
			// Unknown stream id: resync from the next byte rather than
			// trusting the length field.
			l = 0
		}
		if l > 0 {
			i += l - 1 // the loop increments, too
		}
	}
}

// tapDolby writes the packet's payload, past the PES header, to the
// external audio command.
func (p *Pipeline) tapDolby(b []byte, i, l int) {
	if i+9 > len(b) {
		return
	}
	start := i + int(b[i+8]) + 9
	end := i + l
	if end > len(b) {
		end = len(b)
	}
	if start >= end {
		return
	}
	if _, err := p.audioTap.Write(b[start:end]); err != nil {
		p.log.Warn("audio command write failed", "error", err)
	}
}

// zero clears l bytes of b starting at i, bounded by the buffer.
func zero(b []byte, i, l int) {
	for j := i; j < len(b) && l > 0; j++ {
		b[j] = 0x00
		l--
	}
}
