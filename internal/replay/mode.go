package replay

// Kind is the replay pipeline's playback mode.
type Kind int

// Playback modes. FastForward and FastRewind combine with the paused flag
// to form slow motion and slow rewind.
const (
	Play Kind = iota
	Pause
	Still
	FastForward
	FastRewind
)

func (k Kind) String() string {
	switch k {
	case Play:
		return "play"
	case Pause:
		return "pause"
	case Still:
		return "still"
	case FastForward:
		return "fast-forward"
	case FastRewind:
		return "fast-rewind"
	}
	return "unknown"
}

// mode is the reified playback state: one kind plus the paused flag that
// turns the fast modes into their slow-motion variants.
type mode struct {
	kind   Kind
	paused bool
}

// iframeStepping reports whether the input thread steps between I-frames
// instead of reading every frame: fast forward (but not slow forward,
// which plays every frame under decoder slow motion) and any rewind.
func (m mode) iframeStepping() (stepping, forward bool) {
	switch m.kind {
	case FastForward:
		return !m.paused, true
	case FastRewind:
		return true, false
	}
	return false, false
}

// trick reports whether a fast mode is active, which forces all audio
// packets to be zeroed on output.
func (m mode) trick() bool {
	return m.kind == FastForward || m.kind == FastRewind
}

// slowRewind reports the paused-rewind state in which each I-frame is
// written repeatedly to match forward slow motion's effective rate.
func (m mode) slowRewind() bool {
	return m.kind == FastRewind && m.paused
}

// isPaused reports whether playback is suspended in any form.
func (m mode) isPaused() bool {
	return m.kind == Pause || m.kind == Still || m.paused
}
