// Package dvr defines the shared vocabulary of the recording engine: the
// picture type carried in index entries, the device interfaces the engine
// consumes, the engine's error kinds, and the recording limits that govern
// segment rollover.
package dvr

import (
	"context"
	"errors"
	"time"
)

// PictureType classifies a remuxed frame. I-frames are self-contained
// random-access points; trick modes step only between I-frames.
type PictureType uint8

// Picture types as encoded in index entries. PictureNone marks data that
// completed no picture and must never reach the index.
const (
	PictureNone PictureType = 0
	PictureI    PictureType = 1
	PictureP    PictureType = 2
	PictureB    PictureType = 3
)

func (t PictureType) String() string {
	switch t {
	case PictureI:
		return "I"
	case PictureP:
		return "P"
	case PictureB:
		return "B"
	}
	return "none"
}

// FramesPerSecond is the nominal frame rate of the recorded streams. All
// time arithmetic (skip, resume backup, timecodes) is in these units.
const FramesPerSecond = 25

// Recording limits.
const (
	// MaxSegmentSize is the soft maximum size of one segment file. A
	// segment may exceed it by up to one group of pictures, because
	// rollover waits for the next I-frame.
	MaxSegmentSize = 1024 * 1024 * 1024

	// MaxSegmentFiles bounds the NNN.vdr numbering.
	MaxSegmentFiles = 255

	// MinFreeDiskMB forces premature rollover when the recording disk
	// drops below this many megabytes free.
	MinFreeDiskMB = 512

	// DiskCheckInterval limits how often the recorder stats the disk.
	DiskCheckInterval = 100 * time.Second

	// MaxFrameSize bounds a single remuxed frame.
	MaxFrameSize = 192 * 1024

	// ResumeBackup is how many frames the saved resume point trails the
	// last frame handed to the decoder (10 seconds).
	ResumeBackup = 10 * FramesPerSecond

	// BrokenStreamTimeout is the capture watchdog: if no byte arrives for
	// this long the stream is considered dead and the process must exit.
	BrokenStreamTimeout = 30 * time.Second
)

// Engine error kinds. Pipeline internals wrap these; the facade and the
// control API match on them with errors.Is.
var (
	ErrCaptureStalled = errors.New("capture stalled")
	ErrWriteFailed    = errors.New("write failed")
	ErrReadFailed     = errors.New("read failed")
	ErrIndexCorrupt   = errors.New("index corrupt")
	ErrTooManyFiles   = errors.New("too many segment files")
	ErrNoMarks        = errors.New("no editing marks")
	ErrDiskLow        = errors.New("disk space low")
	ErrInvalidMode    = errors.New("invalid mode")
)

// Capture read conditions. A CaptureDevice distinguishes transient
// conditions from hard failures through these sentinels.
var (
	// ErrAgain means no data was available; the caller should retry.
	ErrAgain = errors.New("no data available")

	// ErrOverflow means the driver dropped data; recoverable.
	ErrOverflow = errors.New("capture buffer overflow")
)

// CaptureMode selects what the capture device delivers.
type CaptureMode int

// Capture modes handed to CaptureDevice.SetMode.
const (
	ModeNormal CaptureMode = iota
	ModeRecord
	ModeReplay
)

// CaptureDevice is a live byte source yielding MPEG transport stream data.
// Read follows the driver convention: it may return ErrAgain (retry) or
// ErrOverflow (data lost, keep reading); any other error is fatal to the
// stream.
type CaptureDevice interface {
	Read(p []byte) (int, error)
	SetMode(mode CaptureMode) error
	Close() error
}

// DecoderDevice is the playback sink. Write delivers program stream bytes;
// the control methods mirror the decoder driver's command set. Write may
// return ErrAgain when the decoder's buffer is full.
type DecoderDevice interface {
	Write(p []byte) (int, error)
	Play() error
	Freeze() error
	Continue() error
	SlowMotion(factor int) error
	ClearBuffer() error
	StillPicture(payload []byte) error
	SelectSource(live bool) error
	SetAVSync(on bool) error
	SetMute(on bool) error
}

// Remuxer turns transport stream bytes into program stream frames. Process
// consumes as much of in as it can, returning the number of bytes consumed,
// a borrowed slice of remuxed output valid until the next call, and the
// picture type of the frame just completed (PictureNone if the output
// carries no picture information). A nil output slice means more input is
// needed.
type Remuxer interface {
	Process(in []byte) (consumed int, out []byte, pt PictureType)
}

// EmergencyFunc is invoked when a pipeline detects an unrecoverable,
// process-fatal condition (the capture watchdog). The default panics.
type EmergencyFunc func(err error)

// EmergencyExit is the default EmergencyFunc.
func EmergencyExit(err error) {
	panic(err)
}

// Sleep pauses briefly without ignoring cancellation. It is the idle
// strategy pipeline threads use when a buffer would block.
func Sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
