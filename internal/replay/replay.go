// Package replay implements the playback pipeline: an index-driven reader
// filling a frame ring, and a writer feeding the decoder device, with the
// trick-mode state machine coordinating the two.
package replay

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arvek/dvrd/internal/dvr"
	"github.com/arvek/dvrd/internal/fileset"
	"github.com/arvek/dvrd/internal/index"
	"github.com/arvek/dvrd/internal/metrics"
	"github.com/arvek/dvrd/internal/ring"
	"github.com/arvek/dvrd/internal/timecode"
)

// ringSize bounds the frame ring between reader and decoder writer.
const ringSize = 1024 * 1024

// joinTimeout bounds how long Stop waits for the pipeline goroutines.
const joinTimeout = 3 * time.Second

// forwardCompensation is subtracted from the read position when fast
// forward is left, roughly cancelling the frames already buffered ahead.
const forwardCompensation = 150

// slowRewindRepeat is how many times each I-frame is written in paused
// rewind, matching forward slow motion's effective frame rate.
const slowRewindRepeat = 24

// Config carries everything a replay needs.
type Config struct {
	Dir     string
	Decoder dvr.DecoderDevice
	Log     *slog.Logger
	Metrics *metrics.Metrics

	// AudioTap receives the payload of Dolby private-stream packets
	// (PES header stripped) when set; typically the stdin of an external
	// audio command.
	AudioTap io.Writer

	// TailGuard overrides the index's forward-search guard: 0 keeps the
	// default, negative disables it (sealed recordings, tests).
	TailGuard int
}

// Pipeline is one active replay session.
type Pipeline struct {
	log      *slog.Logger
	decoder  dvr.DecoderDevice
	idx      *index.Index // nil replays the stream as opaque bytes
	files    *fileset.FileSet
	frames   *ring.Frames
	metrics  *metrics.Metrics
	audioTap io.Writer
	dir      string

	busy   atomic.Bool
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex // guards mode and transition sequences
	mode mode

	readIndex  atomic.Int64 // last frame fetched by the reader
	writeIndex atomic.Int64 // last frame handed to the decoder

	audioTrack     atomic.Uint32 // selected PS audio stream id
	canToggleAudio atomic.Bool
}

// Start opens the recording read-only and launches the pipeline. A
// missing index is tolerated: the stream replays as opaque bytes with
// trick modes disabled.
func Start(cfg Config) (*Pipeline, error) {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "replay", "dir", cfg.Dir)

	files := fileset.New(cfg.Dir, fileset.Read, log)
	if _, err := files.Open(1, 0); err != nil {
		return nil, err
	}
	idx, err := index.Open(cfg.Dir, log)
	if err != nil {
		if !index.IsNotExist(err) {
			files.Close()
			return nil, err
		}
		log.Info("no index file, replaying without trick modes")
		idx = nil
	}
	if idx != nil {
		if cfg.TailGuard < 0 {
			idx.TailGuard = 0
		} else if cfg.TailGuard > 0 {
			idx.TailGuard = cfg.TailGuard
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		log:      log,
		decoder:  cfg.Decoder,
		idx:      idx,
		files:    files,
		frames:   ring.NewFrames(ringSize),
		metrics:  cfg.Metrics,
		audioTap: cfg.AudioTap,
		dir:      cfg.Dir,
		cancel:   cancel,
	}
	p.readIndex.Store(-1)
	p.writeIndex.Store(-1)
	p.audioTrack.Store(0xC0)
	if err := p.decoder.SelectSource(false); err != nil {
		files.Close()
		if idx != nil {
			idx.Close()
		}
		cancel()
		return nil, fmt.Errorf("decoder source: %w", err)
	}
	p.busy.Store(true)
	p.wg.Add(2)
	go p.input(ctx)
	go p.output(ctx)
	log.Info("replay started")
	return p, nil
}

// Dir returns the recording directory being replayed.
func (p *Pipeline) Dir() string { return p.dir }

// Active reports whether the pipeline goroutines are still running.
func (p *Pipeline) Active() bool { return p.busy.Load() }

// Mode returns the current playback mode.
func (p *Pipeline) Mode() (Kind, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode.kind, p.mode.paused
}

// CanToggleAudioTrack reports whether a second audio track has been seen.
func (p *Pipeline) CanToggleAudioTrack() bool {
	return p.canToggleAudio.Load()
}

// Stop halts both goroutines, saves the resume pointer and closes the
// recording. The decoder is left to the facade to re-point at the live
// source.
func (p *Pipeline) Stop() {
	p.busy.Store(false)
	p.cancel()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(joinTimeout):
		p.log.Error("replay threads did not stop in time, abandoning")
	}
	p.saveResume()
	p.files.Close()
	if p.idx != nil {
		p.idx.Close()
	}
	p.log.Info("replay stopped")
}

// input is the reader goroutine: it resumes at the saved position, then
// fetches frames according to the current mode and publishes them to the
// frame ring.
func (p *Pipeline) input(ctx context.Context) {
	defer p.wg.Done()
	defer p.frames.ProducerDone()
	p.log.Debug("input thread started")
	p.loadResume()

	buf := make([]byte, dvr.MaxFrameSize)
	for p.busy.Load() {
		if p.frames.Blocked() {
			p.frames.AckProducer()
			dvr.Sleep(ctx, time.Millisecond)
			continue
		}
		p.mu.Lock()
		m := p.mode
		p.mu.Unlock()
		if m.kind == Still {
			dvr.Sleep(ctx, time.Millisecond)
			continue
		}

		var r int
		readIndex := int(p.readIndex.Load())
		if stepping, forward := m.iframeStepping(); stepping && p.idx != nil {
			iframe, number, offset, length, ok := p.idx.NextIFrame(readIndex, forward)
			if !ok {
				// Ran out of I-frames: fall back to normal play. The
				// reader is quiescent while it makes this transition
				// itself, so acknowledge up front.
				p.frames.AckProducer()
				p.Play()
				continue
			}
			if _, err := p.files.Open(int(number), int64(offset)); err != nil {
				p.log.Error("segment open failed", "error", err)
				break
			}
			readIndex = iframe
			r = p.readFrame(buf, length)
		} else if p.idx != nil {
			readIndex++
			number, offset, _, length, ok := p.idx.Get(readIndex)
			if !ok {
				break // end of recording
			}
			if _, err := p.files.Open(int(number), int64(offset)); err != nil {
				p.log.Error("segment open failed", "error", err)
				break
			}
			r = p.readFrame(buf, length)
		} else {
			// No index: replay the segments as opaque bytes.
			readIndex = -1
			var err error
			r, err = p.files.File().Read(buf)
			if r == 0 || err == io.EOF {
				if _, err := p.files.Next(); err != nil {
					break
				}
				continue
			} else if err != nil {
				p.log.Error("segment read failed", "file", p.files.Name(), "error", err)
				break
			}
		}
		if r < 0 {
			break
		}
		if r == 0 {
			dvr.Sleep(ctx, time.Millisecond)
			continue
		}
		p.readIndex.Store(int64(readIndex))
		frame := ring.NewFrame(buf[:r], readIndex)
		for p.busy.Load() && !p.frames.Blocked() && !p.frames.Put(frame) {
			dvr.Sleep(ctx, time.Millisecond)
		}
	}
	p.log.Debug("input thread ended")
}

// readFrame reads one frame from the current segment. length -1 means
// "read to end of file", tolerating a damaged tail.
func (p *Pipeline) readFrame(buf []byte, length int32) int {
	max := int32(len(buf))
	if length == -1 {
		length = max
	} else if length > max {
		p.log.Error("frame larger than buffer", "length", length, "max", max)
		length = max
	}
	n, err := p.files.File().Read(buf[:length])
	if err != nil && err != io.EOF {
		p.log.Error("frame read failed", "file", p.files.Name(), "error", err)
		return -1
	}
	return n
}

// output is the writer goroutine: it drains the frame ring into the
// decoder device, applying the audio packet policy on the way.
func (p *Pipeline) output(ctx context.Context) {
	defer p.wg.Done()
	defer p.frames.ConsumerDone()
	p.log.Debug("output thread started")
	for p.busy.Load() {
		if p.frames.Blocked() {
			p.frames.AckConsumer()
			dvr.Sleep(ctx, time.Millisecond)
			continue
		}
		frame := p.frames.Get()
		if frame == nil {
			dvr.Sleep(ctx, time.Millisecond)
			continue
		}
		p.mu.Lock()
		m := p.mode
		p.mu.Unlock()
		except := byte(p.audioTrack.Load())
		if m.trick() {
			except = 0
		}
		data := frame.Data()
		p.stripAudioPackets(data, except)

		repeat := 1
		if m.slowRewind() {
			repeat = slowRewindRepeat
		}
		for i := 0; i < repeat; i++ {
			if !p.writeToDecoder(ctx, data) {
				p.frames.Drop(frame)
				p.log.Debug("output thread ended")
				return
			}
			p.writeIndex.Store(int64(frame.Index()))
		}
		p.metrics.IncFramesReplayed()
		p.frames.Drop(frame)
	}
	p.log.Debug("output thread ended")
}

// writeToDecoder writes the whole payload, yielding while the decoder
// blocks. It reports false on a hard decoder failure.
func (p *Pipeline) writeToDecoder(ctx context.Context, data []byte) bool {
	for len(data) > 0 && p.busy.Load() && !p.frames.Blocked() {
		w, err := p.decoder.Write(data)
		if w > 0 {
			p.metrics.AddBytesReplayed(w)
			data = data[w:]
			continue
		}
		if err != nil && err != dvr.ErrAgain {
			p.log.Error("decoder write failed", "error", err)
			p.busy.Store(false)
			return false
		}
		dvr.Sleep(ctx, time.Millisecond)
	}
	return true
}

// empty quiesces both goroutines, discards all in-flight frames and
// resets the read position to the last frame the decoder actually got.
// The caller holds the pipeline's mode lock and must call release after
// issuing its decoder commands.
func (p *Pipeline) empty() {
	p.frames.Block()
	p.readIndex.Store(p.writeIndex.Load())
	p.frames.Clear()
	if err := p.decoder.ClearBuffer(); err != nil {
		p.log.Warn("decoder clear failed", "error", err)
	}
}

func (p *Pipeline) release() {
	p.frames.Release()
}

// check logs a decoder command failure without interrupting a transition.
func (p *Pipeline) check(err error) {
	if err != nil {
		p.log.Warn("decoder command failed", "error", err)
	}
}

// Pause toggles pause. Leaving a fast mode purges the pipeline so the
// direction flip is clean.
func (p *Pipeline) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	pausing := !p.mode.isPaused() || p.mode.kind == Still
	needEmpty := p.mode.trick()
	if needEmpty {
		p.empty()
	}
	if pausing {
		p.mode = mode{kind: Pause}
		p.check(p.decoder.Freeze())
		p.check(p.decoder.SetMute(true))
	} else {
		p.mode = mode{kind: Play}
		p.check(p.decoder.Continue())
		p.check(p.decoder.SetMute(false))
	}
	if needEmpty {
		p.release()
	}
}

// Play returns to normal playback from any mode.
func (p *Pipeline) Play() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mode.kind == Play {
		return
	}
	wasPaused := p.mode.isPaused()
	needEmpty := !wasPaused || p.mode.kind == FastRewind
	if needEmpty {
		p.empty()
	}
	if wasPaused {
		p.check(p.decoder.Continue())
	} else {
		p.check(p.decoder.Play())
	}
	p.check(p.decoder.SetAVSync(true))
	p.check(p.decoder.SetMute(false))
	if needEmpty {
		p.release()
	}
	p.mode = mode{kind: Play}
}

// Forward toggles fast forward; while paused it becomes slow motion.
// Entering purges the buffer only when coming from a paused state or from
// rewind; from normal play the buffered frames keep flowing, which avoids
// audio glitches. Leaving normal-speed fast forward always purges.
func (p *Pipeline) Forward() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.idx == nil && !p.mode.isPaused() {
		return // trick modes need an index
	}
	paused := p.mode.paused || p.mode.kind == Pause || p.mode.kind == Still
	entering := p.mode.kind != FastForward
	needEmpty := !paused
	if entering {
		needEmpty = paused || p.mode.kind == FastRewind
	}
	if needEmpty {
		p.empty()
		if !entering {
			// Leaving fast forward: pull back to roughly where the
			// viewer actually is, not where the reader ran ahead to.
			ri := p.readIndex.Load() - forwardCompensation
			if ri < 0 {
				ri = 0
			}
			p.readIndex.Store(ri)
		}
	}
	if entering {
		p.mode = mode{kind: FastForward, paused: paused}
	} else if paused {
		p.mode = mode{kind: Pause}
	} else {
		p.mode = mode{kind: Play}
	}
	if paused {
		if entering {
			p.check(p.decoder.SlowMotion(2))
		} else {
			p.check(p.decoder.Freeze())
		}
	}
	p.check(p.decoder.SetAVSync(!entering))
	p.check(p.decoder.SetMute(entering || paused))
	if needEmpty {
		p.release()
	}
}

// Backward toggles fast rewind; while paused it becomes slow rewind. The
// direction always flips, so the pipeline is always purged.
func (p *Pipeline) Backward() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.idx == nil {
		return
	}
	paused := p.mode.paused || p.mode.kind == Pause || p.mode.kind == Still
	entering := p.mode.kind != FastRewind
	p.empty()
	if entering {
		p.mode = mode{kind: FastRewind, paused: paused}
	} else if paused {
		p.mode = mode{kind: Pause}
	} else {
		p.mode = mode{kind: Play}
	}
	if paused {
		if entering {
			p.check(p.decoder.Continue())
		} else {
			p.check(p.decoder.Freeze())
		}
	}
	p.check(p.decoder.SetAVSync(!entering))
	p.check(p.decoder.SetMute(entering || paused))
	p.release()
}

// ToggleAudioTrack switches between the two PS audio streams once a
// second one has been observed.
func (p *Pipeline) ToggleAudioTrack() {
	if !p.canToggleAudio.Load() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.audioTrack.Load() == 0xC0 {
		p.audioTrack.Store(0xC1)
	} else {
		p.audioTrack.Store(0xC0)
	}
	p.empty()
	p.release()
}

// Goto positions playback at the I-frame at or before frame. With still
// set, that one frame is pushed to the decoder as a still picture and
// playback pauses on it.
func (p *Pipeline) Goto(frame int, still bool) {
	if p.idx == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.empty()
	if p.mode.isPaused() {
		p.check(p.decoder.Continue())
	}
	if frame+1 <= 0 {
		frame = 0 // search from 1 so the backward snap can land on 0
	}
	target, number, offset, length, ok := p.idx.NextIFrame(frame+1, false)
	if ok {
		if _, err := p.files.Open(int(number), int64(offset)); err != nil {
			p.log.Error("segment open failed", "error", err)
			ok = false
		}
	}
	if ok && still {
		buf := make([]byte, dvr.MaxFrameSize)
		if r := p.readFrame(buf, length); r > 0 {
			p.displayFrame(buf[:r])
		}
		p.mode = mode{kind: Still}
	} else {
		p.mode = mode{kind: Play}
	}
	if ok {
		p.readIndex.Store(int64(target))
		p.writeIndex.Store(int64(target))
	}
	p.release()
}

// displayFrame pushes one frame to the decoder as a still picture.
func (p *Pipeline) displayFrame(b []byte) {
	p.stripAudioPackets(b, 0)
	p.check(p.decoder.SetAVSync(false))
	p.check(p.decoder.SetMute(true))
	p.check(p.decoder.StillPicture(b))
}

// SkipSeconds jumps the given number of seconds relative to the current
// playback position and resumes normal play.
func (p *Pipeline) SkipSeconds(seconds int) {
	if p.idx == nil || seconds == 0 {
		return
	}
	p.mu.Lock()
	p.empty()
	target := int(p.writeIndex.Load())
	if target >= 0 {
		if seconds < 0 {
			if limit := p.idx.Last() / dvr.FramesPerSecond; seconds < -limit {
				seconds = -limit
			}
		}
		target += seconds * dvr.FramesPerSecond
		if target < 0 {
			target = 1 // keep the backward snap workable
		}
		if snapped, _, _, _, ok := p.idx.NextIFrame(target, false); ok {
			// The reader increments before fetching.
			p.readIndex.Store(int64(snapped - 1))
			p.writeIndex.Store(int64(snapped - 1))
		}
	}
	p.release()
	p.mu.Unlock()
	p.Play()
}

// SkipFrames previews where a relative jump of the given number of frames
// would land, I-frame-snapped, without moving playback. It returns the
// current position when no I-frame exists in that direction.
func (p *Pipeline) SkipFrames(frames int) int {
	if p.idx == nil || frames == 0 {
		return -1
	}
	current, _ := p.GetIndex(true)
	if target, _, _, _, ok := p.idx.NextIFrame(current+frames, frames > 0); ok {
		return target
	}
	return current
}

// GetIndex returns the current and total frame counts. With snap set the
// current position is snapped to the nearest I-frame in either direction,
// preferring the earlier one on a tie.
func (p *Pipeline) GetIndex(snap bool) (current, total int) {
	if p.idx == nil {
		return -1, -1
	}
	p.mu.Lock()
	still := p.mode.kind == Still
	p.mu.Unlock()
	if still {
		current = int(p.readIndex.Load())
	} else {
		current = int(p.writeIndex.Load())
		if snap {
			before, _, _, _, okB := p.idx.NextIFrame(current+1, false)
			after, _, _, _, okA := p.idx.NextIFrame(current, true)
			switch {
			case okB && okA:
				if abs(current-before) <= abs(current-after) {
					current = before
				} else {
					current = after
				}
			case okB:
				current = before
			case okA:
				current = after
			}
		}
	}
	return current, p.idx.Last()
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// loadResume positions the reader at the persisted resume point.
func (p *Pipeline) loadResume() {
	if p.idx == nil {
		return
	}
	resume := p.idx.ResumeGet()
	if resume < 0 {
		return
	}
	number, offset, _, _, ok := p.idx.Get(resume)
	if !ok {
		return
	}
	if _, err := p.files.Open(int(number), int64(offset)); err != nil {
		p.log.Warn("resume position unavailable", "frame", resume, "error", err)
		return
	}
	// The reader increments before fetching, so the resume I-frame itself
	// is the first frame played.
	p.readIndex.Store(int64(resume) - 1)
	p.writeIndex.Store(int64(resume) - 1)
	p.log.Info("resuming replay", "frame", resume, "position", timecode.ToHMSF(resume))
}

// saveResume persists a resume point ten seconds behind the last frame
// the decoder got, snapped back to an I-frame.
func (p *Pipeline) saveResume() {
	if p.idx == nil {
		return
	}
	target := int(p.writeIndex.Load())
	if target < 0 {
		return
	}
	target -= dvr.ResumeBackup
	if target > 0 {
		if snapped, _, _, _, ok := p.idx.NextIFrame(target, false); ok {
			target = snapped
		} else {
			target = 0
		}
	} else {
		target = 0
	}
	if err := p.idx.ResumeSet(target); err != nil {
		p.log.Warn("saving resume point failed", "error", err)
	}
}
