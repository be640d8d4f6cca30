// Package record implements the recording pipeline: a capture reader
// feeding a byte ring, and a writer draining the ring through the
// remultiplexer into numbered segment files with a frame-accurate index.
package record

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arvek/dvrd/internal/dvr"
	"github.com/arvek/dvrd/internal/fileset"
	"github.com/arvek/dvrd/internal/index"
	"github.com/arvek/dvrd/internal/metrics"
	"github.com/arvek/dvrd/internal/ring"
)

// ringSize is the byte ring between the capture reader and the writer.
const ringSize = 1024 * 1024

// inputChunk is how much the capture reader asks for per read, and the
// writer's staging buffer size.
const inputChunk = 180 * 1024

// joinTimeout bounds how long Stop waits for the pipeline goroutines.
const joinTimeout = 3 * time.Second

// Config carries everything a recording needs.
type Config struct {
	Dir     string
	Capture dvr.CaptureDevice
	Remux   dvr.Remuxer
	Log     *slog.Logger
	Metrics *metrics.Metrics

	// Emergency is called when the capture watchdog fires. Defaults to
	// dvr.EmergencyExit.
	Emergency dvr.EmergencyFunc

	// MaxSegmentSize and MinFreeDiskMB override the rollover policy,
	// primarily for tests. Zero means the dvr package defaults.
	MaxSegmentSize int64
	MinFreeDiskMB  int
}

// Pipeline is one active recording.
type Pipeline struct {
	log       *slog.Logger
	capture   dvr.CaptureDevice
	remux     dvr.Remuxer
	files     *fileset.FileSet
	idx       *index.Index
	ring      *ring.Bytes
	metrics   *metrics.Metrics
	emergency dvr.EmergencyFunc
	dir       string

	maxSegmentSize int64
	minFreeDiskMB  int

	busy   atomic.Bool
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	err           error
	fileSize      int64
	lastDiskCheck time.Time
}

// Start creates the recording directory, opens the first segment and the
// index, switches the capture device into record mode and launches the
// pipeline goroutines.
func Start(cfg Config) (*Pipeline, error) {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "record", "dir", cfg.Dir)
	if cfg.Emergency == nil {
		cfg.Emergency = dvr.EmergencyExit
	}
	if cfg.MaxSegmentSize == 0 {
		cfg.MaxSegmentSize = dvr.MaxSegmentSize
	}
	if cfg.MinFreeDiskMB == 0 {
		cfg.MinFreeDiskMB = dvr.MinFreeDiskMB
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create recording dir: %w", err)
	}
	files := fileset.New(cfg.Dir, fileset.Write, log)
	if _, err := files.Open(1, 0); err != nil {
		return nil, err
	}
	idx, err := index.Create(cfg.Dir, log)
	if err != nil {
		// Continue without an index: the recording itself is worth more.
		log.Error("can't create index, recording without one", "error", err)
		idx = nil
	}
	if err := cfg.Capture.SetMode(dvr.ModeRecord); err != nil {
		files.Close()
		if idx != nil {
			idx.Close()
		}
		return nil, fmt.Errorf("capture record mode: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		log:            log,
		capture:        cfg.Capture,
		remux:          cfg.Remux,
		files:          files,
		idx:            idx,
		ring:           ring.NewBytes(ringSize),
		metrics:        cfg.Metrics,
		emergency:      cfg.Emergency,
		dir:            cfg.Dir,
		maxSegmentSize: cfg.MaxSegmentSize,
		minFreeDiskMB:  cfg.MinFreeDiskMB,
		cancel:         cancel,
		lastDiskCheck:  time.Now(),
	}
	p.busy.Store(true)
	p.wg.Add(2)
	go p.input(ctx)
	go p.output()
	log.Info("recording started")
	return p, nil
}

// Dir returns the recording directory.
func (p *Pipeline) Dir() string { return p.dir }

// Active reports whether the pipeline goroutines are still running.
func (p *Pipeline) Active() bool { return p.busy.Load() }

// Err returns the sticky failure that stopped the pipeline, if any.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *Pipeline) fail(err error) {
	p.mu.Lock()
	if p.err == nil {
		p.err = err
	}
	p.mu.Unlock()
}

// Stop ends the recording: capture reading stops at once, and the writer
// finishes the bytes already in the ring, ending early at the first
// I-frame among them so no new group of pictures is started. Capture data
// arriving after the stop request is not recorded, so the final group of
// pictures is cut where the buffered data ends. Then all files are closed
// and the capture device returns to normal mode.
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
		p.log.Error("recording threads did not stop in time, abandoning")
	}
	if err := p.capture.SetMode(dvr.ModeNormal); err != nil {
		p.log.Warn("capture back to normal mode failed", "error", err)
	}
	p.files.Close()
	if p.idx != nil {
		p.idx.Close()
	}
	p.log.Info("recording stopped")
}

// input reads the capture device into the byte ring. A 30-second silence
// on the device means the stream is broken beyond repair and the process
// must go down for a restart.
func (p *Pipeline) input(ctx context.Context) {
	defer p.wg.Done()
	p.log.Debug("input thread started")
	buf := make([]byte, inputChunk)
	progress := time.Now()
	for p.busy.Load() {
		n, err := p.capture.Read(buf)
		if n > 0 {
			b := buf[:n]
			for len(b) > 0 && p.busy.Load() {
				w := p.ring.Put(b)
				b = b[w:]
				if w == 0 {
					dvr.Sleep(ctx, time.Millisecond)
				}
			}
			p.metrics.AddCaptureBytes(n)
			progress = time.Now()
		}
		switch {
		case err == nil:
		case errors.Is(err, dvr.ErrAgain):
			dvr.Sleep(ctx, 10*time.Millisecond)
		case errors.Is(err, dvr.ErrOverflow):
			p.log.Warn("capture overflow, data lost")
			p.metrics.IncCaptureOverflows()
		default:
			p.log.Error("capture read failed", "error", err)
			p.fail(fmt.Errorf("%w: %v", dvr.ErrReadFailed, err))
			p.busy.Store(false)
		}
		if time.Since(progress) > dvr.BrokenStreamTimeout {
			p.log.Error("video data stream broken")
			p.emergency(dvr.ErrCaptureStalled)
			progress = time.Now()
		}
	}
	p.log.Debug("input thread ended")
}

// output drains the ring through the remultiplexer and writes frames to
// the segment files, appending one index entry per picture-bearing frame.
func (p *Pipeline) output() {
	defer p.wg.Done()
	p.log.Debug("output thread started")
	stage := make([]byte, inputChunk)
	n := 0
	for {
		g := p.ring.Get(stage[n:])
		if g == 0 {
			if !p.busy.Load() {
				break
			}
			time.Sleep(time.Millisecond)
			continue
		}
		n += g
		for {
			consumed, out, pt := p.remux.Process(stage[:n])
			if out != nil {
				if !p.busy.Load() && pt == dvr.PictureI {
					// Finish before the next I-frame so the last group
					// of pictures is complete.
					p.log.Debug("output thread ended")
					return
				}
				if !p.writeFrame(out, pt) {
					p.busy.Store(false)
					p.log.Debug("output thread ended")
					return
				}
			}
			if consumed > 0 {
				copy(stage, stage[consumed:n])
				n -= consumed
			}
			if out == nil {
				break
			}
		}
	}
	p.log.Debug("output thread ended")
}

// writeFrame applies the rollover policy, appends the index entry and
// writes the frame. It reports false when the recording must stop.
func (p *Pipeline) writeFrame(out []byte, pt dvr.PictureType) bool {
	if pt == dvr.PictureI {
		full := p.fileSizeLocked() > p.maxSegmentSize
		lowDisk := !full && p.lowDiskSpace()
		if full || lowDisk {
			if _, err := p.files.Next(); err != nil {
				if lowDisk {
					err = fmt.Errorf("%w: %v", dvr.ErrDiskLow, err)
				}
				p.log.Error("segment rollover failed", "file", p.files.Name(), "error", err)
				p.fail(err)
				return false
			}
			p.setFileSize(0)
			p.metrics.IncSegmentsRolled()
		}
	}
	if p.idx != nil && pt != dvr.PictureNone {
		if err := p.idx.Write(pt, uint8(p.files.Number()), int32(p.fileSizeLocked())); err != nil {
			// Keep recording without an index rather than losing footage.
			p.log.Error("index write failed, continuing without index", "error", err)
			p.idx = nil
		} else {
			p.metrics.IncFramesRecorded()
		}
	}
	f := p.files.File()
	for len(out) > 0 {
		w, err := f.Write(out)
		if err != nil {
			p.log.Error("segment write failed", "file", p.files.Name(), "error", err)
			p.fail(fmt.Errorf("%w: %s: %v", dvr.ErrWriteFailed, p.files.Name(), err))
			return false
		}
		out = out[w:]
		p.addFileSize(int64(w))
		p.metrics.AddBytesRecorded(w)
	}
	return true
}

// lowDiskSpace stats the disk at most once per check interval.
func (p *Pipeline) lowDiskSpace() bool {
	p.mu.Lock()
	due := time.Since(p.lastDiskCheck) > dvr.DiskCheckInterval
	if due {
		p.lastDiskCheck = time.Now()
	}
	p.mu.Unlock()
	if !due {
		return false
	}
	free := fileset.FreeDiskMB(p.dir)
	if free < p.minFreeDiskMB {
		p.log.Info("low disk space", "free_mb", free, "limit_mb", p.minFreeDiskMB)
		return true
	}
	return false
}

func (p *Pipeline) fileSizeLocked() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fileSize
}

func (p *Pipeline) setFileSize(n int64) {
	p.mu.Lock()
	p.fileSize = n
	p.mu.Unlock()
}

func (p *Pipeline) addFileSize(n int64) {
	p.mu.Lock()
	p.fileSize += n
	p.mu.Unlock()
}
