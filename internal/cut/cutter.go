// Package cut implements non-destructive editing: a background copy pass
// over a recording, filtered by its edit mark list, producing a new
// recording with its own index and marks.
package cut

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arvek/dvrd/internal/dvr"
	"github.com/arvek/dvrd/internal/fileset"
	"github.com/arvek/dvrd/internal/index"
	"github.com/arvek/dvrd/internal/metrics"
)

// joinTimeout is the cooperative cancellation grace period.
const joinTimeout = 3 * time.Second

// EditedName derives the destination directory of a cut from its source:
// the final path element is prefixed with '%'.
func EditedName(source string) string {
	dir, base := filepath.Split(filepath.Clean(source))
	return filepath.Join(dir, "%"+base)
}

// Cutter is one background cutting job.
type Cutter struct {
	log     *slog.Logger
	metrics *metrics.Metrics
	source  string
	dest    string

	maxSegmentSize int64

	active atomic.Bool
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu  sync.Mutex
	err error
}

// Config carries a cutting job's parameters.
type Config struct {
	Source  string
	Dest    string // empty derives EditedName(Source)
	Log     *slog.Logger
	Metrics *metrics.Metrics

	// MaxSegmentSize overrides the destination rollover size, for tests.
	MaxSegmentSize int64
}

// Start validates the source's edit marks and launches the copy pass in
// the background. Without at least one mark pair it fails with
// dvr.ErrNoMarks and produces nothing.
func Start(cfg Config) (*Cutter, error) {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	if cfg.Dest == "" {
		cfg.Dest = EditedName(cfg.Source)
	}
	if cfg.MaxSegmentSize == 0 {
		cfg.MaxSegmentSize = dvr.MaxSegmentSize
	}
	log = log.With("component", "cut", "source", cfg.Source, "dest", cfg.Dest)

	marks, err := index.LoadMarks(cfg.Source)
	if err != nil {
		return nil, err
	}
	pairs := marks.Pairs()
	if len(pairs) == 0 {
		log.Error("no editing marks found", "file", cfg.Source)
		return nil, fmt.Errorf("%w: %s", dvr.ErrNoMarks, cfg.Source)
	}

	if err := os.RemoveAll(cfg.Dest); err != nil {
		return nil, fmt.Errorf("clear destination: %w", err)
	}
	if err := os.MkdirAll(cfg.Dest, 0o755); err != nil {
		return nil, fmt.Errorf("create destination: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Cutter{
		log:            log,
		metrics:        cfg.Metrics,
		source:         cfg.Source,
		dest:           cfg.Dest,
		maxSegmentSize: cfg.MaxSegmentSize,
		cancel:         cancel,
	}
	c.active.Store(true)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.active.Store(false)
		c.log.Info("video cutting started")
		if err := c.run(ctx, pairs); err != nil {
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
			c.log.Error("video cutting failed", "error", err)
		} else {
			c.log.Info("video cutting finished")
		}
	}()
	return c, nil
}

// Active reports whether the copy pass is still running.
func (c *Cutter) Active() bool { return c.active.Load() }

// Dest returns the destination recording directory.
func (c *Cutter) Dest() string { return c.dest }

// Err returns the failure that ended the job, if any.
func (c *Cutter) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Stop cancels the job cooperatively and waits out the grace period.
func (c *Cutter) Stop() {
	c.cancel()
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(joinTimeout):
		c.log.Error("cutting thread did not stop in time, abandoning")
	}
}

// run is the copy pass: for each (cut-in, cut-out) pair, frames are read
// from the source via its index and appended to the destination, building
// the destination's index and a mark list mirroring the edit structure.
func (c *Cutter) run(ctx context.Context, pairs [][2]int) error {
	fromFiles := fileset.New(c.source, fileset.Read, c.log)
	defer fromFiles.Close()
	fromIndex, err := index.Open(c.source, c.log)
	if err != nil {
		return err
	}
	defer fromIndex.Close()
	fromIndex.TailGuard = 0 // the source is sealed, read it to the end

	toFiles := fileset.New(c.dest, fileset.Write, c.log)
	defer toFiles.Close()
	toIndex, err := index.Create(c.dest, c.log)
	if err != nil {
		return err
	}
	defer toIndex.Close()
	toMarks, err := index.LoadMarks(c.dest)
	if err != nil {
		return err
	}

	if _, err := toFiles.Open(1, 0); err != nil {
		return err
	}
	toMarks.Add(0)
	if err := toMarks.Save(); err != nil {
		return err
	}

	buf := make([]byte, dvr.MaxFrameSize)
	var fileSize int64
	currentNumber := 0

	for pi, pair := range pairs {
		frame := pair[0]
		for frame < pair[1] {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			// Read one frame.
			number, offset, pt, length, ok := fromIndex.Get(frame)
			if !ok {
				return nil // ran past the end of the source
			}
			if frame == pair[0] && pt != dvr.PictureI {
				return fmt.Errorf("%w: cut-in %d is not an I-frame", dvr.ErrInvalidMode, frame)
			}
			if int(number) != currentNumber {
				if _, err := fromFiles.Open(int(number), int64(offset)); err != nil {
					return err
				}
				currentNumber = int(number)
			}
			n, err := readFrame(fromFiles.File(), buf, length)
			if err != nil {
				return err
			}
			frame++

			// Write one frame. Every destination segment starts with an
			// I-frame, so rollover only fires on one.
			if pt == dvr.PictureI && fileSize > c.maxSegmentSize {
				if _, err := toFiles.Next(); err != nil {
					return err
				}
				fileSize = 0
			}
			if _, err := toFiles.File().Write(buf[:n]); err != nil {
				return fmt.Errorf("%w: %s: %v", dvr.ErrWriteFailed, toFiles.Name(), err)
			}
			if err := toIndex.Write(pt, uint8(toFiles.Number()), int32(fileSize)); err != nil {
				return err
			}
			fileSize += int64(n)
		}

		// Mark the seam: cut-out at the last written frame, the next
		// pair's cut-in right after it.
		toMarks.Add(toIndex.Last())
		if pi+1 < len(pairs) {
			toMarks.Add(toIndex.Last() + 1)
			currentNumber = 0 // force a reposition before the next pair
		}
		if err := toMarks.Save(); err != nil {
			return err
		}
	}
	return nil
}

// readFrame reads one frame honouring the -1 "to end of file" sentinel.
func readFrame(f *os.File, buf []byte, length int32) (int, error) {
	max := int32(len(buf))
	if length == -1 {
		length = max
	} else if length > max {
		length = max
	}
	n, err := f.Read(buf[:length])
	if err != nil && err != io.EOF {
		return 0, fmt.Errorf("%w: %v", dvr.ErrReadFailed, err)
	}
	return n, nil
}
