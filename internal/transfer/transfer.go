// Package transfer implements transfer mode: streaming one capture
// device's remuxed output straight into a decoder device. Structurally it
// is a record pipeline whose sink is the decoder rather than files.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arvek/dvrd/internal/dvr"
	"github.com/arvek/dvrd/internal/metrics"
	"github.com/arvek/dvrd/internal/ring"
)

// Remuxer is the remultiplexer surface transfer mode needs: frame
// production plus the live audio PID swap.
type Remuxer interface {
	dvr.Remuxer
	SetAudioPID(apid uint16)
}

const (
	ringSize   = 1024 * 1024
	inputChunk = 180 * 1024

	// bufferReserve is how much the ring must hold before output starts,
	// so a slow capture source does not starve the decoder right away.
	bufferReserve = dvr.MaxFrameSize

	joinTimeout = 3 * time.Second
)

// Config carries a transfer session's endpoints.
type Config struct {
	Capture dvr.CaptureDevice
	Decoder dvr.DecoderDevice
	Remux   Remuxer
	Log     *slog.Logger
	Metrics *metrics.Metrics
}

// Pipeline is one active transfer session.
type Pipeline struct {
	log     *slog.Logger
	capture dvr.CaptureDevice
	decoder dvr.DecoderDevice
	remux   Remuxer
	ring    *ring.Bytes
	metrics *metrics.Metrics

	busy    atomic.Bool
	reserve atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	err     error
}

// Start switches the capture device into record mode and launches the
// transfer goroutines.
func Start(cfg Config) (*Pipeline, error) {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "transfer")
	if err := cfg.Capture.SetMode(dvr.ModeRecord); err != nil {
		return nil, fmt.Errorf("capture record mode: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		log:     log,
		capture: cfg.Capture,
		decoder: cfg.Decoder,
		remux:   cfg.Remux,
		ring:    ring.NewBytes(ringSize),
		metrics: cfg.Metrics,
		cancel:  cancel,
	}
	p.busy.Store(true)
	p.wg.Add(2)
	go p.input(ctx)
	go p.output(ctx)
	log.Info("transfer started")
	return p, nil
}

// Active reports whether the pipeline goroutines are still running.
func (p *Pipeline) Active() bool { return p.busy.Load() }

// Err returns the sticky failure that stopped the pipeline, if any.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Stop halts the session and returns the capture device to normal mode.
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
		p.log.Error("transfer threads did not stop in time, abandoning")
	}
	if err := p.capture.SetMode(dvr.ModeNormal); err != nil {
		p.log.Warn("capture back to normal mode failed", "error", err)
	}
	p.log.Info("transfer stopped")
}

// SetAudioPID swaps the live audio track: the in-flight buffer and the
// decoder's buffer are discarded and the priming reserve starts over.
func (p *Pipeline) SetAudioPID(apid uint16) {
	p.ring.Block()
	p.ring.Clear()
	if err := p.decoder.ClearBuffer(); err != nil {
		p.log.Warn("decoder clear failed", "error", err)
	}
	p.reserve.Store(false)
	p.remux.SetAudioPID(apid)
	p.ring.Release()
}

// input reads the capture device through the remultiplexer into the ring.
func (p *Pipeline) input(ctx context.Context) {
	defer p.wg.Done()
	defer p.ring.ProducerDone()
	p.log.Debug("input thread started")
	buf := make([]byte, inputChunk)
	n := 0
	for p.busy.Load() {
		if p.ring.Blocked() {
			p.ring.AckProducer()
			dvr.Sleep(ctx, time.Millisecond)
			continue
		}
		r, err := p.capture.Read(buf[n:])
		if r > 0 {
			n += r
			p.metrics.AddCaptureBytes(r)
			for {
				consumed, out, _ := p.remux.Process(buf[:n])
				for len(out) > 0 && p.busy.Load() {
					w := p.ring.Put(out)
					out = out[w:]
					if w == 0 {
						dvr.Sleep(ctx, time.Millisecond)
					}
				}
				if consumed > 0 {
					copy(buf, buf[consumed:n])
					n -= consumed
				}
				if out == nil {
					break
				}
			}
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
			p.mu.Lock()
			p.err = fmt.Errorf("%w: %v", dvr.ErrReadFailed, err)
			p.mu.Unlock()
			p.busy.Store(false)
		}
	}
	p.log.Debug("input thread ended")
}

// output drains the ring into the decoder once the priming reserve has
// accumulated.
func (p *Pipeline) output(ctx context.Context) {
	defer p.wg.Done()
	defer p.ring.ConsumerDone()
	p.log.Debug("output thread started")
	buf := make([]byte, inputChunk)
	for p.busy.Load() {
		if p.ring.Blocked() {
			p.ring.AckConsumer()
			dvr.Sleep(ctx, time.Millisecond)
			continue
		}
		if !p.reserve.Load() {
			if p.ring.Available() < bufferReserve {
				dvr.Sleep(ctx, 100*time.Millisecond)
				continue
			}
			p.reserve.Store(true)
		}
		r := p.ring.Get(buf)
		if r == 0 {
			dvr.Sleep(ctx, time.Millisecond)
			continue
		}
		data := buf[:r]
		for len(data) > 0 && p.busy.Load() {
			w, err := p.decoder.Write(data)
			if w > 0 {
				p.metrics.AddBytesReplayed(w)
				data = data[w:]
				continue
			}
			if err != nil {
				if errors.Is(err, dvr.ErrAgain) {
					dvr.Sleep(ctx, time.Millisecond)
					continue
				}
				p.log.Error("decoder write failed", "error", err)
				p.mu.Lock()
				p.err = fmt.Errorf("%w: %v", dvr.ErrWriteFailed, err)
				p.mu.Unlock()
				p.busy.Store(false)
				p.log.Debug("output thread ended")
				return
			}
		}
	}
	p.log.Debug("output thread ended")
}
