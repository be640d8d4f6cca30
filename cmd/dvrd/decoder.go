package main

import (
	"log/slog"
	"os"

	"github.com/arvek/dvrd/internal/dvr"
)

// sinkDecoder is the daemon's stand-in for a hardware decoder: replayed
// program stream bytes go to a file or FIFO (a player can read PS from
// the other end) and control commands are logged. A real decoder driver
// plugs in behind the same interface.
type sinkDecoder struct {
	log  *slog.Logger
	sink *os.File
}

func newSinkDecoder(path string) *sinkDecoder {
	d := &sinkDecoder{log: slog.With("component", "decoder")}
	if path == "" {
		return d
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		d.log.Warn("decoder sink unavailable, discarding output", "path", path, "error", err)
		return d
	}
	d.log.Info("decoder sink opened", "path", path)
	d.sink = f
	return d
}

func (d *sinkDecoder) Write(p []byte) (int, error) {
	if d.sink == nil {
		return len(p), nil
	}
	return d.sink.Write(p)
}

func (d *sinkDecoder) Play() error { d.log.Debug("play"); return nil }

func (d *sinkDecoder) Freeze() error { d.log.Debug("freeze"); return nil }

func (d *sinkDecoder) Continue() error { d.log.Debug("continue"); return nil }

func (d *sinkDecoder) SlowMotion(factor int) error {
	d.log.Debug("slow motion", "factor", factor)
	return nil
}

func (d *sinkDecoder) ClearBuffer() error { d.log.Debug("clear buffer"); return nil }

func (d *sinkDecoder) StillPicture(payload []byte) error {
	d.log.Debug("still picture", "bytes", len(payload))
	if d.sink == nil {
		return nil
	}
	_, err := d.sink.Write(payload)
	return err
}

func (d *sinkDecoder) SelectSource(live bool) error {
	d.log.Debug("select source", "live", live)
	return nil
}

func (d *sinkDecoder) SetAVSync(on bool) error { d.log.Debug("av sync", "on", on); return nil }

func (d *sinkDecoder) SetMute(on bool) error { d.log.Debug("mute", "on", on); return nil }

var _ dvr.DecoderDevice = (*sinkDecoder)(nil)
