// Package engine is the control surface of the DVR: it owns the capture
// devices, starts and stops the record, replay, transfer and cutting
// pipelines, enforces their mutual exclusion, and forwards playback
// operations to the active replay session.
package engine

import (
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"

	"github.com/arvek/dvrd/internal/cut"
	"github.com/arvek/dvrd/internal/dvr"
	"github.com/arvek/dvrd/internal/metrics"
	"github.com/arvek/dvrd/internal/record"
	"github.com/arvek/dvrd/internal/remux"
	"github.com/arvek/dvrd/internal/replay"
	"github.com/arvek/dvrd/internal/transfer"
)

// Device couples one capture source with its decoder sink: one "card".
type Device struct {
	Name    string
	Capture dvr.CaptureDevice
	Decoder dvr.DecoderDevice
}

// PIDs selects the transport stream PIDs of the tuned program.
type PIDs struct {
	Video  uint16
	Audio1 uint16
	Audio2 uint16
	Dolby  uint16
}

// Config carries the engine's collaborators.
type Config struct {
	Log     *slog.Logger
	Metrics *metrics.Metrics
	PIDs    PIDs

	// AudioCommand, when non-empty, is a shell command started per replay
	// session; Dolby audio payloads are piped to its stdin.
	AudioCommand string

	// Emergency handles process-fatal pipeline conditions. Defaults to
	// dvr.EmergencyExit.
	Emergency dvr.EmergencyFunc
}

// Engine is the facade over all pipelines. All methods are safe for
// concurrent use.
type Engine struct {
	log       *slog.Logger
	metrics   *metrics.Metrics
	emergency dvr.EmergencyFunc

	mu           sync.Mutex
	devices      []*Device
	primary      *Device
	pids         PIDs
	audioCommand string

	recorder    *record.Pipeline
	replayer    *replay.Pipeline
	transferrer *transfer.Pipeline
	cutter      *cut.Cutter

	audioCmd *exec.Cmd
	audioTap io.WriteCloser
}

// New creates an engine with no devices attached.
func New(cfg Config) *Engine {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	if cfg.Emergency == nil {
		cfg.Emergency = dvr.EmergencyExit
	}
	return &Engine{
		log:          log.With("component", "engine"),
		metrics:      cfg.Metrics,
		emergency:    cfg.Emergency,
		pids:         cfg.PIDs,
		audioCommand: cfg.AudioCommand,
	}
}

// AddDevice registers a device. The first one becomes primary.
func (e *Engine) AddDevice(d *Device) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.devices = append(e.devices, d)
	if e.primary == nil {
		e.primary = d
	}
	e.log.Info("device attached", "name", d.Name, "count", len(e.devices))
}

// Primary returns the primary device, or nil if none is attached.
func (e *Engine) Primary() *Device {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.primary
}

// Recording reports whether a recording is in progress.
func (e *Engine) Recording() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.recorder != nil && e.recorder.Active()
}

// Replaying reports whether a replay is in progress.
func (e *Engine) Replaying() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.replayer != nil && e.replayer.Active()
}

// Transferring reports whether a transfer is in progress.
func (e *Engine) Transferring() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transferrer != nil && e.transferrer.Active()
}

// Cutting reports whether a cutting job is running.
func (e *Engine) Cutting() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cutter != nil && e.cutter.Active()
}

// StartRecord begins recording the primary device into dir. It refuses
// while a replay is active (the driver cannot do both) and displaces a
// running transfer or earlier recording.
func (e *Engine) StartRecord(dir string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.replayer != nil && e.replayer.Active() {
		e.log.Error("start record refused while replaying", "dir", dir)
		return fmt.Errorf("%w: replay active", dvr.ErrInvalidMode)
	}
	if e.primary == nil {
		return fmt.Errorf("%w: no capture device", dvr.ErrInvalidMode)
	}
	e.stopTransferLocked()
	e.stopRecordLocked()
	rec, err := record.Start(record.Config{
		Dir:       dir,
		Capture:   e.primary.Capture,
		Remux:     remux.New(e.pids.Video, e.pids.Audio1, e.pids.Audio2, e.pids.Dolby),
		Log:       e.log,
		Metrics:   e.metrics,
		Emergency: e.emergency,
	})
	if err != nil {
		return err
	}
	e.recorder = rec
	e.metrics.SetRecordingsActive(1)
	return nil
}

// StopRecord ends the active recording, if any.
func (e *Engine) StopRecord() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopRecordLocked()
}

func (e *Engine) stopRecordLocked() {
	if e.recorder == nil {
		return
	}
	e.recorder.Stop()
	e.recorder = nil
	e.metrics.SetRecordingsActive(0)
}

// StartReplay begins replaying the recording in dir on the primary
// device's decoder. It refuses while a recording is active and displaces
// a running transfer or earlier replay.
func (e *Engine) StartReplay(dir string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.recorder != nil && e.recorder.Active() {
		e.log.Error("start replay refused while recording", "dir", dir)
		return fmt.Errorf("%w: recording active", dvr.ErrInvalidMode)
	}
	if e.primary == nil {
		return fmt.Errorf("%w: no device", dvr.ErrInvalidMode)
	}
	e.stopTransferLocked()
	e.stopReplayLocked()
	e.log.Info("replay", "dir", dir)
	tap := e.startAudioCommandLocked()
	rep, err := replay.Start(replay.Config{
		Dir:      dir,
		Decoder:  e.primary.Decoder,
		Log:      e.log,
		Metrics:  e.metrics,
		AudioTap: tap,
	})
	if err != nil {
		e.stopAudioCommandLocked()
		return err
	}
	e.replayer = rep
	e.metrics.SetReplaysActive(1)
	return nil
}

// StopReplay ends the active replay, if any, and points the decoder back
// at the live source.
func (e *Engine) StopReplay() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopReplayLocked()
}

func (e *Engine) stopReplayLocked() {
	if e.replayer == nil {
		return
	}
	e.replayer.Stop()
	e.replayer = nil
	e.stopAudioCommandLocked()
	if e.primary != nil {
		if err := e.primary.Decoder.SelectSource(true); err != nil {
			e.log.Warn("decoder back to live source failed", "error", err)
		}
	}
	e.metrics.SetReplaysActive(0)
}

// StartTransfer streams from's capture into the primary decoder, a
// degenerate record pipeline. A running recording, replay or earlier
// transfer is stopped first.
func (e *Engine) StartTransfer(from *Device) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if from == nil || e.primary == nil {
		return fmt.Errorf("%w: no device", dvr.ErrInvalidMode)
	}
	e.stopRecordLocked()
	e.stopReplayLocked()
	e.stopTransferLocked()
	tr, err := transfer.Start(transfer.Config{
		Capture: from.Capture,
		Decoder: e.primary.Decoder,
		Remux:   remux.New(e.pids.Video, e.pids.Audio1, 0, 0),
		Log:     e.log,
		Metrics: e.metrics,
	})
	if err != nil {
		return err
	}
	e.transferrer = tr
	return nil
}

// StopTransfer ends the active transfer, if any.
func (e *Engine) StopTransfer() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopTransferLocked()
}

func (e *Engine) stopTransferLocked() {
	if e.transferrer == nil {
		return
	}
	e.transferrer.Stop()
	e.transferrer = nil
}

// StartCut launches a cutting job over the recording in source.
func (e *Engine) StartCut(source string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cutter != nil && e.cutter.Active() {
		return fmt.Errorf("%w: cut already running", dvr.ErrInvalidMode)
	}
	c, err := cut.Start(cut.Config{
		Source:  source,
		Log:     e.log,
		Metrics: e.metrics,
	})
	if err != nil {
		return err
	}
	e.cutter = c
	e.metrics.SetCutsActive(1)
	return nil
}

// StopCut cancels the running cutting job, if any.
func (e *Engine) StopCut() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cutter == nil {
		return
	}
	e.cutter.Stop()
	e.cutter = nil
	e.metrics.SetCutsActive(0)
}

// Shutdown stops everything.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopRecordLocked()
	e.stopReplayLocked()
	e.stopTransferLocked()
	if e.cutter != nil {
		e.cutter.Stop()
		e.cutter = nil
	}
}

// replaySession returns the active replay or nil; playback operations are
// no-ops without one.
func (e *Engine) replaySession() *replay.Pipeline {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.replayer != nil && e.replayer.Active() {
		return e.replayer
	}
	return nil
}

// Pause toggles pause on the active replay.
func (e *Engine) Pause() {
	if r := e.replaySession(); r != nil {
		r.Pause()
	}
}

// Play returns the active replay to normal playback.
func (e *Engine) Play() {
	if r := e.replaySession(); r != nil {
		r.Play()
	}
}

// Forward toggles fast forward on the active replay.
func (e *Engine) Forward() {
	if r := e.replaySession(); r != nil {
		r.Forward()
	}
}

// Backward toggles fast rewind on the active replay.
func (e *Engine) Backward() {
	if r := e.replaySession(); r != nil {
		r.Backward()
	}
}

// Goto positions the active replay at the given frame.
func (e *Engine) Goto(frame int, still bool) {
	if r := e.replaySession(); r != nil {
		r.Goto(frame, still)
	}
}

// SkipSeconds jumps the active replay by the given number of seconds.
func (e *Engine) SkipSeconds(seconds int) {
	if r := e.replaySession(); r != nil {
		r.SkipSeconds(seconds)
	}
}

// SkipFrames previews a relative jump on the active replay. -1 without
// a replay session.
func (e *Engine) SkipFrames(frames int) int {
	if r := e.replaySession(); r != nil {
		return r.SkipFrames(frames)
	}
	return -1
}

// GetIndex returns the active replay's position, or ok=false without one.
func (e *Engine) GetIndex(snap bool) (current, total int, ok bool) {
	if r := e.replaySession(); r != nil {
		current, total = r.GetIndex(snap)
		return current, total, true
	}
	return -1, -1, false
}

// ToggleAudioTrack switches audio tracks: on the replay session when one
// is active, otherwise by swapping the live audio PIDs and reconfiguring
// the transfer pipeline.
func (e *Engine) ToggleAudioTrack() {
	if r := e.replaySession(); r != nil {
		r.ToggleAudioTrack()
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pids.Audio2 == 0 {
		return
	}
	e.pids.Audio1, e.pids.Audio2 = e.pids.Audio2, e.pids.Audio1
	e.log.Info("live audio track toggled", "apid", e.pids.Audio1)
	if e.transferrer != nil && e.transferrer.Active() {
		e.transferrer.SetAudioPID(e.pids.Audio1)
	}
}

// CanToggleAudioTrack reports whether a second audio track is available
// in the current mode.
func (e *Engine) CanToggleAudioTrack() bool {
	if r := e.replaySession(); r != nil {
		return r.CanToggleAudioTrack()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pids.Audio1 != 0 && e.pids.Audio2 != 0 && e.pids.Audio1 != e.pids.Audio2
}

// startAudioCommandLocked launches the external audio command and returns
// its stdin, or nil when none is configured.
func (e *Engine) startAudioCommandLocked() io.Writer {
	if e.audioCommand == "" {
		return nil
	}
	cmd := exec.Command("/bin/sh", "-c", e.audioCommand)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		e.log.Error("audio command pipe failed", "command", e.audioCommand, "error", err)
		return nil
	}
	if err := cmd.Start(); err != nil {
		e.log.Error("audio command start failed", "command", e.audioCommand, "error", err)
		return nil
	}
	e.audioCmd = cmd
	e.audioTap = stdin
	return stdin
}

func (e *Engine) stopAudioCommandLocked() {
	if e.audioCmd == nil {
		return
	}
	e.audioTap.Close()
	if err := e.audioCmd.Wait(); err != nil {
		e.log.Warn("audio command exited with error", "error", err)
	}
	e.audioCmd = nil
	e.audioTap = nil
}
