package engine

import "github.com/arvek/dvrd/internal/timecode"

// RecordStatus describes the active recording.
type RecordStatus struct {
	Dir   string `json:"dir"`
	Error string `json:"error,omitempty"`
}

// ReplayStatus describes the active replay session.
type ReplayStatus struct {
	Dir      string `json:"dir"`
	Mode     string `json:"mode"`
	Paused   bool   `json:"paused"`
	Current  int    `json:"current"`
	Total    int    `json:"total"`
	Position string `json:"position"`
	Length   string `json:"length"`
}

// CutStatus describes the running or last cutting job.
type CutStatus struct {
	Dest   string `json:"dest"`
	Active bool   `json:"active"`
	Error  string `json:"error,omitempty"`
}

// Status is a point-in-time snapshot of the engine, serialized by the
// control API.
type Status struct {
	Recording    *RecordStatus `json:"recording,omitempty"`
	Replay       *ReplayStatus `json:"replay,omitempty"`
	Transferring bool          `json:"transferring"`
	Cut          *CutStatus    `json:"cut,omitempty"`
	Devices      int           `json:"devices"`
}

// Status reports what the engine is doing right now.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Status{Devices: len(e.devices)}
	if e.recorder != nil && e.recorder.Active() {
		rs := &RecordStatus{Dir: e.recorder.Dir()}
		if err := e.recorder.Err(); err != nil {
			rs.Error = err.Error()
		}
		s.Recording = rs
	}
	if e.replayer != nil && e.replayer.Active() {
		kind, paused := e.replayer.Mode()
		current, total := e.replayer.GetIndex(false)
		rs := &ReplayStatus{
			Dir:     e.replayer.Dir(),
			Mode:    kind.String(),
			Paused:  paused,
			Current: current,
			Total:   total,
		}
		if current >= 0 {
			rs.Position = timecode.ToHMSF(current)
		}
		if total >= 0 {
			rs.Length = timecode.ToHMS(total)
		}
		s.Replay = rs
	}
	s.Transferring = e.transferrer != nil && e.transferrer.Active()
	if e.cutter != nil {
		cs := &CutStatus{Dest: e.cutter.Dest(), Active: e.cutter.Active()}
		if err := e.cutter.Err(); err != nil {
			cs.Error = err.Error()
		}
		s.Cut = cs
	}
	return s
}
