package ring

import "sync"

// Frame is one discrete remuxed picture payload travelling through the
// replay pipeline, tagged with its frame number in the recording. The
// decoder device only accepts aligned picture payloads, which is why the
// replay side queues frames rather than bytes.
type Frame struct {
	data  []byte
	index int
}

// NewFrame copies b into a frame tagged with the given frame index.
func NewFrame(b []byte, index int) *Frame {
	data := make([]byte, len(b))
	copy(data, b)
	return &Frame{data: data, index: index}
}

// Data returns the frame payload. The consumer may modify it in place
// (audio stripping) while it holds the borrow between Get and Drop.
func (f *Frame) Data() []byte { return f.data }

// Index returns the frame's number in the recording, or -1 for frames
// replayed without an index.
func (f *Frame) Index() int { return f.index }

// Frames is the bounded frame queue between the replay pipeline's reader
// and its decoder writer. Capacity is accounted in payload bytes.
type Frames struct {
	gate

	mu       sync.Mutex
	queue    []*Frame
	bytes    int
	capacity int
}

// NewFrames creates a frame ring holding up to capacity payload bytes.
func NewFrames(capacity int) *Frames {
	return &Frames{capacity: capacity}
}

// Put enqueues the frame if the ring has room for its whole payload.
// All-or-nothing: it returns false when the frame does not fit or a drain
// is in progress, and the producer retries.
func (r *Frames) Put(f *Frame) bool {
	if r.Blocked() {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bytes+len(f.data) > r.capacity && len(r.queue) > 0 {
		return false
	}
	r.queue = append(r.queue, f)
	r.bytes += len(f.data)
	return true
}

// Get borrows the oldest frame without removing it. The borrow is valid
// until Drop; a nil return means the ring is empty or draining.
func (r *Frames) Get() *Frame {
	if r.Blocked() {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 {
		return nil
	}
	return r.queue[0]
}

// Drop returns the borrow taken by Get and removes the frame from the
// ring, waking the producer's next Put.
func (r *Frames) Drop(f *Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) > 0 && r.queue[0] == f {
		r.queue = r.queue[1:]
		r.bytes -= len(f.data)
	}
}

// Available returns the queued payload byte count.
func (r *Frames) Available() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bytes
}

// Clear discards all queued frames. Producer and consumer must be
// quiesced, either by Block or because the pipeline is stopped.
func (r *Frames) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queue = nil
	r.bytes = 0
}
