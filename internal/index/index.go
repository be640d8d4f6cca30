// Package index maintains the frame-accurate on-disk index of a recording.
//
// The index file (index.vdr) is an append-only array of fixed 8-byte
// entries, one per frame: entry N describes frame N of the logical stream
// and maps it to a byte offset within a numbered segment file, tagged with
// the frame's picture type. The index is what makes trick modes, resumable
// playback and cutting possible.
//
// A reader may follow a writer that is still appending to the same file:
// read-mode indexes grow their in-memory copy on demand by stat'ing the
// file (catch-up). The writer side is append-only, so no locking is needed
// between the two.
package index

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/arvek/dvrd/internal/dvr"
)

// FileName is the index file's name inside a recording directory.
const FileName = "index.vdr"

const entrySize = 8

// DefaultTailGuard is how many entries NextIFrame stays away from the end
// of a growing index, so forward trick modes never race into the writer's
// still-forming group of pictures.
const DefaultTailGuard = 100

type entry struct {
	offset int32
	ptype  dvr.PictureType
	number uint8
	// 2 reserved bytes on disk, written as zero
}

func (e entry) encode(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], uint32(e.offset))
	b[4] = byte(e.ptype)
	b[5] = e.number
	b[6] = 0
	b[7] = 0
}

func decodeEntry(b []byte) entry {
	return entry{
		offset: int32(binary.LittleEndian.Uint32(b[0:4])),
		ptype:  dvr.PictureType(b[4]),
		number: b[5],
	}
}

// Index is the disk-backed frame index of one recording. A write-mode
// Index appends entries; a read-mode Index holds the whole file in memory
// and can catch up with a concurrent writer.
type Index struct {
	log    *slog.Logger
	f      *os.File
	path   string
	record bool
	resume resumeFile

	// mu guards entries and last: the replay input goroutine and facade
	// calls (seek, snap, totals) read the same index concurrently, and
	// catch-up grows it under them.
	mu      sync.Mutex
	entries []entry
	last    int
	err     error // sticky write failure

	// TailGuard is the forward search guard in entries. Tests and sealed
	// recordings may set it to 0.
	TailGuard int
}

// Open opens the index of the recording directory dir for reading. The
// whole file is read into memory; the file handle stays open so CatchUp
// can follow a concurrent writer. A missing index file is reported as an
// error wrapping fs.ErrNotExist; replay treats that as "no index" and
// falls back to opaque byte replay.
func Open(dir string, log *slog.Logger) (*Index, error) {
	if log == nil {
		log = slog.Default()
	}
	path := filepath.Join(dir, FileName)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat index: %w", err)
	}
	idx := &Index{
		log:       log.With("component", "index"),
		f:         f,
		path:      path,
		resume:    resumeFile{dir: dir},
		last:      -1,
		TailGuard: DefaultTailGuard,
	}
	n := int(fi.Size()) / entrySize
	if n > 0 {
		buf := make([]byte, n*entrySize)
		if _, err := io.ReadFull(f, buf); err != nil {
			f.Close()
			return nil, fmt.Errorf("read index %s: %w", path, err)
		}
		idx.entries = make([]entry, n)
		for i := range idx.entries {
			idx.entries[i] = decodeEntry(buf[i*entrySize:])
		}
		idx.last = n - 1
	}
	if fi.Size()%entrySize != 0 {
		idx.log.Warn("index has a partial trailing entry, ignoring it",
			"file", path, "size", fi.Size())
	}
	return idx, nil
}

// Create opens the index of dir for appending, creating it if necessary.
// A trailing partial entry left by a crash is zero-padded to the 8-byte
// alignment before any new entry is written.
func Create(dir string, log *slog.Logger) (*Index, error) {
	if log == nil {
		log = slog.Default()
	}
	path := filepath.Join(dir, FileName)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create index: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat index: %w", err)
	}
	idx := &Index{
		log:       log.With("component", "index"),
		f:         f,
		path:      path,
		record:    true,
		resume:    resumeFile{dir: dir},
		TailGuard: DefaultTailGuard,
	}
	size := fi.Size()
	if delta := size % entrySize; delta != 0 {
		pad := entrySize - delta
		idx.log.Warn("repairing index with partial trailing entry",
			"file", path, "size", size, "padding", pad)
		if _, err := f.Write(make([]byte, pad)); err != nil {
			f.Close()
			return nil, fmt.Errorf("%w: padding %s: %v", dvr.ErrIndexCorrupt, path, err)
		}
		size += pad
	}
	idx.last = int(size)/entrySize - 1
	return idx, nil
}

// Close releases the index file handle.
func (x *Index) Close() error {
	if x.f == nil {
		return nil
	}
	err := x.f.Close()
	x.f = nil
	return err
}

// Write appends one entry. After a write failure the index file is closed
// and every further Write reports the same error; the recording itself may
// continue without an index.
func (x *Index) Write(pt dvr.PictureType, fileNumber uint8, offset int32) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.err != nil {
		return x.err
	}
	if x.f == nil {
		return fmt.Errorf("%w: index closed", dvr.ErrWriteFailed)
	}
	var b [entrySize]byte
	entry{offset: offset, ptype: pt, number: fileNumber}.encode(b[:])
	if _, err := x.f.Write(b[:]); err != nil {
		x.err = fmt.Errorf("%w: index %s: %v", dvr.ErrWriteFailed, x.path, err)
		x.f.Close()
		x.f = nil
		return x.err
	}
	x.last++
	return nil
}

// catchUp grows the in-memory entry slice to match the file, following a
// concurrent writer. It is a no-op on write-mode indexes.
func (x *Index) catchUp() {
	if x.record || x.f == nil {
		return
	}
	fi, err := x.f.Stat()
	if err != nil {
		x.log.Warn("index catch-up stat failed", "file", x.path, "error", err)
		return
	}
	newLast := int(fi.Size())/entrySize - 1
	if newLast <= x.last {
		return
	}
	count := newLast - x.last
	buf := make([]byte, count*entrySize)
	if _, err := x.f.ReadAt(buf, int64(x.last+1)*entrySize); err != nil {
		x.log.Error("index catch-up read failed", "file", x.path, "error", err)
		return
	}
	for i := 0; i < count; i++ {
		x.entries = append(x.entries, decodeEntry(buf[i*entrySize:]))
	}
	x.last = newLast
}

// Get returns the location of frame in the recording. Length is the byte
// length of the frame when the next entry shares its segment file, or -1
// meaning "read to end of file". The sentinel is preserved end-to-end so
// the last frame of a segment always reads to EOF.
func (x *Index) Get(frame int) (fileNumber uint8, offset int32, pt dvr.PictureType, length int32, ok bool) {
	if x.record {
		return 0, 0, dvr.PictureNone, 0, false
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.catchUp()
	if frame < 0 || frame > x.last {
		return 0, 0, dvr.PictureNone, 0, false
	}
	e := x.entries[frame]
	length = -1
	if frame+1 <= x.last {
		if next := x.entries[frame+1]; next.number == e.number {
			length = next.offset - e.offset
		}
	}
	return e.number, e.offset, e.ptype, length, true
}

// NextIFrame steps frame by ±1 until an I-frame is found, staying
// TailGuard entries off the end on forward searches. It returns the frame
// number of the I-frame and its location, or ok=false when no I-frame
// exists in the searched direction.
func (x *Index) NextIFrame(frame int, forward bool) (iframe int, fileNumber uint8, offset int32, length int32, ok bool) {
	if x.record {
		return 0, 0, 0, 0, false
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if forward {
		x.catchUp()
	}
	d := -1
	limit := x.last
	if forward {
		d = 1
		limit -= x.TailGuard
	}
	for {
		frame += d
		if frame < 0 || frame > limit {
			return 0, 0, 0, 0, false
		}
		e := x.entries[frame]
		if e.ptype != dvr.PictureI {
			continue
		}
		length = -1
		if frame+1 <= x.last {
			if next := x.entries[frame+1]; next.number == e.number {
				length = next.offset - e.offset
			} else {
				// Recordings end on a non-I frame, so an I-frame at the
				// very end of a file means the tail is damaged.
				x.log.Error("I-frame at end of segment", "file_number", e.number)
			}
		}
		return frame, e.number, e.offset, length, true
	}
}

// FrameFor returns the frame number of the first entry at or past the
// given position, used to translate a (file, offset) location back into
// the logical stream.
func (x *Index) FrameFor(fileNumber uint8, offset int32) int {
	if x.record {
		return -1
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.catchUp()
	// TODO: binary search; entries are ordered by (number, offset).
	i := 0
	for ; i < x.last; i++ {
		e := x.entries[i]
		if e.number > fileNumber || (e.number == fileNumber && e.offset >= offset) {
			break
		}
	}
	return i
}

// Last returns the highest valid frame number, catching up with a
// concurrent writer first. -1 means the index is empty.
func (x *Index) Last() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.catchUp()
	return x.last
}

// ResumeGet reads the persisted resume frame, or -1 if none is stored.
func (x *Index) ResumeGet() int {
	return x.resume.read()
}

// ResumeSet persists frame as the point to resume replay from.
func (x *Index) ResumeSet(frame int) error {
	return x.resume.save(frame)
}

// IsNotExist reports whether err came from opening a recording that has no
// index file.
func IsNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
