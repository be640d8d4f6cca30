// Package fileset manages the numbered segment files (001.vdr … 255.vdr)
// that hold a recording's program stream. A FileSet keeps exactly one
// segment open at a time and exposes the mechanical operations (open a
// specific segment at an offset, advance to the next one, close) while
// the rollover policy itself stays with the caller.
package fileset

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/arvek/dvrd/internal/dvr"
)

// Mode selects how segments are opened.
type Mode int

// FileSet modes.
const (
	Read Mode = iota
	Write
)

// FileSet is a logical stream spread over numbered segment files in a
// recording directory.
type FileSet struct {
	log    *slog.Logger
	dir    string
	mode   Mode
	number int
	f      *os.File
}

// New creates a FileSet over the recording directory dir. No file is
// opened until Open or Next.
func New(dir string, mode Mode, log *slog.Logger) *FileSet {
	if log == nil {
		log = slog.Default()
	}
	return &FileSet{
		log:  log.With("component", "fileset", "dir", dir),
		dir:  dir,
		mode: mode,
	}
}

// SegmentName returns the file name of segment number within the set's
// directory.
func SegmentName(dir string, number int) string {
	return filepath.Join(dir, fmt.Sprintf("%03d.vdr", number))
}

// Number returns the currently open segment number, or 0 if none is open.
func (s *FileSet) Number() int {
	return s.number
}

// Name returns the path of the currently open segment.
func (s *FileSet) Name() string {
	return SegmentName(s.dir, s.number)
}

// File exposes the current segment's handle for reading or writing.
func (s *FileSet) File() *os.File {
	return s.f
}

// Open switches to segment number. The current segment, if different, is
// closed first. In write mode an existing target advances to the next free
// number so a recording never overwrites another's segments; in read mode
// the file is opened and positioned at offset. Numbers beyond the segment
// limit fail with dvr.ErrTooManyFiles.
func (s *FileSet) Open(number int, offset int64) (*os.File, error) {
	if number == s.number && s.f != nil {
		if s.mode == Read {
			if _, err := s.f.Seek(offset, io.SeekStart); err != nil {
				return nil, fmt.Errorf("%w: seek %s: %v", dvr.ErrReadFailed, s.Name(), err)
			}
		}
		return s.f, nil
	}
	s.Close()
	for {
		if number < 1 || number > dvr.MaxSegmentFiles {
			return nil, fmt.Errorf("%w: segment %d", dvr.ErrTooManyFiles, number)
		}
		name := SegmentName(s.dir, number)
		if s.mode == Write {
			if _, err := os.Stat(name); err == nil {
				number++ // segment exists, try the next suffix
				continue
			} else if !os.IsNotExist(err) {
				return nil, fmt.Errorf("%w: stat %s: %v", dvr.ErrWriteFailed, name, err)
			}
			f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE, 0o644)
			if err != nil {
				return nil, fmt.Errorf("%w: create %s: %v", dvr.ErrWriteFailed, name, err)
			}
			s.log.Info("recording to segment", "file", name)
			s.f, s.number = f, number
			return f, nil
		}
		f, err := os.Open(name)
		if err != nil {
			return nil, fmt.Errorf("%w: open %s: %v", dvr.ErrReadFailed, name, err)
		}
		if offset > 0 {
			if _, err := f.Seek(offset, io.SeekStart); err != nil {
				f.Close()
				return nil, fmt.Errorf("%w: seek %s: %v", dvr.ErrReadFailed, name, err)
			}
		}
		s.log.Debug("playing segment", "file", name)
		s.f, s.number = f, number
		return f, nil
	}
}

// Next advances to the following segment at offset 0.
func (s *FileSet) Next() (*os.File, error) {
	return s.Open(s.number+1, 0)
}

// Close releases the current segment handle.
func (s *FileSet) Close() {
	if s.f != nil {
		if err := s.f.Close(); err != nil {
			s.log.Error("closing segment failed", "file", s.Name(), "error", err)
		}
		s.f = nil
	}
}
