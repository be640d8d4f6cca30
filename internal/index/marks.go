package index

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// MarksFileName is the edit mark list's file name inside a recording
// directory: one decimal frame number per line, in ascending order.
// Marks pair up as (cut-in, cut-out) for the cutter.
const MarksFileName = "marks.vdr"

// Marks is an ordered list of edit marks for one recording.
type Marks struct {
	dir    string
	Frames []int
}

// LoadMarks reads the mark list of dir. A missing marks file yields an
// empty, saveable list.
func LoadMarks(dir string) (*Marks, error) {
	m := &Marks{dir: dir}
	f, err := os.Open(m.path())
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, fmt.Errorf("open marks: %w", err)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		n, err := strconv.Atoi(line)
		if err != nil {
			return nil, fmt.Errorf("marks %s: bad line %q", m.path(), line)
		}
		m.Frames = append(m.Frames, n)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read marks: %w", err)
	}
	return m, nil
}

func (m *Marks) path() string {
	return filepath.Join(m.dir, MarksFileName)
}

// Add appends a mark.
func (m *Marks) Add(frame int) {
	m.Frames = append(m.Frames, frame)
}

// Pairs returns the marks grouped as (cut-in, cut-out) pairs. A trailing
// unpaired mark is dropped.
func (m *Marks) Pairs() [][2]int {
	var pairs [][2]int
	for i := 0; i+1 < len(m.Frames); i += 2 {
		pairs = append(pairs, [2]int{m.Frames[i], m.Frames[i+1]})
	}
	return pairs
}

// Save rewrites the marks file.
func (m *Marks) Save() error {
	var sb strings.Builder
	for _, f := range m.Frames {
		sb.WriteString(strconv.Itoa(f))
		sb.WriteByte('\n')
	}
	if err := os.WriteFile(m.path(), []byte(sb.String()), 0o644); err != nil {
		return fmt.Errorf("save marks: %w", err)
	}
	return nil
}
