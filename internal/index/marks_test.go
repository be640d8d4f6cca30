package index

import (
	"os"
	"path/filepath"
	"testing"
)

func TestMarksRoundTrip(t *testing.T) {
	dir := t.TempDir()

	m, err := LoadMarks(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Frames) != 0 {
		t.Fatalf("fresh marks = %v", m.Frames)
	}
	m.Add(12)
	m.Add(24)
	m.Add(36)
	m.Add(48)
	if err := m.Save(); err != nil {
		t.Fatal(err)
	}

	loaded, err := LoadMarks(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded.Frames) != 4 || loaded.Frames[0] != 12 || loaded.Frames[3] != 48 {
		t.Errorf("loaded marks = %v", loaded.Frames)
	}

	pairs := loaded.Pairs()
	if len(pairs) != 2 || pairs[0] != [2]int{12, 24} || pairs[1] != [2]int{36, 48} {
		t.Errorf("pairs = %v", pairs)
	}
}

func TestMarksUnpairedDropped(t *testing.T) {
	m := &Marks{Frames: []int{10, 20, 30}}
	pairs := m.Pairs()
	if len(pairs) != 1 || pairs[0] != [2]int{10, 20} {
		t.Errorf("pairs = %v", pairs)
	}
}

func TestMarksBadLine(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, MarksFileName), []byte("12\nnope\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadMarks(dir); err == nil {
		t.Error("bad mark line accepted")
	}
}
