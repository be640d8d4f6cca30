// Package timecode converts between frame numbers and H:MM:SS.FF timecodes
// at the engine's fixed 25 fps frame rate.
package timecode

import (
	"fmt"

	"github.com/arvek/dvrd/internal/dvr"
)

// ToHMSF formats a frame number as H:MM:SS.FF. The frame component is
// 1-based within its second.
func ToHMSF(frame int) string {
	f := frame%dvr.FramesPerSecond + 1
	s := frame / dvr.FramesPerSecond
	m := s / 60 % 60
	h := s / 3600
	s %= 60
	return fmt.Sprintf("%d:%02d:%02d.%02d", h, m, s, f)
}

// ToHMS formats a frame number as H:MM:SS, dropping the frame component.
func ToHMS(frame int) string {
	s := frame / dvr.FramesPerSecond
	m := s / 60 % 60
	h := s / 3600
	s %= 60
	return fmt.Sprintf("%d:%02d:%02d", h, m, s)
}

// FromHMSF parses H:MM:SS.FF (or H:MM:SS, treated as frame 1 of its
// second) back to a frame number. Returns 0 if the string does not parse.
func FromHMSF(hmsf string) int {
	var h, m, s, f int
	n, _ := fmt.Sscanf(hmsf, "%d:%d:%d.%d", &h, &m, &s, &f)
	if n < 3 {
		return 0
	}
	if n == 3 {
		f = 1
	}
	return (h*3600+m*60+s)*dvr.FramesPerSecond + f - 1
}
