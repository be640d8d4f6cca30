package fileset

import (
	"math"

	"golang.org/x/sys/unix"
)

// FreeDiskMB returns the free space of the filesystem holding path, in
// megabytes. Errors report as "plenty of space" so a stat failure never
// forces a spurious rollover.
func FreeDiskMB(path string) int {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return math.MaxInt32
	}
	return int(uint64(st.Bavail) * uint64(st.Bsize) / (1024 * 1024))
}
