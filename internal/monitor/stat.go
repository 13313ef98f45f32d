package monitor

import (
	"os"
	"syscall"
)

// deviceInode extracts the (dev, inode) pair a FileTail uses to detect a
// path being replaced out from under it, when the platform's os.FileInfo
// exposes a *syscall.Stat_t.
func deviceInode(info os.FileInfo) (dev, ino uint64, ok bool) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0, false
	}
	return uint64(st.Dev), uint64(st.Ino), true
}
