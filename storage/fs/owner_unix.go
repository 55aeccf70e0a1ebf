//go:build unix

package fs

import (
	"os"
	"syscall"
)

func fileOwner(fi os.FileInfo) (uint32, bool) {
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		return st.Uid, true
	}
	return 0, false
}
