//go:build linux

package blob

import (
	"io/fs"
	"syscall"
)

// atimeOf extracts the access time from a stat result.
func atimeOf(info fs.FileInfo) int64 {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return st.Atim.Nano()
	}
	return info.ModTime().UnixNano()
}
