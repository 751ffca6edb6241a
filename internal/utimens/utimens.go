// Package utimens fills in a pair of atime/mtime values, falling back to
// a source file's existing timestamps for whichever of the two is not
// being changed.
//
// Adapted from the go-fuse loopback filesystem's Setattr timestamp
// handling: that code filled in the missing half of an atime/mtime pair
// from a *fuse.Attr so a partial FUSE Setattr request could be applied
// with one Utimes call. Here there is no partial request — filecopy
// always wants "both timestamps, taken from the source" — so Fill takes
// a raw unix.Stat_t instead.
package utimens

import (
	"time"

	"golang.org/x/sys/unix"
)

// Fill returns the atime/mtime pair to apply to a copy, given the
// source's stat buffer. When a or m is nil, the corresponding timestamp
// is taken from st.
func Fill(a, m *time.Time, st *unix.Stat_t) (atime, mtime time.Time) {
	if a != nil {
		atime = *a
	} else {
		atime = time.Unix(st.Atim.Sec, st.Atim.Nsec)
	}
	if m != nil {
		mtime = *m
	} else {
		mtime = time.Unix(st.Mtim.Sec, st.Mtim.Nsec)
	}
	return atime, mtime
}
