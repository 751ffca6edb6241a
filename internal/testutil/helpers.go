// Copyright 2018 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// AssertTimestampsRoundTrip checks that apply, called one axis at a time,
// changes exactly the timestamp it was given and leaves the other
// unchanged, then checks that setting both at once takes both. apply
// receives either argument as nil to mean "leave unchanged", matching
// filecopy's setTimes/utimens.Fill contract.
func AssertTimestampsRoundTrip(t *testing.T, path string, apply func(atime, mtime *time.Time) error) {
	t.Helper()

	// Arbitrary reference instant.
	t0sec := int64(1525291058)

	var st unix.Stat_t
	require.NoError(t, unix.Lstat(path, &st))
	origMtime := st.Mtim.Sec

	t0 := time.Unix(t0sec, 0)
	require.NoError(t, apply(&t0, nil))
	require.NoError(t, unix.Lstat(path, &st))
	require.Equal(t, origMtime, st.Mtim.Sec, "mtime must not change when only atime is given")
	require.Equal(t, t0sec, st.Atim.Sec)

	t1 := time.Unix(t0sec+123, 0)
	require.NoError(t, apply(nil, &t1))
	require.NoError(t, unix.Lstat(path, &st))
	require.Equal(t, t0sec, st.Atim.Sec, "atime must not change when only mtime is given")
	require.Equal(t, t0sec+123, st.Mtim.Sec)

	ta := time.Unix(t0sec+456, 0)
	tm := time.Unix(t0sec+789, 0)
	require.NoError(t, apply(&ta, &tm))
	require.NoError(t, unix.Lstat(path, &st))
	require.Equal(t, t0sec+456, st.Atim.Sec)
	require.Equal(t, t0sec+789, st.Mtim.Sec)
}
