// Package mkdirp creates the destination directories a merge-engine copy
// phase needs before it can place a file, race-safely and with attributes
// copied from the matching source directory.
//
// Directory creation is delegated to filepath-securejoin rather than a
// hand-rolled mkdir-p: SecureJoin's MkdirAll already resolves each path
// component underneath the destination root without following a symlink
// substituted mid-walk by a concurrent renamer, which a plain os.MkdirAll
// does not guard against.
package mkdirp

import (
	"os"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"golang.org/x/sys/unix"

	"github.com/projg2/atomic-install/filecopy"
)

// EnsureParents walks the '/'-separated components of relDir (a journal
// entry path such as "/a/b/c") and makes sure every directory component
// exists under destRoot, in order, creating any that are missing and
// copying mode/owner/xattrs from the corresponding directory under
// sourceRoot (directory timestamps are not copied). relDir itself is included: callers that only need the
// parents of a file entry should pass the entry's directory, not the
// entry's own path.
func EnsureParents(destRoot, sourceRoot, relDir string) error {
	relDir = strings.Trim(relDir, "/")
	if relDir == "" {
		return nil
	}

	var built strings.Builder
	for _, component := range strings.Split(relDir, "/") {
		if component == "" {
			continue
		}
		built.WriteByte('/')
		built.WriteString(component)
		unsafePath := built.String()

		if err := securejoin.MkdirAll(destRoot, unsafePath, 0700); err != nil {
			return err
		}

		destDir := destRoot + unsafePath
		srcDir := sourceRoot + unsafePath

		var st unix.Stat_t
		if err := unix.Lstat(srcDir, &st); err != nil {
			if err == unix.ENOENT {
				// A directory that exists only on the destination side
				// (created to host a later entry) is left at the
				// owner-only 0700 mode MkdirAll gave it.
				continue
			}
			return err
		}
		if err := filecopy.ApplyAttrs(destDir, srcDir, &st, false); err != nil {
			return err
		}
	}
	return nil
}

// EnsureParentsHandle is like EnsureParents but additionally returns an
// open handle to the final directory component, for callers that want to
// openat() into it without a second symlink-race-prone path resolution.
func EnsureParentsHandle(destRoot, sourceRoot, relDir string) (*os.File, error) {
	if err := EnsureParents(destRoot, sourceRoot, relDir); err != nil {
		return nil, err
	}

	rootDir, err := os.OpenFile(destRoot, unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	defer rootDir.Close()

	unsafePath := "/" + strings.Trim(relDir, "/")
	handle, err := securejoin.MkdirAllHandle(rootDir, unsafePath, 0700)
	if err != nil {
		return nil, err
	}
	return handle, nil
}
