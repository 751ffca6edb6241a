// Package filecopy implements the attribute-preserving file copy
// primitive: move, link-or-copy, and attributed-copy over regular files,
// symlinks, directories, fifos, and device nodes.
//
// The dispatch style is lifted from the go-fuse loopback filesystem
// (fs/loopback.go), which handles each syscall.Stat_t.Mode case with its
// own small method (Mknod, Symlink, Mkdir, ...) rather than one large
// switch. Here the cases are collapsed into a fileKind sum type derived
// once from an lstat rather than re-dispatching on st.Mode at every step.
package filecopy

import (
	"errors"
	"fmt"
	"time"

	"github.com/pkg/xattr"
	"golang.org/x/sys/unix"

	"github.com/projg2/atomic-install/internal/fallocate"
	"github.com/projg2/atomic-install/internal/openat"
	"github.com/projg2/atomic-install/internal/utimens"
)

// copyBlockSize is the block size used when streaming a regular file's
// content.
const copyBlockSize = 65536

// ProgressFunc is called before copying a regular file's content, and
// optionally with incremental progress. If any intermediate call reports
// done != 0, a terminal call with done == total is guaranteed.
type ProgressFunc func(path string, megabytesDone, megabytesTotal int64)

// fileKind is a small sum type standing in for a raw stat-mode switch.
type fileKind int

const (
	kindSymlink fileKind = iota
	kindRegular
	kindDirectory
	kindFifo
	kindDevice
	kindUnsupported
)

func classify(st *unix.Stat_t) fileKind {
	switch st.Mode & unix.S_IFMT {
	case unix.S_IFLNK:
		return kindSymlink
	case unix.S_IFREG:
		return kindRegular
	case unix.S_IFDIR:
		return kindDirectory
	case unix.S_IFIFO:
		return kindFifo
	case unix.S_IFCHR, unix.S_IFBLK:
		return kindDevice
	default:
		return kindUnsupported
	}
}

// Error wraps a failed filecopy operation with the syscall name and the
// paths involved, giving callers a single cause per failure that carries
// both source and destination.
type Error struct {
	Op       string
	Src, Dst string
	Err      error
}

func (e *Error) Error() string {
	if e.Dst == "" {
		return fmt.Sprintf("filecopy: %s %s: %v", e.Op, e.Src, e.Err)
	}
	return fmt.Sprintf("filecopy: %s %s -> %s: %v", e.Op, e.Src, e.Dst, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func wrapErr(op, src, dst string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Src: src, Dst: dst, Err: err}
}

// retryEINTR re-runs fn while it returns EINTR.
func retryEINTR(fn func() error) error {
	for {
		err := fn()
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}

// Move attempts an atomic rename; on cross-device failure it falls back
// to AttributedCopy followed by removing src.
func Move(src, dst string) error {
	err := retryEINTR(func() error { return unix.Rename(src, dst) })
	if err == nil {
		return nil
	}
	if !errors.Is(err, unix.EXDEV) {
		return wrapErr("rename", src, dst, err)
	}
	if err := AttributedCopy(src, dst, nil); err != nil {
		return err
	}
	if err := unix.Unlink(src); err != nil {
		return wrapErr("unlink", src, "", err)
	}
	return nil
}

// LinkOrCopy unlinks dst (ignoring ENOENT), then hard-links src to dst.
// On cross-device or permission-denied failure it falls back to
// AttributedCopy.
func LinkOrCopy(src, dst string) error {
	if err := unix.Unlink(dst); err != nil && !errors.Is(err, unix.ENOENT) {
		return wrapErr("unlink", dst, "", err)
	}
	err := retryEINTR(func() error { return unix.Link(src, dst) })
	if err == nil {
		return nil
	}
	if errors.Is(err, unix.EXDEV) || errors.Is(err, unix.EACCES) {
		return AttributedCopy(src, dst, nil)
	}
	return wrapErr("link", src, dst, err)
}

// AttributedCopy copies a single filesystem object (never traversing
// symlinks) from src to dst, preserving content and attributes. progress
// may be nil.
func AttributedCopy(src, dst string, progress ProgressFunc) error {
	var st unix.Stat_t
	if err := unix.Lstat(src, &st); err != nil {
		return wrapErr("lstat", src, "", err)
	}

	switch classify(&st) {
	case kindSymlink:
		return copySymlink(src, dst, &st)
	case kindRegular:
		return copyRegular(src, dst, &st, progress)
	case kindDirectory:
		return copyDirectory(src, dst, &st)
	case kindFifo, kindDevice:
		return copySpecial(src, dst, &st)
	default:
		return wrapErr("copy", src, dst, fmt.Errorf("invalid file type (mode %#o)", st.Mode&unix.S_IFMT))
	}
}

func copySymlink(src, dst string, st *unix.Stat_t) error {
	symlen := st.Size
	buf := make([]byte, symlen+1)
	n, err := unix.Readlink(src, buf)
	if err != nil {
		return wrapErr("readlink", src, "", err)
	}
	if int64(n) != symlen {
		return wrapErr("readlink", src, "", fmt.Errorf("invalid: symlink length changed from %d to %d", symlen, n))
	}
	buf[n] = 0
	target := string(buf[:n])

	if err := unix.Unlink(dst); err != nil && !errors.Is(err, unix.ENOENT) {
		return wrapErr("unlink", dst, "", err)
	}
	if err := unix.Symlink(target, dst); err != nil {
		return wrapErr("symlink", dst, "", err)
	}
	return ApplyAttrs(dst, src, st, true)
}

func copyRegular(src, dst string, st *unix.Stat_t, progress ProgressFunc) error {
	// openat2(2) with RESOLVE_NO_SYMLINKS (falling back to O_NOFOLLOW on the
	// final component off Linux) guards against src being swapped for a
	// symlink between the lstat in AttributedCopy and this open.
	sfd, err := openat.OpenatNofollow(unix.AT_FDCWD, src, unix.O_RDONLY, 0)
	if err != nil {
		return wrapErr("open", src, "", err)
	}
	defer unix.Close(sfd)

	if err := unix.Unlink(dst); err != nil && !errors.Is(err, unix.ENOENT) {
		return wrapErr("unlink", dst, "", err)
	}
	dfd, err := unix.Open(dst, unix.O_WRONLY|unix.O_CREAT|unix.O_TRUNC, 0666)
	if err != nil {
		return wrapErr("open", dst, "", err)
	}
	closeErr := func() error {
		defer unix.Close(dfd)

		if st.Size > 0 {
			if err := fallocate.Fallocate(dfd, st.Size); err != nil {
				return wrapErr("fallocate", dst, "", err)
			}
		}
		_ = unix.Fadvise(sfd, 0, st.Size, unix.FADV_SEQUENTIAL)
		_ = unix.Fadvise(sfd, 0, st.Size, unix.FADV_WILLNEED)

		if progress != nil {
			progress(dst, 0, 0)
		}

		total := st.Size
		const mb = 1 << 20
		var done int64
		buf := make([]byte, copyBlockSize)
		for {
			n, err := retryRead(sfd, buf)
			if err != nil {
				return wrapErr("read", src, "", err)
			}
			if n == 0 {
				break
			}
			if err := writeAll(dfd, buf[:n]); err != nil {
				return wrapErr("write", dst, "", err)
			}
			done += int64(n)
			if progress != nil && total > 0 {
				progress(dst, done/mb, total/mb)
			}
		}
		if progress != nil && total > 0 {
			progress(dst, total/mb, total/mb)
		}
		return nil
	}()
	if closeErr != nil {
		return closeErr
	}
	return ApplyAttrs(dst, src, st, false)
}

func retryRead(fd int, buf []byte) (int, error) {
	var n int
	err := retryEINTR(func() error {
		var err error
		n, err = unix.Read(fd, buf)
		return err
	})
	return n, err
}

// writeAll retries short writes until the block is drained.
func writeAll(fd int, buf []byte) error {
	for len(buf) > 0 {
		var n int
		err := retryEINTR(func() error {
			var werr error
			n, werr = unix.Write(fd, buf)
			return werr
		})
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}

func copyDirectory(src, dst string, st *unix.Stat_t) error {
	err := unix.Mkdir(dst, st.Mode&0777)
	preexisting := errors.Is(err, unix.EEXIST)
	if err != nil && !preexisting {
		return wrapErr("mkdir", dst, "", err)
	}
	if preexisting {
		// An already-existing directory is left as-is: its attributes
		// will be touched by whatever copies into it next.
		return nil
	}
	return ApplyAttrs(dst, src, st, false)
}

func copySpecial(src, dst string, st *unix.Stat_t) error {
	mode := st.Mode
	if err := unix.Mknod(dst, mode, int(st.Rdev)); err != nil {
		return wrapErr("mknod", dst, "", err)
	}
	return ApplyAttrs(dst, src, st, false)
}

// ApplyAttrs applies ownership, timestamps, mode, and best-effort xattrs
// to dst in that order: lchown, timestamps, mode, xattrs. Timestamps are
// skipped when st describes a directory. The AT_SYMLINK_NOFOLLOW calls are
// always tried first; isSymlink suppresses the utimes/chmod fallbacks,
// which would follow a symlink.
func ApplyAttrs(dst, src string, st *unix.Stat_t, isSymlink bool) error {
	if err := unix.Lchown(dst, int(st.Uid), int(st.Gid)); err != nil {
		return wrapErr("lchown", dst, "", err)
	}

	isDir := st.Mode&unix.S_IFMT == unix.S_IFDIR
	if !isDir {
		atime, mtime := utimens.Fill(nil, nil, st)
		if err := setTimes(dst, atime, mtime, isSymlink); err != nil {
			return wrapErr("utimensat", dst, "", err)
		}
	}

	if err := setMode(dst, st.Mode&0777, isSymlink); err != nil {
		return wrapErr("chmod", dst, "", err)
	}

	CopyXattrsFrom(dst, src) // best-effort, silent if unsupported
	return nil
}

func setTimes(path string, atime, mtime time.Time, isSymlink bool) error {
	ts := []unix.Timespec{
		unix.NsecToTimespec(atime.UnixNano()),
		unix.NsecToTimespec(mtime.UnixNano()),
	}
	err := unix.UtimesNanoAt(unix.AT_FDCWD, path, ts, unix.AT_SYMLINK_NOFOLLOW)
	if err == nil || !errors.Is(err, unix.ENOSYS) {
		return err
	}
	if isSymlink {
		// utimensat is required to touch a symlink's own timestamp; if
		// it's unavailable there is nothing safe to fall back to.
		return err
	}
	tv := []unix.Timeval{
		{Sec: atime.Unix(), Usec: int64(atime.Nanosecond() / 1000)},
		{Sec: mtime.Unix(), Usec: int64(mtime.Nanosecond() / 1000)},
	}
	return unix.Utimes(path, tv)
}

func setMode(path string, mode uint32, isSymlink bool) error {
	err := unix.Fchmodat(unix.AT_FDCWD, path, mode, unix.AT_SYMLINK_NOFOLLOW)
	if err == nil || !errors.Is(err, unix.ENOTSUP) && !errors.Is(err, unix.EOPNOTSUPP) && !errors.Is(err, unix.ENOSYS) {
		return err
	}
	if isSymlink {
		// chmod(2) always follows symlinks; skip the fallback rather
		// than chmod the symlink's target.
		return nil
	}
	return unix.Chmod(path, mode)
}

// CopyXattrsFrom best-effort copies src's extended attributes onto dst,
// using symlink-safe (L-prefixed) calls throughout. Failures are
// silently ignored; an unsupported xattr interface is not an error.
func CopyXattrsFrom(dst, src string) {
	names, err := xattr.LList(src)
	if err != nil {
		return
	}
	for _, name := range names {
		data, err := xattr.LGet(src, name)
		if err != nil {
			continue
		}
		_ = xattr.LSet(dst, name, data)
	}
}

