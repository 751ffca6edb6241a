// Package fallocate best-effort preallocates a file to a target size
// using whatever platform primitive is available, so a subsequent
// sequential write doesn't have to grow the file block by block.
package fallocate

// Fallocate preallocates fd to size bytes starting at offset 0.
// Preallocation is a best-effort optimization when available — callers
// that cannot preallocate (ENOSYS, unsupported platform) should treat
// the returned error as non-fatal, except where the caller has already
// promised the preallocated extent is load-bearing (regular-file copy,
// where a failure here is treated as fatal because it usually means the
// destination filesystem is out of space).
func Fallocate(fd int, size int64) error {
	return fallocate(fd, 0, 0, size)
}
