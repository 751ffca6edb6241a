// Package journal implements the on-disk, memory-mapped control file that
// drives a resumable, rollback-capable file-tree install.
//
// The on-disk layout is a fixed header (magic, version, phase flags,
// session prefix, length, maxpathlen) followed by a flat sequence of file
// entries and a 0xFF terminator. The whole file is mapped shared
// read/write; mutations are OR'd into the mapping and made durable with
// msync, never by rewriting the file through a second handle.
package journal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// Global phase flags (wire-visible bit positions, spec'd values).
const (
	CopiedNew       uint32 = 1 << 0
	BackedOldUp     uint32 = 1 << 1
	Replaced        uint32 = 1 << 2
	RollbackStarted uint32 = 1 << 3
)

// Per-entry file flags.
const (
	FileBackedUp uint8 = 1 << 0
	FileRemove   uint8 = 1 << 1
	FileIgnore   uint8 = 1 << 2
	FileDir      uint8 = 1 << 3
)

const (
	magicLen      = 5
	prefixLen     = 7 // 6 letters + NUL
	prefixLetters = 6
	terminator    = 0xFF

	// header layout offsets
	offMagic      = 0
	offVersion    = offMagic + magicLen
	offFlags      = offVersion + 2
	offPrefix     = offFlags + 4
	offLength     = offPrefix + prefixLen
	offMaxPathLen = offLength + 8
	headerSize    = offMaxPathLen + 8
)

var wantMagic = [magicLen]byte{'A', 'I', 'j', '!', 0}

// ErrInvalid is returned when a journal's on-disk header fails validation.
var ErrInvalid = errors.New("journal: invalid")

// ErrInvalidState is returned by SetGlobalFlag when the requested bit
// cannot be set given the journal's current flags (rollback already
// started). Setting a bit that is already asserted is not an error.
var ErrInvalidState = errors.New("journal: invalid state")

// Journal is an open, mmap-backed journal file.
type Journal struct {
	file *os.File
	data []byte
}

// Entry is a borrowed reference into a Journal's mapping. It is only
// valid for the lifetime of the Journal it came from.
type Entry struct {
	j      *Journal
	offset int // offset of the file_flags byte
}

// Create creates a new journal at path, populated by a recursive walk of
// sourceRoot, and writes it to disk. It returns once the file is fully
// written and closed.
func Create(path, sourceRoot string) error {
	return create(path, sourceRoot, nil)
}

// CreateWithRemovals is Create plus one FILE_REMOVE entry per path in
// removals, for the driver's --input-files mode. Each removal path is an
// absolute-style, '/'-separated path relative to the destination root
// (e.g. "/etc/foo.conf").
func CreateWithRemovals(path, sourceRoot string, removals []string) error {
	return create(path, sourceRoot, removals)
}

func create(path, sourceRoot string, removals []string) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("journal: create %s: %w", path, err)
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("journal: lock %s: %w", path, err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	prefix := generatePrefix()

	hdr := make([]byte, headerSize)
	if _, err := f.WriteAt(hdr, 0); err != nil {
		return fmt.Errorf("journal: write placeholder header: %w", err)
	}

	w := bufio.NewWriter(f)
	length := uint64(headerSize)
	var maxPathLen uint64

	emit := func(flags uint8, relDir, name string) error {
		p := entryPath(relDir)
		if err := w.WriteByte(flags); err != nil {
			return err
		}
		if _, err := w.WriteString(p); err != nil {
			return err
		}
		if err := w.WriteByte(0); err != nil {
			return err
		}
		if _, err := w.WriteString(name); err != nil {
			return err
		}
		if err := w.WriteByte(0); err != nil {
			return err
		}
		length += uint64(1 + len(p) + 1 + len(name) + 1)
		if pl := uint64(len(p) + len(name)); pl > maxPathLen {
			maxPathLen = pl
		}
		return nil
	}

	if err := walkSource(sourceRoot, "", func(relDir, name string) error {
		return emit(0, relDir, name)
	}); err != nil {
		return fmt.Errorf("journal: walk %s: %w", sourceRoot, err)
	}

	for _, removal := range removals {
		relDir, name := splitRemovalPath(removal)
		if err := emit(FileRemove, relDir, name); err != nil {
			return fmt.Errorf("journal: write removal entry %q: %w", removal, err)
		}
	}

	if err := w.WriteByte(terminator); err != nil {
		return fmt.Errorf("journal: write terminator: %w", err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("journal: flush: %w", err)
	}
	length++ // terminator byte counts toward length

	hdr = make([]byte, headerSize)
	copy(hdr[offMagic:], wantMagic[:])
	binary.LittleEndian.PutUint16(hdr[offVersion:], 0)
	binary.LittleEndian.PutUint32(hdr[offFlags:], 0)
	copy(hdr[offPrefix:], prefix[:])
	binary.LittleEndian.PutUint64(hdr[offLength:], length)
	binary.LittleEndian.PutUint64(hdr[offMaxPathLen:], maxPathLen)

	if _, err := f.WriteAt(hdr, 0); err != nil {
		return fmt.Errorf("journal: rewrite header: %w", err)
	}
	return f.Sync()
}

// splitRemovalPath turns a '/'-separated removal path (e.g. "/etc/foo.conf"
// or "foo.conf") into the (dirPath, name) form emit expects, using the same
// leading/trailing-slash convention as entryPath.
func splitRemovalPath(p string) (relDir, name string) {
	p = strings.Trim(p, "/")
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[:i], p[i+1:]
	}
	return "", p
}

// entryPath formats a relative directory (as produced by filepath.Join,
// i.e. no leading/trailing slash, "" for the root) into the journal's
// leading-and-trailing-slash path form, where the top directory is the
// single byte "/".
func entryPath(relDir string) string {
	if relDir == "" || relDir == "." {
		return "/"
	}
	return "/" + filepath.ToSlash(relDir) + "/"
}

// walkSource recursively emits one entry per non-directory file found
// under sourceRoot/relDir. Directories themselves are never emitted;
// internal/mkdirp materializes them implicitly from the file entries'
// paths.
func walkSource(sourceRoot, relDir string, emit func(relDir, name string) error) error {
	dirPath := filepath.Join(sourceRoot, relDir)
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		return err
	}

	for _, de := range entries {
		name := de.Name()
		if name == "." || name == ".." {
			continue
		}
		full := filepath.Join(relDir, name)

		typ := de.Type()
		if typ&fs.ModeSymlink != 0 {
			if err := emit(relDir, name); err != nil {
				return err
			}
			continue
		}
		isDir := typ.IsDir()
		if typ&fs.ModeType == fs.ModeIrregular {
			// DT_UNKNOWN equivalent: fall back to an explicit stat.
			fi, err := os.Lstat(filepath.Join(sourceRoot, full))
			if err != nil {
				return err
			}
			isDir = fi.IsDir()
		}
		if isDir {
			if err := walkSource(sourceRoot, full, emit); err != nil {
				if errors.Is(err, unix.ENOTDIR) {
					if err := emit(relDir, name); err != nil {
						return err
					}
					continue
				}
				return err
			}
			continue
		}
		if err := emit(relDir, name); err != nil {
			return err
		}
	}
	return nil
}

// generatePrefix derives a 6-letter lowercase-ASCII session identifier by
// repeatedly taking letter = 'a' + seed%26; seed >>= 5, seeded from a
// random 32-bit value. The seed is drawn from a UUIDv4 rather than
// time.Now(), for better entropy, but the derivation loop itself is
// exactly as spec'd.
func generatePrefix() [prefixLen]byte {
	id := uuid.New()
	seed := binary.LittleEndian.Uint32(id[:4])

	var out [prefixLen]byte
	for i := 0; i < prefixLetters; i++ {
		out[i] = byte('a' + seed%26)
		seed >>= 5
	}
	out[prefixLetters] = 0
	return out
}

// Open opens an existing journal file, validates its header, and maps it
// shared read/write. The returned Journal must be closed with Close.
func Open(path string) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, fmt.Errorf("journal: lock %s: %w", path, err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	size := fi.Size()
	if size < headerSize {
		f.Close()
		return nil, fmt.Errorf("%w: %s: too short", ErrInvalid, path)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("journal: mmap %s: %w", path, err)
	}

	j := &Journal{file: f, data: data}

	if !bytesEqual(data[offMagic:offMagic+magicLen], wantMagic[:]) {
		j.Close()
		return nil, fmt.Errorf("%w: %s: bad magic", ErrInvalid, path)
	}
	if v := binary.LittleEndian.Uint16(data[offVersion:]); v != 0 {
		j.Close()
		return nil, fmt.Errorf("%w: %s: unsupported version %d", ErrInvalid, path, v)
	}
	if l := binary.LittleEndian.Uint64(data[offLength:]); l != uint64(size) {
		j.Close()
		return nil, fmt.Errorf("%w: %s: length %d != file size %d", ErrInvalid, path, l, size)
	}
	return j, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Close unmaps the journal's mapping and releases the file handle and its
// advisory lock.
func (j *Journal) Close() error {
	var err error
	if j.data != nil {
		err = unix.Munmap(j.data)
		j.data = nil
	}
	if j.file != nil {
		_ = unix.Flock(int(j.file.Fd()), unix.LOCK_UN)
		if cerr := j.file.Close(); err == nil {
			err = cerr
		}
		j.file = nil
	}
	return err
}

// Unlink removes the journal file from disk. The journal must already be
// closed.
func Unlink(path string) error {
	err := os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// Prefix returns the 6-letter session identifier embedded in the header.
func (j *Journal) Prefix() string {
	raw := j.data[offPrefix : offPrefix+prefixLen]
	if i := indexByte(raw, 0); i >= 0 {
		return string(raw[:i])
	}
	return string(raw)
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// MaxPathLen returns the length of the longest path+name entry.
func (j *Journal) MaxPathLen() uint64 {
	return binary.LittleEndian.Uint64(j.data[offMaxPathLen:])
}

// Length returns the on-disk length recorded in the header.
func (j *Journal) Length() uint64 {
	return binary.LittleEndian.Uint64(j.data[offLength:])
}

// GlobalFlags returns the current phase-flags bitmask.
func (j *Journal) GlobalFlags() uint32 {
	return binary.LittleEndian.Uint32(j.data[offFlags:])
}

// SetGlobalFlag ORs bit into the phase-flags word and durably flushes the
// whole mapping. Flags are monotonic once set: it refuses to set any bit
// other than RollbackStarted once RollbackStarted is already set.
func (j *Journal) SetGlobalFlag(bit uint32) error {
	cur := j.GlobalFlags()
	if cur&RollbackStarted != 0 && bit != RollbackStarted {
		return fmt.Errorf("%w: rollback already started", ErrInvalidState)
	}
	binary.LittleEndian.PutUint32(j.data[offFlags:], cur|bit)

	// Best-effort: encourage the data written by the just-completed phase
	// to reach disk before the flag asserting its completion does.
	_ = unix.Sync()
	return unix.Msync(j.data, unix.MS_SYNC)
}

// First returns the first entry in the journal, or (nil, false) if the
// file list is empty.
func (j *Journal) First() (*Entry, bool) {
	off := headerSize
	if off >= len(j.data) || j.data[off] == terminator {
		return nil, false
	}
	return &Entry{j: j, offset: off}, true
}

// Next returns the entry following e, or (nil, false) if e was the last
// entry.
func (j *Journal) Next(e *Entry) (*Entry, bool) {
	off := e.offset + 1 // past file_flags
	off = skipCString(j.data, off)
	off = skipCString(j.data, off)
	if off >= len(j.data) || j.data[off] == terminator {
		return nil, false
	}
	return &Entry{j: j, offset: off}, true
}

func skipCString(data []byte, off int) int {
	for off < len(data) && data[off] != 0 {
		off++
	}
	return off + 1
}

// Path returns the entry's directory path (always begins and ends with
// '/'; "/" for the top directory).
func (e *Entry) Path() string {
	start := e.offset + 1
	end := start
	for e.j.data[end] != 0 {
		end++
	}
	return string(e.j.data[start:end])
}

// Name returns the entry's basename.
func (e *Entry) Name() string {
	start := e.offset + 1
	start = skipCString(e.j.data, start)
	end := start
	for e.j.data[end] != 0 {
		end++
	}
	return string(e.j.data[start:end])
}

// FullPath returns Path()+Name(), the file's full path relative to
// whatever root it is later joined against.
func (e *Entry) FullPath() string {
	return e.Path() + e.Name()
}

// Flags returns the entry's current file_flags byte.
func (e *Entry) Flags() uint8 {
	return e.j.data[e.offset]
}

// SetFlag ORs bit into the entry's file_flags byte. The mutation is not
// separately synced; it becomes durable the next time SetGlobalFlag is
// called to conclude the enclosing phase.
func (e *Entry) SetFlag(bit uint8) {
	e.j.data[e.offset] |= bit
}

// HasFlag reports whether bit is set in the entry's file_flags byte.
func (e *Entry) HasFlag(bit uint8) bool {
	return e.Flags()&bit != 0
}

// Walk calls fn for every entry in the journal, in on-disk order,
// stopping early if fn returns an error.
func (j *Journal) Walk(fn func(*Entry) error) error {
	e, ok := j.First()
	for ok {
		if err := fn(e); err != nil {
			return err
		}
		e, ok = j.Next(e)
	}
	return nil
}

// String renders an entry for diagnostics.
func (e *Entry) String() string {
	return strings.TrimSuffix(e.FullPath(), "")
}
