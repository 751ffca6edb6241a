// Package merge implements the four-phase install state machine:
// copy_new, backup_old, replace, cleanup, and their rollback counterparts.
// It is the direct generalization of the go-fuse unionfs package's copy-up
// logic (unionfs/unionfs.go's Promote and deletion-whiteout handling) from
// "on first write, inside a FUSE operation" to "for every journal entry,
// phase by phase, gated on durable journal flags".
package merge

import (
	"errors"
	"fmt"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/projg2/atomic-install/filecopy"
	"github.com/projg2/atomic-install/internal/mkdirp"
	"github.com/projg2/atomic-install/journal"
)

// ErrInvalidState is returned by a phase operation when the journal's
// current flags do not satisfy that operation's precondition mask.
var ErrInvalidState = journal.ErrInvalidState

// ErrRollbackImpossible is returned by Rollback once REPLACED has been set:
// the install has already committed and cannot be undone.
var ErrRollbackImpossible = errors.New("merge: rollback impossible, replace already committed")

// RemovalOutcome is the errno-shaped result reported to a RemovalFunc for
// one cleanup removal.
type RemovalOutcome int

const (
	// RemovalDone reports a successful removal (errno 0).
	RemovalDone RemovalOutcome = iota
	// RemovalAbsent reports the target was already gone (ENOENT).
	RemovalAbsent
	// RemovalNotEmpty reports a directory removal blocked by remaining
	// contents, including a pre-existing file under that name remapped
	// from ENOTDIR or EEXIST (ENOTEMPTY).
	RemovalNotEmpty
	// RemovalReplaced reports a FILE_REMOVE entry that was overridden by a
	// FILE_IGNORE sibling and therefore replaced rather than removed
	// (EEXIST).
	RemovalReplaced
)

func (o RemovalOutcome) String() string {
	switch o {
	case RemovalDone:
		return "removed"
	case RemovalAbsent:
		return "absent"
	case RemovalNotEmpty:
		return "not empty"
	case RemovalReplaced:
		return "replaced"
	default:
		return "unknown"
	}
}

// ProgressFunc is called with (path, 0, 0) before copy_new copies each
// entry; no other phase reports progress.
type ProgressFunc = filecopy.ProgressFunc

// RemovalFunc is called by cleanup once per entry it removes or reports on.
// Rollback phases do not call it.
type RemovalFunc func(path string, outcome RemovalOutcome)

// Engine drives one journal through the phase state machine against a
// concrete source and destination tree.
type Engine struct {
	J           *journal.Journal
	JournalPath string
	SourceRoot  string
	DestRoot    string
	Progress    ProgressFunc
	Removal     RemovalFunc
}

// New returns an Engine wrapping an already-open journal. journalPath is
// the on-disk path of j, needed by Cleanup to unlink it once the journal
// handle itself has been closed.
func New(j *journal.Journal, journalPath, sourceRoot, destRoot string) *Engine {
	return &Engine{J: j, JournalPath: journalPath, SourceRoot: sourceRoot, DestRoot: destRoot}
}

func (eng *Engine) sourcePath(e *journal.Entry) string {
	return filepath.Join(eng.SourceRoot, e.FullPath())
}

func (eng *Engine) finalPath(e *journal.Entry) string {
	return filepath.Join(eng.DestRoot, e.FullPath())
}

// shadowPath builds D + path + "." + prefix + "~" + name + "." + suffix.
// The three name spaces (new, old, final) are pairwise disjoint by
// construction because "." + prefix + "~" can never occur as the start of
// a plain basename produced by a source tree walk without itself
// colliding (the prefix is freshly generated per session).
func (eng *Engine) shadowPath(e *journal.Entry, suffix string) string {
	dir := filepath.Join(eng.DestRoot, e.Path())
	base := "." + eng.J.Prefix() + "~" + e.Name() + "." + suffix
	return filepath.Join(dir, base)
}

func (eng *Engine) newShadow(e *journal.Entry) string { return eng.shadowPath(e, "new") }
func (eng *Engine) oldShadow(e *journal.Entry) string { return eng.shadowPath(e, "old") }

func (eng *Engine) reportProgress(path string, done, total int64) {
	if eng.Progress != nil {
		eng.Progress(path, done, total)
	}
}

func (eng *Engine) reportRemoval(path string, outcome RemovalOutcome) {
	if eng.Removal != nil {
		eng.Removal(path, outcome)
	}
}

func tolerate(err error, targets ...error) error {
	if err == nil {
		return nil
	}
	for _, t := range targets {
		if errors.Is(err, t) {
			return nil
		}
	}
	return err
}

func exists(path string) bool {
	var st unix.Stat_t
	return unix.Lstat(path, &st) == nil
}

func isDir(path string) bool {
	var st unix.Stat_t
	if unix.Lstat(path, &st) != nil {
		return false
	}
	return st.Mode&unix.S_IFMT == unix.S_IFDIR
}

// CopyNew runs the copy_new phase.
func (eng *Engine) CopyNew() error {
	flags := eng.J.GlobalFlags()
	if flags&journal.CopiedNew != 0 || flags&journal.RollbackStarted != 0 {
		return fmt.Errorf("%w: copy_new", ErrInvalidState)
	}

	err := eng.J.Walk(func(e *journal.Entry) error {
		if e.HasFlag(journal.FileRemove) {
			if exists(eng.sourcePath(e)) {
				e.SetFlag(journal.FileIgnore)
			}
			return nil
		}

		src := eng.sourcePath(e)
		dst := eng.newShadow(e)
		eng.reportProgress(e.FullPath(), 0, 0)
		if err := filecopy.LinkOrCopy(src, dst); err != nil {
			if !errors.Is(err, unix.ENOENT) {
				return err
			}
			if mkErr := mkdirp.EnsureParents(eng.DestRoot, eng.SourceRoot, e.Path()); mkErr != nil {
				return mkErr
			}
			if err := filecopy.LinkOrCopy(src, dst); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return eng.J.SetGlobalFlag(journal.CopiedNew)
}

// BackupOld runs the backup_old phase.
func (eng *Engine) BackupOld() error {
	flags := eng.J.GlobalFlags()
	if flags&journal.CopiedNew == 0 || flags&journal.BackedOldUp != 0 || flags&journal.RollbackStarted != 0 {
		return fmt.Errorf("%w: backup_old", ErrInvalidState)
	}

	err := eng.J.Walk(func(e *journal.Entry) error {
		if e.HasFlag(journal.FileIgnore) {
			return nil
		}
		final := eng.finalPath(e)
		if e.HasFlag(journal.FileRemove) && isDir(final) {
			e.SetFlag(journal.FileDir)
			return nil
		}
		err := filecopy.LinkOrCopy(final, eng.oldShadow(e))
		if err == nil {
			e.SetFlag(journal.FileBackedUp)
			return nil
		}
		return tolerate(err, unix.ENOENT)
	})
	if err != nil {
		return err
	}
	return eng.J.SetGlobalFlag(journal.BackedOldUp)
}

// Replace runs the replace phase. A failure here must be followed by the
// driver calling RollbackReplace.
func (eng *Engine) Replace() error {
	flags := eng.J.GlobalFlags()
	if flags&journal.CopiedNew == 0 || flags&journal.BackedOldUp == 0 ||
		flags&journal.Replaced != 0 || flags&journal.RollbackStarted != 0 {
		return fmt.Errorf("%w: replace", ErrInvalidState)
	}

	err := eng.J.Walk(func(e *journal.Entry) error {
		if e.HasFlag(journal.FileIgnore) {
			return nil
		}
		if e.HasFlag(journal.FileRemove) {
			if e.HasFlag(journal.FileDir) {
				return nil // deferred to cleanup
			}
			return tolerate(unix.Unlink(eng.finalPath(e)), unix.ENOENT)
		}
		return filecopy.Move(eng.newShadow(e), eng.finalPath(e))
	})
	if err != nil {
		return err
	}
	return eng.J.SetGlobalFlag(journal.Replaced)
}

// Cleanup runs the cleanup phase.
func (eng *Engine) Cleanup() error {
	if eng.J.GlobalFlags()&journal.Replaced == 0 {
		return fmt.Errorf("%w: cleanup", ErrInvalidState)
	}

	err := eng.J.Walk(func(e *journal.Entry) error {
		if e.HasFlag(journal.FileIgnore) {
			if e.HasFlag(journal.FileRemove) {
				eng.reportRemoval(e.FullPath(), RemovalReplaced)
			}
			return nil
		}
		if e.HasFlag(journal.FileDir) {
			err := rmdirRemap(eng.finalPath(e))
			if ferr := fatalOnly(err); ferr != nil {
				return ferr
			}
			eng.reportRemoval(e.FullPath(), classifyRemoval(err))
			return nil
		}
		if e.HasFlag(journal.FileBackedUp) {
			err := unix.Unlink(eng.oldShadow(e))
			if ferr := fatalOnly(err); ferr != nil {
				return ferr
			}
			eng.reportRemoval(e.FullPath(), classifyRemoval(err))
			return nil
		}
		if e.HasFlag(journal.FileRemove) {
			// Not FileDir, not FileBackedUp: backup_old already found
			// nothing at this path, so replace's unlink was a no-op.
			eng.reportRemoval(e.FullPath(), RemovalAbsent)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := eng.J.Close(); err != nil {
		return err
	}
	return journal.Unlink(eng.JournalPath)
}

// rmdirRemap performs rmdir(path), remapping EEXIST and ENOTDIR to
// ENOTEMPTY: rmdir(2) may return EEXIST for a non-empty directory, and
// returns ENOTDIR when a pre-existing file sits under that name; both read
// more usefully to a caller as "directory not empty / cannot remove".
func rmdirRemap(path string) error {
	err := unix.Rmdir(path)
	if errors.Is(err, unix.EEXIST) || errors.Is(err, unix.ENOTDIR) {
		return unix.ENOTEMPTY
	}
	return err
}

func classifyRemoval(err error) RemovalOutcome {
	switch {
	case err == nil:
		return RemovalDone
	case errors.Is(err, unix.ENOENT):
		return RemovalAbsent
	case errors.Is(err, unix.ENOTEMPTY):
		return RemovalNotEmpty
	default:
		return RemovalDone
	}
}

// fatalOnly lets ENOENT/ENOTEMPTY (already reported through the removal
// callback) pass silently, while any other error still aborts the phase.
func fatalOnly(err error) error {
	if err == nil || errors.Is(err, unix.ENOENT) || errors.Is(err, unix.ENOTEMPTY) {
		return nil
	}
	return err
}

// Rollback inspects the journal's current flags and runs whichever
// rollback sequence those flags call for.
func (eng *Engine) Rollback() error {
	flags := eng.J.GlobalFlags()
	switch {
	case flags&journal.Replaced != 0:
		return ErrRollbackImpossible
	case flags&journal.BackedOldUp != 0:
		return eng.RollbackReplace()
	case flags&journal.CopiedNew != 0:
		if err := eng.RollbackOld(); err != nil {
			return err
		}
		return eng.RollbackNew()
	default:
		return eng.RollbackNew()
	}
}

// RollbackOld is a no-op that exists only to honour the precondition
// ordering between BACKED_OLD_UP and COPIED_NEW.
func (eng *Engine) RollbackOld() error {
	return eng.J.SetGlobalFlag(journal.RollbackStarted)
}

// RollbackNew removes every .new shadow produced by copy_new. Idempotent:
// re-running after a partial copy_new removes exactly what was produced so
// far and tolerates the rest being absent.
func (eng *Engine) RollbackNew() error {
	if err := eng.J.SetGlobalFlag(journal.RollbackStarted); err != nil {
		return err
	}
	return eng.J.Walk(func(e *journal.Entry) error {
		if e.HasFlag(journal.FileIgnore) {
			return nil
		}
		return tolerate(unix.Unlink(eng.newShadow(e)), unix.ENOENT)
	})
}

// RollbackReplace restores every backed-up original from its .old shadow
// and removes any remaining .new shadows.
func (eng *Engine) RollbackReplace() error {
	if err := eng.J.SetGlobalFlag(journal.RollbackStarted); err != nil {
		return err
	}
	return eng.J.Walk(func(e *journal.Entry) error {
		if e.HasFlag(journal.FileIgnore) {
			return nil
		}
		if e.HasFlag(journal.FileBackedUp) {
			if err := tolerate(filecopy.Move(eng.oldShadow(e), eng.finalPath(e)), unix.ENOENT); err != nil {
				return err
			}
			// rename(2) does nothing when both names are hard links to the
			// same file, which is what backup_old leaves behind for an entry
			// replace has not reached yet; drop the .old name explicitly.
			if err := tolerate(unix.Unlink(eng.oldShadow(e)), unix.ENOENT); err != nil {
				return err
			}
		}
		return tolerate(unix.Unlink(eng.newShadow(e)), unix.ENOENT)
	})
}
