package merge

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/projg2/atomic-install/journal"
)

func newEngine(t *testing.T, sourceRoot, destRoot string, removals []string) (*Engine, string) {
	t.Helper()
	journalPath := filepath.Join(t.TempDir(), "journal")
	var err error
	if len(removals) > 0 {
		err = journal.CreateWithRemovals(journalPath, sourceRoot, removals)
	} else {
		err = journal.Create(journalPath, sourceRoot)
	}
	require.NoError(t, err)

	j, err := journal.Open(journalPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })

	return New(j, journalPath, sourceRoot, destRoot), journalPath
}

func runToReplaced(t *testing.T, eng *Engine) {
	t.Helper()
	require.NoError(t, eng.CopyNew())
	require.NoError(t, eng.BackupOld())
	require.NoError(t, eng.Replace())
}

// Seed scenario 1: vanilla install.
func TestVanillaInstall(t *testing.T) {
	srcRoot := t.TempDir()
	destRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcRoot, "a"), []byte("hello"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(srcRoot, "b"), 0755))
	require.NoError(t, os.Symlink("/tmp/x", filepath.Join(srcRoot, "b", "c")))

	eng, journalPath := newEngine(t, srcRoot, destRoot, nil)
	runToReplaced(t, eng)
	require.NoError(t, eng.Cleanup())

	got, err := os.ReadFile(filepath.Join(destRoot, "a"))
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))

	target, err := os.Readlink(filepath.Join(destRoot, "b", "c"))
	require.NoError(t, err)
	require.Equal(t, "/tmp/x", target)

	_, err = os.Stat(journalPath)
	require.True(t, os.IsNotExist(err))

	entries, err := os.ReadDir(destRoot)
	require.NoError(t, err)
	for _, e := range entries {
		require.NotContains(t, e.Name(), "~")
	}
}

// Seed scenario 2: replace existing.
func TestReplaceExisting(t *testing.T) {
	srcRoot := t.TempDir()
	destRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcRoot, "a"), []byte("hello"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(destRoot, "a"), []byte("old"), 0644))

	eng, _ := newEngine(t, srcRoot, destRoot, nil)
	require.NoError(t, eng.CopyNew())
	require.NoError(t, eng.BackupOld())

	oldShadow := filepath.Join(destRoot, "."+eng.J.Prefix()+"~a.old")
	got, err := os.ReadFile(oldShadow)
	require.NoError(t, err)
	require.Equal(t, "old", string(got))

	require.NoError(t, eng.Replace())
	got, err = os.ReadFile(filepath.Join(destRoot, "a"))
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))

	require.ErrorIs(t, eng.Rollback(), ErrRollbackImpossible)

	require.NoError(t, eng.Cleanup())
	_, err = os.Stat(oldShadow)
	require.True(t, os.IsNotExist(err))
}

// Seed scenario 3: crash before REPLACE, then forced rollback.
func TestCrashBeforeReplaceRollsBack(t *testing.T) {
	srcRoot := t.TempDir()
	destRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcRoot, "a"), []byte("hello"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(destRoot, "a"), []byte("old"), 0644))

	eng, journalPath := newEngine(t, srcRoot, destRoot, nil)
	require.NoError(t, eng.CopyNew())
	require.NoError(t, eng.BackupOld())

	require.NoError(t, eng.Rollback())

	got, err := os.ReadFile(filepath.Join(destRoot, "a"))
	require.NoError(t, err)
	require.Equal(t, "old", string(got))

	entries, err := os.ReadDir(destRoot)
	require.NoError(t, err)
	for _, e := range entries {
		require.NotContains(t, e.Name(), "~")
	}
	_ = journalPath
}

// Seed scenario 5: removal list, no conflict.
func TestRemovalListNoConflict(t *testing.T) {
	srcRoot := t.TempDir()
	destRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(destRoot, "a"), []byte("old"), 0644))

	eng, _ := newEngine(t, srcRoot, destRoot, []string{"/a"})
	var removals []RemovalOutcome
	eng.Removal = func(path string, outcome RemovalOutcome) {
		removals = append(removals, outcome)
	}

	runToReplaced(t, eng)
	require.NoError(t, eng.Cleanup())

	_, err := os.Stat(filepath.Join(destRoot, "a"))
	require.True(t, os.IsNotExist(err))
	require.Contains(t, removals, RemovalDone)
}

// A FILE_REMOVE entry whose target never existed still fires the removal
// callback, reporting ENOENT-equivalent absence rather than staying silent.
func TestRemovalListAbsentTargetReportsAbsent(t *testing.T) {
	srcRoot := t.TempDir()
	destRoot := t.TempDir()

	eng, _ := newEngine(t, srcRoot, destRoot, []string{"/gone"})
	var removals []RemovalOutcome
	eng.Removal = func(path string, outcome RemovalOutcome) {
		removals = append(removals, outcome)
	}

	runToReplaced(t, eng)
	require.NoError(t, eng.Cleanup())

	require.Contains(t, removals, RemovalAbsent)
}

// Seed scenario 5 variant: removal list, conflicting source entry.
func TestRemovalListConflictIsIgnored(t *testing.T) {
	srcRoot := t.TempDir()
	destRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcRoot, "a"), []byte("new"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(destRoot, "a"), []byte("old"), 0644))

	eng, _ := newEngine(t, srcRoot, destRoot, []string{"/a"})
	var removals []RemovalOutcome
	eng.Removal = func(path string, outcome RemovalOutcome) {
		removals = append(removals, outcome)
	}

	runToReplaced(t, eng)
	require.NoError(t, eng.Cleanup())

	got, err := os.ReadFile(filepath.Join(destRoot, "a"))
	require.NoError(t, err)
	require.Equal(t, "new", string(got))
	require.Contains(t, removals, RemovalReplaced)
}

// Seed scenario 6: crash mid-copy, resume re-enters copy_new idempotently.
func TestCrashMidCopyResumeOverwritesShadow(t *testing.T) {
	srcRoot := t.TempDir()
	destRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcRoot, "a"), []byte("hello world"), 0644))

	eng, _ := newEngine(t, srcRoot, destRoot, nil)

	// Simulate a crash partway through writing the .new shadow: the file
	// exists with stale/partial content, but COPIED_NEW was never set.
	newShadow := filepath.Join(destRoot, "."+eng.J.Prefix()+"~a.new")
	require.NoError(t, os.WriteFile(newShadow, []byte("PARTIAL"), 0644))

	require.NoError(t, eng.CopyNew())

	got, err := os.ReadFile(newShadow)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(got))
}

func TestDirectoryRemovalDeferredToCleanup(t *testing.T) {
	srcRoot := t.TempDir()
	destRoot := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(destRoot, "d"), 0755))

	eng, _ := newEngine(t, srcRoot, destRoot, []string{"/d"})
	runToReplaced(t, eng)

	_, err := os.Stat(filepath.Join(destRoot, "d"))
	require.NoError(t, err, "directory removal must be deferred past replace")

	var removals []RemovalOutcome
	eng.Removal = func(path string, outcome RemovalOutcome) {
		removals = append(removals, outcome)
	}
	require.NoError(t, eng.Cleanup())

	_, err = os.Stat(filepath.Join(destRoot, "d"))
	require.True(t, os.IsNotExist(err))
	require.Contains(t, removals, RemovalDone)
}

func TestCleanupRemapsFileInPlaceOfDirectoryToEnotempty(t *testing.T) {
	require.Equal(t, unix.ENOTEMPTY, errUnwrap(t))
}

func errUnwrap(t *testing.T) error {
	t.Helper()
	dir := t.TempDir()
	target := filepath.Join(dir, "d")
	require.NoError(t, os.WriteFile(target, nil, 0644))
	err := rmdirRemap(target)
	return err
}
