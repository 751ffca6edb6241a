package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/projg2/atomic-install/journal"
	"github.com/projg2/atomic-install/merge"
)

func TestReadRemovalListStripsTrailingNewlineAndBlanks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stdin")
	require.NoError(t, os.WriteFile(path, []byte("/a\n/b/c\n\n"), 0644))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	got, err := readRemovalList(f)
	require.NoError(t, err)
	require.Equal(t, []string{"/a", "/b/c"}, got)
}

func TestNextPhaseWalksForwardInOrder(t *testing.T) {
	srcRoot := t.TempDir()
	destRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcRoot, "a"), []byte("hi"), 0644))

	journalPath := filepath.Join(t.TempDir(), "journal")
	require.NoError(t, journal.Create(journalPath, srcRoot))
	j, err := journal.Open(journalPath)
	require.NoError(t, err)
	defer j.Close()

	eng := merge.New(j, journalPath, srcRoot, destRoot)
	opts := &options{}

	var seen []string
	for i := 0; i < 4; i++ {
		phase, done, err := nextPhase(eng, opts)
		require.NoError(t, err)
		seen = append(seen, phase)
		if done {
			break
		}
	}
	require.Equal(t, "copy_new,backup_old,replace,cleanup", strings.Join(seen, ","))
}

func TestNextPhaseStopsAtBackupOldWithNoReplace(t *testing.T) {
	srcRoot := t.TempDir()
	destRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcRoot, "a"), []byte("hi"), 0644))

	journalPath := filepath.Join(t.TempDir(), "journal")
	require.NoError(t, journal.Create(journalPath, srcRoot))
	j, err := journal.Open(journalPath)
	require.NoError(t, err)
	defer j.Close()

	eng := merge.New(j, journalPath, srcRoot, destRoot)
	opts := &options{noReplace: true}

	_, done, err := nextPhase(eng, opts)
	require.NoError(t, err)
	require.False(t, done)

	phase, done, err := nextPhase(eng, opts)
	require.NoError(t, err)
	require.Equal(t, "backup_old", phase)
	require.True(t, done)
}
