package sys

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data")
	tmp := path + ".tmp"

	require.NoError(t, WriteFileAtomic(path, tmp, []byte("one")))
	require.NoError(t, WriteFileAtomic(path, tmp, []byte("two")))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "two", string(b))
	_, err = os.Stat(tmp)
	assert.True(t, os.IsNotExist(err), "temp file must be gone after rename")
}

func TestWriteFileAtomic_RenameFailureLeavesOldFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data")
	tmp := path + ".tmp"
	require.NoError(t, WriteFileAtomic(path, tmp, []byte("old")))

	orig := Rename
	Rename = func(string, string) error { return errors.New("injected rename failure") }
	defer func() { Rename = orig }()

	require.Error(t, WriteFileAtomic(path, tmp, []byte("new")))
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "old", string(b))
	_, err = os.Stat(tmp)
	assert.True(t, os.IsNotExist(err))
}

func TestAcquireFileLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog")

	release, err := AcquireFileLock(path, 0, time.Millisecond, time.Minute)
	require.NoError(t, err)

	_, err = AcquireFileLock(path, 2, time.Millisecond, time.Minute)
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, release())
	release2, err := AcquireFileLock(path, 0, time.Millisecond, time.Minute)
	require.NoError(t, err)
	require.NoError(t, release2())
}

func TestAcquireFileLock_BreaksStaleLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog")
	old := lockStamp(1, time.Now().Add(-time.Hour).UnixNano())
	require.NoError(t, os.WriteFile(path+".lock", old, 0o644))

	release, err := AcquireFileLock(path, 1, time.Millisecond, time.Second)
	require.NoError(t, err)
	require.NoError(t, release())
	_, err = os.Stat(path + ".lock")
	assert.True(t, os.IsNotExist(err))
}
