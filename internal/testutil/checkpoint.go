// Package testutil holds helpers shared by tests that build checkpoints on
// the local file system.
package testutil

import (
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/INLOpen/nexusstate/blob"
	"github.com/INLOpen/nexusstate/core"
)

// NewLocalStore returns a local blob store rooted in a fresh temp dir, and
// the dir itself.
func NewLocalStore(t testing.TB) (*blob.Local, string) {
	t.Helper()
	root := t.TempDir()
	s, err := blob.NewLocal(root)
	if err != nil {
		t.Fatalf("open local blob store at %s: %v", root, err)
	}
	return s, root
}

// ListStateFiles returns the sorted delta and snapshot file names of coord
// under root. A coordinate that never committed has no files.
func ListStateFiles(root string, coord core.Coordinate) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(root, filepath.FromSlash(coord.Dir())))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, _, err := core.ParseBatchFileName(e.Name()); err == nil {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

// RequireStateFiles fails the test unless coord has exactly the given files.
func RequireStateFiles(t testing.TB, root string, coord core.Coordinate, want ...string) {
	t.Helper()
	got, err := ListStateFiles(root, coord)
	if err != nil {
		t.Fatalf("list state files of %s: %v", coord, err)
	}
	sort.Strings(want)
	if len(want) == 0 {
		want = nil
	}
	if len(got) != len(want) {
		t.Fatalf("state files of %s: got %v, want %v", coord, got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("state files of %s: got %v, want %v", coord, got, want)
		}
	}
}

// Delta and Snapshot name the files of batch b.
func Delta(b core.BatchID) string    { return core.FormatBatchFileName(b, core.DeltaFileSuffix) }
func Snapshot(b core.BatchID) string { return core.FormatBatchFileName(b, core.SnapshotFileSuffix) }
