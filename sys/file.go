// Package sys wraps the file system calls made by the local blob store and the
// catalog lock so tests can inject faults.
package sys

import (
	"io/fs"
	"os"
)

// FileHandle is the subset of *os.File used by the store.
type FileHandle interface {
	Write(p []byte) (int, error)
	Sync() error
	Close() error
	Name() string
}

type CreateHandler func(name string) (FileHandle, error)
type ReadFileHandler func(name string) ([]byte, error)
type RenameHandler func(oldpath, newpath string) error
type RemoveHandler func(name string) error
type MkdirAllHandler func(path string, perm os.FileMode) error
type ReadDirHandler func(name string) ([]fs.DirEntry, error)
type StatHandler func(name string) (os.FileInfo, error)

var Create CreateHandler = func(name string) (FileHandle, error) {
	return os.OpenFile(name, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
}

var ReadFile ReadFileHandler = os.ReadFile

var Rename RenameHandler = os.Rename

var Remove RemoveHandler = os.Remove

var MkdirAll MkdirAllHandler = os.MkdirAll

var ReadDir ReadDirHandler = os.ReadDir

var Stat StatHandler = os.Stat

// WriteFileAtomic writes data to a temporary file next to path, fsyncs it and
// renames it into place, so readers see either the old file or the new one.
func WriteFileAtomic(path, tmpPath string, data []byte) error {
	f, err := Create(tmpPath)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		_ = Remove(tmpPath)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		_ = Remove(tmpPath)
		return err
	}
	// Close before renaming; Windows refuses to rename open files.
	if err := f.Close(); err != nil {
		_ = Remove(tmpPath)
		return err
	}
	if err := Rename(tmpPath, path); err != nil {
		_ = Remove(tmpPath)
		return err
	}
	return nil
}
