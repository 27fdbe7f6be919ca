// Package blob abstracts the directory-like file store that holds checkpoint
// files and catalog versions. Names are slash separated and relative to the
// store root.
package blob

import (
	"context"
	"errors"
	"strings"
)

// ErrNotFound is returned by Get when a name does not exist.
var ErrNotFound = errors.New("blob: not found")

// Store is a flat namespace of immutable files grouped into directories.
type Store interface {
	// Put writes data under name atomically: readers observe either the
	// complete new content or the previous state, never a partial file.
	Put(ctx context.Context, name string, data []byte) error
	// Get returns the content stored under name or ErrNotFound.
	Get(ctx context.Context, name string) ([]byte, error)
	// List returns the sorted base names of the files directly inside dir.
	// A missing directory yields an empty list.
	List(ctx context.Context, dir string) ([]string, error)
	// Delete removes name. Deleting a missing name is not an error.
	Delete(ctx context.Context, name string) error
}

// IsNotFound reports whether err means the requested blob does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Join builds a store name from slash separated elements.
func Join(elem ...string) string {
	parts := make([]string, 0, len(elem))
	for _, e := range elem {
		e = strings.Trim(e, "/")
		if e != "" {
			parts = append(parts, e)
		}
	}
	return strings.Join(parts, "/")
}

// isTempName reports whether base is an in-progress upload left by Local.Put.
func isTempName(base string) bool {
	return strings.HasPrefix(base, ".") && strings.HasSuffix(base, ".tmp")
}
