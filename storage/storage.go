// Package storage gives access to the files the server manages below
// uwsWD: job working directories, their uploads and results.
package storage

import (
	"errors"
	"io"
)

var ErrOutsideStorage = errors.New("path escapes storage root")

// Storage addresses files by slash-separated paths relative to its root.
type Storage interface {
	Read(path string) (io.ReadCloser, error)

	// Write replaces path with the content of data. With limit >= 0 it
	// fails with a base.TooLargeError and leaves no file behind when data
	// holds more than limit bytes.
	Write(path string, data io.Reader, limit int64) (int64, error)

	// Delete removes path and everything below it. Missing paths are
	// not an error.
	Delete(path string) error

	Exists(path string) (bool, error)

	MkdirAll(path string) error

	// DiskUsage is the number of bytes stored below path.
	DiskUsage(path string) (int64, error)

	// FullPath is the local file name of path.
	FullPath(path string) (string, error)

	// Rel turns a local file name below the root back into a path.
	Rel(fullpath string) (string, error)

	Usage() (UsageStats, error)
}

// UsageStats describes the file system holding the storage root.
type UsageStats struct {
	TotalBytes uint64
	FreeBytes  uint64
}
