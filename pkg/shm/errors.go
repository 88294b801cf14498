package shm

import (
	internalshm "github.com/srediag/shm-shrink/internal/shm"
)

var (
	// ErrEmptyFile is returned by Open for a zero-length file.
	ErrEmptyFile = internalshm.ErrEmptyFile
	// ErrNotRegular is returned by Open for anything but a regular file.
	ErrNotRegular = internalshm.ErrNotRegular
	// ErrUnsupported is returned by Open on platforms without file mapping.
	ErrUnsupported = internalshm.ErrUnsupported
	// ErrClosed is returned by store operations after Close.
	ErrClosed = internalshm.ErrClosed
)
