// Package shm contains platform-specific helpers for mapping the backing file of a shared region.
package shm

import "errors"

var (
	// ErrEmptyFile is returned when the file to map has no bytes.
	ErrEmptyFile = errors.New("file is empty")
	// ErrNotRegular is returned when the path does not name a regular file.
	ErrNotRegular = errors.New("not a regular file")
	// ErrUnsupported is returned on platforms without a mapping implementation.
	ErrUnsupported = errors.New("file mapping not supported on this platform")
	// ErrClosed is returned by operations on an unmapped region.
	ErrClosed = errors.New("region already unmapped")
)

// MappedRegion represents a read-only mapping of a whole file.
type MappedRegion struct {
	Addr []byte
	Path string
	// platform-specific fields (fd, handle, etc.)
	fd int
}

// MapOptions defines options for mapping a file.
type MapOptions struct {
	Path string
	// Private maps the file copy-on-write instead of shared.
	Private bool
}

// Function implementations are provided in platform-specific files (e.g., platform_linux.go, platform_other.go).
