//go:build !linux

package shm

import (
	"context"
	"os"
)

// MapFile is not implemented on this platform.
func MapFile(ctx context.Context, opts MapOptions) (*MappedRegion, error) {
	// TODO: implement with mmap on the BSDs and darwin, CreateFileMapping on windows
	return nil, ErrUnsupported
}

// Truncate is not implemented on this platform.
func (r *MappedRegion) Truncate(size int64) error {
	return ErrUnsupported
}

// Size is not implemented on this platform.
func (r *MappedRegion) Size() (int64, error) {
	return 0, ErrUnsupported
}

// UnmapRegion is not implemented on this platform.
func UnmapRegion(ctx context.Context, region *MappedRegion) error {
	return nil
}

// PageSize returns the operating system page size.
func PageSize() int {
	return os.Getpagesize()
}

// ThreadID is unknown on this platform and always 0.
func ThreadID() int {
	return 0
}
