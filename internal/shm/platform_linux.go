//go:build linux

package shm

import (
	"context"
	"fmt"
	"math"

	"golang.org/x/sys/unix"
)

// MapFile opens the file at opts.Path read-write and maps all of it read-only (Linux implementation).
// The descriptor stays open so the file can later be truncated through the region.
func MapFile(ctx context.Context, opts MapOptions) (*MappedRegion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fd, err := unix.Open(opts.Path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", opts.Path, err)
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("fstat %s: %w", opts.Path, err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFREG {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("%s: %w", opts.Path, ErrNotRegular)
	}
	if st.Size <= 0 {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("%s: %w", opts.Path, ErrEmptyFile)
	}
	if st.Size > math.MaxInt {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("%s: size %d does not fit in memory", opts.Path, st.Size)
	}
	flags := unix.MAP_SHARED
	if opts.Private {
		flags = unix.MAP_PRIVATE
	}
	addr, err := unix.Mmap(fd, 0, int(st.Size), unix.PROT_READ, flags)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("mmap %s: %w", opts.Path, err)
	}
	return &MappedRegion{
		Addr: addr,
		Path: opts.Path,
		fd:   fd,
	}, nil
}

// Truncate resizes the backing file. The mapping itself keeps its length;
// pages past the new end of file fault when touched.
func (r *MappedRegion) Truncate(size int64) error {
	if r == nil || r.Addr == nil {
		return ErrClosed
	}
	if err := unix.Ftruncate(r.fd, size); err != nil {
		return fmt.Errorf("ftruncate %s to %d: %w", r.Path, size, err)
	}
	return nil
}

// Size reports the current size of the backing file.
func (r *MappedRegion) Size() (int64, error) {
	if r == nil || r.Addr == nil {
		return 0, ErrClosed
	}
	var st unix.Stat_t
	if err := unix.Fstat(r.fd, &st); err != nil {
		return 0, fmt.Errorf("fstat %s: %w", r.Path, err)
	}
	return st.Size, nil
}

// UnmapRegion unmaps the region and closes its file (Linux implementation).
func UnmapRegion(ctx context.Context, region *MappedRegion) error {
	if region == nil || region.Addr == nil {
		return nil
	}
	if err := unix.Munmap(region.Addr); err != nil {
		return fmt.Errorf("munmap: %w", err)
	}
	region.Addr = nil
	if err := unix.Close(region.fd); err != nil {
		return fmt.Errorf("close %s: %w", region.Path, err)
	}
	return nil
}

// PageSize returns the operating system page size.
func PageSize() int {
	return unix.Getpagesize()
}

// ThreadID returns the id of the OS thread running the caller.
// It is only stable while the goroutine is locked to its thread.
func ThreadID() int {
	return unix.Gettid()
}
