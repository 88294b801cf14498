/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package shrinker

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/natefinch/atomic"
	"github.com/shirou/gopsutil/v3/disk"

	internalshm "github.com/srediag/shm-shrink/internal/shm"
)

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// canCreateOnDisk reports whether the filesystem holding path has size bytes
// free. When usage cannot be determined it answers true and lets the write fail.
func canCreateOnDisk(ctx context.Context, size uint64, path string) bool {
	stat, err := disk.UsageWithContext(ctx, filepath.Dir(path))
	if err != nil {
		internalLogger.debugf("disk usage of %s: %v", filepath.Dir(path), err)
		return true
	}
	return stat.Free >= size
}

// PrepareOptions describes a backing file to create.
type PrepareOptions struct {
	Path  string
	Pages int
	// PageSize defaults to the OS page size.
	PageSize  int
	Overwrite bool
}

// PrepareFile atomically writes a file of Pages pages whose words hold their
// own index, so every sample printed during a run is recognizable.
func PrepareFile(ctx context.Context, opts PrepareOptions) (int64, error) {
	if opts.Pages < 1 {
		return 0, fmt.Errorf("%w: pages must be positive, got %d", ErrInvalidConfig, opts.Pages)
	}
	pageSize := opts.PageSize
	if pageSize == 0 {
		pageSize = internalshm.PageSize()
	}
	if pageSize < internalshm.WordSize || pageSize%internalshm.WordSize != 0 {
		return 0, fmt.Errorf("%w: page size %d is not a multiple of %d", ErrInvalidConfig, pageSize, internalshm.WordSize)
	}
	if !opts.Overwrite && pathExists(opts.Path) {
		return 0, fmt.Errorf("%w: %s", ErrFileExists, opts.Path)
	}
	size := int64(opts.Pages) * int64(pageSize)
	if !canCreateOnDisk(ctx, uint64(size), opts.Path) {
		return 0, fmt.Errorf("%w: path %s, size %d", ErrNotEnoughSpace, opts.Path, size)
	}

	buf := make([]byte, size)
	for off := 0; off < len(buf); off += internalshm.WordSize {
		binary.NativeEndian.PutUint32(buf[off:], uint32(off/internalshm.WordSize))
	}
	if err := atomic.WriteFile(opts.Path, bytes.NewReader(buf)); err != nil {
		return 0, fmt.Errorf("write %s: %w", opts.Path, err)
	}
	internalLogger.infof("prepared %s: %d pages of %d bytes", opts.Path, opts.Pages, pageSize)
	return size, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
