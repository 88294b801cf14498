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
	"context"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrepareFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "region")
	size, err := PrepareFile(context.Background(), PrepareOptions{Path: path, Pages: 3, PageSize: 1024})
	require.NoError(t, err)
	assert.Equal(t, int64(3072), size)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, data, 3072)
	for _, word := range []int{0, 1, 255, 767} {
		assert.Equal(t, uint32(word), binary.NativeEndian.Uint32(data[word*4:]))
	}

	_, err = PrepareFile(context.Background(), PrepareOptions{Path: path, Pages: 1, PageSize: 1024})
	assert.ErrorIs(t, err, ErrFileExists)

	size, err = PrepareFile(context.Background(), PrepareOptions{Path: path, Pages: 1, PageSize: 1024, Overwrite: true})
	require.NoError(t, err)
	assert.Equal(t, int64(1024), size)
}

func TestPrepareFileInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "region")
	_, err := PrepareFile(context.Background(), PrepareOptions{Path: path})
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = PrepareFile(context.Background(), PrepareOptions{Path: path, Pages: 1, PageSize: 6})
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.False(t, pathExists(path))
}

func TestCanCreateOnDisk(t *testing.T) {
	dir := t.TempDir()
	assert.True(t, canCreateOnDisk(context.Background(), 1, filepath.Join(dir, "x")))
	assert.False(t, canCreateOnDisk(context.Background(), math.MaxUint64, filepath.Join(dir, "y")))
}

func TestSleepContext(t *testing.T) {
	assert.NoError(t, sleepContext(context.Background(), 0))
	assert.NoError(t, sleepContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
	assert.ErrorIs(t, sleepContext(ctx, 0), context.Canceled)
}
