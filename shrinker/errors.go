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

import "errors"

var (
	// ErrInvalidConfig wraps every configuration validation failure.
	ErrInvalidConfig = errors.New("invalid config")
	// ErrConfigFile is returned when a config file cannot be read or parsed.
	ErrConfigFile = errors.New("config file")
	// ErrNotEnoughSpace is returned when the target filesystem cannot hold a prepared file.
	ErrNotEnoughSpace = errors.New("not enough space left on the filesystem")
	// ErrFileExists is returned when prepare would overwrite an existing file.
	ErrFileExists = errors.New("file already exists")
)
