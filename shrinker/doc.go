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

// Package shrinker runs reader workers over a shared region while a single
// coordinator shrinks its backing file underneath them.
//
// In protected mode every scan is bracketed by a quiescence barrier and the
// coordinator truncates only after a grace period. In unsynchronized mode
// both are skipped, which reproduces the illegal access the barrier exists
// to prevent.
package shrinker
