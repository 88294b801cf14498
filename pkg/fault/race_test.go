//go:build race

package fault

// The race runtime performs instrumented loads outside Go code, where a
// fault on a truncated mapping cannot be turned into a panic.
const raceEnabled = true
