//go:build race

package shrinker

// Instrumented loads on a truncated mapping fault outside Go code.
const raceEnabled = true
