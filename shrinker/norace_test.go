//go:build !race

package shrinker

const raceEnabled = false
