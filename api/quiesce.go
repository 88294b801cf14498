// Package api defines public API contracts for shm-shrink.
package api

import "context"

// Bracket marks a reader's unit of work. Enter and Exit never block.
type Bracket interface {
	Enter()
	Exit()
}

// Synchronizer waits for every bracket open at call time to close.
type Synchronizer interface {
	Synchronize(ctx context.Context) error
}
