// Package api defines public API contracts for shm-shrink.
package api

// LengthSource is the read side of a shrink-only region.
type LengthSource interface {
	// SnapshotLength returns the number of bytes currently safe to read.
	SnapshotLength() int
	// Bytes returns the whole mapped region. Only the prefix up to a
	// snapshot taken inside a bracket may be touched.
	Bytes() []byte
	// PageSize is used to decide where diagnostic samples are taken.
	PageSize() int
}

// LengthPublisher is the write side of a shrink-only region.
type LengthPublisher interface {
	SnapshotLength() int
	// PublishLength lowers the valid length. Raising it is a programming error.
	PublishLength(n int)
}

// Store is the backing store whose size bounds what may be touched.
type Store interface {
	Truncate(size int64) error
}
