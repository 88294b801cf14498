// Package shm provides a shrink-only shared region: a file mapped into memory
// whose valid length is published atomically by a single writer and read as
// a snapshot by any number of readers.
//
// The region never exposes its length field directly. Readers call
// SnapshotLength once per unit of work and touch only Bytes()[:snapshot];
// the writer lowers the bound with PublishLength and may truncate the
// backing file once no reader can still hold a larger snapshot (see package
// quiesce for the grace-period protocol).
//
// The valid length is exported as an OpenTelemetry gauge (OTel Go SDK v1.30.0).
//
// Example usage:
//
//	r, err := shm.Open(ctx, shm.OpenOptions{Path: "/tmp/large.dat"})
//	if err != nil {
//	  return err
//	}
//	defer r.Close()
//	n := r.SnapshotLength()
//	data := r.Bytes()[:n]
//	// ...
//
// Platform-specific helpers are in internal/shm.
package shm
