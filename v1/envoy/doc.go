// Package envoy supervises the disposable child processes that hold
// repository locks.
//
// A ProcessHolder starts the external locking primitive (borg with-lock by
// default) wrapping the envoy binary. The envoy itself (Run) reports its pid
// over the handshake channel once the primitive has taken the lock, then does
// nothing until it is signalled or its maximum hold duration elapses.
// Terminating the envoy is therefore all it takes to release the lock.
package envoy
