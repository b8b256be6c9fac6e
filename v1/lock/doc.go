// Package lock brokers exclusive access to backup repositories.
//
// The Coordinator never holds a lock itself. Acquire spawns an envoy under
// the external locking primitive and waits on a handshake channel for the
// envoy's pid; the pid is then written to the shared state store, which is
// the only place any worker learns who holds what. Release terminates the
// envoy, which makes the primitive drop the lock, and removes the entry.
//
// Holder liveness is checked explicitly on Status and Release so an entry
// left behind by a crashed envoy is reported as stale and cleared instead of
// wedging the repository. The Reaper runs the same check over every entry on
// an interval, guarded so one worker sweeps at a time.
package lock
