// Package handshake implements the one-shot rendezvous between the lock
// coordinator and a freshly spawned envoy.
//
// The coordinator opens a Channel per acquisition attempt, hands its Path to
// the envoy and waits in Accept. Once the external lock is held the envoy
// calls Report, which sends its pid as an 8-byte big-endian value and waits
// for a single acknowledgement byte. An envoy that gets no acknowledgement
// must exit, so a lock acquired after the coordinator gave up is released
// right away instead of lingering until its hold duration elapses.
//
// Every Channel lives in its own private temporary directory which Close
// removes, whatever the outcome of the attempt.
package handshake
